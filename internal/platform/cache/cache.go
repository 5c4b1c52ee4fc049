// Package cache holds the Redis connection backing the progress cache.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conn is an open Redis connection.
type Conn struct {
	Client *redis.Client
}

// ParseURL validates a redis:// or rediss:// URL and applies the dial and
// I/O timeouts used for progress lookups.
func ParseURL(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("cache URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse cache URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	return opts, nil
}

// Dial connects and pings the server.
func Dial(ctx context.Context, url string) (*Conn, error) {
	opts, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	return &Conn{Client: client}, nil
}

// Progress returns a progress cache over this connection.
func (c *Conn) Progress(ttl time.Duration) *ProgressCache {
	return NewProgressCache(c.Client, ttl)
}

func (c *Conn) Close() error {
	return c.Client.Close()
}

// HealthCheck is used by the readiness probe.
func (c *Conn) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
