package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p-n-ai/pai-training/internal/training"
)

const defaultProgressTTL = 10 * time.Minute

// ProgressCache caches computed course progress in Redis. Entries are keyed
// by the current user and course generations; invalidation bumps a
// generation so older entries become unreachable and expire on their own.
type ProgressCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewProgressCache creates a progress cache. A zero ttl uses ten minutes.
func NewProgressCache(client redis.Cmdable, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = defaultProgressTTL
	}
	return &ProgressCache{client: client, ttl: ttl, prefix: "train"}
}

func (c *ProgressCache) userGen(userID int64) string {
	return fmt.Sprintf("%s:gen:user:%d", c.prefix, userID)
}

func (c *ProgressCache) courseGen(courseID int64) string {
	return fmt.Sprintf("%s:gen:course:%d", c.prefix, courseID)
}

func (c *ProgressCache) Get(ctx context.Context, userID, courseID int64) (training.Progress, string, bool, error) {
	gens, err := c.client.MGet(ctx, c.userGen(userID), c.courseGen(courseID)).Result()
	if err != nil {
		return training.Progress{}, "", false, fmt.Errorf("read generations: %w", err)
	}
	stamp := fmt.Sprintf("%s:progress:%d:%d:%s:%s", c.prefix, userID, courseID, gen(gens[0]), gen(gens[1]))

	raw, err := c.client.Get(ctx, stamp).Bytes()
	if errors.Is(err, redis.Nil) {
		return training.Progress{}, stamp, false, nil
	}
	if err != nil {
		return training.Progress{}, "", false, fmt.Errorf("read progress: %w", err)
	}

	var p training.Progress
	if err := json.Unmarshal(raw, &p); err != nil {
		// A corrupt entry is treated as a miss and overwritten.
		return training.Progress{}, stamp, false, nil
	}
	return p, stamp, true, nil
}

func (c *ProgressCache) Set(ctx context.Context, stamp string, p training.Progress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := c.client.Set(ctx, stamp, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	return nil
}

func (c *ProgressCache) InvalidateUser(ctx context.Context, userID int64) error {
	if err := c.client.Incr(ctx, c.userGen(userID)).Err(); err != nil {
		return fmt.Errorf("bump user generation: %w", err)
	}
	return nil
}

func (c *ProgressCache) InvalidateCourse(ctx context.Context, courseID int64) error {
	if err := c.client.Incr(ctx, c.courseGen(courseID)).Err(); err != nil {
		return fmt.Errorf("bump course generation: %w", err)
	}
	return nil
}

func gen(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "0"
}
