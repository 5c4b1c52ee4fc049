// Package training keeps course membership, assignments, progress and quizzes
// consistent with each other.
package training

import (
	"context"
	"time"

	"github.com/p-n-ai/pai-training/internal/catalog"
	"github.com/p-n-ai/pai-training/internal/notify"
)

const defaultWorkers = 8

// ProgressCache stores computed course progress per (user, course).
// Get returns a stamp identifying the cache generation it read; Set stores
// under that stamp so a value computed before an invalidation is never
// served after it.
type ProgressCache interface {
	Get(ctx context.Context, userID, courseID int64) (p Progress, stamp string, ok bool, err error)
	Set(ctx context.Context, stamp string, p Progress) error
	InvalidateUser(ctx context.Context, userID int64) error
	InvalidateCourse(ctx context.Context, courseID int64) error
}

// Publisher receives training events.
type Publisher interface {
	Publish(ctx context.Context, e notify.Event)
}

// EngineConfig holds dependencies for the training engine.
type EngineConfig struct {
	Store     Store
	Catalog   catalog.Reader // optional; without it posts are added without parent markers
	Cache     ProgressCache
	Publisher Publisher
	Workers   int // concurrent users in CourseProgress (default 8)
	Now       func() time.Time
}

// Engine applies training operations on top of a Store.
type Engine struct {
	store     Store
	catalog   catalog.Reader
	cache     ProgressCache
	publisher Publisher
	workers   int
	now       func() time.Time
}

// NewEngine creates a new training engine.
func NewEngine(cfg EngineConfig) *Engine {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = nopCache{}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     store,
		catalog:   cfg.Catalog,
		cache:     cache,
		publisher: publisher,
		workers:   workers,
		now:       now,
	}
}

type nopCache struct{}

func (nopCache) Get(context.Context, int64, int64) (Progress, string, bool, error) {
	return Progress{}, "", false, nil
}

func (nopCache) Set(context.Context, string, Progress) error { return nil }

func (nopCache) InvalidateUser(context.Context, int64) error { return nil }

func (nopCache) InvalidateCourse(context.Context, int64) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, notify.Event) {}
