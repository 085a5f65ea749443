package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tarefas/domain"
)

type lister interface {
	ListTasks(ctx context.Context, owner string) ([]domain.TaskRecord, error)
}

// Cache wraps a task lister with Redis-backed caching of owner snapshots.
type Cache struct {
	base  lister
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base lister, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// ListTasks serves the owner's snapshot from Redis when present.
func (c *Cache) ListTasks(ctx context.Context, owner string) ([]domain.TaskRecord, error) {
	if tasks, ok := c.load(ctx, owner); ok {
		return tasks, nil
	}
	return c.Refresh(ctx, owner)
}

// Refresh reads the owner's snapshot from the table and stores it. A read
// that overlaps an Evict for the same owner is returned but not stored.
func (c *Cache) Refresh(ctx context.Context, owner string) ([]domain.TaskRecord, error) {
	if c.redis == nil || c.ttl == 0 || owner == "" {
		return c.base.ListTasks(ctx, owner)
	}
	var (
		tasks   []domain.TaskRecord
		listErr error
		listed  bool
	)
	// TxFailedErr means an eviction raced the read; the snapshot stays
	// uncached. Other redis errors only cost the cache write.
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		tasks, listErr = c.base.ListTasks(ctx, owner)
		listed = true
		if listErr != nil {
			return listErr
		}
		data, err := json.Marshal(tasks)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tasksCacheKey(owner), data, c.ttl)
			return nil
		})
		return err
	}, tasksGenerationKey(owner))
	if !listed {
		return c.base.ListTasks(ctx, owner)
	}
	if listErr != nil {
		return nil, listErr
	}
	return tasks, nil
}

// Evict drops the cached snapshot for owner and invalidates reads still in
// flight.
func (c *Cache) Evict(ctx context.Context, owner string) error {
	if c.redis == nil {
		return nil
	}
	gen := tasksGenerationKey(owner)
	_, err := c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, gen)
		p.Expire(ctx, gen, c.ttl+time.Minute)
		p.Del(ctx, tasksCacheKey(owner))
		return nil
	})
	return err
}

func (c *Cache) load(ctx context.Context, owner string) ([]domain.TaskRecord, bool) {
	if c.redis == nil || owner == "" {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(owner)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the table without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		}
		return nil, false
	}
	var tasks []domain.TaskRecord
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(owner)).Err()
		return nil, false
	}
	return tasks, true
}

func tasksCacheKey(owner string) string {
	return "tarefas:" + owner
}

func tasksGenerationKey(owner string) string {
	return "tarefas-gen:" + owner
}
