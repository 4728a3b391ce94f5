package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type backend interface {
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	CreateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID string, t domain.Task) error
	ReorderTasks(ctx context.Context, userID string, items []domain.ReorderItem) error
	DeleteTask(ctx context.Context, userID, id string) error
	ScheduleDue(ctx context.Context, userID string, t domain.Task) error
}

// Cache wraps a store with a Redis-backed cache of each user's task list.
// Any write evicts the user's entry.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, userID); ok {
		return tasks, nil
	}
	tasks, err := c.base.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.storeTasks(ctx, userID, tasks)
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, userID, id)
}

func (c *Cache) CreateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	created, err := c.base.CreateTask(ctx, userID, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, userID)
	return created, nil
}

func (c *Cache) UpdateTask(ctx context.Context, userID string, t domain.Task) error {
	if err := c.base.UpdateTask(ctx, userID, t); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) ReorderTasks(ctx context.Context, userID string, items []domain.ReorderItem) error {
	err := c.base.ReorderTasks(ctx, userID, items)
	// A failed multi-batch reorder may have applied a prefix.
	c.evict(ctx, userID)
	return err
}

func (c *Cache) DeleteTask(ctx context.Context, userID, id string) error {
	if err := c.base.DeleteTask(ctx, userID, id); err != nil {
		return err
	}
	c.evict(ctx, userID)
	return nil
}

func (c *Cache) ScheduleDue(ctx context.Context, userID string, t domain.Task) error {
	return c.base.ScheduleDue(ctx, userID, t)
}

func (c *Cache) loadTasks(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, userID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(userID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
}

func tasksCacheKey(userID string) string {
	return "todos:" + userID
}
