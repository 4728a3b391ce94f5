package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

type stubBackend struct {
	*Memory
	listCalls int
	listErr   error
}

func (s *stubBackend) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Memory.ListTasks(ctx, userID)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCacheListTasksMissThenHit(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &stubBackend{Memory: NewMemory()}
	created, err := base.CreateTask(ctx, "user-1", domain.Task{Title: "Write code", Column: domain.ColumnToDo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cache := NewCache(base, client, time.Minute)

	tasks, err := cache.ListTasks(ctx, "user-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if base.listCalls != 1 {
		t.Fatalf("expected 1 call to backend, got %d", base.listCalls)
	}
	if ttl := mr.TTL(tasksCacheKey("user-1")); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected TTL: %v", ttl)
	}

	cached, err := cache.ListTasks(ctx, "user-1")
	if err != nil {
		t.Fatalf("list cached tasks: %v", err)
	}
	if base.listCalls != 1 {
		t.Fatalf("expected cached list to avoid backend, calls=%d", base.listCalls)
	}
	if !reflect.DeepEqual(cached[0].ID, tasks[0].ID) || cached[0].Column != domain.ColumnToDo {
		t.Fatalf("unexpected cached tasks: %#v", cached)
	}
}

func TestCacheWritesEvict(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &stubBackend{Memory: NewMemory()}
	cache := NewCache(base, client, time.Minute)

	created, err := cache.CreateTask(ctx, "u", domain.Task{Title: "a", Column: domain.ColumnToDo})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	writes := []struct {
		name string
		run  func() error
	}{
		{"update", func() error {
			created.Title = "b"
			return cache.UpdateTask(ctx, "u", created)
		}},
		{"reorder", func() error {
			return cache.ReorderTasks(ctx, "u", []domain.ReorderItem{{ID: created.ID, Column: domain.ColumnDone, ColumnOrder: 0}})
		}},
		{"delete", func() error { return cache.DeleteTask(ctx, "u", created.ID) }},
	}
	for _, w := range writes {
		if _, err := cache.ListTasks(ctx, "u"); err != nil {
			t.Fatalf("%s: warm cache: %v", w.name, err)
		}
		if !mr.Exists(tasksCacheKey("u")) {
			t.Fatalf("%s: expected cache entry before write", w.name)
		}
		if err := w.run(); err != nil {
			t.Fatalf("%s: %v", w.name, err)
		}
		if mr.Exists(tasksCacheKey("u")) {
			t.Fatalf("%s: expected cache entry to be evicted", w.name)
		}
	}
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	base := &stubBackend{Memory: NewMemory()}
	cache := NewCache(base, client, time.Minute)

	if err := mr.Set(tasksCacheKey("u"), "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tasks, err := cache.ListTasks(ctx, "u")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty list, got %#v", tasks)
	}
	if base.listCalls != 1 {
		t.Fatalf("expected fallback to backend, calls=%d", base.listCalls)
	}
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	mr, client := newTestRedis(t)
	boom := errors.New("backend down")
	cache := NewCache(&stubBackend{Memory: NewMemory(), listErr: boom}, client, time.Minute)

	if _, err := cache.ListTasks(context.Background(), "u"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if mr.Exists(tasksCacheKey("u")) {
		t.Fatalf("errors must not be cached")
	}
}

func TestCacheWithoutRedis(t *testing.T) {
	base := &stubBackend{Memory: NewMemory()}
	cache := NewCache(base, nil, time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := cache.ListTasks(context.Background(), "u"); err != nil {
			t.Fatalf("list tasks: %v", err)
		}
	}
	if base.listCalls != 2 {
		t.Fatalf("expected every call to reach backend, calls=%d", base.listCalls)
	}
}
