package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskboard/domain"
)

// Memory is an in-process task store. It is used when no table storage is
// configured and in tests.
type Memory struct {
	mu        sync.RWMutex
	tasks     map[string]map[string]domain.Task
	scheduled []DueNotification
	now       func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]map[string]domain.Task), now: time.Now}
}

func (m *Memory) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := make([]domain.Task, 0, len(m.tasks[userID]))
	for _, t := range m.tasks[userID] {
		tasks = append(tasks, copyTask(t))
	}
	domain.SortByOrder(tasks)
	return tasks, nil
}

func (m *Memory) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[userID][id]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *Memory) CreateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	if m.tasks[userID] == nil {
		m.tasks[userID] = make(map[string]domain.Task)
	}
	m.tasks[userID][t.ID] = copyTask(t)
	return t, nil
}

func (m *Memory) UpdateTask(ctx context.Context, userID string, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[userID][t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[userID][t.ID] = copyTask(t)
	return nil
}

// ReorderTasks applies every item or none of them.
func (m *Memory) ReorderTasks(ctx context.Context, userID string, items []domain.ReorderItem) error {
	if err := domain.CheckReorderSize(items); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		if _, ok := m.tasks[userID][it.ID]; !ok {
			return ErrNotFound
		}
	}
	for _, it := range items {
		t := m.tasks[userID][it.ID]
		t.Column = it.Column
		t.ColumnOrder = it.ColumnOrder
		m.tasks[userID][it.ID] = t
	}
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[userID][id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks[userID], id)
	return nil
}

// ScheduleDue records the reminder instead of sending it anywhere.
func (m *Memory) ScheduleDue(ctx context.Context, userID string, t domain.Task) error {
	if _, ok := NotificationDelay(m.now(), t); !ok {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled = append(m.scheduled, DueNotification{UserID: userID, TaskID: t.ID, Title: t.Title, DueDate: *t.DueDate})
	return nil
}

// Scheduled returns the reminders recorded by ScheduleDue.
func (m *Memory) Scheduled() []DueNotification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DueNotification, len(m.scheduled))
	copy(out, m.scheduled)
	return out
}
