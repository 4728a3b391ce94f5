package api

import (
	"context"

	"taskboard/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	ListTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	CreateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, userID string, t domain.Task) error
	ReorderTasks(ctx context.Context, userID string, items []domain.ReorderItem) error
	DeleteTask(ctx context.Context, userID, id string) error
	// ScheduleDue queues a due-date reminder for t if one applies.
	ScheduleDue(ctx context.Context, userID string, t domain.Task) error
}

// UserStore checks login credentials and returns the user id.
type UserStore interface {
	Verify(username, password string) (string, error)
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
