// Package storage persists todo items per user for the API server.
package storage

import (
	"errors"
	"time"

	"taskboard/domain"
)

// ErrNotFound is returned when a task does not exist for the user.
var ErrNotFound = errors.New("storage: task not found")

var errEmptyMessage = errors.New("storage: queue message has no body")

const (
	// dueLead is the minimum distance between now and a due date for a
	// reminder to be scheduled.
	dueLead = time.Hour
	// MaxNotificationDelay is the longest a queue message can stay invisible.
	MaxNotificationDelay = 7 * 24 * time.Hour
)

// DueNotification is the queue message sent when a task comes due.
type DueNotification struct {
	UserID  string    `json:"user_id"`
	TaskID  string    `json:"task_id"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"due_date"`
}

// NotificationDelay returns how long a due-date reminder for t should be
// held. No reminder is needed for completed tasks, tasks without a due date
// or tasks due within the next hour.
func NotificationDelay(now time.Time, t domain.Task) (time.Duration, bool) {
	if t.DueDate == nil || t.IsCompleted {
		return 0, false
	}
	d := t.DueDate.Sub(now)
	if d <= dueLead {
		return 0, false
	}
	if d > MaxNotificationDelay {
		d = MaxNotificationDelay
	}
	return d, true
}

func copyTask(t domain.Task) domain.Task {
	if t.DueDate != nil {
		due := *t.DueDate
		t.DueDate = &due
	}
	return t
}
