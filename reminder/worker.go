// Package reminder consumes the due-date queue filled by the API and delivers
// a reminder for each task that is still due.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

const (
	// DueTolerance is how far the stored due date may drift from the queued
	// one before the message is treated as stale.
	DueTolerance = 10 * time.Second
	// LateLimit is how long after the due date a reminder is still sent.
	LateLimit = 5 * time.Minute
	// SentTTL keeps the dedup key for longer than the delivery window.
	SentTTL = 10 * time.Minute

	sentKeyPrefix = "reminder:sent"
)

// Outcome says what Handle did with a notification.
type Outcome string

const (
	Sent      Outcome = "sent"
	Missing   Outcome = "missing"
	Completed Outcome = "completed"
	Undated   Outcome = "undated"
	Stale     Outcome = "stale"
	Late      Outcome = "late"
	Requeued  Outcome = "requeued"
	Duplicate Outcome = "duplicate"
)

// Queue is the due-date queue as seen by the worker.
type Queue interface {
	Receive(ctx context.Context, n int32, visibility time.Duration) ([]storage.Delivery, error)
	Ack(ctx context.Context, d storage.Delivery) error
	Send(ctx context.Context, n storage.DueNotification, delay time.Duration) error
}

// Tasks looks up the current state of a task.
type Tasks interface {
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
}

// Reminder is what gets delivered to the user.
type Reminder struct {
	UserID  string    `json:"user_id"`
	TaskID  string    `json:"task_id"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"due_date"`
	Message string    `json:"message"`
}

// Notifier delivers a reminder.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// Options tunes a Worker. Zero values pick the defaults.
type Options struct {
	Batch       int32
	Visibility  time.Duration
	Poll        time.Duration
	MaxAttempts int64
	Now         func() time.Time
}

// Worker drains the due-date queue.
type Worker struct {
	queue    Queue
	tasks    Tasks
	redis    *redis.Client
	notifier Notifier
	log      *log.Logger
	opts     Options
}

// NewWorker builds a worker. A nil redis client disables deduplication.
func NewWorker(queue Queue, tasks Tasks, rc *redis.Client, notifier Notifier, logger *log.Logger, opts Options) *Worker {
	if queue == nil || tasks == nil || notifier == nil || logger == nil {
		panic("reminder.NewWorker: missing dependency")
	}
	if opts.Batch <= 0 {
		opts.Batch = 16
	}
	if opts.Visibility <= 0 {
		opts.Visibility = time.Minute
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{queue: queue, tasks: tasks, redis: rc, notifier: notifier, log: logger, opts: opts}
}

// Run polls the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infof("reminder worker started, batch: %d, visibility: %v, poll: %v", w.opts.Batch, w.opts.Visibility, w.opts.Poll)
	for {
		n, err := w.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.log.WithError(err).Warn("receive failed")
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.Poll):
			}
		}
	}
}

// Poll receives one batch and handles every message in it. It returns the
// number of messages received.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	batch, err := w.queue.Receive(ctx, w.opts.Batch, w.opts.Visibility)
	if err != nil {
		return 0, err
	}
	for _, d := range batch {
		w.process(ctx, d)
	}
	return len(batch), nil
}

func (w *Worker) process(ctx context.Context, d storage.Delivery) {
	n := d.Notification
	entry := w.log.WithFields(log.Fields{"task_id": n.TaskID, "user_id": n.UserID, "attempt": d.DequeueCount})
	if d.Err != nil {
		entry.WithError(d.Err).Error("dropping undecodable reminder")
		w.ack(ctx, entry, d)
		return
	}
	outcome, err := w.Handle(ctx, n)
	if err != nil {
		if d.DequeueCount >= w.opts.MaxAttempts {
			entry.WithError(err).Error("giving up on reminder")
			w.ack(ctx, entry, d)
			return
		}
		// Left on the queue, it reappears after the visibility timeout.
		entry.WithError(err).Warn("reminder failed, will retry")
		return
	}
	entry.WithField("outcome", outcome).Debug("reminder handled")
	w.ack(ctx, entry, d)
}

func (w *Worker) ack(ctx context.Context, entry *log.Entry, d storage.Delivery) {
	if err := w.queue.Ack(ctx, d); err != nil {
		entry.WithError(err).Warn("failed to delete reminder message")
	}
}

// Handle checks n against the task's current state and delivers the
// reminder when it is still wanted. An error means the message should be
// retried.
func (w *Worker) Handle(ctx context.Context, n storage.DueNotification) (Outcome, error) {
	t, err := w.tasks.GetTask(ctx, n.UserID, n.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		return Missing, nil
	}
	if err != nil {
		return "", err
	}
	if t.IsCompleted {
		return Completed, nil
	}
	if t.DueDate == nil {
		return Undated, nil
	}
	if d := t.DueDate.Sub(n.DueDate); d > DueTolerance || d < -DueTolerance {
		return Stale, nil
	}

	now := w.opts.Now()
	due := *t.DueDate
	if now.Sub(due) > LateLimit {
		return Late, nil
	}
	// Queue delays are capped, so a far-off due date arrives early and goes
	// back for another round.
	if due.Sub(now) > DueTolerance {
		if err := w.queue.Send(ctx, n, due.Sub(now)); err != nil {
			return "", err
		}
		return Requeued, nil
	}

	key := sentKey(n)
	if w.redis != nil {
		first, err := w.redis.SetNX(ctx, key, 1, SentTTL).Result()
		if err != nil {
			return "", err
		}
		if !first {
			return Duplicate, nil
		}
	}
	r := Reminder{UserID: n.UserID, TaskID: t.ID, Title: t.Title, DueDate: due, Message: message(t.Title, due, now)}
	if err := w.notifier.Notify(ctx, r); err != nil {
		if w.redis != nil {
			// A retry must be able to send again.
			w.redis.Del(context.WithoutCancel(ctx), key)
		}
		return "", err
	}
	w.log.WithFields(log.Fields{"task_id": t.ID, "user_id": n.UserID}).Info("reminder sent")
	return Sent, nil
}

func sentKey(n storage.DueNotification) string {
	return fmt.Sprintf("%s:%s:%s:%d", sentKeyPrefix, n.UserID, n.TaskID, n.DueDate.Unix())
}

func message(title string, due, now time.Time) string {
	left := due.Sub(now).Round(time.Second)
	if left >= 0 {
		return fmt.Sprintf("Reminder: your todo %q is due soon! Due in %d mins %d secs.", title, int(left.Minutes()), int(left.Seconds())%60)
	}
	left = -left
	return fmt.Sprintf("Reminder: your todo %q was due %d mins %d secs ago!", title, int(left.Minutes()), int(left.Seconds())%60)
}

// LogNotifier writes reminders to the log.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(ctx context.Context, r Reminder) error {
	n.Logger.WithFields(log.Fields{"task_id": r.TaskID, "user_id": r.UserID, "due_date": r.DueDate}).Info(r.Message)
	return nil
}

// PublishNotifier publishes reminders as JSON on a Redis channel for
// whichever delivery service subscribes to it.
type PublishNotifier struct {
	Redis   *redis.Client
	Channel string
}

func (n PublishNotifier) Notify(ctx context.Context, r Reminder) error {
	payload, err := sonic.Marshal(r)
	if err != nil {
		return err
	}
	return n.Redis.Publish(ctx, n.Channel, payload).Err()
}
