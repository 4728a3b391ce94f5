package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/domain"
)

type reminderJob struct {
	userID string
	task   domain.Task
}

// ReminderPool schedules due-date reminders off the request path. Handlers
// hand a job to a worker and fall back to scheduling inline when the buffer
// stays full past the handoff timeout.
type ReminderPool struct {
	store   Storage
	log     *log.Logger
	jobs    chan reminderJob
	timeout time.Duration
	handoff time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewReminderPool starts the workers. Sizes come from REMINDER_WORKERS,
// REMINDER_BUFFER, REMINDER_TIMEOUT and REMINDER_HANDOFF_TIMEOUT.
func NewReminderPool(store Storage, logger *log.Logger) *ReminderPool {
	if logger == nil {
		panic("api.NewReminderPool: logger is nil")
	}
	workers := config.Int("REMINDER_WORKERS", 4)
	buffer := config.Int("REMINDER_BUFFER", 256)
	p := &ReminderPool{
		store:   store,
		log:     logger,
		jobs:    make(chan reminderJob, buffer),
		timeout: config.Duration("REMINDER_TIMEOUT", 30*time.Second),
		handoff: config.Duration("REMINDER_HANDOFF_TIMEOUT", 15*time.Millisecond),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Infof("reminder pool started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workers, buffer, p.timeout, p.handoff)
	return p
}

func (p *ReminderPool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.store.ScheduleDue(ctx, j.userID, j.task)
		cancel()
		if err != nil {
			p.log.WithError(err).WithFields(log.Fields{"task_id": j.task.ID, "user_id": j.userID, "worker": id}).Warn("failed to schedule due notification")
		}
	}
}

// submit hands j to a worker. It reports false when the pool is closed or
// stayed full for the handoff timeout.
func (p *ReminderPool) submit(j reminderJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- j:
		return true
	default:
	}
	if p.handoff <= 0 {
		return false
	}
	timer := time.NewTimer(p.handoff)
	defer timer.Stop()
	select {
	case p.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (p *ReminderPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
