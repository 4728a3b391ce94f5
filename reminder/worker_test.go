package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"taskboard/domain"
	"taskboard/storage"
)

type sentMessage struct {
	n     storage.DueNotification
	delay time.Duration
}

type fakeQueue struct {
	mu      sync.Mutex
	pending []storage.Delivery
	acked   []storage.DueNotification
	sent    []sentMessage
	err     error
}

func (q *fakeQueue) Receive(ctx context.Context, n int32, visibility time.Duration) ([]storage.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	k := min(int(n), len(q.pending))
	out := q.pending[:k]
	q.pending = q.pending[k:]
	return out, nil
}

func (q *fakeQueue) Ack(ctx context.Context, d storage.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, d.Notification)
	return nil
}

func (q *fakeQueue) Send(ctx context.Context, n storage.DueNotification, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, sentMessage{n: n, delay: delay})
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Reminder
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, rem Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, rem)
	return nil
}

type failingTasks struct{ err error }

func (f failingTasks) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	return domain.Task{}, f.err
}

type workerFixture struct {
	store  *storage.Memory
	queue  *fakeQueue
	notes  *recordingNotifier
	redis  *miniredis.Miniredis
	worker *Worker
	now    time.Time
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rc.Close() })
	logger, _ := test.NewNullLogger()

	f := &workerFixture{
		store: storage.NewMemory(),
		queue: &fakeQueue{},
		notes: &recordingNotifier{},
		redis: m,
		now:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.worker = NewWorker(f.queue, f.store, rc, f.notes, logger, Options{Now: func() time.Time { return f.now }})
	return f
}

func (f *workerFixture) task(t *testing.T, due *time.Time, completed bool) storage.DueNotification {
	t.Helper()
	created, err := f.store.CreateTask(context.Background(), "alice", domain.Task{Title: "pay rent", Column: domain.ColumnToDo, DueDate: due, IsCompleted: completed})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	n := storage.DueNotification{UserID: "alice", TaskID: created.ID, Title: created.Title}
	if due != nil {
		n.DueDate = *due
	}
	return n
}

func TestHandleSendsDueReminderOnce(t *testing.T) {
	f := newWorkerFixture(t)
	due := f.now.Add(3 * time.Second)
	n := f.task(t, &due, false)
	ctx := context.Background()

	outcome, err := f.worker.Handle(ctx, n)
	if err != nil || outcome != Sent {
		t.Fatalf("expected sent, got %q, %v", outcome, err)
	}
	if len(f.notes.sent) != 1 {
		t.Fatalf("expected one reminder, got %d", len(f.notes.sent))
	}
	got := f.notes.sent[0]
	if got.TaskID != n.TaskID || got.UserID != "alice" || got.Message != `Reminder: your todo "pay rent" is due soon! Due in 0 mins 3 secs.` {
		t.Fatalf("unexpected reminder: %+v", got)
	}
	if !f.redis.Exists(sentKey(n)) {
		t.Fatalf("expected dedup key %s", sentKey(n))
	}
	if ttl := f.redis.TTL(sentKey(n)); ttl != SentTTL {
		t.Fatalf("unexpected dedup ttl %v", ttl)
	}

	outcome, err = f.worker.Handle(ctx, n)
	if err != nil || outcome != Duplicate {
		t.Fatalf("expected duplicate, got %q, %v", outcome, err)
	}
	if len(f.notes.sent) != 1 {
		t.Fatalf("a redelivered message must not notify twice, got %d", len(f.notes.sent))
	}
}

func TestHandleSkipsTasksNoLongerDue(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	due := f.now

	completed := f.task(t, &due, true)
	undated := f.task(t, nil, false)
	undated.DueDate = due
	moved := due.Add(time.Hour)
	stale := f.task(t, &moved, false)
	stale.DueDate = due
	drift := due.Add(8 * time.Second)
	tolerated := f.task(t, &drift, false)
	tolerated.DueDate = due
	past := f.now.Add(-LateLimit - time.Second)
	late := f.task(t, &past, false)
	missing := storage.DueNotification{UserID: "alice", TaskID: "gone", DueDate: due}

	cases := []struct {
		name string
		n    storage.DueNotification
		want Outcome
	}{
		{"completed", completed, Completed},
		{"no due date", undated, Undated},
		{"due date moved", stale, Stale},
		{"small drift", tolerated, Sent},
		{"too late", late, Late},
		{"deleted", missing, Missing},
	}
	for _, tc := range cases {
		outcome, err := f.worker.Handle(ctx, tc.n)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if outcome != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, outcome)
		}
	}
	if len(f.notes.sent) != 1 || f.notes.sent[0].TaskID != tolerated.TaskID {
		t.Fatalf("only the tolerated drift should notify, got %+v", f.notes.sent)
	}
}

func TestHandleSendsSlightlyLateReminder(t *testing.T) {
	f := newWorkerFixture(t)
	due := f.now.Add(-2*time.Minute - 5*time.Second)
	n := f.task(t, &due, false)

	outcome, err := f.worker.Handle(context.Background(), n)
	if err != nil || outcome != Sent {
		t.Fatalf("expected sent, got %q, %v", outcome, err)
	}
	if msg := f.notes.sent[0].Message; msg != `Reminder: your todo "pay rent" was due 2 mins 5 secs ago!` {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestHandleRequeuesEarlyMessage(t *testing.T) {
	f := newWorkerFixture(t)
	due := f.now.Add(storage.MaxNotificationDelay + 2*time.Hour)
	n := f.task(t, &due, false)

	outcome, err := f.worker.Handle(context.Background(), n)
	if err != nil || outcome != Requeued {
		t.Fatalf("expected requeued, got %q, %v", outcome, err)
	}
	if len(f.queue.sent) != 1 || f.queue.sent[0].n != n || f.queue.sent[0].delay != due.Sub(f.now) {
		t.Fatalf("unexpected requeue: %+v", f.queue.sent)
	}
	if len(f.notes.sent) != 0 || f.redis.Exists(sentKey(n)) {
		t.Fatalf("an early message must not notify")
	}
}

func TestHandleReleasesDedupKeyWhenDeliveryFails(t *testing.T) {
	f := newWorkerFixture(t)
	due := f.now
	n := f.task(t, &due, false)
	f.notes.err = errors.New("smtp down")

	if _, err := f.worker.Handle(context.Background(), n); err == nil {
		t.Fatalf("expected delivery error")
	}
	if f.redis.Exists(sentKey(n)) {
		t.Fatalf("a failed delivery must not block the retry")
	}

	f.notes.err = nil
	outcome, err := f.worker.Handle(context.Background(), n)
	if err != nil || outcome != Sent {
		t.Fatalf("expected retry to send, got %q, %v", outcome, err)
	}
}

func TestPollAcksHandledAndKeepsFailedMessages(t *testing.T) {
	f := newWorkerFixture(t)
	due := f.now
	ok := f.task(t, &due, false)
	f.queue.pending = []storage.Delivery{
		{Notification: ok, DequeueCount: 1},
		{Err: errors.New("bad json"), DequeueCount: 1},
	}

	n, err := f.worker.Poll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 messages, got %d, %v", n, err)
	}
	if len(f.queue.acked) != 2 {
		t.Fatalf("handled and undecodable messages are deleted, got %d acks", len(f.queue.acked))
	}

	logger, _ := test.NewNullLogger()
	w := NewWorker(f.queue, failingTasks{err: errors.New("table unavailable")}, nil, f.notes, logger, Options{MaxAttempts: 3})
	f.queue.acked = nil
	f.queue.pending = []storage.Delivery{
		{Notification: ok, DequeueCount: 1},
		{Notification: ok, DequeueCount: 3},
	}
	if _, err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.queue.acked) != 1 {
		t.Fatalf("only the exhausted message is dropped, got %d acks", len(f.queue.acked))
	}
}

func TestRunStopsWithContext(t *testing.T) {
	f := newWorkerFixture(t)
	f.queue.err = errors.New("queue unavailable")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}

func TestPublishNotifier(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	ctx := context.Background()

	pubsub := rc.Subscribe(ctx, "reminders")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r := Reminder{UserID: "alice", TaskID: "t1", Title: "pay rent", Message: "due"}
	if err := (PublishNotifier{Redis: rc, Channel: "reminders"}).Notify(ctx, r); err != nil {
		t.Fatalf("notify: %v", err)
	}
	select {
	case msg := <-pubsub.Channel():
		if msg.Payload == "" || msg.Channel != "reminders" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message received")
	}
}
