package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"taskboard/domain"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock forward and runs every timer that came due, in
// deadline order, on the calling goroutine.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type updateCall struct {
	id    string
	patch domain.TaskPatch
}

// fakeStore records persistence calls. Calls block on gate when it is set
// and fail with failures[op] when present.
type fakeStore struct {
	mu       sync.Mutex
	gate     chan struct{}
	failures map[string]error
	tasks    []domain.Task
	nextID   int

	reorders [][]domain.ReorderItem
	updates  []updateCall
	archived []string
	deleted  []string
	created  []domain.TaskInput
}

func newFakeStore() *fakeStore {
	return &fakeStore{failures: make(map[string]error)}
}

func (s *fakeStore) enter(op string) error {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

func (s *fakeStore) hold() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	return s.gate
}

func (s *fakeStore) fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = err
}

func (s *fakeStore) FetchTodos(ctx context.Context) ([]domain.Task, error) {
	if err := s.enter("fetch"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Task(nil), s.tasks...), nil
}

func (s *fakeStore) CreateTodo(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	if err := s.enter("create"); err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.created = append(s.created, in)
	return domain.Task{
		ID:          fmt.Sprintf("new-%d", s.nextID),
		Title:       in.Title,
		Column:      in.Column,
		ColumnOrder: in.ColumnOrder,
	}, nil
}

func (s *fakeStore) UpdateTodo(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := s.enter("update"); err != nil {
		return domain.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateCall{id: id, patch: patch})
	return domain.Task{ID: id}, nil
}

func (s *fakeStore) ReorderTodos(ctx context.Context, items []domain.ReorderItem) error {
	if err := s.enter("reorder"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reorders = append(s.reorders, items)
	return nil
}

func (s *fakeStore) ArchiveTodo(ctx context.Context, id string) error {
	if err := s.enter("archive"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = append(s.archived, id)
	return nil
}

func (s *fakeStore) DeleteTodo(ctx context.Context, id string) error {
	if err := s.enter("delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reorders) + len(s.updates) + len(s.archived) + len(s.deleted) + len(s.created)
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Kind
	}
	return out
}

func task(id string, col domain.Column, order int) domain.Task {
	return domain.Task{ID: id, Title: id, Column: col, ColumnOrder: order}
}

type fixture struct {
	t      *testing.T
	engine *Engine
	store  *fakeStore
	clock  *manualClock
	notes  *recorder
}

func newFixture(t *testing.T, tasks ...domain.Task) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	f := &fixture{t: t, store: newFakeStore(), clock: newManualClock(), notes: &recorder{}}
	f.store.tasks = tasks
	f.engine = NewEngine(f.store, Options{Clock: f.clock, Notifier: f.notes, Logger: logger})
	require.NoError(t, f.engine.Load(context.Background()))
	t.Cleanup(f.engine.Close)
	return f
}

// settle fails the test on a validation error and waits for m.
func (f *fixture) settle(m *Mutation, err error) error {
	t := f.t
	t.Helper()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	select {
	case <-m.Done():
		return m.Err()
	case <-ctx.Done():
		t.Fatal("mutation did not settle")
		return nil
	}
}

// placements renders a column as "id:order" pairs.
func placements(v *View, c domain.Column) []string {
	var out []string
	for _, t := range v.Column(c) {
		out = append(out, fmt.Sprintf("%s:%d", t.ID, t.ColumnOrder))
	}
	return out
}
