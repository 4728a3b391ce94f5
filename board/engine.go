package board

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// DefaultUndoWindow is how long an archive can be undone.
const DefaultUndoWindow = 6000 * time.Millisecond

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("board: engine closed")

// Persister is the remote persistence surface. client.TodoAPI implements it.
type Persister interface {
	FetchTodos(ctx context.Context) ([]domain.Task, error)
	CreateTodo(ctx context.Context, in domain.TaskInput) (domain.Task, error)
	UpdateTodo(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	ReorderTodos(ctx context.Context, items []domain.ReorderItem) error
	ArchiveTodo(ctx context.Context, id string) error
	DeleteTodo(ctx context.Context, id string) error
}

// Direction is a single step within a column.
type Direction int

const (
	Up   Direction = -1
	Down Direction = 1
)

// Options configures NewEngine.
type Options struct {
	UndoWindow time.Duration
	Clock      Clock
	Notifier   Notifier
	Logger     *log.Logger
}

// Engine applies board changes locally, persists them in the background and
// rolls them back when persistence fails.
//
// Every board transition happens under mu. Persistence calls run outside the
// lock and re-acquire it to commit or roll back. A task with a call in flight
// is busy, and operations that would touch a busy task are rejected with
// domain.ErrTaskBusy before anything changes.
type Engine struct {
	mu       sync.Mutex
	board    *Board
	store    Persister
	clock    Clock
	window   time.Duration
	notifier Notifier
	logger   *log.Logger

	busy    map[string]int
	windows map[string]*undoWindow
	closed  bool
	wg      sync.WaitGroup
}

// NewEngine creates an engine with an empty board.
func NewEngine(store Persister, opts Options) *Engine {
	if opts.UndoWindow <= 0 {
		opts.UndoWindow = DefaultUndoWindow
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Engine{
		board:    NewBoard(nil),
		store:    store,
		clock:    opts.Clock,
		window:   opts.UndoWindow,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		busy:     make(map[string]int),
		windows:  make(map[string]*undoWindow),
	}
}

// View returns the memoized board view.
func (e *Engine) View() *View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.board.View()
}

// Get returns the local copy of a task.
func (e *Engine) Get(id string) (domain.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.board.Get(id)
}

// Busy reports whether id has a persistence call in flight.
func (e *Engine) Busy(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy[id] > 0
}

// Load replaces the board with the server's task list.
func (e *Engine) Load(ctx context.Context) error {
	tasks, err := e.store.FetchTodos(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if len(e.busy) > 0 {
		return &domain.ValidationError{Field: "board", Reason: "changes are still pending", Err: domain.ErrTaskBusy}
	}
	e.board.reset(tasks)
	for id := range e.windows {
		if t, ok := e.board.Get(id); !ok || t.Column != domain.ColumnArchived {
			e.closeWindow(id, "task changed on the server")
		}
	}
	e.logger.WithField("tasks", len(tasks)).Debug("board loaded")
	return nil
}

// Create adds a task at the end of its column once the server has assigned
// it an id.
func (e *Engine) Create(ctx context.Context, in domain.TaskInput) (*Mutation, error) {
	if in.Column == "" {
		in.Column = domain.ColumnUnassigned
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if !in.Column.OnBoard() {
		return nil, invalidTarget(in.Column)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	siblings := e.board.Column(in.Column)
	locked := taskIDs(siblings)
	if err := e.checkFree(locked); err != nil {
		return nil, err
	}
	// Archive and delete leave gaps, so the count can collide with an order
	// already in use.
	in.ColumnOrder = 0
	if n := len(siblings); n > 0 {
		in.ColumnOrder = siblings[n-1].ColumnOrder + 1
	}

	var created domain.Task
	return e.start(ctx, job{
		op:     "create",
		column: in.Column,
		locked: locked,
		call: func(ctx context.Context) error {
			t, err := e.store.CreateTodo(ctx, in)
			created = t
			return err
		},
		commit: func() { e.board.put(created) },
	}), nil
}

// Update edits the non-placement fields of a task.
func (e *Engine) Update(ctx context.Context, id string, patch domain.TaskPatch) (*Mutation, error) {
	if patch.Column != nil || patch.ColumnOrder != nil {
		return nil, &domain.ValidationError{Field: "column", Reason: "use MoveToColumn to change placement", Err: domain.ErrInvalidColumn}
	}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return settled(), nil
	}
	if err := e.checkFree([]string{id}); err != nil {
		return nil, err
	}
	e.board.put(patch.Apply(t))
	return e.start(ctx, job{
		op:     "update",
		taskID: id,
		column: t.Column,
		locked: []string{id},
		call: func(ctx context.Context) error {
			_, err := e.store.UpdateTodo(ctx, id, patch)
			return err
		},
		rollback: func() { e.board.put(t) },
	}), nil
}

// MoveToColumn moves a task to index within target. Indexes past the end are
// clamped. Both affected columns are renumbered 0..n-1 and every task whose
// placement changed is persisted in one reorder call. Moving an archived task
// restores it and closes its undo window.
func (e *Engine) MoveToColumn(ctx context.Context, id string, target domain.Column, index int) (*Mutation, error) {
	if !target.OnBoard() {
		return nil, invalidTarget(target)
	}
	if index < 0 {
		return nil, &domain.ValidationError{Field: "index", Reason: "must be non-negative", Err: domain.ErrInvalidIndex}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.move(ctx, "move", t, target, index)
}

// ReorderWithinColumn moves a task to index within its own column.
func (e *Engine) ReorderWithinColumn(ctx context.Context, id string, index int) (*Mutation, error) {
	if index < 0 {
		return nil, &domain.ValidationError{Field: "index", Reason: "must be non-negative", Err: domain.ErrInvalidIndex}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !t.Column.OnBoard() {
		return nil, &domain.ValidationError{Field: "id", Reason: "archived tasks cannot be reordered", Err: domain.ErrArchived}
	}
	return e.move(ctx, "reorder", t, t.Column, index)
}

// SwapAdjacent swaps a task with its neighbour. At the column boundary it
// does nothing.
func (e *Engine) SwapAdjacent(ctx context.Context, id string, dir Direction) (*Mutation, error) {
	if dir != Up && dir != Down {
		return nil, &domain.ValidationError{Field: "direction", Reason: "must be up or down", Err: domain.ErrInvalidIndex}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if !t.Column.OnBoard() {
		return nil, &domain.ValidationError{Field: "id", Reason: "archived tasks cannot be reordered", Err: domain.ErrArchived}
	}
	next := e.board.position(id) + int(dir)
	if next < 0 || next >= len(e.board.Column(t.Column)) {
		return settled(), nil
	}
	return e.move(ctx, "swap", t, t.Column, next)
}

// Restore moves an archived task to the end of column.
func (e *Engine) Restore(ctx context.Context, id string, column domain.Column) (*Mutation, error) {
	if !column.OnBoard() {
		return nil, invalidTarget(column)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if t.Column != domain.ColumnArchived {
		return nil, &domain.ValidationError{Field: "id", Reason: "task " + id + " is not archived", Err: domain.ErrNotArchived}
	}
	return e.move(ctx, "restore", t, column, len(e.board.Column(column)))
}

// Resequence rewrites column's orders to 0..n-1 and persists the changes.
func (e *Engine) Resequence(ctx context.Context, column domain.Column) (*Mutation, error) {
	if !column.OnBoard() {
		return nil, invalidTarget(column)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	p := e.rearrange(map[domain.Column][]domain.Task{column: e.board.Column(column)})
	return e.persistPlan(ctx, "resequence", "", column, p)
}

// Delete removes a task permanently. It cannot be undone.
func (e *Engine) Delete(ctx context.Context, id string) (*Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := e.checkFree([]string{id}); err != nil {
		return nil, err
	}
	e.closeWindow(id, "task deleted")
	e.board.remove(id)
	return e.start(ctx, job{
		op:       "delete",
		taskID:   id,
		column:   t.Column,
		locked:   []string{id},
		call:     func(ctx context.Context) error { return e.store.DeleteTodo(ctx, id) },
		rollback: func() { e.board.put(t) },
	}), nil
}

// Close stops every undo timer and waits for in-flight persistence.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for id, w := range e.windows {
		w.timer.Stop()
		delete(e.windows, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// move must be called with mu held.
func (e *Engine) move(ctx context.Context, op string, t domain.Task, target domain.Column, index int) (*Mutation, error) {
	seqs := make(map[domain.Column][]domain.Task, 2)
	if t.Column.OnBoard() {
		seqs[t.Column] = without(e.board.Column(t.Column), t.ID)
	}
	dst, ok := seqs[target]
	if !ok {
		dst = e.board.Column(target)
	}
	if index > len(dst) {
		index = len(dst)
	}
	moved := t
	moved.Column = target
	seqs[target] = insertAt(dst, index, moved)

	p := e.rearrange(seqs)
	if err := e.checkFree(p.locked); err != nil {
		return nil, err
	}
	if t.Column == domain.ColumnArchived {
		e.closeWindow(t.ID, "task restored")
	}
	return e.persistPlan(ctx, op, t.ID, target, p)
}

// persistPlan applies p and persists it with a reorder call, rolling back on
// failure. It must be called with mu held.
func (e *Engine) persistPlan(ctx context.Context, op, id string, column domain.Column, p plan) (*Mutation, error) {
	if err := e.checkFree(p.locked); err != nil {
		return nil, err
	}
	if len(p.after) == 0 {
		return settled(), nil
	}
	items := p.items()
	if err := domain.CheckReorderSize(items); err != nil {
		return nil, err
	}
	p.apply(e.board)
	e.logger.WithFields(log.Fields{"op": op, "task_id": id, "column": column, "changed": len(items)}).Debug("board rearranged")
	return e.start(ctx, job{
		op:       op,
		taskID:   id,
		column:   column,
		locked:   p.locked,
		call:     func(ctx context.Context) error { return e.store.ReorderTodos(ctx, items) },
		rollback: func() { p.revert(e.board) },
	}), nil
}

// job is one persistence call and what to do with its outcome. commit and
// rollback run with mu held.
type job struct {
	op       string
	taskID   string
	column   domain.Column
	locked   []string
	call     func(context.Context) error
	commit   func()
	rollback func()
}

var failureMessages = map[string]string{
	"create":     "Failed to create task",
	"update":     "Failed to update task",
	"move":       "Failed to move task",
	"reorder":    "Failed to reorder tasks",
	"swap":       "Failed to reorder tasks",
	"restore":    "Failed to restore task",
	"resequence": "Failed to reorder tasks",
	"archive":    "Failed to archive task",
	"undo":       "Failed to undo archive",
	"delete":     "Failed to delete task",
}

// start marks j.locked busy and runs the call in the background. It must be
// called with mu held. The call gets a context that ignores cancellation:
// once issued, a persistence call always runs to completion.
func (e *Engine) start(ctx context.Context, j job) *Mutation {
	m := newMutation()
	e.acquire(j.locked)
	e.wg.Add(1)
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer e.wg.Done()
		err := j.call(ctx)

		e.mu.Lock()
		e.release(j.locked)
		entry := e.logger.WithFields(log.Fields{"op": j.op, "task_id": j.taskID, "column": j.column})
		if err != nil {
			if j.rollback != nil {
				j.rollback()
			}
			entry.WithError(err).Warn("change rolled back")
			e.notify(Notification{Kind: KindError, Op: j.op, TaskID: j.taskID, Message: failureMessages[j.op], Err: err})
		} else {
			if j.commit != nil {
				j.commit()
			}
			entry.Debug("change persisted")
		}
		e.mu.Unlock()
		m.resolve(err)
	}()
	return m
}

func (e *Engine) lookup(id string) (domain.Task, error) {
	if e.closed {
		return domain.Task{}, ErrClosed
	}
	t, ok := e.board.Get(id)
	if !ok {
		return domain.Task{}, &domain.ValidationError{Field: "id", Reason: "no task " + id, Err: domain.ErrTaskNotFound}
	}
	return t, nil
}

func (e *Engine) checkFree(ids []string) error {
	for _, id := range ids {
		if e.busy[id] > 0 {
			return &domain.ValidationError{Field: "id", Reason: "task " + id + " has a pending change", Err: domain.ErrTaskBusy}
		}
	}
	return nil
}

func (e *Engine) acquire(ids []string) {
	for _, id := range ids {
		e.busy[id]++
	}
}

func (e *Engine) release(ids []string) {
	for _, id := range ids {
		if e.busy[id]--; e.busy[id] <= 0 {
			delete(e.busy, id)
		}
	}
}

func (e *Engine) notify(n Notification) {
	if e.notifier != nil {
		e.notifier.Notify(n)
	}
}

func invalidTarget(c domain.Column) error {
	if c == domain.ColumnArchived {
		return &domain.ValidationError{Field: "column", Reason: "use Archive to archive a task", Err: domain.ErrInvalidColumn}
	}
	return &domain.ValidationError{Field: "column", Reason: "unknown column " + string(c), Err: domain.ErrInvalidColumn}
}
