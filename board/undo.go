package board

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// undoWindow is the open undo offer for one archived task.
type undoWindow struct {
	snapshot domain.Placement
	// index is the task's position within snapshot.Column at archive time.
	index    int
	deadline time.Time
	timer    Timer
}

// Archive moves a task to the archive column and opens an undo window. The
// other tasks of its column keep their orders. Archiving a task whose window
// is still open restarts the window and keeps the placement it had before
// the first archive.
func (e *Engine) Archive(ctx context.Context, id string) (*Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	prev := e.windows[id]
	if t.Column == domain.ColumnArchived && prev == nil {
		return nil, &domain.ValidationError{Field: "id", Reason: "task " + id + " is already archived", Err: domain.ErrArchived}
	}
	// The source column stays locked until the server answers so that a
	// rollback finds the task's old order still free.
	locked := []string{id}
	if t.Column.OnBoard() {
		locked = taskIDs(e.board.Column(t.Column))
	}
	if err := e.checkFree(locked); err != nil {
		return nil, err
	}

	w := &undoWindow{deadline: e.clock.Now().Add(e.window)}
	if prev != nil {
		prev.timer.Stop()
		w.snapshot, w.index = prev.snapshot, prev.index
	} else {
		w.snapshot, w.index = t.Placement(), e.board.position(id)
	}
	w.timer = e.clock.AfterFunc(e.window, func() { e.expire(id, w) })
	e.windows[id] = w

	if t.Column != domain.ColumnArchived {
		archived := t
		archived.Column = domain.ColumnArchived
		e.board.put(archived)
	}
	e.logger.WithFields(log.Fields{"op": "archive", "task_id": id, "column": w.snapshot.Column}).Info("task archived")
	e.notify(Notification{Kind: KindUndoOffered, Op: "archive", TaskID: id, Message: "Task archived", Deadline: w.deadline})

	return e.start(ctx, job{
		op:     "archive",
		taskID: id,
		column: w.snapshot.Column,
		locked: locked,
		call:   func(ctx context.Context) error { return e.store.ArchiveTodo(ctx, id) },
		rollback: func() {
			e.board.put(t)
			if e.windows[id] == w {
				e.closeWindow(id, "archive failed")
			}
		},
	}), nil
}

// Undo restores an archived task to its pre-archive placement while its
// window is open. The server is updated first; the board changes only when
// the server accepts. Without an open window Undo does nothing.
//
// The exact (column, column_order) is restored when that order is still
// free. Otherwise the task is inserted at its old position and the column is
// renumbered.
func (e *Engine) Undo(ctx context.Context, id string) (*Mutation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	w, ok := e.windows[id]
	if !ok {
		return settled(), nil
	}
	if err := e.checkFree([]string{id}); err != nil {
		return nil, err
	}
	t, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	p, exact := e.planUndo(t, w)
	if err := e.checkFree(p.locked); err != nil {
		return nil, err
	}
	w.timer.Stop()
	delete(e.windows, id)

	call := func(ctx context.Context) error { return e.store.ReorderTodos(ctx, p.items()) }
	if exact {
		col, order := w.snapshot.Column, w.snapshot.ColumnOrder
		call = func(ctx context.Context) error {
			_, err := e.store.UpdateTodo(ctx, id, domain.TaskPatch{Column: &col, ColumnOrder: &order})
			return err
		}
	}
	return e.start(ctx, job{
		op:     "undo",
		taskID: id,
		column: w.snapshot.Column,
		locked: p.locked,
		call:   call,
		commit: func() {
			p.apply(e.board)
			e.logger.WithFields(log.Fields{"op": "undo", "task_id": id, "column": w.snapshot.Column}).Info("archive undone")
			e.notify(Notification{Kind: KindUndoApplied, Op: "undo", TaskID: id, Message: "Task restored"})
		},
		rollback: func() {
			e.notify(Notification{Kind: KindUndoClosed, Op: "undo", TaskID: id})
		},
	}), nil
}

// UndoDeadline returns when the undo window of id closes.
func (e *Engine) UndoDeadline(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.windows[id]
	if !ok {
		return time.Time{}, false
	}
	return w.deadline, true
}

func (e *Engine) planUndo(t domain.Task, w *undoWindow) (plan, bool) {
	col := w.snapshot.Column
	siblings := e.board.Column(col)
	free := true
	for _, s := range siblings {
		if s.ColumnOrder == w.snapshot.ColumnOrder {
			free = false
			break
		}
	}
	if free {
		restored := t
		restored.Column = col
		restored.ColumnOrder = w.snapshot.ColumnOrder
		return plan{
			before: map[string]domain.Task{t.ID: t},
			after:  []domain.Task{restored},
			locked: append(taskIDs(siblings), t.ID),
		}, true
	}
	index := w.index
	if index > len(siblings) {
		index = len(siblings)
	}
	moved := t
	moved.Column = col
	return e.rearrange(map[domain.Column][]domain.Task{col: insertAt(siblings, index, moved)}), false
}

// expire runs on the timer. A timer that lost a race with Stop finds a
// different window, or none, and does nothing.
func (e *Engine) expire(id string, w *undoWindow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windows[id] != w {
		return
	}
	delete(e.windows, id)
	e.logger.WithFields(log.Fields{"op": "archive", "task_id": id}).Debug("undo window expired")
	e.notify(Notification{Kind: KindUndoExpired, Op: "archive", TaskID: id})
}

// closeWindow must be called with mu held.
func (e *Engine) closeWindow(id, reason string) {
	w, ok := e.windows[id]
	if !ok {
		return
	}
	w.timer.Stop()
	delete(e.windows, id)
	e.notify(Notification{Kind: KindUndoClosed, Op: "archive", TaskID: id, Message: reason})
}
