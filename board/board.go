// Package board keeps the local task board and applies changes to it
// optimistically: the board changes first, the server is told afterwards and
// the change is rolled back if the server refuses it.
package board

import (
	"sort"

	"taskboard/domain"
)

// Board is the local task set. It is not safe for concurrent use; the Engine
// serializes access to it.
type Board struct {
	tasks   map[string]domain.Task
	version uint64
	cached  *View
}

// NewBoard builds a board from a task list.
func NewBoard(tasks []domain.Task) *Board {
	b := &Board{}
	b.reset(tasks)
	return b
}

// Len returns the number of tasks, archived ones included.
func (b *Board) Len() int { return len(b.tasks) }

// Version increases on every change.
func (b *Board) Version() uint64 { return b.version }

// Get returns the task with the given id.
func (b *Board) Get(id string) (domain.Task, bool) {
	t, ok := b.tasks[id]
	return t, ok
}

// Column returns the tasks of c sorted by column_order.
func (b *Board) Column(c domain.Column) []domain.Task {
	var out []domain.Task
	for _, t := range b.tasks {
		if t.Column == c {
			out = append(out, t)
		}
	}
	domain.SortByOrder(out)
	return out
}

// position returns the index of id within its column, or -1.
func (b *Board) position(id string) int {
	t, ok := b.tasks[id]
	if !ok {
		return -1
	}
	for i, s := range b.Column(t.Column) {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (b *Board) put(t domain.Task) {
	b.tasks[t.ID] = t
	b.version++
}

func (b *Board) remove(id string) {
	if _, ok := b.tasks[id]; ok {
		delete(b.tasks, id)
		b.version++
	}
}

func (b *Board) reset(tasks []domain.Task) {
	b.tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		b.tasks[t.ID] = t
	}
	b.version++
}

// View returns the column-partitioned view of the board. The same View is
// returned until the board changes.
func (b *Board) View() *View {
	if b.cached != nil && b.cached.Version == b.version {
		return b.cached
	}
	v := &View{Version: b.version, columns: make(map[domain.Column][]domain.Task)}
	for _, t := range b.tasks {
		if t.Column == domain.ColumnArchived {
			v.Archived = append(v.Archived, t)
			continue
		}
		v.columns[t.Column] = append(v.columns[t.Column], t)
	}
	for _, tasks := range v.columns {
		domain.SortByOrder(tasks)
	}
	sort.Slice(v.Archived, func(i, j int) bool {
		a, c := v.Archived[i], v.Archived[j]
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.After(c.CreatedAt)
		}
		return a.ID > c.ID
	})
	b.cached = v
	return v
}

// View is an immutable snapshot of the board for rendering. Callers must not
// modify the returned slices.
type View struct {
	Version uint64
	columns map[domain.Column][]domain.Task
	// Archived holds archived tasks, newest first.
	Archived []domain.Task
}

// Column returns the tasks of c in display order.
func (v *View) Column(c domain.Column) []domain.Task {
	if c == domain.ColumnArchived {
		return v.Archived
	}
	return v.columns[c]
}

// IDs returns the task ids of c in display order.
func (v *View) IDs(c domain.Column) []string {
	tasks := v.Column(c)
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
