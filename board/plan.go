package board

import "taskboard/domain"

// plan is a computed rearrangement of one or more columns.
type plan struct {
	// before holds the current state of every task the plan changes.
	before map[string]domain.Task
	// after holds the new state of the same tasks, in column order.
	after []domain.Task
	// locked lists every task of the rearranged columns. They stay busy
	// while the plan is persisted.
	locked []string
}

// rearrange numbers each sequence 0..n-1 and diffs the result against the
// board. Columns are visited in display order so the reorder payload is
// deterministic.
func (e *Engine) rearrange(seqs map[domain.Column][]domain.Task) plan {
	p := plan{before: make(map[string]domain.Task)}
	for _, col := range domain.BoardColumns() {
		seq, ok := seqs[col]
		if !ok {
			continue
		}
		for i, t := range seq {
			p.locked = append(p.locked, t.ID)
			cur, _ := e.board.Get(t.ID)
			if cur.Column == col && cur.ColumnOrder == i {
				continue
			}
			p.before[t.ID] = cur
			t.Column = col
			t.ColumnOrder = i
			p.after = append(p.after, t)
		}
	}
	return p
}

func (p plan) apply(b *Board) {
	for _, t := range p.after {
		b.put(t)
	}
}

func (p plan) revert(b *Board) {
	for _, t := range p.before {
		b.put(t)
	}
}

func (p plan) items() []domain.ReorderItem {
	items := make([]domain.ReorderItem, len(p.after))
	for i, t := range p.after {
		items[i] = domain.ReorderItem{ID: t.ID, Column: t.Column, ColumnOrder: t.ColumnOrder}
	}
	return items
}

func without(tasks []domain.Task, id string) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func insertAt(tasks []domain.Task, i int, t domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks)+1)
	out = append(out, tasks[:i]...)
	out = append(out, t)
	return append(out, tasks[i:]...)
}

func taskIDs(tasks []domain.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
