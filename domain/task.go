package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bytedance/sonic"
)

// Column is one stage of the task lifecycle.
type Column string

const (
	ColumnUnassigned Column = "UNASSIGNED"
	ColumnToDo       Column = "TO_DO"
	ColumnInProgress Column = "IN_PROGRESS"
	ColumnDone       Column = "DONE"
	ColumnArchived   Column = "ARCHIVED"
)

var boardColumns = [...]Column{ColumnUnassigned, ColumnToDo, ColumnInProgress, ColumnDone}

// BoardColumns returns the non-archived columns in display order.
func BoardColumns() []Column {
	out := make([]Column, len(boardColumns))
	copy(out, boardColumns[:])
	return out
}

// Valid reports whether c is one of the known columns.
func (c Column) Valid() bool {
	return c == ColumnArchived || c.OnBoard()
}

// OnBoard reports whether c is a visible board column.
func (c Column) OnBoard() bool {
	for _, bc := range boardColumns {
		if c == bc {
			return true
		}
	}
	return false
}

// ParseColumn validates a column name.
func ParseColumn(s string) (Column, error) {
	c := Column(s)
	if !c.Valid() {
		return "", &ValidationError{Field: "column", Reason: "unknown column " + s, Err: ErrInvalidColumn}
	}
	return c, nil
}

// Task is a single todo record owned by a user.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Column      Column     `json:"column"`
	ColumnOrder int        `json:"column_order"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	IsCompleted bool       `json:"is_completed"`
}

// Placement returns the task's current position.
func (t Task) Placement() Placement {
	return Placement{Column: t.Column, ColumnOrder: t.ColumnOrder}
}

// Placement is a (column, column_order) pair.
type Placement struct {
	Column      Column `json:"column"`
	ColumnOrder int    `json:"column_order"`
}

// MaxReorderItems bounds a bulk reorder so it fits one storage transaction.
const MaxReorderItems = 100

// ReorderItem is one entry of a bulk reorder request.
type ReorderItem struct {
	ID          string `json:"id"`
	Column      Column `json:"column"`
	ColumnOrder int    `json:"column_order"`
}

// CheckReorderSize rejects a reorder that cannot be applied atomically.
func CheckReorderSize(items []ReorderItem) error {
	if len(items) > MaxReorderItems {
		return &ValidationError{
			Field:  "items",
			Reason: fmt.Sprintf("at most %d items per reorder, got %d", MaxReorderItems, len(items)),
			Err:    ErrTooManyItems,
		}
	}
	return nil
}

// TaskInput carries the fields accepted when creating a task.
type TaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Column      Column     `json:"column,omitempty"`
	ColumnOrder int        `json:"column_order"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	IsCompleted bool       `json:"is_completed"`
}

// Validate checks the input before it is sent anywhere.
func (in TaskInput) Validate() error {
	if in.Title == "" {
		return &ValidationError{Field: "title", Reason: "title cannot be empty", Err: ErrEmptyTitle}
	}
	if in.Column != "" && !in.Column.Valid() {
		return &ValidationError{Field: "column", Reason: "unknown column " + string(in.Column), Err: ErrInvalidColumn}
	}
	if in.ColumnOrder < 0 {
		return &ValidationError{Field: "column_order", Reason: "must be non-negative", Err: ErrInvalidIndex}
	}
	return nil
}

// TaskPatch is a partial update. Nil fields are left untouched. ClearDueDate
// removes the due date; a JSON body with "due_date": null sets it too.
type TaskPatch struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Column       *Column    `json:"column,omitempty"`
	ColumnOrder  *int       `json:"column_order,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
	IsCompleted  *bool      `json:"is_completed,omitempty"`
}

// UnmarshalJSON decodes the patch strictly and maps an explicit null due date
// to ClearDueDate.
func (p *TaskPatch) UnmarshalJSON(data []byte) error {
	type fields TaskPatch
	var raw struct {
		fields
		DueDate json.RawMessage `json:"due_date"`
	}
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*p = TaskPatch(raw.fields)
	switch due := bytes.TrimSpace(raw.DueDate); {
	case len(due) == 0:
	case bytes.Equal(due, []byte("null")):
		p.ClearDueDate = true
	default:
		var d time.Time
		if err := sonic.ConfigStd.Unmarshal(due, &d); err != nil {
			return err
		}
		p.DueDate = &d
	}
	return nil
}

// DueChanged reports whether the patch sets or clears the due date.
func (p TaskPatch) DueChanged() bool {
	return p.DueDate != nil || p.ClearDueDate
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Column == nil &&
		p.ColumnOrder == nil && !p.DueChanged() && p.IsCompleted == nil
}

// Validate checks the patch before it is applied.
func (p TaskPatch) Validate() error {
	if p.Title != nil && *p.Title == "" {
		return &ValidationError{Field: "title", Reason: "title cannot be empty", Err: ErrEmptyTitle}
	}
	if p.Column != nil && !p.Column.Valid() {
		return &ValidationError{Field: "column", Reason: "unknown column " + string(*p.Column), Err: ErrInvalidColumn}
	}
	if p.ColumnOrder != nil && *p.ColumnOrder < 0 {
		return &ValidationError{Field: "column_order", Reason: "must be non-negative", Err: ErrInvalidIndex}
	}
	if p.DueDate != nil && p.ClearDueDate {
		return &ValidationError{Field: "due_date", Reason: "cannot set and clear the due date together"}
	}
	return nil
}

// Apply returns t with the patch fields applied.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Column != nil {
		t.Column = *p.Column
	}
	if p.ColumnOrder != nil {
		t.ColumnOrder = *p.ColumnOrder
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	if p.ClearDueDate {
		t.DueDate = nil
	}
	if p.IsCompleted != nil {
		t.IsCompleted = *p.IsCompleted
	}
	return t
}

// SortByOrder sorts tasks by column_order, breaking ties by creation time and
// then id so the result is deterministic even with duplicate orders.
func SortByOrder(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.ColumnOrder != b.ColumnOrder {
			return a.ColumnOrder < b.ColumnOrder
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Resequence sorts tasks with SortByOrder and rewrites column_order to the
// dense sequence 0..n-1. It returns the ids whose order changed.
func Resequence(tasks []Task) []string {
	SortByOrder(tasks)
	var changed []string
	for i := range tasks {
		if tasks[i].ColumnOrder != i {
			tasks[i].ColumnOrder = i
			changed = append(changed, tasks[i].ID)
		}
	}
	return changed
}
