package client

import (
	"context"
	"net/http"
	"net/url"

	"taskboard/domain"
)

// Sender is the transport the todo API talks through.
type Sender interface {
	Send(ctx context.Context, method, path string, body, out any) error
}

// TodoAPI is the remote persistence surface for tasks.
type TodoAPI struct {
	s Sender
}

// NewTodoAPI wraps a sender, normally a *Pipeline.
func NewTodoAPI(s Sender) *TodoAPI { return &TodoAPI{s: s} }

func todoPath(id string) string { return "/todo/" + url.PathEscape(id) + "/" }

// FetchTodos lists every task of the current user.
func (t *TodoAPI) FetchTodos(ctx context.Context) ([]domain.Task, error) {
	var tasks []domain.Task
	if err := t.s.Send(ctx, http.MethodGet, "/todo/", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTodo fetches a single task.
func (t *TodoAPI) GetTodo(ctx context.Context, id string) (domain.Task, error) {
	var task domain.Task
	err := t.s.Send(ctx, http.MethodGet, todoPath(id), nil, &task)
	return task, err
}

// CreateTodo creates a task and returns it with its server-assigned id.
func (t *TodoAPI) CreateTodo(ctx context.Context, in domain.TaskInput) (domain.Task, error) {
	var task domain.Task
	err := t.s.Send(ctx, http.MethodPost, "/todo/", in, &task)
	return task, err
}

// UpdateTodo applies a partial update.
func (t *TodoAPI) UpdateTodo(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	var task domain.Task
	err := t.s.Send(ctx, http.MethodPatch, todoPath(id), patch, &task)
	return task, err
}

// ReorderTodos persists column and column_order for several tasks at once.
func (t *TodoAPI) ReorderTodos(ctx context.Context, items []domain.ReorderItem) error {
	return t.s.Send(ctx, http.MethodPost, "/todo/reorder/", items, nil)
}

// ArchiveTodo moves a task to the archive column.
func (t *TodoAPI) ArchiveTodo(ctx context.Context, id string) error {
	return t.s.Send(ctx, http.MethodDelete, todoPath(id), nil, nil)
}

// DeleteTodo removes a task permanently.
func (t *TodoAPI) DeleteTodo(ctx context.Context, id string) error {
	return t.s.Send(ctx, http.MethodDelete, todoPath(id)+"delete/", nil, nil)
}
