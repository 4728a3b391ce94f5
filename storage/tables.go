package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"taskboard/domain"
)

// maxBatch is the entity limit of a table transaction.
const maxBatch = domain.MaxReorderItems

// Tables stores tasks in Azure Table Storage, one partition per user, and
// sends due-date reminders through an Azure queue.
type Tables struct {
	taskTable *aztables.Client
	dueQueue  *DueQueue
	now       func() time.Time
}

// NewTables creates a Tables store from a storage connection string. An
// empty dueQueue disables reminders.
func NewTables(connStr, tasksTable, dueQueue string) (*Tables, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	t := &Tables{taskTable: svc.NewClient(tasksTable), now: time.Now}
	if dueQueue == "" {
		return t, nil
	}
	q, err := NewDueQueue(connStr, dueQueue)
	if err != nil {
		return nil, err
	}
	t.dueQueue = q
	return t, nil
}

type taskEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Title        string `json:"Title"`
	Description  string `json:"Description"`
	Column       string `json:"Column"`
	ColumnOrder  int    `json:"ColumnOrder"`
	DueDate      string `json:"DueDate,omitempty"`
	CreatedAt    string `json:"CreatedAt"`
	IsCompleted  bool   `json:"IsCompleted"`
}

type placementEntity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Column       string `json:"Column"`
	ColumnOrder  int    `json:"ColumnOrder"`
}

func toEntity(userID string, t domain.Task) taskEntity {
	ent := taskEntity{
		PartitionKey: userID,
		RowKey:       t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Column:       string(t.Column),
		ColumnOrder:  t.ColumnOrder,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339Nano),
		IsCompleted:  t.IsCompleted,
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.UTC().Format(time.RFC3339Nano)
	}
	return ent
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		Column:      domain.Column(ent.Column),
		ColumnOrder: ent.ColumnOrder,
		IsCompleted: ent.IsCompleted,
	}
	if ent.CreatedAt != "" {
		created, err := time.Parse(time.RFC3339Nano, ent.CreatedAt)
		if err != nil {
			return domain.Task{}, err
		}
		t.CreatedAt = created
	}
	if ent.DueDate != "" {
		due, err := time.Parse(time.RFC3339Nano, ent.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueDate = &due
	}
	return t, nil
}

func partitionFilter(userID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(userID, "'", "''") + "'"
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

// ListTasks retrieves all tasks for the provided user.
func (s *Tables) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := partitionFilter(userID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
	}
	domain.SortByOrder(tasks)
	return tasks, nil
}

func (s *Tables) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	ent, err := s.taskTable.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	return decodeTaskEntity(ent.Value)
}

func (s *Tables) CreateTask(ctx context.Context, userID string, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	payload, err := sonic.Marshal(toEntity(userID, t))
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask replaces an existing task entity.
func (s *Tables) UpdateTask(ctx context.Context, userID string, t domain.Task) error {
	payload, err := sonic.Marshal(toEntity(userID, t))
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if isNotFound(err) {
		return ErrNotFound
	}
	return err
}

// ReorderTasks merges the new placements in a single table transaction, so a
// list longer than maxBatch is rejected rather than split.
func (s *Tables) ReorderTasks(ctx context.Context, userID string, items []domain.ReorderItem) error {
	if err := domain.CheckReorderSize(items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	actions, err := placementActions(userID, items)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func placementActions(userID string, items []domain.ReorderItem) ([]aztables.TransactionAction, error) {
	actions := make([]aztables.TransactionAction, 0, len(items))
	for _, it := range items {
		payload, err := sonic.Marshal(placementEntity{
			PartitionKey: userID,
			RowKey:       it.ID,
			Column:       string(it.Column),
			ColumnOrder:  it.ColumnOrder,
		})
		if err != nil {
			return nil, err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: payload})
	}
	return actions, nil
}

func (s *Tables) DeleteTask(ctx context.Context, userID, id string) error {
	_, err := s.taskTable.DeleteEntity(ctx, userID, id, nil)
	if isNotFound(err) {
		return ErrNotFound
	}
	return err
}

// ScheduleDue enqueues a reminder that becomes visible when t comes due.
func (s *Tables) ScheduleDue(ctx context.Context, userID string, t domain.Task) error {
	if s.dueQueue == nil {
		return nil
	}
	delay, ok := NotificationDelay(s.now(), t)
	if !ok {
		return nil
	}
	return s.dueQueue.Send(ctx, DueNotification{UserID: userID, TaskID: t.ID, Title: t.Title, DueDate: *t.DueDate}, delay)
}
