package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
)

// DueQueue carries DueNotification messages between the API, which sends
// them, and the reminder worker, which receives them once they come due.
type DueQueue struct {
	client *azqueue.QueueClient
}

// Delivery is one received message. Err is set when the body could not be
// decoded; such a message should be acknowledged and dropped.
type Delivery struct {
	Notification DueNotification
	Err          error
	DequeueCount int64

	id, popReceipt string
}

// NewDueQueue connects to the named queue.
func NewDueQueue(connStr, name string) (*DueQueue, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &DueQueue{client: q}, nil
}

// Send enqueues n so that it becomes visible after delay, capped at
// MaxNotificationDelay. The message never expires.
func (q *DueQueue) Send(ctx context.Context, n DueNotification, delay time.Duration) error {
	data, err := sonic.Marshal(n)
	if err != nil {
		return err
	}
	delay = min(max(delay, 0), MaxNotificationDelay)
	visibility := int32(delay / time.Second)
	ttl := int32(-1)
	_, err = q.client.EnqueueMessage(ctx, string(data), &azqueue.EnqueueMessageOptions{
		VisibilityTimeout: &visibility,
		TimeToLive:        &ttl,
	})
	return err
}

// Receive dequeues up to n messages and hides them for visibility. A
// message that is not acknowledged in that time is delivered again.
func (q *DueQueue) Receive(ctx context.Context, n int32, visibility time.Duration) ([]Delivery, error) {
	vis := int32(visibility / time.Second)
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &n,
		VisibilityTimeout: &vis,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if msg == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}
		d := Delivery{id: *msg.MessageID, popReceipt: *msg.PopReceipt}
		if msg.DequeueCount != nil {
			d.DequeueCount = *msg.DequeueCount
		}
		if msg.MessageText != nil {
			d.Err = sonic.UnmarshalString(*msg.MessageText, &d.Notification)
		} else {
			d.Err = errEmptyMessage
		}
		out = append(out, d)
	}
	return out, nil
}

// Ack deletes a received message.
func (q *DueQueue) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.DeleteMessage(ctx, d.id, d.popReceipt, nil)
	if isNotFound(err) {
		return nil
	}
	return err
}
