// Package queue is the durable, ordered buffer of task mutations waiting to
// be reconciled.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-tasksync/model"
	"go-tasksync/store"

	"github.com/sirupsen/logrus"
)

// Notifier is told when new work has been enqueued.
type Notifier interface {
	Notify(ctx context.Context) error
}

type Queue struct {
	backend    store.QueueStore
	maxRetries int
	notifier   Notifier
	log        logrus.FieldLogger
	now        func() time.Time
}

type Option func(*Queue)

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func New(backend store.QueueStore, log logrus.FieldLogger, opts ...Option) *Queue {
	q := &Queue{
		backend:    backend,
		maxRetries: model.DefaultMaxRetries,
		log:        log.WithField("component", "queue"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue records a snapshot of payload as a new pending item for taskID.
func (q *Queue) Enqueue(ctx context.Context, taskID string, op model.Operation, payload any) (model.QueueItem, error) {
	if !op.Valid() {
		return model.QueueItem{}, fmt.Errorf("enqueue: unsupported operation %q", op)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue: encode payload: %w", err)
	}

	item, err := q.backend.Enqueue(ctx, model.QueueItem{
		TaskID:     taskID,
		Operation:  op,
		Payload:    data,
		MaxRetries: q.maxRetries,
		Status:     model.QueuePending,
		CreatedAt:  model.Timestamp(q.now()),
	})
	if err != nil {
		return model.QueueItem{}, err
	}

	q.log.WithFields(logrus.Fields{
		"sync_item_id": item.ID,
		"task_id":      taskID,
		"operation":    op,
	}).Debug("enqueued")

	if q.notifier != nil {
		if err := q.notifier.Notify(ctx); err != nil {
			q.log.WithError(err).Warn("drain signal not sent")
		}
	}
	return item, nil
}

// DequeuePending returns up to limit items that may still be processed, in
// the order they were enqueued. Items are not claimed.
func (q *Queue) DequeuePending(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		return []model.QueueItem{}, nil
	}
	return q.backend.Pending(ctx, limit)
}

func (q *Queue) MarkCompleted(ctx context.Context, id int64) (model.QueueItem, error) {
	return q.backend.Complete(ctx, id, model.Timestamp(q.now()))
}

// MarkFailed consumes one retry. The item turns failed once its retries are spent.
func (q *Queue) MarkFailed(ctx context.Context, id int64) (model.QueueItem, error) {
	item, err := q.backend.Fail(ctx, id, model.Timestamp(q.now()))
	if err != nil {
		return item, err
	}
	if item.Status == model.QueueFailed {
		q.log.WithFields(logrus.Fields{
			"sync_item_id": id,
			"task_id":      item.TaskID,
			"retry_count":  item.RetryCount,
		}).Warn("queue item failed permanently")
	}
	return item, nil
}

// Status counts items by status. It reads the store on every call.
func (q *Queue) Status(ctx context.Context) (model.QueueCounts, error) {
	return q.backend.Counts(ctx)
}

// IsTerminal reports whether err means the item was already synced or failed.
func IsTerminal(err error) bool {
	return errors.Is(err, store.ErrTerminal)
}
