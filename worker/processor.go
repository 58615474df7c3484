package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go-tasksync/model"
	"go-tasksync/queue"
	"go-tasksync/reconcile"
	"go-tasksync/store"

	"github.com/sirupsen/logrus"
)

const DefaultBatchSize = 50

// Applier reconciles a single mutation.
type Applier interface {
	Apply(ctx context.Context, op model.Operation, data map[string]any) (model.Outcome, error)
}

// Locker hands out a lease that keeps drains in separate processes apart.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

type Processor struct {
	queue     *queue.Queue
	applier   Applier
	tasks     store.TaskStore
	batchSize int
	locker    Locker
	leaseTTL  time.Duration
	onWrite   func(ctx context.Context, task model.Task)
	log       logrus.FieldLogger
	now       func() time.Time

	mu sync.Mutex
}

type ProcessorOption func(*Processor)

func WithBatchSize(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

func WithLocker(l Locker, ttl time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.locker = l
		p.leaseTTL = ttl
	}
}

// WithOnWrite registers fn to run after the processor stores a task's sync
// status.
func WithOnWrite(fn func(ctx context.Context, task model.Task)) ProcessorOption {
	return func(p *Processor) { p.onWrite = fn }
}

func NewProcessor(q *queue.Queue, applier Applier, tasks store.TaskStore, log logrus.FieldLogger, opts ...ProcessorOption) *Processor {
	p := &Processor{
		queue:     q,
		applier:   applier,
		tasks:     tasks,
		batchSize: DefaultBatchSize,
		leaseTTL:  time.Minute,
		log:       log.WithField("component", "processor"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessPending drains one batch of eligible queue items in enqueue order.
// A failing item is recorded and retried later; it never stops the batch.
func (p *Processor) ProcessPending(ctx context.Context) ([]model.ItemOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.locker != nil {
		release, ok, err := p.locker.TryLock(ctx, p.leaseTTL)
		if err != nil {
			return nil, fmt.Errorf("drain lease: %w", err)
		}
		if !ok {
			p.log.Info("another drain holds the lease, skipping")
			return []model.ItemOutcome{}, nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.log.WithError(err).Warn("drain lease not released")
			}
		}()
	}

	items, err := p.queue.DequeuePending(ctx, p.batchSize)
	if err != nil {
		return nil, fmt.Errorf("dequeue pending: %w", err)
	}

	results := make([]model.ItemOutcome, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, p.processItem(ctx, item))
	}

	if len(items) > 0 {
		p.log.WithFields(logrus.Fields{"items": len(items)}).Info("drain finished")
	}
	return results, nil
}

func (p *Processor) processItem(ctx context.Context, item model.QueueItem) model.ItemOutcome {
	res := model.ItemOutcome{
		SyncItemID: item.ID,
		TaskID:     item.TaskID,
		Operation:  item.Operation,
	}
	entry := p.log.WithFields(logrus.Fields{
		"sync_item_id": item.ID,
		"task_id":      item.TaskID,
		"operation":    item.Operation,
	})

	out, err := p.apply(ctx, item)
	if err != nil {
		entry.WithError(err).Error("queue item failed")
		out = model.Outcome{Status: model.StatusError, Message: "processing failed"}
	}
	res.Status = out.Status
	res.ResolvedData = out.ResolvedData
	res.Message = out.Message

	var updated model.QueueItem
	if out.Accepted() {
		updated, err = p.queue.MarkCompleted(ctx, item.ID)
	} else {
		updated, err = p.queue.MarkFailed(ctx, item.ID)
	}
	if err != nil {
		entry.WithError(err).Error("queue item status not recorded")
		res.RetryCount = item.RetryCount
		res.QueueStatus = item.Status
		return res
	}
	res.RetryCount = updated.RetryCount
	res.QueueStatus = updated.Status

	switch updated.Status {
	case model.QueueSynced:
		p.markTask(ctx, item, model.SyncSynced)
	case model.QueueFailed:
		p.markTask(ctx, item, model.SyncError)
	}
	return res
}

// apply decodes the payload and reconciles it, turning a panic into an error.
func (p *Processor) apply(ctx context.Context, item model.QueueItem) (out model.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var data map[string]any
	if err := json.Unmarshal(item.Payload, &data); err != nil {
		return model.Outcome{}, fmt.Errorf("decode payload: %w", err)
	}
	if data == nil {
		return model.Outcome{}, errors.New("empty payload")
	}
	if id, _ := data["id"].(string); id == "" {
		data["id"] = item.TaskID
	}
	return p.applier.Apply(ctx, item.Operation, data)
}

// markTask records the queue result on the task, but only while the task
// still holds the version the item carried.
func (p *Processor) markTask(ctx context.Context, item model.QueueItem, status model.SyncStatus) {
	var snapshot struct {
		UpdatedAt any `json:"updated_at"`
	}
	if err := json.Unmarshal(item.Payload, &snapshot); err != nil {
		return
	}
	ts, err := reconcile.ParseTimestamp(snapshot.UpdatedAt)
	if err != nil {
		return
	}

	var marked *model.Task
	err = p.tasks.Mutate(ctx, item.TaskID, func(cur *model.Task) (*model.Task, error) {
		if cur == nil || !cur.UpdatedAt.Equal(ts) || cur.SyncStatus == status {
			return nil, nil
		}
		cur.SyncStatus = status
		if status == model.SyncSynced {
			now := model.Timestamp(p.now())
			cur.LastSyncedAt = &now
		}
		marked = cur
		return cur, nil
	})
	if err != nil {
		p.log.WithError(err).WithField("task_id", item.TaskID).Warn("task sync status not updated")
		return
	}
	if marked != nil && p.onWrite != nil {
		p.onWrite(ctx, marked.Clone())
	}
}
