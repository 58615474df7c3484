// Package store holds the durable state of the sync engine: task records and
// the operation queue. Postgres is the production backend; Memory serves
// development and tests.
package store

import (
	"context"
	"errors"
	"time"

	"go-tasksync/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	// ErrTerminal is returned when a queue item has already reached synced or failed.
	ErrTerminal = errors.New("queue item is terminal")
)

// MutateFunc receives the current record for an id (nil when absent) and
// returns the record to persist, or nil to leave the store untouched.
type MutateFunc func(current *model.Task) (*model.Task, error)

type TaskStore interface {
	Get(ctx context.Context, id string) (model.Task, error)
	// List returns records that are not soft-deleted, oldest first.
	List(ctx context.Context) ([]model.Task, error)
	// Mutate runs a read-compare-write on one id atomically. Calls for the
	// same id are serialized; calls for different ids are not.
	Mutate(ctx context.Context, id string, fn MutateFunc) error
}

type QueueStore interface {
	Enqueue(ctx context.Context, item model.QueueItem) (model.QueueItem, error)
	// Pending returns up to limit eligible items in ascending id order.
	Pending(ctx context.Context, limit int) ([]model.QueueItem, error)
	Complete(ctx context.Context, id int64, at time.Time) (model.QueueItem, error)
	// Fail consumes one retry and moves the item to failed once the retries are spent.
	Fail(ctx context.Context, id int64, at time.Time) (model.QueueItem, error)
	Counts(ctx context.Context) (model.QueueCounts, error)
}

type Store interface {
	TaskStore
	QueueStore
	Ping(ctx context.Context) error
	Close()
}
