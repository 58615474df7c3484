// Package reconcile applies client mutations to the server's task records
// using whole-record last-write-wins on updated_at.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go-tasksync/model"
	"go-tasksync/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Reconciler struct {
	tasks   store.TaskStore
	log     logrus.FieldLogger
	now     func() time.Time
	onWrite func(ctx context.Context, task model.Task)
}

type Option func(*Reconciler)

// WithOnWrite registers fn to run after every mutation that changed a stored
// record. Rejected, conflicting and replayed mutations do not trigger it.
func WithOnWrite(fn func(ctx context.Context, task model.Task)) Option {
	return func(r *Reconciler) { r.onWrite = fn }
}

func New(tasks store.TaskStore, log logrus.FieldLogger, opts ...Option) *Reconciler {
	r := &Reconciler{
		tasks: tasks,
		log:   log.WithField("component", "reconciler"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) written(ctx context.Context, task *model.Task) {
	if r.onWrite != nil && task != nil {
		r.onWrite(ctx, task.Clone())
	}
}

// Apply reconciles one client mutation against the current server record.
// The returned error is reserved for store failures; every other result,
// including rejected input, is reported through the Outcome status.
func (r *Reconciler) Apply(ctx context.Context, op model.Operation, data map[string]any) (model.Outcome, error) {
	if !op.Valid() {
		return model.Outcome{Status: model.StatusError, Message: fmt.Sprintf("unsupported operation %q", op)}, nil
	}

	id, err := clientID(data)
	if err != nil {
		return model.Outcome{Status: model.StatusError, Message: err.Error()}, nil
	}

	ts, err := ParseTimestamp(data["updated_at"])
	switch {
	case err == nil:
	case op == model.OpCreate && IsMissingTimestamp(err):
		// Creation compares against nothing, so a client without a clock is tolerated.
		ts = model.Timestamp(r.now())
	default:
		return model.Outcome{Status: model.StatusInvalidTimestamp, ServerID: id, Message: err.Error()}, nil
	}

	patch, err := model.ParsePatch(data)
	if err != nil {
		return model.Outcome{Status: model.StatusError, ServerID: id, Message: err.Error()}, nil
	}

	var out model.Outcome
	switch op {
	case model.OpCreate:
		out, err = r.create(ctx, id, ts, clientCreatedAt(data), patch)
	case model.OpUpdate:
		out, err = r.update(ctx, id, ts, patch)
	case model.OpDelete:
		out, err = r.delete(ctx, id, ts)
	}
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"task_id":   id,
			"operation": op,
		}).Error("reconciliation failed")
		return model.Outcome{}, err
	}
	return out, nil
}

func clientID(data map[string]any) (string, error) {
	switch id := data["id"].(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	default:
		return "", fmt.Errorf("%w: id must be a string", model.ErrInvalidField)
	}
}

func (r *Reconciler) create(ctx context.Context, id string, ts time.Time, createdTS *time.Time, patch model.Patch) (model.Outcome, error) {
	if patch.Title == nil {
		return model.Outcome{Status: model.StatusError, ServerID: id, Message: "title is required"}, nil
	}
	if id == "" {
		id = uuid.NewString()
	}

	var out model.Outcome
	var wrote *model.Task
	err := r.tasks.Mutate(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if cur != nil {
			out = model.Outcome{Status: model.StatusExists, ServerID: id, ResolvedData: cur}
			return nil, nil
		}

		now := model.Timestamp(r.now())
		task := &model.Task{
			ID:           id,
			CreatedAt:    createdAt(createdTS, ts, now),
			UpdatedAt:    ts,
			SyncStatus:   model.SyncSynced,
			LastSyncedAt: &now,
		}
		patch.Apply(task)

		out = model.Outcome{Status: model.StatusSuccess, ServerID: id, ResolvedData: task}
		wrote = task
		return task, nil
	})
	if err != nil {
		return model.Outcome{}, err
	}
	r.logDecision(model.OpCreate, id, ts, out)
	r.written(ctx, wrote)
	return out, nil
}

// clientCreatedAt returns the snapshot's created_at, or nil when it is
// absent or unreadable. created_at is informational and never rejects a create.
func clientCreatedAt(data map[string]any) *time.Time {
	t, err := ParseTimestamp(data["created_at"])
	if err != nil {
		return nil
	}
	return &t
}

// createdAt never lets a record show creation after its last change. A
// client-supplied created_at is kept when it is not later than updated_at.
func createdAt(client *time.Time, updated, now time.Time) time.Time {
	if client != nil && !client.After(updated) {
		return *client
	}
	if now.After(updated) {
		return updated
	}
	return now
}

func (r *Reconciler) update(ctx context.Context, id string, ts time.Time, patch model.Patch) (model.Outcome, error) {
	return r.compareAndWrite(ctx, model.OpUpdate, id, ts,
		func(t *model.Task) bool { return patch.Changes(*t) },
		func(t *model.Task) { patch.Apply(t) },
	)
}

func (r *Reconciler) delete(ctx context.Context, id string, ts time.Time) (model.Outcome, error) {
	return r.compareAndWrite(ctx, model.OpDelete, id, ts,
		func(t *model.Task) bool { return !t.Deleted },
		func(t *model.Task) { t.Deleted = true },
	)
}

// compareAndWrite is the LWW core shared by update and delete. The client
// wins only with a strictly newer timestamp. A replay carrying the server's
// own timestamp that would change nothing is an idempotent re-application
// and succeeds without a write.
func (r *Reconciler) compareAndWrite(
	ctx context.Context,
	op model.Operation,
	id string,
	ts time.Time,
	changes func(*model.Task) bool,
	apply func(*model.Task),
) (model.Outcome, error) {
	if id == "" {
		return model.Outcome{Status: model.StatusNotFound, Message: "id is required"}, nil
	}

	var out model.Outcome
	var serverTS time.Time
	var wrote *model.Task
	err := r.tasks.Mutate(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if cur == nil {
			out = model.Outcome{Status: model.StatusNotFound, ServerID: id}
			return nil, nil
		}
		serverTS = cur.UpdatedAt

		switch {
		case ts.After(cur.UpdatedAt):
			now := model.Timestamp(r.now())
			apply(cur)
			cur.UpdatedAt = ts
			cur.SyncStatus = model.SyncSynced
			cur.LastSyncedAt = &now
			out = model.Outcome{Status: model.StatusSuccess, ServerID: id, ResolvedData: cur}
			wrote = cur
			return cur, nil
		case ts.Equal(cur.UpdatedAt) && !changes(cur):
			out = model.Outcome{Status: model.StatusSuccess, ServerID: id, ResolvedData: cur}
			return nil, nil
		default:
			out = model.Outcome{Status: model.StatusConflict, ServerID: id, ResolvedData: cur}
			return nil, nil
		}
	})
	if err != nil {
		return model.Outcome{}, err
	}

	r.logDecision(op, id, ts, out, logrus.Fields{"server_ts": serverTS})
	r.written(ctx, wrote)
	return out, nil
}

func (r *Reconciler) logDecision(op model.Operation, id string, ts time.Time, out model.Outcome, extra ...logrus.Fields) {
	entry := r.log.WithFields(logrus.Fields{
		"task_id":   id,
		"operation": op,
		"status":    out.Status,
		"client_ts": ts,
	})
	for _, f := range extra {
		entry = entry.WithFields(f)
	}
	if out.Status == model.StatusConflict {
		entry.Info("server version kept")
		return
	}
	entry.Debug("mutation reconciled")
}
