// Package service implements the server-side task CRUD. Every write marks
// the task pending and leaves a snapshot on the operation queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go-tasksync/model"
	"go-tasksync/queue"
	"go-tasksync/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var ErrDeleted = errors.New("task has been deleted")

// ValidationError is a client input problem, reported back as 400.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ListCache holds the non-deleted task list. GetList returns nil on a miss.
type ListCache interface {
	GetList(ctx context.Context) ([]model.Task, error)
	SetList(ctx context.Context, list []model.Task) error
	Invalidate(ctx context.Context) error
}

type TaskService struct {
	tasks store.TaskStore
	queue *queue.Queue
	cache ListCache
	sf    singleflight.Group
	log   logrus.FieldLogger
	now   func() time.Time
}

type Option func(*TaskService)

// WithCache enables the list cache. A nil cache leaves caching off.
func WithCache(c ListCache) Option {
	return func(s *TaskService) { s.cache = c }
}

func NewTaskService(tasks store.TaskStore, q *queue.Queue, log logrus.FieldLogger, opts ...Option) *TaskService {
	s := &TaskService{
		tasks: tasks,
		queue: q,
		log:   log.WithField("component", "tasks"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create inserts a task from a JSON body. The body may carry its own id;
// an id already in use returns store.ErrExists.
func (s *TaskService) Create(ctx context.Context, data map[string]any) (model.Task, error) {
	if t, _ := data["title"].(string); strings.TrimSpace(t) == "" {
		return model.Task{}, &ValidationError{Field: "title", Message: "Title is required"}
	}
	patch, err := parsePatch(data)
	if err != nil {
		return model.Task{}, err
	}

	id := uuid.NewString()
	if v, ok := data["id"]; ok && v != nil {
		given, ok := v.(string)
		if !ok || strings.TrimSpace(given) == "" {
			return model.Task{}, &ValidationError{Field: "id", Message: "id must be a non-empty string"}
		}
		id = given
	}

	var created model.Task
	err = s.tasks.Mutate(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if cur != nil {
			return nil, store.ErrExists
		}
		now := model.Timestamp(s.now())
		task := &model.Task{
			ID:         id,
			CreatedAt:  now,
			UpdatedAt:  now,
			SyncStatus: model.SyncPending,
		}
		patch.Apply(task)
		created = task.Clone()
		return task, nil
	})
	if err != nil {
		return model.Task{}, fmt.Errorf("create task %s: %w", id, err)
	}

	s.written(ctx, created, model.OpCreate)
	return created, nil
}

func (s *TaskService) List(ctx context.Context) ([]model.Task, error) {
	if s.cache == nil {
		return s.tasks.List(ctx)
	}
	v, err, _ := s.sf.Do("list", func() (any, error) {
		if list, err := s.cache.GetList(ctx); err == nil && list != nil {
			return list, nil
		} else if err != nil {
			s.log.WithError(err).Warn("task cache read failed")
		}
		list, err := s.tasks.List(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.cache.SetList(ctx, list); err != nil {
			s.log.WithError(err).Warn("task cache fill failed")
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Task), nil
}

// Get returns store.ErrNotFound for unknown ids and ErrDeleted for
// soft-deleted tasks.
func (s *TaskService) Get(ctx context.Context, id string) (model.Task, error) {
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if t.Deleted {
		return model.Task{}, ErrDeleted
	}
	return t, nil
}

// Update merges the recognised fields of data into the task. PUT and PATCH
// share it; neither may rename, undelete or re-time a task.
func (s *TaskService) Update(ctx context.Context, id string, data map[string]any) (model.Task, error) {
	patch, err := parsePatch(data)
	if err != nil {
		return model.Task{}, err
	}
	if patch.Empty() {
		return model.Task{}, &ValidationError{Message: "No updatable fields in request body"}
	}

	updated, err := s.write(ctx, id, patch.Apply)
	if err != nil {
		return model.Task{}, err
	}
	s.written(ctx, updated, model.OpUpdate)
	return updated, nil
}

// Delete soft-deletes the task.
func (s *TaskService) Delete(ctx context.Context, id string) (model.Task, error) {
	deleted, err := s.write(ctx, id, func(t *model.Task) { t.Deleted = true })
	if err != nil {
		return model.Task{}, err
	}
	s.written(ctx, deleted, model.OpDelete)
	return deleted, nil
}

// write changes a live task and moves updated_at strictly forward.
func (s *TaskService) write(ctx context.Context, id string, change func(*model.Task)) (model.Task, error) {
	var out model.Task
	err := s.tasks.Mutate(ctx, id, func(cur *model.Task) (*model.Task, error) {
		if cur == nil || cur.Deleted {
			return nil, store.ErrNotFound
		}
		change(cur)
		cur.UpdatedAt = nextTimestamp(s.now(), cur.UpdatedAt)
		cur.SyncStatus = model.SyncPending
		out = cur.Clone()
		return cur, nil
	})
	if err != nil {
		return model.Task{}, fmt.Errorf("write task %s: %w", id, err)
	}
	return out, nil
}

// written queues the snapshot and drops the cached list. The record is
// already stored, so failures here are logged rather than returned.
func (s *TaskService) written(ctx context.Context, t model.Task, op model.Operation) {
	entry := s.log.WithFields(logrus.Fields{"task_id": t.ID, "operation": op})
	if _, err := s.queue.Enqueue(ctx, t.ID, op, t); err != nil {
		entry.WithError(err).Error("task written but not queued")
	}
	s.Invalidate(ctx, t)
	entry.Debug("task written")
}

// Invalidate drops the cached task list after task was stored. Writers
// outside this service, such as the reconciler and the queue processor,
// call it too.
func (s *TaskService) Invalidate(ctx context.Context, task model.Task) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.log.WithError(err).WithField("task_id", task.ID).Warn("task cache invalidation failed")
	}
}

func parsePatch(data map[string]any) (model.Patch, error) {
	p, err := model.ParsePatch(data)
	if err != nil {
		return model.Patch{}, &ValidationError{Message: err.Error(), Err: err}
	}
	return p, nil
}

func nextTimestamp(now, prev time.Time) time.Time {
	now = model.Timestamp(now)
	if floor := prev.Add(time.Microsecond); now.Before(floor) {
		return floor
	}
	return now
}
