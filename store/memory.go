package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go-tasksync/model"
)

// Memory keeps tasks and queue items in process memory. Writes to one task id
// are serialized through a per-id lock so concurrent reconciliations of
// different tasks never wait on each other.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]model.Task
	order  []string
	items  []model.QueueItem
	nextID int64

	locks sync.Map // task id -> *sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]model.Task)}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() {}

func (m *Memory) Get(ctx context.Context, id string) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) List(ctx context.Context) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := []model.Task{}
	for _, id := range m.order {
		t := m.tasks[id]
		if !t.Deleted {
			tasks = append(tasks, t.Clone())
		}
	}
	return tasks, nil
}

func (m *Memory) lockFor(id string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (m *Memory) Mutate(ctx context.Context, id string, fn MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := m.lockFor(id)
	l.Lock()
	defer l.Unlock()

	m.mu.RLock()
	cur, exists := m.tasks[id]
	m.mu.RUnlock()

	var current *model.Task
	if exists {
		c := cur.Clone()
		current = &c
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if next.ID != id {
		return fmt.Errorf("mutate %s: record id changed to %s", id, next.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !exists {
		m.order = append(m.order, id)
	}
	m.tasks[id] = next.Clone()
	return nil
}

func (m *Memory) Enqueue(ctx context.Context, item model.QueueItem) (model.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueItem{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	item.ID = m.nextID
	item.Status = model.QueuePending
	item.RetryCount = 0
	item.LastAttemptedAt = nil
	m.items = append(m.items, item)
	return item, nil
}

func (m *Memory) Pending(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	// m.items is kept in ascending id order by Enqueue.
	items := []model.QueueItem{}
	for _, it := range m.items {
		if len(items) >= limit {
			break
		}
		if it.Eligible() {
			items = append(items, it)
		}
	}
	return items, nil
}

// item returns the index of queue item id; callers hold m.mu.
func (m *Memory) item(id int64) (int, error) {
	i := sort.Search(len(m.items), func(i int) bool { return m.items[i].ID >= id })
	if i == len(m.items) || m.items[i].ID != id {
		return 0, ErrNotFound
	}
	return i, nil
}

func (m *Memory) Complete(ctx context.Context, id int64, at time.Time) (model.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueItem{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i, err := m.item(id)
	if err != nil {
		return model.QueueItem{}, err
	}
	it := &m.items[i]
	if it.Status.Terminal() {
		return *it, ErrTerminal
	}
	it.Status = model.QueueSynced
	it.LastAttemptedAt = &at
	return *it, nil
}

func (m *Memory) Fail(ctx context.Context, id int64, at time.Time) (model.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueItem{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i, err := m.item(id)
	if err != nil {
		return model.QueueItem{}, err
	}
	it := &m.items[i]
	if it.Status.Terminal() {
		return *it, ErrTerminal
	}
	it.RetryCount++
	it.LastAttemptedAt = &at
	if it.RetryCount >= it.MaxRetries {
		it.Status = model.QueueFailed
	}
	return *it, nil
}

func (m *Memory) Counts(ctx context.Context) (model.QueueCounts, error) {
	if err := ctx.Err(); err != nil {
		return model.QueueCounts{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c model.QueueCounts
	for _, it := range m.items {
		switch it.Status {
		case model.QueuePending:
			c.Pending++
		case model.QueueFailed:
			c.Failed++
		case model.QueueSynced:
			c.Synced++
		}
	}
	c.Total = c.Pending + c.Failed + c.Synced
	return c, nil
}
