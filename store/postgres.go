package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-tasksync/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, title, description, completed, deleted, created_at, updated_at, sync_status, last_synced_at`

const queueColumns = `id, task_id, operation, payload, retry_count, max_retries, status, created_at, last_attempted_at`

type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg parse config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	var status string
	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.Completed, &t.Deleted,
		&t.CreatedAt, &t.UpdatedAt, &status, &t.LastSyncedAt,
	)
	if err != nil {
		return model.Task{}, err
	}
	t.SyncStatus = model.SyncStatus(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if t.LastSyncedAt != nil {
		ts := t.LastSyncedAt.UTC()
		t.LastSyncedAt = &ts
	}
	return t, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (model.Task, error) {
	t, err := scanTask(p.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) List(ctx context.Context) ([]model.Task, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE NOT deleted ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Mutate holds a transaction-scoped advisory lock on the id for the whole
// read-compare-write, so two reconciliations of the same task cannot both
// read the old updated_at. The lock also covers ids with no row yet.
func (p *Postgres) Mutate(ctx context.Context, id string, fn MutateFunc) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, id); err != nil {
			return fmt.Errorf("lock task %s: %w", id, err)
		}

		var current *model.Task
		t, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read task %s: %w", id, err)
		default:
			current = &t
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

		if current == nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO tasks (`+taskColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				next.ID, next.Title, next.Description, next.Completed, next.Deleted,
				next.CreatedAt, next.UpdatedAt, string(next.SyncStatus), next.LastSyncedAt,
			)
			if err != nil {
				return fmt.Errorf("insert task %s: %w", id, err)
			}
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE tasks SET title = $2, description = $3, completed = $4, deleted = $5,
				updated_at = $6, sync_status = $7, last_synced_at = $8
			WHERE id = $1`,
			next.ID, next.Title, next.Description, next.Completed, next.Deleted,
			next.UpdatedAt, string(next.SyncStatus), next.LastSyncedAt,
		)
		if err != nil {
			return fmt.Errorf("update task %s: %w", id, err)
		}
		return nil
	})
}

func scanItem(row pgx.Row) (model.QueueItem, error) {
	var it model.QueueItem
	var op, status string
	var payload []byte
	err := row.Scan(
		&it.ID, &it.TaskID, &op, &payload, &it.RetryCount, &it.MaxRetries,
		&status, &it.CreatedAt, &it.LastAttemptedAt,
	)
	if err != nil {
		return model.QueueItem{}, err
	}
	it.Operation = model.Operation(op)
	it.Status = model.QueueStatus(status)
	it.Payload = payload
	it.CreatedAt = it.CreatedAt.UTC()
	if it.LastAttemptedAt != nil {
		ts := it.LastAttemptedAt.UTC()
		it.LastAttemptedAt = &ts
	}
	return it, nil
}

func (p *Postgres) Enqueue(ctx context.Context, item model.QueueItem) (model.QueueItem, error) {
	it, err := scanItem(p.pool.QueryRow(ctx, `
		INSERT INTO sync_queue (task_id, operation, payload, max_retries, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		RETURNING `+queueColumns,
		item.TaskID, string(item.Operation), string(item.Payload), item.MaxRetries, item.CreatedAt,
	))
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("enqueue %s %s: %w", item.Operation, item.TaskID, err)
	}
	return it, nil
}

func (p *Postgres) Pending(ctx context.Context, limit int) ([]model.QueueItem, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE status = 'pending' AND retry_count < max_retries
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending items: %w", err)
	}
	defer rows.Close()

	items := []model.QueueItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// transition runs a status update guarded by status = 'pending'. When no row
// matches it tells a missing item apart from a terminal one.
func (p *Postgres) transition(ctx context.Context, id int64, query string, args ...any) (model.QueueItem, error) {
	it, err := scanItem(p.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.QueueItem{}, fmt.Errorf("queue item %d: %w", id, err)
	}

	it, err = scanItem(p.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM sync_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QueueItem{}, ErrNotFound
	}
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("queue item %d: %w", id, err)
	}
	return it, ErrTerminal
}

func (p *Postgres) Complete(ctx context.Context, id int64, at time.Time) (model.QueueItem, error) {
	return p.transition(ctx, id, `
		UPDATE sync_queue SET status = 'synced', last_attempted_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+queueColumns, id, at)
}

func (p *Postgres) Fail(ctx context.Context, id int64, at time.Time) (model.QueueItem, error) {
	return p.transition(ctx, id, `
		UPDATE sync_queue SET
			retry_count = retry_count + 1,
			last_attempted_at = $2,
			status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE status END
		WHERE id = $1 AND status = 'pending'
		RETURNING `+queueColumns, id, at)
}

func (p *Postgres) Counts(ctx context.Context) (model.QueueCounts, error) {
	var c model.QueueCounts
	err := p.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'synced')
		FROM sync_queue`).Scan(&c.Pending, &c.Failed, &c.Synced)
	if err != nil {
		return model.QueueCounts{}, fmt.Errorf("queue counts: %w", err)
	}
	c.Total = c.Pending + c.Failed + c.Synced
	return c, nil
}
