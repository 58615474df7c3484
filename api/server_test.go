package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"go-tasksync/model"
	"go-tasksync/queue"
	"go-tasksync/reconcile"
	"go-tasksync/service"
	"go-tasksync/store"
	"go-tasksync/worker"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downDB struct{}

func (downDB) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }

type testApp struct {
	handler http.Handler
	store   *store.Memory
}

// listCache is an in-memory service.ListCache.
type listCache struct {
	mu   sync.Mutex
	list []model.Task
}

func (c *listCache) GetList(context.Context) ([]model.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list, nil
}

func (c *listCache) SetList(_ context.Context, list []model.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append([]model.Task{}, list...)
	return nil
}

func (c *listCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = nil
	return nil
}

func newTestApp(t *testing.T, db Pinger, opts ...service.Option) *testApp {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	s := store.NewMemory()
	if db == nil {
		db = s
	}
	q := queue.New(s, log)
	tasks := service.NewTaskService(s, q, log, opts...)
	rec := reconcile.New(s, log, reconcile.WithOnWrite(tasks.Invalidate))
	return &testApp{
		store: s,
		handler: NewHandler(Deps{
			Tasks:     tasks,
			Applier:   rec,
			Queue:     q,
			Processor: worker.NewProcessor(q, rec, s, log, worker.WithOnWrite(tasks.Invalidate)),
			DB:        db,
			Env:       "test",
			Log:       log,
		}),
	}
}

func (a *testApp) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["error"]
}

func TestTaskRoutes(t *testing.T) {
	app := newTestApp(t, nil)

	t.Run("create requires title", func(t *testing.T) {
		w := app.do(t, "POST", "/api/tasks", `{"description":"no title"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Title is required", errorOf(t, w))

		w = app.do(t, "POST", "/api/tasks", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	w := app.do(t, "POST", "/api/tasks", `{"title":"Write report","completed":false}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[model.Task](t, w)
	assert.Equal(t, "Write report", created.Title)
	assert.Equal(t, model.SyncPending, created.SyncStatus)

	t.Run("get", func(t *testing.T) {
		w := app.do(t, "GET", "/api/tasks/"+created.ID, "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, created.ID, decode[model.Task](t, w).ID)

		w = app.do(t, "GET", "/api/tasks/nope", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Task not found", errorOf(t, w))
	})

	t.Run("update", func(t *testing.T) {
		w := app.do(t, "PATCH", "/api/tasks/"+created.ID, `{"completed":true}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[model.Task](t, w).Completed)

		w = app.do(t, "PUT", "/api/tasks/"+created.ID, `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Request body is required", errorOf(t, w))

		w = app.do(t, "PUT", "/api/tasks/"+created.ID, `{"owner":"bob"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = app.do(t, "PUT", "/api/tasks/nope", `{"title":"x"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("list", func(t *testing.T) {
		w := app.do(t, "GET", "/api/tasks", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[[]model.Task](t, w), 1)
	})

	t.Run("delete", func(t *testing.T) {
		w := app.do(t, "DELETE", "/api/tasks/"+created.ID, "")
		require.Equal(t, http.StatusOK, w.Code)
		body := decode[struct {
			Status string     `json:"status"`
			Task   model.Task `json:"task"`
		}](t, w)
		assert.Equal(t, "deleted", body.Status)
		assert.True(t, body.Task.Deleted)

		w = app.do(t, "GET", "/api/tasks/"+created.ID, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Task has been deleted", errorOf(t, w))

		w = app.do(t, "GET", "/api/tasks", "")
		assert.Empty(t, decode[[]model.Task](t, w))
	})

	t.Run("writes are queued", func(t *testing.T) {
		w := app.do(t, "GET", "/api/sync/status", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, model.QueueCounts{Pending: 3, Total: 3}, decode[model.QueueCounts](t, w))
	})
}

type batchResponse struct {
	ProcessedItems []struct {
		ClientID     any         `json:"client_id"`
		Status       string      `json:"status"`
		ServerID     string      `json:"server_id"`
		ResolvedData *model.Task `json:"resolved_data"`
		Message      string      `json:"message"`
		SyncItemID   int64       `json:"sync_item_id"`
	} `json:"processed_items"`
}

func TestBatchSync(t *testing.T) {
	t.Run("items required", func(t *testing.T) {
		app := newTestApp(t, nil)
		w := app.do(t, "POST", "/api/sync/batch", `{"changes":[]}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "Items array is required", errorOf(t, w))
	})

	t.Run("mixed outcomes", func(t *testing.T) {
		app := newTestApp(t, nil)
		w := app.do(t, "POST", "/api/sync/batch", `{"items":[
			{"client_id":"c1","operation":"create","data":{"id":"A","title":"from phone","updated_at":"2024-05-01T10:00:00Z"}},
			{"client_id":"c2","operation":"update","data":{"id":"A","title":"older","updated_at":"2024-05-01T09:00:00Z"}},
			{"client_id":"c3","operation":"update"},
			{"client_id":"c4","operation":"update","data":{"id":"ghost","title":"x","updated_at":"2024-05-01T09:00:00Z"}},
			{"client_id":"c5","operation":"update","data":{"id":"A","title":"x","updated_at":"yesterday"}},
			{"client_id":"c6","operation":"archive","data":{"id":"A"}},
			{"client_id":"c7","operation":5,"data":{"id":"A","title":"x","updated_at":"2024-05-01T11:00:00Z"}},
			{"client_id":"c8","operation":"update","data":"A"}
		]}`)
		require.Equal(t, http.StatusOK, w.Code)
		res := decode[batchResponse](t, w).ProcessedItems
		require.Len(t, res, 8)

		assert.Equal(t, "c1", res[0].ClientID)
		assert.Equal(t, "success", res[0].Status)
		assert.Equal(t, "A", res[0].ServerID)

		assert.Equal(t, "conflict", res[1].Status)
		require.NotNil(t, res[1].ResolvedData)
		assert.Equal(t, "from phone", res[1].ResolvedData.Title)

		assert.Equal(t, "error", res[2].Status)
		assert.Equal(t, "Missing required fields: operation, data", res[2].Message)

		assert.Equal(t, "not_found", res[3].Status)
		assert.Equal(t, "invalid_timestamp", res[4].Status)
		assert.Equal(t, "error", res[5].Status)

		for _, r := range res[6:] {
			assert.Equal(t, "error", r.Status)
			assert.Equal(t, "Missing required fields: operation, data", r.Message)
		}
		assert.Equal(t, "c7", res[6].ClientID)
		assert.Equal(t, "c8", res[7].ClientID)
	})

	t.Run("deferred", func(t *testing.T) {
		app := newTestApp(t, nil)
		w := app.do(t, "POST", "/api/sync/batch?defer=true", `{"items":[
			{"client_id":1,"operation":"create","data":{"title":"offline","updated_at":"2024-05-01T10:00:00Z"}},
			{"client_id":2,"operation":"update","data":{"id":"A","title":"x","updated_at":"not a time"}}
		]}`)
		require.Equal(t, http.StatusOK, w.Code)
		res := decode[batchResponse](t, w).ProcessedItems
		require.Len(t, res, 2)
		assert.Equal(t, "queued", res[0].Status)
		assert.NotEmpty(t, res[0].ServerID)
		assert.Equal(t, int64(1), res[0].SyncItemID)
		assert.Equal(t, "invalid_timestamp", res[1].Status)

		w = app.do(t, "GET", "/api/sync/queue", "")
		require.Equal(t, http.StatusOK, w.Code)
		items := decode[[]model.QueueItem](t, w)
		require.Len(t, items, 1)
		assert.Equal(t, res[0].ServerID, items[0].TaskID)

		w = app.do(t, "POST", "/api/sync/trigger", "")
		require.Equal(t, http.StatusOK, w.Code)
		trig := decode[struct {
			Status         string              `json:"status"`
			ProcessedCount int                 `json:"processed_count"`
			Results        []model.ItemOutcome `json:"results"`
		}](t, w)
		assert.Equal(t, "completed", trig.Status)
		assert.Equal(t, 1, trig.ProcessedCount)
		assert.Equal(t, model.StatusSuccess, trig.Results[0].Status)

		got, err := app.store.Get(context.Background(), res[0].ServerID)
		require.NoError(t, err)
		assert.Equal(t, "offline", got.Title)
	})
}

func TestSyncWritesRefreshCachedList(t *testing.T) {
	app := newTestApp(t, nil, service.WithCache(&listCache{}))

	titles := func() []string {
		t.Helper()
		w := app.do(t, "GET", "/api/tasks", "")
		require.Equal(t, http.StatusOK, w.Code)
		var out []string
		for _, task := range decode[[]model.Task](t, w) {
			out = append(out, task.Title)
		}
		return out
	}
	assert.Empty(t, titles())

	w := app.do(t, "POST", "/api/sync/batch", `{"items":[
		{"client_id":"c1","operation":"create","data":{"id":"A","title":"from phone","updated_at":"2024-05-01T10:00:00Z"}}
	]}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "success", decode[batchResponse](t, w).ProcessedItems[0].Status)
	assert.Equal(t, []string{"from phone"}, titles())

	w = app.do(t, "POST", "/api/sync/batch?defer=true", `{"items":[
		{"client_id":"c2","operation":"update","data":{"id":"A","title":"from tablet","updated_at":"2024-05-01T11:00:00Z"}}
	]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"from phone"}, titles())

	w = app.do(t, "POST", "/api/sync/trigger", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"from tablet"}, titles())
}

func TestTriggerOnEmptyQueue(t *testing.T) {
	app := newTestApp(t, nil)
	w := app.do(t, "POST", "/api/sync/trigger", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"completed","processed_count":0,"results":[]}`, w.Body.String())

	w = app.do(t, "GET", "/api/sync/queue", "")
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHealthAndRoot(t *testing.T) {
	w := newTestApp(t, nil).do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decode[map[string]any](t, w)
	assert.Equal(t, true, health["ok"])
	assert.Equal(t, "connected", health["database"])
	assert.Equal(t, "test", health["environment"])

	w = newTestApp(t, downDB{}).do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "error", decode[map[string]any](t, w)["database"])

	w = newTestApp(t, nil).do(t, "GET", "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Task Sync API", decode[map[string]any](t, w)["name"])
}

func TestUnknownEndpoint(t *testing.T) {
	app := newTestApp(t, nil)
	for _, path := range []string{"/api/nothing", "/api/tasks/a/b"} {
		w := app.do(t, "GET", path, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Endpoint not found", errorOf(t, w))
	}
}

func TestGetTaskWithPathValue(t *testing.T) {
	app := newTestApp(t, nil)
	log := logrus.New()
	log.SetOutput(io.Discard)
	srv := &Server{tasks: service.NewTaskService(app.store, queue.New(app.store, log), log), log: log}

	req := httptest.NewRequest("GET", "/api/tasks/missing", nil)
	req.SetPathValue("id", "missing")
	w := httptest.NewRecorder()
	srv.getTask(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPanicReturns500(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	srv := &Server{log: log}

	h := srv.recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, w.Body.String())
}
