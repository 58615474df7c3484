package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go-tasksync/model"
	"go-tasksync/reconcile"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type batchRequest struct {
	Items []json.RawMessage `json:"items"`
}

type batchItem struct {
	ClientID  any             `json:"client_id"`
	Operation any             `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// batchResult is a reconciler outcome tagged with the client's own item id.
type batchResult struct {
	ClientID any `json:"client_id"`
	model.Outcome
	SyncItemID int64 `json:"sync_item_id,omitempty"`
}

// batchSync reconciles each item in order, or queues them with ?defer=true.
// One bad item never fails the others.
func (s *Server) batchSync(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Items == nil {
		writeError(w, http.StatusBadRequest, "Items array is required")
		return
	}
	deferred := r.URL.Query().Get("defer") == "true"

	results := make([]batchResult, 0, len(req.Items))
	for _, raw := range req.Items {
		var item batchItem
		if err := json.Unmarshal(raw, &item); err != nil {
			results = append(results, batchResult{Outcome: model.Outcome{
				Status:  model.StatusError,
				Message: "Item must be an object",
			}})
			continue
		}
		res := batchResult{ClientID: item.ClientID}

		op, data, ok := decodeItem(item)
		if !ok {
			res.Outcome = model.Outcome{Status: model.StatusError, Message: "Missing required fields: operation, data"}
			results = append(results, res)
			continue
		}

		if deferred {
			res.Outcome, res.SyncItemID = s.enqueueItem(r, op, data)
		} else {
			res.Outcome = s.applyItem(r, op, data)
		}
		results = append(results, res)
	}

	writeJSON(w, http.StatusOK, map[string]any{"processed_items": results})
}

// decodeItem reports false when operation is not a string or data is not an
// object.
func decodeItem(item batchItem) (model.Operation, map[string]any, bool) {
	op, ok := item.Operation.(string)
	if !ok || len(item.Data) == 0 {
		return "", nil, false
	}
	var data map[string]any
	if err := json.Unmarshal(item.Data, &data); err != nil || data == nil {
		return "", nil, false
	}
	return model.Operation(op), data, true
}

func (s *Server) applyItem(r *http.Request, op model.Operation, data map[string]any) model.Outcome {
	out, err := s.applier.Apply(r.Context(), op, data)
	if err != nil {
		s.log.WithError(err).WithField("operation", op).Error("batch item failed")
		return model.Outcome{Status: model.StatusError, Message: "Internal error processing item"}
	}
	return out
}

// enqueueItem runs the checks the reconciler would reject outright, then
// hands the item to the queue for a later drain.
func (s *Server) enqueueItem(r *http.Request, op model.Operation, data map[string]any) (model.Outcome, int64) {
	if !op.Valid() {
		return model.Outcome{Status: model.StatusError, Message: "unsupported operation " + string(op)}, 0
	}

	var id string
	switch v := data["id"].(type) {
	case nil:
	case string:
		id = v
	default:
		return model.Outcome{Status: model.StatusError, Message: "id must be a string"}, 0
	}

	if _, err := reconcile.ParseTimestamp(data["updated_at"]); err != nil {
		if op != model.OpCreate || !reconcile.IsMissingTimestamp(err) {
			return model.Outcome{Status: model.StatusInvalidTimestamp, ServerID: id, Message: err.Error()}, 0
		}
	}
	patch, err := model.ParsePatch(data)
	if err != nil {
		return model.Outcome{Status: model.StatusError, ServerID: id, Message: err.Error()}, 0
	}
	if op == model.OpCreate && patch.Title == nil {
		return model.Outcome{Status: model.StatusError, ServerID: id, Message: "title is required"}, 0
	}

	if id == "" {
		if op != model.OpCreate {
			return model.Outcome{Status: model.StatusError, Message: "id is required"}, 0
		}
		id = uuid.NewString()
		data["id"] = id
	}

	item, err := s.queue.Enqueue(r.Context(), id, op, data)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"task_id": id, "operation": op}).Error("batch item not queued")
		return model.Outcome{Status: model.StatusError, ServerID: id, Message: "Internal error processing item"}, 0
	}
	return model.Outcome{Status: model.StatusQueued, ServerID: id}, item.ID
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	results, err := s.processor.ProcessPending(r.Context())
	if err != nil {
		s.log.WithError(err).Error("sync trigger failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if results == nil {
		results = []model.ItemOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "completed",
		"processed_count": len(results),
		"results":         results,
	})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Status(r.Context())
	if err != nil {
		s.log.WithError(err).Error("sync status failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) syncQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DequeuePending(r.Context(), queueListLimit)
	if err != nil {
		s.log.WithError(err).Error("sync queue listing failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, itemsOrEmpty(items))
}

// itemsOrEmpty keeps JSON arrays from encoding as null.
func itemsOrEmpty(items []model.QueueItem) []model.QueueItem {
	if items == nil {
		return []model.QueueItem{}
	}
	return items
}
