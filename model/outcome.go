package model

type OutcomeStatus string

const (
	StatusSuccess          OutcomeStatus = "success"
	StatusExists           OutcomeStatus = "exists"
	StatusConflict         OutcomeStatus = "conflict"
	StatusNotFound         OutcomeStatus = "not_found"
	StatusError            OutcomeStatus = "error"
	StatusInvalidTimestamp OutcomeStatus = "invalid_timestamp"
	StatusQueued           OutcomeStatus = "queued"
)

// Outcome is the result of reconciling one client mutation.
type Outcome struct {
	Status       OutcomeStatus `json:"status"`
	ServerID     string        `json:"server_id,omitempty"`
	ResolvedData *Task         `json:"resolved_data,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// Accepted reports whether a queue item that produced this outcome is done.
func (o Outcome) Accepted() bool {
	return o.Status == StatusSuccess || o.Status == StatusExists
}

// ItemOutcome is the per-item result of a queue drain.
type ItemOutcome struct {
	SyncItemID   int64         `json:"sync_item_id"`
	TaskID       string        `json:"task_id"`
	Operation    Operation     `json:"operation"`
	Status       OutcomeStatus `json:"status"`
	ResolvedData *Task         `json:"resolved_data,omitempty"`
	Message      string        `json:"message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	QueueStatus  QueueStatus   `json:"queue_status"`
}
