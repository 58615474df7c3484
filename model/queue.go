package model

import (
	"encoding/json"
	"time"
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSynced  QueueStatus = "synced"
	QueueFailed  QueueStatus = "failed"
)

// Terminal reports whether an item in this status is never processed again.
func (s QueueStatus) Terminal() bool {
	return s == QueueSynced || s == QueueFailed
}

const DefaultMaxRetries = 3

type QueueItem struct {
	ID              int64           `json:"id"`
	TaskID          string          `json:"task_id"`
	Operation       Operation       `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	Status          QueueStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	LastAttemptedAt *time.Time      `json:"last_attempted_at"`
}

// Eligible reports whether the item may be handed out by a drain.
func (q QueueItem) Eligible() bool {
	return q.Status == QueuePending && q.RetryCount < q.MaxRetries
}

type QueueCounts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
	Total   int `json:"total"`
}
