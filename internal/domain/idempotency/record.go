package idempotency

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record is the value stored under "{namespace}:{key}".
// A record moves pending -> completed, or is deleted when the operation fails.
type Record struct {
	Key       string          `json:"key"`
	Status    Status          `json:"status"`
	Response  json.RawMessage `json:"response,omitempty"`
	ExpiresAt time.Time       `json:"expiresAt"`
	// Owner identifies the holder of a pending lock.
	Owner string `json:"owner,omitempty"`
}

func (r *Record) Completed() bool {
	return r.Status == StatusCompleted
}
