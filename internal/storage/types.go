package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retention   time.Duration // records older than this are pruned; 0 disables
}

// Record is one finished command invocation or managed task.
// Keep it compact and schema-stable.
type Record struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"` // "command" | "task"
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Error    string    `json:"error,omitempty"`
	Params   string    `json:"params,omitempty"` // JSON
	Result   string    `json:"result,omitempty"` // JSON
	Created  time.Time `json:"created"`
	Finished time.Time `json:"finished"`
	TookMS   int64     `json:"took_ms"`
}
