package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a single command invocation.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Invocation is one execution of a registered command. Values returned by
// the dispatcher are snapshots; mutation happens only inside the dispatcher.
type Invocation struct {
	ID        string         `json:"id"`
	Command   string         `json:"command"`
	Status    Status         `json:"status"`
	Params    map[string]any `json:"params,omitempty"`
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Submitted time.Time      `json:"submitted"`
	Started   time.Time      `json:"started,omitempty"`
	Finished  time.Time      `json:"finished,omitempty"`
}

func newInvocation(command string, params map[string]any) *Invocation {
	return &Invocation{
		ID:        uuid.NewString(),
		Command:   command,
		Status:    StatusPending,
		Params:    params,
		Submitted: time.Now(),
	}
}
