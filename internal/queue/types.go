package queue

import (
	"time"

	"github.com/kiliankoe/promptarena/internal/eval"
)

// Priority orders pending items. Higher values dequeue first; equal
// priorities dequeue in submission order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

type ItemStatus string

const (
	StatusQueued     ItemStatus = "queued"
	StatusAssigned   ItemStatus = "assigned"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusCancelled  ItemStatus = "cancelled"
)

// Terminal reports whether the status will never change again.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Item is one unit of evaluation work. At any instant an item lives in
// exactly one of the pending list, the processing map, or the completed map.
type Item struct {
	ID          string            `json:"id"`
	PlayerID    string            `json:"playerId"`
	SessionID   string            `json:"sessionId"`
	Round       int               `json:"round"`
	Game        string            `json:"game"`
	Prompt      string            `json:"prompt"`
	Priority    Priority          `json:"priority"`
	SubmittedAt time.Time         `json:"submittedAt"`
	Status      ItemStatus        `json:"status"`
	WorkerID    string            `json:"workerId,omitempty"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	Result      *eval.Result      `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Retries     int               `json:"retries"`
	MaxRetries  int               `json:"maxRetries"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (it *Item) clone() *Item {
	cp := *it
	if it.StartedAt != nil {
		t := *it.StartedAt
		cp.StartedAt = &t
	}
	if it.CompletedAt != nil {
		t := *it.CompletedAt
		cp.CompletedAt = &t
	}
	if it.Result != nil {
		r := *it.Result
		cp.Result = &r
	}
	if it.Metadata != nil {
		m := make(map[string]string, len(it.Metadata))
		for k, v := range it.Metadata {
			m[k] = v
		}
		cp.Metadata = m
	}
	return &cp
}

type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
)

// WorkerStats tracks one registered worker. CurrentTask is non-empty iff the
// worker is busy.
type WorkerStats struct {
	ID            string        `json:"id"`
	Status        WorkerStatus  `json:"status"`
	CurrentTask   string        `json:"currentTask,omitempty"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	AvgProcessing time.Duration `json:"avgProcessing"`
	LastHeartbeat time.Time     `json:"lastHeartbeat"`
	RegisteredAt  time.Time     `json:"registeredAt"`
}

// Status is a best-effort snapshot of the queue for status endpoints.
type Status struct {
	QueueLength   int           `json:"queueLength"`
	Processing    int           `json:"processing"`
	Completed     int           `json:"completed"`
	Workers       []WorkerStats `json:"workers"`
	EstimatedWait time.Duration `json:"estimatedWait"`
	Metrics       Metrics       `json:"metrics"`
}
