package persist

import "time"

type JobKind string

// Each kind is a single write, so a failed job can be retried without
// repeating a write that already landed.
const (
	JobSnapshot   JobKind = "snapshot"
	JobOccurrence JobKind = "error_occurrence"
	JobPattern    JobKind = "error_pattern"
)

// Job is one unit of fire-and-forget persistence. It is also the RabbitMQ
// message body when PERSIST_BACKEND=rabbitmq.
type Job struct {
	ID   string  `json:"id"` // ULID
	Kind JobKind `json:"kind"`

	SessionID string `json:"session_id,omitempty"`

	// snapshot
	Code string `json:"code,omitempty"`
	Logs string `json:"logs,omitempty"`

	// error_occurrence, error_pattern
	Message   string `json:"message,omitempty"`
	RootCause string `json:"root_cause,omitempty"`

	At time.Time `json:"at"`
}
