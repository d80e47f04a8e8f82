package models

import (
	"encoding/json"
	"time"
)

// Queue names
const (
	QueueRetrieval = "retrieval"
	QueueDelivery  = "delivery"
)

// Job types routed by the processors
const (
	JobTypeRetrieve = "retrieve_document"
	JobTypeDeliver  = "deliver_document"
)

// JobState is the queue-level lifecycle of a job.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the job and do retry bookkeeping.
type QueueMessage struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`    // Job type for worker routing
	Payload     json.RawMessage `json:"payload"` // Job-specific data (passed through)
	State       JobState        `json:"state"`
	Attempts    int             `json:"attempts"` // Deliveries so far, including the current one
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	Exponential bool            `json:"exponential,omitempty"`
	Deferrals   int             `json:"deferrals,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	VisibleAt   time.Time       `json:"visible_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// QueueStats holds job counts by state, in the shape the status endpoint returns.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// RetrievalJobPayload is the retrieval queue payload.
type RetrievalJobPayload struct {
	BatchID     string       `json:"batch_id"`
	TenantID    string       `json:"tenant_id"`
	Client      ClientRecord `json:"client"`
	TermsOption TermsOption  `json:"terms_option"`
	Caption     string       `json:"caption"`
}

// EnqueueOptions overrides the queue defaults for a single job.
// Zero values fall back to the queue configuration.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
	Exponential bool
}
