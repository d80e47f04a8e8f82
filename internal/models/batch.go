package models

import "time"

// BatchMode selects how a batch reaches the retrieval and delivery components.
type BatchMode string

const (
	// BatchModeDirect calls the browser pool and messaging multiplexer in-process.
	BatchModeDirect BatchMode = "direct"
	// BatchModeQueued routes work through the durable retrieval and delivery queues.
	BatchModeQueued BatchMode = "queued"
)

// BatchRecord is the persisted summary of one batch run.
type BatchRecord struct {
	ID             string    `json:"id" badgerhold:"key"`
	TenantID       string    `json:"tenant_id" badgerhold:"index"`
	Filename       string    `json:"filename"`
	Mode           BatchMode `json:"mode"`
	Total          int       `json:"total"`
	Documents      int       `json:"documents"`
	NoDebt         int       `json:"no_debt"`
	Failed         int       `json:"failed"`
	Skipped        int       `json:"skipped"`
	Delivered      int       `json:"delivered"`
	DeliveryFailed int       `json:"delivery_failed"`
	NoDebtRefs     []string  `json:"no_debt_refs,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// BatchRequest is the trigger payload for a batch run.
type BatchRequest struct {
	TenantID    string      `json:"tenant_id"`
	Filename    string      `json:"filename"`
	Message     string      `json:"message"`
	TermsOption TermsOption `json:"expiration_option"`
	Mode        BatchMode   `json:"mode,omitempty"`
}

// BatchReport is what the orchestrator returns once every task has joined.
type BatchReport struct {
	Record      *BatchRecord      `json:"record"`
	Results     []RetrievalResult `json:"results"`
	Header      []string          `json:"-"`
	NoDebtRows  [][]string        `json:"-"`
	NoDebtRefs  []string          `json:"no_debt_refs"`
	Deliveries  int               `json:"deliveries"`
	Undelivered int               `json:"undelivered"`
}

// HasNoDebtClients reports whether the report carries rows for the no-debt spreadsheet.
func (r *BatchReport) HasNoDebtClients() bool {
	return r != nil && len(r.NoDebtRows) > 0
}
