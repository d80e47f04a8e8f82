package models

import "time"

// ProgressEvent is an ephemeral human-readable progress line for a tenant.
type ProgressEvent struct {
	TenantID  string    `json:"tenant_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
