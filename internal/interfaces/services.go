package interfaces

import (
	"context"

	"github.com/ternarybob/dunner/internal/models"
)

// RetrievalService runs one retrieval task on a pooled browser context.
// Submit never returns an error: failures are reported as an ERROR outcome.
type RetrievalService interface {
	Submit(ctx context.Context, task *models.RetrievalTask) models.RetrievalResult
	Shutdown(ctx context.Context) error
}

// MessagingService multiplexes one messaging session per tenant
type MessagingService interface {
	Initialize(ctx context.Context, tenantID string) (models.InitResult, error)
	AwaitReady(ctx context.Context, tenantID string) error
	IsRecipientReachable(ctx context.Context, phone, tenantID string) (bool, error)
	Send(ctx context.Context, phone, caption, artifactPath, tenantID string) error
	IsSessionActive(tenantID string) bool
	SessionState(tenantID string) models.AuthState
	PairingChallenge(tenantID string) (string, bool)
	Logout(ctx context.Context, tenantID string) error
	RestoreAll(ctx context.Context) error
	Close()
}

// ProgressNotifier publishes human-readable progress lines to a tenant
type ProgressNotifier interface {
	SendLogMessage(tenantID, message string)
}

// BatchService runs a spreadsheet batch end to end
type BatchService interface {
	Run(ctx context.Context, req models.BatchRequest) (*models.BatchReport, error)
	Status(ctx context.Context) (map[string]models.QueueStats, error)
}
