package interfaces

import (
	"context"

	"github.com/ternarybob/dunner/internal/models"
)

// BatchStorage - interface for batch history persistence
type BatchStorage interface {
	SaveBatch(ctx context.Context, batch *models.BatchRecord) error
	GetBatch(ctx context.Context, id string) (*models.BatchRecord, error)
	ListBatches(ctx context.Context, tenantID string, limit int) ([]*models.BatchRecord, error)
	DeleteBatch(ctx context.Context, id string) error
}

// SessionStorage - interface for messaging session persistence.
// GetSession returns models.ErrSessionNotFound when the tenant has no row.
type SessionStorage interface {
	SaveSession(ctx context.Context, session *models.MessagingSession) error
	GetSession(ctx context.Context, tenantID string) (*models.MessagingSession, error)
	ListSessions(ctx context.Context) ([]*models.MessagingSession, error)
	DeleteSession(ctx context.Context, tenantID string) error
}

// FileStorage - interface for uploaded spreadsheet persistence
type FileStorage interface {
	SaveFile(ctx context.Context, name string, data []byte) error
	// GetFilePath materializes the named file on local disk and returns its path
	GetFilePath(ctx context.Context, name string) (string, error)
	ListFiles(ctx context.Context) ([]models.StoredFile, error)
	DeleteFile(ctx context.Context, name string) error
}

// StorageManager - interface for managing all storage operations
type StorageManager interface {
	BatchStorage() BatchStorage
	SessionStorage() SessionStorage
	FileStorage() FileStorage
	Close() error
}
