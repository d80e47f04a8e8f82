package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ErrBatchNotFound is returned when a batch id has no record
var ErrBatchNotFound = errors.New("batch not found")

// BatchStorage implements the BatchStorage interface for Badger
type BatchStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewBatchStorage creates a new BatchStorage instance
func NewBatchStorage(db *BadgerDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

func (s *BatchStorage) SaveBatch(ctx context.Context, batch *models.BatchRecord) error {
	if batch == nil || batch.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if err := s.db.Store().Upsert(batch.ID, batch); err != nil {
		return fmt.Errorf("failed to save batch %s: %w", batch.ID, err)
	}
	return nil
}

func (s *BatchStorage) GetBatch(ctx context.Context, id string) (*models.BatchRecord, error) {
	var batch models.BatchRecord
	err := s.db.Store().Get(id, &batch)
	if err == badgerhold.ErrNotFound {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return &batch, nil
}

// ListBatches returns the tenant's batches, newest first. limit <= 0 returns all.
func (s *BatchStorage) ListBatches(ctx context.Context, tenantID string, limit int) ([]*models.BatchRecord, error) {
	query := badgerhold.Where("TenantID").Eq(tenantID).SortBy("StartedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}

	var batches []models.BatchRecord
	if err := s.db.Store().Find(&batches, query); err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	result := make([]*models.BatchRecord, len(batches))
	for i := range batches {
		result[i] = &batches[i]
	}
	return result, nil
}

func (s *BatchStorage) DeleteBatch(ctx context.Context, id string) error {
	err := s.db.Store().Delete(id, &models.BatchRecord{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to delete batch: %w", err)
	}
	return nil
}
