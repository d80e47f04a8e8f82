package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/dunner/internal/models"
)

// QueueManager manages the named persistent job queues
type QueueManager interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload interface{}, opts models.EnqueueOptions) (string, error)
	// Receive leases the next visible job; returns models.ErrNoMessage when none is ready
	Receive(ctx context.Context, queueName string) (*models.QueueMessage, error)
	Complete(ctx context.Context, msg *models.QueueMessage) error
	// Retry schedules another attempt with backoff, or fails the job once attempts are spent
	Retry(ctx context.Context, msg *models.QueueMessage, cause error) error
	Fail(ctx context.Context, msg *models.QueueMessage, cause error) error
	// Defer reschedules without consuming an attempt
	Defer(ctx context.Context, msg *models.QueueMessage, delay time.Duration, cause error) error
	Extend(ctx context.Context, msg *models.QueueMessage, duration time.Duration) error
	Stats(ctx context.Context, queueName string) (models.QueueStats, error)
	Close() error
}

// JobWorker processes one job type pulled from a queue.
// Errors wrapping models.ErrSessionNotReady defer the job, errors marked
// permanent fail it at once, anything else is retried with backoff.
type JobWorker interface {
	GetWorkerType() string
	Execute(ctx context.Context, msg *models.QueueMessage) error
}

// FailureHandler is optionally implemented by workers that must observe
// a job reaching the failed state.
type FailureHandler interface {
	OnFailed(ctx context.Context, msg *models.QueueMessage, cause error)
}

// BatchObserver is told when queued batch work reaches a final outcome.
// RetrievalFinished is called once per client; deliveryQueued reports whether
// a delivery job was enqueued for it.
type BatchObserver interface {
	RetrievalFinished(payload models.RetrievalJobPayload, result models.RetrievalResult, deliveryQueued bool)
	DeliveryFinished(job models.DeliveryJob, phone string, err error)
}
