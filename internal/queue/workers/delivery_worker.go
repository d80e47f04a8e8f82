package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/queue"
	"github.com/ternarybob/dunner/internal/services/messaging"
)

// DeliveryWorker sends retrieved documents over the tenant's messaging session
type DeliveryWorker struct {
	messaging interfaces.MessagingService
	observer  interfaces.BatchObserver
	logger    arbor.ILogger
}

// NewDeliveryWorker creates a delivery worker. observer may be nil.
func NewDeliveryWorker(messagingService interfaces.MessagingService, observer interfaces.BatchObserver, logger arbor.ILogger) *DeliveryWorker {
	return &DeliveryWorker{
		messaging: messagingService,
		observer:  observer,
		logger:    logger,
	}
}

func (w *DeliveryWorker) GetWorkerType() string {
	return models.JobTypeDeliver
}

// Execute delivers one document. A session that is not ready defers the job,
// an unreachable recipient or a missing document fails it at once.
func (w *DeliveryWorker) Execute(ctx context.Context, msg *models.QueueMessage) error {
	var job models.DeliveryJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return queue.Permanent(fmt.Errorf("invalid delivery payload: %w", err))
	}

	if _, err := os.Stat(job.DocumentPath); err != nil {
		return queue.Permanent(fmt.Errorf("document for %s is gone: %w", job.ClientRef, err))
	}

	phone, err := messaging.Deliver(ctx, w.messaging, job)
	if err != nil {
		return err
	}

	if err := os.Remove(job.DocumentPath); err != nil && !os.IsNotExist(err) {
		w.logger.Warn().Err(err).Str("path", job.DocumentPath).Msg("Failed to remove delivered document")
	}

	if w.observer != nil {
		w.observer.DeliveryFinished(job, phone, nil)
	}
	return nil
}

// OnFailed reports the undelivered document
func (w *DeliveryWorker) OnFailed(ctx context.Context, msg *models.QueueMessage, cause error) {
	var job models.DeliveryJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.logger.Error().Err(err).Str("job_id", msg.ID).Msg("Failed delivery job has an unreadable payload")
		return
	}
	if w.observer != nil {
		w.observer.DeliveryFinished(job, "", cause)
	}
}
