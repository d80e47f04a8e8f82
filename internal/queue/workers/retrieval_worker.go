package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/queue"
)

// RetrievalWorker runs queued retrieval jobs on the browser pool and hands
// retrieved documents on to the delivery queue
type RetrievalWorker struct {
	retrieval interfaces.RetrievalService
	queueMgr  interfaces.QueueManager
	observer  interfaces.BatchObserver
	logger    arbor.ILogger
}

// NewRetrievalWorker creates a retrieval worker. observer may be nil.
func NewRetrievalWorker(retrieval interfaces.RetrievalService, queueMgr interfaces.QueueManager, observer interfaces.BatchObserver, logger arbor.ILogger) *RetrievalWorker {
	return &RetrievalWorker{
		retrieval: retrieval,
		queueMgr:  queueMgr,
		observer:  observer,
		logger:    logger,
	}
}

func (w *RetrievalWorker) GetWorkerType() string {
	return models.JobTypeRetrieve
}

// Execute retrieves one client's document. An ERROR outcome is returned as an
// error so the queue retries the whole task with backoff.
func (w *RetrievalWorker) Execute(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.RetrievalJobPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("invalid retrieval payload: %w", err))
	}

	task := models.NewRetrievalTask(payload.BatchID, payload.TenantID, payload.Client.ClientRef, payload.TermsOption)
	result := w.retrieval.Submit(ctx, task)

	switch result.Outcome {
	case models.OutcomeError:
		return errors.New(result.Reason)

	case models.OutcomeNoDebt:
		w.finished(payload, result, false)
		return nil
	}

	job := models.DeliveryJob{
		BatchID:         payload.BatchID,
		TenantID:        payload.TenantID,
		PhoneNumber:     payload.Client.PrimaryPhone(),
		PhoneCandidates: payload.Client.PhoneCandidates,
		ClientRef:       payload.Client.ClientRef,
		ClientName:      payload.Client.DisplayName,
		DocumentPath:    result.DocumentPath,
		Caption:         payload.Caption,
	}
	deliveryID, err := w.queueMgr.Enqueue(ctx, models.QueueDelivery, models.JobTypeDeliver, job, models.EnqueueOptions{})
	if err != nil {
		return fmt.Errorf("failed to enqueue delivery for %s: %w", job.ClientRef, err)
	}

	w.logger.Debug().
		Str("batch_id", payload.BatchID).
		Str("client_ref", job.ClientRef).
		Str("delivery_job_id", deliveryID).
		Msg("Delivery job enqueued")

	w.finished(payload, result, true)
	return nil
}

// OnFailed records the client as an ERROR once the queue gives up on it
func (w *RetrievalWorker) OnFailed(ctx context.Context, msg *models.QueueMessage, cause error) {
	var payload models.RetrievalJobPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		w.logger.Error().Err(err).Str("job_id", msg.ID).Msg("Failed retrieval job has an unreadable payload")
		return
	}
	w.finished(payload, models.ErrorResult(payload.Client.ClientRef, cause), false)
}

func (w *RetrievalWorker) finished(payload models.RetrievalJobPayload, result models.RetrievalResult, deliveryQueued bool) {
	if w.observer != nil {
		w.observer.RetrievalFinished(payload, result, deliveryQueued)
	}
}
