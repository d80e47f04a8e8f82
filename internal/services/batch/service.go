package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/services/messaging"
	"golang.org/x/sync/errgroup"
)

// ArtifactCleaner removes a batch's download directory
type ArtifactCleaner interface {
	RemoveBatch(batchID string) error
}

// Config holds the orchestrator settings
type Config struct {
	DefaultMode    models.BatchMode
	Columns        Columns
	DefaultCaption string // {name} is replaced with the client's name
	Concurrency    int    // Direct mode retrievals in flight, normally the browser pool size
}

// Service runs spreadsheet batches: rows become client records, each client
// gets exactly one retrieval, retrieved documents are delivered, and the
// clients without a delivered document are reported back.
type Service struct {
	config    Config
	files     interfaces.FileStorage
	batches   interfaces.BatchStorage
	retrieval interfaces.RetrievalService
	messaging interfaces.MessagingService
	queueMgr  interfaces.QueueManager
	notifier  interfaces.ProgressNotifier
	artifacts ArtifactCleaner
	tracker   *tracker
	logger    arbor.ILogger
}

// NewService creates the orchestrator. queueMgr may be nil, which disables
// queued mode.
func NewService(
	config Config,
	files interfaces.FileStorage,
	batches interfaces.BatchStorage,
	retrieval interfaces.RetrievalService,
	messagingService interfaces.MessagingService,
	queueMgr interfaces.QueueManager,
	notifier interfaces.ProgressNotifier,
	artifacts ArtifactCleaner,
	logger arbor.ILogger,
) *Service {
	if config.DefaultMode == "" {
		config.DefaultMode = models.BatchModeDirect
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &Service{
		config:    config,
		files:     files,
		batches:   batches,
		retrieval: retrieval,
		messaging: messagingService,
		queueMgr:  queueMgr,
		notifier:  notifier,
		artifacts: artifacts,
		tracker:   newTracker(),
		logger:    logger,
	}
}

// Run processes the uploaded spreadsheet req.Filename and returns once every
// client has a result and every delivery has finished
func (s *Service) Run(ctx context.Context, req models.BatchRequest) (*models.BatchReport, error) {
	mode, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	path, err := s.files.GetFilePath(ctx, req.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", req.Filename, err)
	}
	defer os.Remove(path)

	rows, err := ReadRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: spreadsheet %s is empty", models.ErrInvalidBatchRequest, req.Filename)
	}
	header := rows[0]
	clients, skipped := ExtractClients(rows[1:], s.config.Columns)

	record := &models.BatchRecord{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		Filename:  req.Filename,
		Mode:      mode,
		Total:     len(clients) + len(skipped),
		Skipped:   len(skipped),
		StartedAt: time.Now(),
	}
	logger := s.logger.WithCorrelationId(record.ID)
	s.saveRecord(ctx, record)

	logger.Info().
		Str("batch_id", record.ID).
		Str("tenant_id", req.TenantID).
		Str("filename", req.Filename).
		Str("mode", string(mode)).
		Int("clients", len(clients)).
		Int("skipped", len(skipped)).
		Msg("Batch started")

	for _, client := range skipped {
		s.notify(req.TenantID, fmt.Sprintf("Incomplete or repeated data for %s (ref %s), skipped", client.DisplayName, client.ClientRef))
	}
	s.notify(req.TenantID, fmt.Sprintf("Processing %d clients", len(clients)))

	// Tasks run to completion even when the caller goes away
	work := context.WithoutCancel(ctx)

	var (
		results                   map[string]models.RetrievalResult
		delivered, deliveryFailed int
	)
	switch mode {
	case models.BatchModeQueued:
		results, delivered, deliveryFailed = s.runQueued(work, record.ID, req, clients)
	default:
		results, delivered, deliveryFailed = s.runDirect(work, record.ID, req, clients)
	}

	report := buildReport(record, header, clients, results, delivered, deliveryFailed)

	if s.artifacts != nil {
		if err := s.artifacts.RemoveBatch(record.ID); err != nil {
			logger.Warn().Err(err).Str("batch_id", record.ID).Msg("Failed to remove batch downloads")
		}
	}

	record.FinishedAt = time.Now()
	s.saveRecord(work, record)

	logger.Info().
		Str("batch_id", record.ID).
		Int("documents", record.Documents).
		Int("no_debt", record.NoDebt).
		Int("failed", record.Failed).
		Int("delivered", record.Delivered).
		Int("delivery_failed", record.DeliveryFailed).
		Dur("duration", record.FinishedAt.Sub(record.StartedAt)).
		Msg("Batch finished")

	s.notify(req.TenantID, fmt.Sprintf("Batch finished: %d sent, %d without debt, %d errors", record.Delivered, record.NoDebt, record.Failed+record.DeliveryFailed))
	return report, nil
}

func (s *Service) validate(req models.BatchRequest) (models.BatchMode, error) {
	if req.TenantID == "" {
		return "", fmt.Errorf("%w: tenant id is required", models.ErrInvalidBatchRequest)
	}
	if req.Filename == "" {
		return "", fmt.Errorf("%w: filename is required", models.ErrInvalidBatchRequest)
	}
	if !req.TermsOption.Valid() {
		return "", fmt.Errorf("%w: invalid expiration option %d", models.ErrInvalidBatchRequest, int(req.TermsOption))
	}

	mode := req.Mode
	if mode == "" {
		mode = s.config.DefaultMode
	}
	switch mode {
	case models.BatchModeDirect:
	case models.BatchModeQueued:
		if s.queueMgr == nil {
			return "", fmt.Errorf("%w: queued mode is not available", models.ErrInvalidBatchRequest)
		}
	default:
		return "", fmt.Errorf("%w: unknown batch mode %q", models.ErrInvalidBatchRequest, mode)
	}
	return mode, nil
}

// runDirect fans retrievals out on the browser pool and delivers each
// document as soon as it is retrieved
func (s *Service) runDirect(ctx context.Context, batchID string, req models.BatchRequest, clients []models.ClientRecord) (map[string]models.RetrievalResult, int, int) {
	results := make([]models.RetrievalResult, len(clients))
	var delivered, deliveryFailed atomic.Int32

	g := new(errgroup.Group)
	g.SetLimit(s.config.Concurrency)

	for i, client := range clients {
		results[i] = models.ErrorResult(client.ClientRef, errors.New("retrieval did not complete"))

		g.Go(func() error {
			defer common.RecoverPanic(s.logger, "batch-client-"+client.ClientRef)

			task := models.NewRetrievalTask(batchID, req.TenantID, client.ClientRef, req.TermsOption)
			result := s.retrieval.Submit(ctx, task)
			results[i] = result
			s.reportRetrieval(req.TenantID, client, result)

			if !result.Deliverable() {
				return nil
			}

			job := s.deliveryJob(batchID, req, client, result)
			phone, err := messaging.Deliver(ctx, s.messaging, job)
			s.reportDelivery(job, phone, err)
			if err != nil {
				deliveryFailed.Add(1)
				return nil
			}
			delivered.Add(1)
			if err := os.Remove(result.DocumentPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn().Err(err).Str("path", result.DocumentPath).Msg("Failed to remove delivered document")
			}
			return nil
		})
	}
	g.Wait()

	byRef := make(map[string]models.RetrievalResult, len(results))
	for _, result := range results {
		byRef[result.ClientRef] = result
	}
	return byRef, int(delivered.Load()), int(deliveryFailed.Load())
}

// runQueued enqueues one retrieval job per client and waits for the queue
// workers to report every outcome
func (s *Service) runQueued(ctx context.Context, batchID string, req models.BatchRequest, clients []models.ClientRecord) (map[string]models.RetrievalResult, int, int) {
	s.tracker.start(batchID, len(clients))

	for _, client := range clients {
		payload := models.RetrievalJobPayload{
			BatchID:     batchID,
			TenantID:    req.TenantID,
			Client:      client,
			TermsOption: req.TermsOption,
			Caption:     s.caption(req.Message, client.DisplayName),
		}
		if _, err := s.queueMgr.Enqueue(ctx, models.QueueRetrieval, models.JobTypeRetrieve, payload, models.EnqueueOptions{}); err != nil {
			result := models.ErrorResult(client.ClientRef, fmt.Errorf("failed to enqueue retrieval: %w", err))
			s.RetrievalFinished(payload, result, false)
		}
	}

	if err := s.tracker.wait(ctx, batchID); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Stopped waiting for queued batch")
	}
	return s.tracker.finish(batchID)
}

// RetrievalFinished records a queued retrieval outcome
func (s *Service) RetrievalFinished(payload models.RetrievalJobPayload, result models.RetrievalResult, deliveryQueued bool) {
	if !s.tracker.retrieval(payload.BatchID, result, deliveryQueued) {
		s.logger.Debug().
			Str("batch_id", payload.BatchID).
			Str("client_ref", result.ClientRef).
			Msg("Retrieval outcome for untracked batch or repeated client")
	}
	s.reportRetrieval(payload.TenantID, payload.Client, result)
}

// DeliveryFinished records a queued delivery outcome
func (s *Service) DeliveryFinished(job models.DeliveryJob, phone string, err error) {
	if !s.tracker.delivery(job.BatchID, err) {
		s.logger.Debug().
			Str("batch_id", job.BatchID).
			Str("client_ref", job.ClientRef).
			Msg("Delivery outcome for untracked batch")
	}
	s.reportDelivery(job, phone, err)
}

func (s *Service) deliveryJob(batchID string, req models.BatchRequest, client models.ClientRecord, result models.RetrievalResult) models.DeliveryJob {
	return models.DeliveryJob{
		BatchID:         batchID,
		TenantID:        req.TenantID,
		PhoneNumber:     client.PrimaryPhone(),
		PhoneCandidates: client.PhoneCandidates,
		ClientRef:       client.ClientRef,
		ClientName:      client.DisplayName,
		DocumentPath:    result.DocumentPath,
		Caption:         s.caption(req.Message, client.DisplayName),
	}
}

func (s *Service) caption(message, clientName string) string {
	if strings.TrimSpace(message) == "" {
		return messaging.DefaultCaption(s.config.DefaultCaption, clientName)
	}
	return message
}

func (s *Service) reportRetrieval(tenantID string, client models.ClientRecord, result models.RetrievalResult) {
	switch result.Outcome {
	case models.OutcomeDocument:
		s.notify(tenantID, fmt.Sprintf("Document retrieved for %s (ref %s)", client.DisplayName, client.ClientRef))
	case models.OutcomeNoDebt:
		s.notify(tenantID, fmt.Sprintf("No document available for %s (ref %s), possibly no debt", client.DisplayName, client.ClientRef))
	default:
		s.notify(tenantID, fmt.Sprintf("Error processing %s (ref %s): %s", client.DisplayName, client.ClientRef, result.Reason))
	}
}

func (s *Service) reportDelivery(job models.DeliveryJob, phone string, err error) {
	if err != nil {
		s.notify(job.TenantID, fmt.Sprintf("Could not send the document to %s (ref %s): %v", job.ClientName, job.ClientRef, err))
		return
	}
	s.notify(job.TenantID, fmt.Sprintf("Message sent to %s (%s)", job.ClientName, phone))
}

func (s *Service) notify(tenantID, message string) {
	if s.notifier != nil {
		s.notifier.SendLogMessage(tenantID, message)
	}
}

func (s *Service) saveRecord(ctx context.Context, record *models.BatchRecord) {
	if s.batches == nil {
		return
	}
	if err := s.batches.SaveBatch(ctx, record); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", record.ID).Msg("Failed to save batch record")
	}
}

// buildReport counts outcomes in client order and collects the rows of
// every client left without a document
func buildReport(record *models.BatchRecord, header []string, clients []models.ClientRecord, results map[string]models.RetrievalResult, delivered, deliveryFailed int) *models.BatchReport {
	report := &models.BatchReport{
		Record:      record,
		Header:      header,
		Deliveries:  delivered,
		Undelivered: deliveryFailed,
	}

	for _, client := range clients {
		result, ok := results[client.ClientRef]
		if !ok {
			result = models.ErrorResult(client.ClientRef, errors.New("no result recorded"))
		}
		report.Results = append(report.Results, result)

		switch result.Outcome {
		case models.OutcomeDocument:
			record.Documents++
		case models.OutcomeNoDebt:
			record.NoDebt++
			record.NoDebtRefs = append(record.NoDebtRefs, client.ClientRef)
			report.NoDebtRows = append(report.NoDebtRows, client.Row)
		default:
			record.Failed++
			report.NoDebtRows = append(report.NoDebtRows, client.Row)
		}
	}

	record.Delivered = delivered
	record.DeliveryFailed = deliveryFailed
	report.NoDebtRefs = record.NoDebtRefs
	return report
}

// Status returns the job counts of both queues
func (s *Service) Status(ctx context.Context) (map[string]models.QueueStats, error) {
	status := make(map[string]models.QueueStats)
	if s.queueMgr == nil {
		return status, nil
	}
	for _, name := range []string{models.QueueRetrieval, models.QueueDelivery} {
		stats, err := s.queueMgr.Stats(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s queue stats: %w", name, err)
		}
		status[name] = stats
	}
	return status, nil
}
