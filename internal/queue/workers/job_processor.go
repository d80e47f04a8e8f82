// -----------------------------------------------------------------------
// Job Processor - Routes jobs from one named queue to registered workers
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"github.com/ternarybob/dunner/internal/queue"
)

// exhaustNotifier is implemented by queue managers that fail jobs outside of a
// worker (expired final lease)
type exhaustNotifier interface {
	SetExhaustedHandler(queueName string, fn func(msg *models.QueueMessage))
}

// leaseConfigurer is implemented by queue managers that expose their lease length
type leaseConfigurer interface {
	Config() queue.Config
}

// JobProcessor pulls jobs from a single named queue and routes them to the
// worker registered for the job type. concurrency goroutines poll the queue,
// which is the worker-group cap for that queue.
type JobProcessor struct {
	queueName   string
	queueMgr    interfaces.QueueManager
	executors   map[string]interfaces.JobWorker // Job workers keyed by job type
	logger      arbor.ILogger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	mu          sync.Mutex
	concurrency int
	maxBackoff  time.Duration
	lease       time.Duration // Visibility timeout renewed while a job runs, 0 disables renewal
}

// NewJobProcessor creates a new job processor for queueName.
// The concurrency parameter controls how many jobs can be processed in parallel.
func NewJobProcessor(queueMgr interfaces.QueueManager, queueName string, logger arbor.ILogger, concurrency int) *JobProcessor {
	ctx, cancel := context.WithCancel(context.Background())

	// Ensure minimum concurrency of 1
	if concurrency < 1 {
		concurrency = 1
	}

	var lease time.Duration
	if lc, ok := queueMgr.(leaseConfigurer); ok {
		lease = lc.Config().VisibilityTimeout
	}

	return &JobProcessor{
		queueName:   queueName,
		queueMgr:    queueMgr,
		executors:   make(map[string]interfaces.JobWorker),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		concurrency: concurrency,
		maxBackoff:  defaultMaxBackoff,
		lease:       lease,
	}
}

// SetMaxIdleBackoff caps how long an idle worker waits between polls.
func (jp *JobProcessor) SetMaxIdleBackoff(d time.Duration) {
	if d >= minBackoff {
		jp.maxBackoff = d
	}
}

// RegisterExecutor registers a job worker for its job type.
func (jp *JobProcessor) RegisterExecutor(worker interfaces.JobWorker) {
	jobType := worker.GetWorkerType()
	jp.executors[jobType] = worker
	jp.logger.Debug().
		Str("queue", jp.queueName).
		Str("job_type", jobType).
		Msg("Job worker registered")
}

// Start starts the job processor.
// This should be called AFTER all workers are registered.
func (jp *JobProcessor) Start() {
	jp.mu.Lock()
	defer jp.mu.Unlock()

	if jp.running {
		jp.logger.Warn().Str("queue", jp.queueName).Msg("Job processor already running")
		return
	}

	if notifier, ok := jp.queueMgr.(exhaustNotifier); ok {
		notifier.SetExhaustedHandler(jp.queueName, jp.handleExhausted)
	}

	jp.running = true
	jp.logger.Info().
		Str("queue", jp.queueName).
		Int("concurrency", jp.concurrency).
		Msg("Starting job processor")

	for i := 0; i < jp.concurrency; i++ {
		jp.wg.Add(1)
		go jp.processJobs(i)
	}
}

// Stop stops polling and waits for in-flight jobs to finish.
func (jp *JobProcessor) Stop() {
	jp.mu.Lock()
	if !jp.running {
		jp.mu.Unlock()
		return
	}
	jp.running = false
	jp.mu.Unlock()

	jp.logger.Info().Str("queue", jp.queueName).Msg("Stopping job processor...")
	jp.cancel()
	jp.wg.Wait()
	jp.logger.Info().Str("queue", jp.queueName).Msg("Job processor stopped")
}

// Backoff configuration for idle polling
const (
	minBackoff        = 100 * time.Millisecond // Initial backoff when queue is empty
	defaultMaxBackoff = 5 * time.Second        // Maximum backoff duration
)

// processJobs is the main job processing loop.
func (jp *JobProcessor) processJobs(workerID int) {
	defer jp.wg.Done()
	defer common.RecoverPanic(jp.logger, fmt.Sprintf("%s-worker-%d", jp.queueName, workerID))

	jp.logger.Debug().
		Str("queue", jp.queueName).
		Int("worker_id", workerID).
		Msg("Job processor worker started")

	// Backoff tracking for idle polling - reduces CPU when queue is empty
	currentBackoff := minBackoff

	for {
		select {
		case <-jp.ctx.Done():
			jp.logger.Debug().
				Str("queue", jp.queueName).
				Int("worker_id", workerID).
				Msg("Job processor worker stopping")
			return
		default:
		}

		if jp.processNextJob(workerID) {
			currentBackoff = minBackoff
			continue
		}

		select {
		case <-jp.ctx.Done():
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > jp.maxBackoff {
			currentBackoff = jp.maxBackoff
		}
	}
}

// processNextJob leases one job and settles it according to the worker's result.
// Returns true if a job was processed, false if no job was available.
func (jp *JobProcessor) processNextJob(workerID int) bool {
	msg, err := jp.queueMgr.Receive(jp.ctx, jp.queueName)
	if err != nil {
		if !errors.Is(err, queue.ErrNoMessage) && !errors.Is(err, context.Canceled) {
			jp.logger.Warn().Err(err).Str("queue", jp.queueName).Msg("Failed to receive job")
		}
		return false
	}

	// In-flight jobs run to completion even when the processor is stopping
	execCtx := context.WithoutCancel(jp.ctx)
	jobStartTime := time.Now()

	jp.logger.Info().
		Str("queue", jp.queueName).
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Int("attempt", msg.Attempts).
		Int("worker_id", workerID).
		Msg("Job started")

	worker, ok := jp.executors[msg.Type]
	if !ok {
		cause := queue.Permanent(fmt.Errorf("no worker registered for job type: %s", msg.Type))
		jp.settle(execCtx, nil, msg, cause)
		return true
	}

	stopRenewal := jp.renewLease(execCtx, msg)
	err = jp.execute(execCtx, worker, msg)
	stopRenewal()

	if err != nil {
		jp.logger.Warn().
			Err(err).
			Str("queue", jp.queueName).
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Int("attempt", msg.Attempts).
			Dur("duration", time.Since(jobStartTime)).
			Msg("Job attempt failed")
	} else {
		jp.logger.Info().
			Str("queue", jp.queueName).
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Dur("duration", time.Since(jobStartTime)).
			Msg("Job completed")
	}

	jp.settle(execCtx, worker, msg, err)
	return true
}

// renewLease extends the job's lease every half visibility timeout until the
// returned stop function is called, so a long job is never handed to a second
// worker. stop blocks until the renewal goroutine has exited.
func (jp *JobProcessor) renewLease(ctx context.Context, msg *models.QueueMessage) func() {
	if jp.lease <= 0 {
		return func() {}
	}

	// The worker reads msg concurrently, renew on a copy
	lease := *msg
	done := make(chan struct{})
	var wg sync.WaitGroup

	common.SafeGoGroup(&wg, jp.logger, fmt.Sprintf("%s-lease-%s", jp.queueName, msg.ID), func() {
		ticker := time.NewTicker(jp.lease / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := jp.queueMgr.Extend(ctx, &lease, jp.lease); err != nil {
					jp.logger.Warn().
						Err(err).
						Str("queue", jp.queueName).
						Str("job_id", msg.ID).
						Msg("Failed to extend job lease")
					return
				}
			}
		}
	})

	return func() {
		close(done)
		wg.Wait()
	}
}

// execute runs the worker, converting a panic into a permanent failure so a
// poison job cannot crash-loop the processor
func (jp *JobProcessor) execute(ctx context.Context, worker interfaces.JobWorker, msg *models.QueueMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			jp.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.StackTrace()).
				Str("job_id", msg.ID).
				Msg("Recovered from panic in job processing")
			err = queue.Permanent(fmt.Errorf("job panicked: %v", r))
		}
	}()
	return worker.Execute(ctx, msg)
}

// settle acknowledges, defers, retries or fails the job based on err
func (jp *JobProcessor) settle(ctx context.Context, worker interfaces.JobWorker, msg *models.QueueMessage, err error) {
	var ackErr error
	switch {
	case err == nil:
		ackErr = jp.queueMgr.Complete(ctx, msg)
	case queue.IsDeferrable(err):
		ackErr = jp.queueMgr.Defer(ctx, msg, 0, err)
	case queue.IsPermanent(err):
		ackErr = jp.queueMgr.Fail(ctx, msg, err)
	default:
		ackErr = jp.queueMgr.Retry(ctx, msg, err)
	}

	if ackErr != nil {
		jp.logger.Error().
			Err(ackErr).
			Str("queue", jp.queueName).
			Str("job_id", msg.ID).
			Msg("Failed to settle job")
		return
	}

	if msg.State != models.JobFailed {
		return
	}

	jp.logger.Error().
		Str("queue", jp.queueName).
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Int("attempts", msg.Attempts).
		Str("last_error", msg.LastError).
		Msg("Job failed")

	if handler, ok := worker.(interfaces.FailureHandler); ok {
		handler.OnFailed(ctx, msg, errors.New(msg.LastError))
	}
}

// handleExhausted routes a job failed by lease expiry to its worker
func (jp *JobProcessor) handleExhausted(msg *models.QueueMessage) {
	worker, ok := jp.executors[msg.Type]
	if !ok {
		return
	}
	if handler, ok := worker.(interfaces.FailureHandler); ok {
		handler.OnFailed(context.Background(), msg, fmt.Errorf("%w: %s", models.ErrQueueExhausted, msg.LastError))
	}
}
