package portal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
)

// MachineConfig bounds the retrieval state machine
type MachineConfig struct {
	RetryLimit           int
	RetryDelay           time.Duration
	MaxDueLineInjections int
}

// Machine drives one RetrievalTask through the portal:
//
//	Start -> Navigated -> Searched -> DebtChecked -> TermsSelected ->
//	DocumentRequested -> ArtifactReceived -> Done
//
// DebtChecked without debt ends in NoDebt. When the portal reports no eligible
// charge lines the machine adds the instalment line and returns to
// TermsSelected, at most MaxDueLineInjections times. A document that does not
// arrive sends the task back to TermsSelected, so each attempt clicks generate
// again. A step that keeps failing after RetryLimit attempts ends in Failed.
type Machine struct {
	config    MachineConfig
	retry     *RetryPolicy
	store     *ArtifactStore
	validator ArtifactValidator
	logger    arbor.ILogger
}

// NewMachine creates a state machine writing artifacts to store.
// A nil validator only rejects empty documents.
func NewMachine(config MachineConfig, store *ArtifactStore, validator ArtifactValidator, logger arbor.ILogger) *Machine {
	if config.RetryLimit < 1 {
		config.RetryLimit = 3
	}
	if config.MaxDueLineInjections < 0 {
		config.MaxDueLineInjections = 0
	}
	if validator == nil {
		validator = noopValidator{}
	}

	retry := NewRetryPolicy()
	retry.MaxAttempts = config.RetryLimit
	retry.InitialBackoff = config.RetryDelay

	return &Machine{
		config:    config,
		retry:     retry,
		store:     store,
		validator: validator,
		logger:    logger,
	}
}

// Run executes the task to a terminal state and returns exactly one result.
func (m *Machine) Run(ctx context.Context, driver Driver, task *models.RetrievalTask) models.RetrievalResult {
	logger := m.logger.WithCorrelationId(task.BatchID)
	task.State = models.StateStart
	startTime := time.Now()

	result := m.run(ctx, logger, driver, task)

	logger.Info().
		Str("client_ref", task.ClientRef).
		Str("outcome", string(result.Outcome)).
		Str("state", string(task.State)).
		Str("reason", result.Reason).
		Dur("duration", time.Since(startTime)).
		Msg("Retrieval finished")

	return result
}

func (m *Machine) run(ctx context.Context, logger arbor.ILogger, driver Driver, task *models.RetrievalTask) models.RetrievalResult {
	fail := func(step models.RetrievalState, err error) models.RetrievalResult {
		task.State = models.StateFailed
		return models.ErrorResult(task.ClientRef, fmt.Errorf("%s: %w", step, err))
	}

	if err := m.step(ctx, logger, task, models.StateNavigated, driver.Navigate); err != nil {
		return fail(models.StateNavigated, err)
	}

	if err := m.step(ctx, logger, task, models.StateSearched, func(ctx context.Context) error {
		return driver.Search(ctx, task.ClientRef)
	}); err != nil {
		return fail(models.StateSearched, err)
	}

	var hasDebt bool
	if err := m.step(ctx, logger, task, models.StateDebtChecked, func(ctx context.Context) error {
		var err error
		hasDebt, err = driver.HasDebt(ctx)
		return err
	}); err != nil {
		return fail(models.StateDebtChecked, err)
	}
	if !hasDebt {
		task.State = models.StateNoDebt
		return models.NoDebtResult(task.ClientRef)
	}

	injections := 0
	var path string
	for attempt := 1; ; attempt++ {
		if state, err := m.requestDocument(ctx, logger, driver, task, &injections); err != nil {
			return fail(state, err)
		}

		task.Attempt = attempt
		err := m.receiveArtifact(ctx, driver, task, &path)
		if err == nil {
			logger.Trace().
				Str("client_ref", task.ClientRef).
				Str("from", string(task.State)).
				Str("to", string(models.StateArtifactReceived)).
				Msg("Retrieval transition")
			task.State = models.StateArtifactReceived
			break
		}
		if !isRetryable(ctx, err) {
			return fail(models.StateArtifactReceived, err)
		}
		if attempt >= m.config.RetryLimit {
			return fail(models.StateArtifactReceived, fmt.Errorf("%w: %w", models.ErrRetriesExhausted, err))
		}

		backoff := m.retry.CalculateBackoff(attempt - 1)
		logger.Debug().
			Str("client_ref", task.ClientRef).
			Int("attempt", attempt).
			Err(err).
			Dur("backoff", backoff).
			Msg("Document not received - requesting it again")

		select {
		case <-ctx.Done():
			return fail(models.StateArtifactReceived, ctx.Err())
		case <-time.After(backoff):
		}
	}

	task.State = models.StateDone
	return models.DocumentResult(task.ClientRef, path)
}

// requestDocument selects the terms and clicks generate. When the portal
// answers with no eligible charge lines the instalment line is added and the
// selection starts over, at most MaxDueLineInjections times across the task.
// On failure it returns the state the task failed in.
func (m *Machine) requestDocument(ctx context.Context, logger arbor.ILogger, driver Driver, task *models.RetrievalTask, injections *int) (models.RetrievalState, error) {
	for {
		if err := m.step(ctx, logger, task, models.StateTermsSelected, func(ctx context.Context) error {
			return driver.SelectTerms(ctx, task.TermsOption)
		}); err != nil {
			return models.StateTermsSelected, err
		}

		err := m.step(ctx, logger, task, models.StateDocumentRequested, driver.RequestDocument)
		if errors.Is(err, models.ErrNoEligibleLines) {
			if *injections >= m.config.MaxDueLineInjections {
				return models.StateDocumentRequested, fmt.Errorf("%w after %d due line injections", err, *injections)
			}
			*injections++
			logger.Debug().
				Str("client_ref", task.ClientRef).
				Int("injection", *injections).
				Msg("No eligible charge lines - adding instalment line")

			if err := m.step(ctx, logger, task, models.StateTermsSelected, driver.AddDueLine); err != nil {
				return models.StateTermsSelected, err
			}
			continue
		}
		if err != nil {
			return models.StateDocumentRequested, err
		}
		return models.StateDocumentRequested, nil
	}
}

// receiveArtifact waits once for the document the last generate click
// produced, validates it and stores it at path
func (m *Machine) receiveArtifact(ctx context.Context, driver Driver, task *models.RetrievalTask, path *string) error {
	data, err := driver.AwaitArtifact(ctx)
	if err != nil {
		return err
	}
	if err := m.validator.Validate(data); err != nil {
		return err
	}
	*path, err = m.store.Save(task.BatchID, task.ClientRef, data)
	return err
}

// step runs fn under the retry policy and moves the task to next on success
func (m *Machine) step(ctx context.Context, logger arbor.ILogger, task *models.RetrievalTask, next models.RetrievalState, fn func(ctx context.Context) error) error {
	err := m.retry.ExecuteWithRetry(ctx, logger, string(next), func(attempt int) {
		task.Attempt = attempt
	}, fn)
	if err != nil {
		return err
	}

	logger.Trace().
		Str("client_ref", task.ClientRef).
		Str("from", string(task.State)).
		Str("to", string(next)).
		Msg("Retrieval transition")
	task.State = next
	return nil
}
