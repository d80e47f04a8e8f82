package portal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
)

// PoolConfig holds configuration for the browser pool
type PoolConfig struct {
	MaxConcurrency int
	PoolTimeout    time.Duration // How long Submit waits for a free browser
	StartupTimeout time.Duration
}

// Pool runs retrieval tasks on a fixed set of browsers, one task per browser
// at a time. Callers block in Submit until a browser frees up.
type Pool struct {
	config   PoolConfig
	launcher BrowserLauncher
	machine  *Machine
	logger   arbor.ILogger

	mu       sync.Mutex
	browsers []Browser
	slots    chan int
	closing  chan struct{}
	closed   bool
	inFlight sync.WaitGroup
	busy     int
}

// NewPool creates a pool; Init must be called before Submit
func NewPool(config PoolConfig, launcher BrowserLauncher, machine *Machine, logger arbor.ILogger) *Pool {
	if config.MaxConcurrency < 1 {
		config.MaxConcurrency = 1
	}
	if config.PoolTimeout <= 0 {
		config.PoolTimeout = 200 * time.Second
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 30 * time.Second
	}
	return &Pool{
		config:   config,
		launcher: launcher,
		machine:  machine,
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// Init launches the browsers. A partial pool is accepted; no browser at all is an error.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.slots != nil {
		return fmt.Errorf("browser pool already initialized")
	}

	p.logger.Info().
		Int("pool_size", p.config.MaxConcurrency).
		Msg("Initializing browser pool")

	var lastErr error
	for i := 0; i < p.config.MaxConcurrency; i++ {
		startCtx, cancel := context.WithTimeout(ctx, p.config.StartupTimeout)
		startTime := time.Now()
		browser, err := p.launcher(startCtx, i)
		cancel()
		if err != nil {
			lastErr = err
			p.logger.Warn().
				Err(err).
				Int("browser_index", i).
				Int("successful_instances", len(p.browsers)).
				Msg("Failed to create browser instance")
			continue
		}
		p.browsers = append(p.browsers, browser)
		p.logger.Debug().
			Int("browser_index", i).
			Dur("startup_time", time.Since(startTime)).
			Msg("Browser instance created")
	}

	if len(p.browsers) == 0 {
		return fmt.Errorf("failed to create any browser instances, last error: %w", lastErr)
	}
	if len(p.browsers) < p.config.MaxConcurrency {
		p.logger.Warn().
			Int("requested", p.config.MaxConcurrency).
			Int("created", len(p.browsers)).
			Err(lastErr).
			Msg("Created fewer browser instances than requested")
	}

	p.slots = make(chan int, len(p.browsers))
	for i := range p.browsers {
		p.slots <- i
	}

	p.logger.Info().Int("browsers_created", len(p.browsers)).Msg("Browser pool initialized")
	return nil
}

// Submit runs the task on the next free browser and returns its single result.
// Pool exhaustion past PoolTimeout and a closed pool come back as ERROR outcomes.
func (p *Pool) Submit(ctx context.Context, task *models.RetrievalTask) models.RetrievalResult {
	p.mu.Lock()
	if p.closed || p.slots == nil {
		p.mu.Unlock()
		return models.ErrorResult(task.ClientRef, models.ErrPoolClosed)
	}
	p.inFlight.Add(1)
	slots := p.slots
	browsers := p.browsers
	p.mu.Unlock()
	defer p.inFlight.Done()

	timer := time.NewTimer(p.config.PoolTimeout)
	defer timer.Stop()

	var index int
	select {
	case index = <-slots:
	case <-timer.C:
		return models.ErrorResult(task.ClientRef, models.ErrPoolTimeout)
	case <-p.closing:
		return models.ErrorResult(task.ClientRef, models.ErrPoolClosed)
	case <-ctx.Done():
		return models.ErrorResult(task.ClientRef, ctx.Err())
	}

	select {
	case <-p.closing:
		slots <- index
		return models.ErrorResult(task.ClientRef, models.ErrPoolClosed)
	default:
	}

	p.setBusy(1)
	defer func() {
		p.setBusy(-1)
		slots <- index
	}()

	driver, err := browsers[index].NewDriver(ctx)
	if err != nil {
		return models.ErrorResult(task.ClientRef, fmt.Errorf("%w: %v", models.ErrNavigation, err))
	}
	defer driver.Close()

	p.logger.Debug().
		Int("browser_index", index).
		Str("client_ref", task.ClientRef).
		Msg("Browser context allocated from pool")

	return p.machine.Run(ctx, driver, task)
}

// Shutdown stops accepting tasks, waits for in-flight tasks to drain (or ctx
// to expire), then closes every browser.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// Callers still waiting for a browser give up, tasks already on one finish
	close(p.closing)

	startTime := time.Now()
	p.logger.Info().Msg("Shutting down browser pool")

	drained := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(drained)
	}()

	var waitErr error
	select {
	case <-drained:
	case <-ctx.Done():
		waitErr = fmt.Errorf("browser pool drain interrupted: %w", ctx.Err())
	}

	p.mu.Lock()
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	for i, browser := range browsers {
		if err := browser.Close(); err != nil {
			p.logger.Warn().Err(err).Int("browser_index", i).Msg("Failed to close browser")
		}
	}

	p.logger.Info().
		Int("browsers_shutdown", len(browsers)).
		Dur("shutdown_time", time.Since(startTime)).
		Msg("Browser pool shut down")
	return waitErr
}

// PoolStats describes pool occupancy
type PoolStats struct {
	Size   int  `json:"size"`
	Busy   int  `json:"busy"`
	Closed bool `json:"closed"`
}

// GetPoolStats returns statistics about the browser pool
func (p *Pool) GetPoolStats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:   len(p.browsers),
		Busy:   p.busy,
		Closed: p.closed,
	}
}

func (p *Pool) setBusy(delta int) {
	p.mu.Lock()
	p.busy += delta
	p.mu.Unlock()
}
