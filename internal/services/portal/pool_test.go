package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
)

func newTestPool(t *testing.T, config PoolConfig, newDriver func() Driver) (*Pool, []*fakeBrowser) {
	t.Helper()
	machine, _ := newTestMachine(t, 3)

	var mu sync.Mutex
	var browsers []*fakeBrowser
	launcher := func(ctx context.Context, index int) (Browser, error) {
		b := &fakeBrowser{newDriver: newDriver}
		mu.Lock()
		browsers = append(browsers, b)
		mu.Unlock()
		return b, nil
	}

	pool := NewPool(config, launcher, machine, arbor.NewLogger())
	require.NoError(t, pool.Init(context.Background()))
	return pool, browsers
}

func TestPoolCapsConcurrentTasks(t *testing.T) {
	var active, maxActive atomic.Int32
	newDriver := func() Driver {
		d := newScriptedDriver()
		d.onNavigate = func() {
			current := active.Add(1)
			for {
				old := maxActive.Load()
				if current <= old || maxActive.CompareAndSwap(old, current) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
		}
		return d
	}

	pool, _ := newTestPool(t, PoolConfig{MaxConcurrency: 2, PoolTimeout: 5 * time.Second}, newDriver)
	defer pool.Shutdown(context.Background())

	var wg sync.WaitGroup
	results := make([]models.RetrievalResult, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task := models.NewRetrievalTask("batch-1", "tenant-a", fmt.Sprintf("ref-%d", i), models.TermsEarliest)
			results[i] = pool.Submit(context.Background(), task)
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		assert.Equal(t, models.OutcomeDocument, result.Outcome, result.Reason)
	}
	assert.LessOrEqual(t, maxActive.Load(), int32(2))
	assert.Equal(t, 0, pool.GetPoolStats().Busy)
}

func TestPoolTimesOutWaitingForBrowser(t *testing.T) {
	release := make(chan struct{})
	newDriver := func() Driver {
		d := newScriptedDriver()
		d.block = release
		return d
	}

	pool, _ := newTestPool(t, PoolConfig{MaxConcurrency: 1, PoolTimeout: 50 * time.Millisecond}, newDriver)
	defer pool.Shutdown(context.Background())

	first := make(chan models.RetrievalResult, 1)
	go func() {
		first <- pool.Submit(context.Background(), models.NewRetrievalTask("batch-1", "tenant-a", "busy", models.TermsEarliest))
	}()
	require.Eventually(t, func() bool { return pool.GetPoolStats().Busy == 1 }, time.Second, 5*time.Millisecond)

	result := pool.Submit(context.Background(), models.NewRetrievalTask("batch-1", "tenant-a", "waiting", models.TermsEarliest))
	assert.Equal(t, models.OutcomeError, result.Outcome)
	assert.Equal(t, models.ErrPoolTimeout.Error(), result.Reason)

	close(release)
	assert.Equal(t, models.OutcomeDocument, (<-first).Outcome)
}

func TestPoolShutdownDrainsInFlightTasks(t *testing.T) {
	release := make(chan struct{})
	newDriver := func() Driver {
		d := newScriptedDriver()
		d.block = release
		return d
	}

	pool, browsers := newTestPool(t, PoolConfig{MaxConcurrency: 1, PoolTimeout: 5 * time.Second}, newDriver)

	running := make(chan models.RetrievalResult, 1)
	go func() {
		running <- pool.Submit(context.Background(), models.NewRetrievalTask("batch-1", "tenant-a", "running", models.TermsEarliest))
	}()
	require.Eventually(t, func() bool { return pool.GetPoolStats().Busy == 1 }, time.Second, 5*time.Millisecond)

	waiting := make(chan models.RetrievalResult, 1)
	go func() {
		waiting <- pool.Submit(context.Background(), models.NewRetrievalTask("batch-1", "tenant-a", "waiting", models.TermsEarliest))
	}()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- pool.Shutdown(context.Background()) }()

	// The waiting caller gives up without a browser
	select {
	case result := <-waiting:
		assert.Equal(t, models.ErrPoolClosed.Error(), result.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller was not released by shutdown")
	}

	// Browsers stay open until the running task finishes
	assert.False(t, browsers[0].closed.Load())
	close(release)

	assert.Equal(t, models.OutcomeDocument, (<-running).Outcome)
	require.NoError(t, <-shutdownDone)
	assert.True(t, browsers[0].closed.Load())

	result := pool.Submit(context.Background(), models.NewRetrievalTask("batch-1", "tenant-a", "late", models.TermsEarliest))
	assert.Equal(t, models.ErrPoolClosed.Error(), result.Reason)
	assert.True(t, pool.GetPoolStats().Closed)
}

func TestPoolShutdownStopsWaitingOnExpiredContext(t *testing.T) {
	release := make(chan struct{})
	newDriver := func() Driver {
		d := newScriptedDriver()
		d.block = release
		return d
	}

	pool, _ := newTestPool(t, PoolConfig{MaxConcurrency: 1, PoolTimeout: 5 * time.Second}, newDriver)
	submitted := make(chan models.RetrievalResult, 1)
	go func() {
		submitted <- pool.Submit(context.Background(), models.NewRetrievalTask("batch-1", "tenant-a", "stuck", models.TermsEarliest))
	}()
	require.Eventually(t, func() bool { return pool.GetPoolStats().Busy == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The in-flight task is released and must return before the temp dirs go away
	close(release)
	select {
	case <-submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task did not finish after release")
	}
	assert.Equal(t, 0, pool.GetPoolStats().Busy)
}

func TestPoolInitAcceptsPartialPool(t *testing.T) {
	machine, _ := newTestMachine(t, 3)
	launcher := func(ctx context.Context, index int) (Browser, error) {
		if index%2 == 1 {
			return nil, errors.New("chrome crashed")
		}
		return &fakeBrowser{newDriver: func() Driver { return newScriptedDriver() }}, nil
	}

	pool := NewPool(PoolConfig{MaxConcurrency: 4}, launcher, machine, arbor.NewLogger())
	require.NoError(t, pool.Init(context.Background()))
	assert.Equal(t, 2, pool.GetPoolStats().Size)

	assert.Error(t, pool.Init(context.Background()), "second init should fail")
}

func TestPoolInitFailsWithoutBrowsers(t *testing.T) {
	machine, _ := newTestMachine(t, 3)
	launcher := func(ctx context.Context, index int) (Browser, error) {
		return nil, errors.New("chrome not installed")
	}

	pool := NewPool(PoolConfig{MaxConcurrency: 2}, launcher, machine, arbor.NewLogger())
	err := pool.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not installed")

	result := pool.Submit(context.Background(), models.NewRetrievalTask("batch-1", "tenant-a", "1", models.TermsEarliest))
	assert.Equal(t, models.ErrPoolClosed.Error(), result.Reason)
}
