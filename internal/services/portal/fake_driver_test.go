package portal

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ternarybob/dunner/internal/models"
)

// scriptedDriver fails each step a configured number of times before succeeding
type scriptedDriver struct {
	mu sync.Mutex

	searchFailures  int
	searchErr       error
	hasDebt         bool
	noEligibleTimes int // RequestDocument answers ErrNoEligibleLines this many times
	artifact        []byte
	artifactErr     error
	artifactFails   int // When set, only the first artifactFails waits return artifactErr
	block           chan struct{} // Navigate waits on it when set
	onNavigate      func()
	calls           map[string]int
	closed          atomic.Bool
	selectedTerms   []models.TermsOption
}

func newScriptedDriver() *scriptedDriver {
	return &scriptedDriver{
		hasDebt:  true,
		artifact: []byte("%PDF-1.4 fake"),
		calls:    make(map[string]int),
	}
}

func (d *scriptedDriver) record(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[name]++
	return d.calls[name]
}

func (d *scriptedDriver) count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

func (d *scriptedDriver) Navigate(ctx context.Context) error {
	d.record("navigate")
	if d.onNavigate != nil {
		d.onNavigate()
	}
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *scriptedDriver) Search(ctx context.Context, clientRef string) error {
	if n := d.record("search"); n <= d.searchFailures {
		if d.searchErr != nil {
			return d.searchErr
		}
		return models.ErrAnchorTimeout
	}
	return nil
}

func (d *scriptedDriver) HasDebt(ctx context.Context) (bool, error) {
	d.record("has_debt")
	return d.hasDebt, nil
}

func (d *scriptedDriver) SelectTerms(ctx context.Context, option models.TermsOption) error {
	d.record("select_terms")
	d.mu.Lock()
	d.selectedTerms = append(d.selectedTerms, option)
	d.mu.Unlock()
	return nil
}

func (d *scriptedDriver) RequestDocument(ctx context.Context) error {
	if n := d.record("request_document"); n <= d.noEligibleTimes {
		return models.ErrNoEligibleLines
	}
	return nil
}

func (d *scriptedDriver) AwaitArtifact(ctx context.Context) ([]byte, error) {
	n := d.record("await_artifact")
	if d.artifactErr != nil && (d.artifactFails == 0 || n <= d.artifactFails) {
		return nil, d.artifactErr
	}
	return d.artifact, nil
}

func (d *scriptedDriver) AddDueLine(ctx context.Context) error {
	d.record("add_due_line")
	return nil
}

func (d *scriptedDriver) Close() {
	d.closed.Store(true)
}

// fakeBrowser hands out drivers from newDriver
type fakeBrowser struct {
	newDriver func() Driver
	closed    atomic.Bool
}

func (b *fakeBrowser) NewDriver(ctx context.Context) (Driver, error) {
	return b.newDriver(), nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Store(true)
	return nil
}
