package batch

import (
	"context"
	"sync"

	"github.com/ternarybob/dunner/internal/models"
)

// progress collects the outcomes of one queued batch until every retrieval
// and every delivery it caused has finished
type progress struct {
	expected           int
	results            map[string]models.RetrievalResult
	deliveriesExpected int
	delivered          int
	deliveryFailed     int
	done               chan struct{}
	closed             bool
}

func (p *progress) check() {
	if p.closed {
		return
	}
	if len(p.results) >= p.expected && p.delivered+p.deliveryFailed >= p.deliveriesExpected {
		p.closed = true
		close(p.done)
	}
}

// tracker joins queued batches; jobs of batches it does not know are ignored
type tracker struct {
	mu      sync.Mutex
	batches map[string]*progress
}

func newTracker() *tracker {
	return &tracker{batches: make(map[string]*progress)}
}

func (t *tracker) start(batchID string, expected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &progress{
		expected: expected,
		results:  make(map[string]models.RetrievalResult),
		done:     make(chan struct{}),
	}
	p.check()
	t.batches[batchID] = p
}

// retrieval records the first result for clientRef
func (t *tracker) retrieval(batchID string, result models.RetrievalResult, deliveryQueued bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.batches[batchID]
	if !ok {
		return false
	}
	if _, dup := p.results[result.ClientRef]; dup {
		return false
	}
	p.results[result.ClientRef] = result
	if deliveryQueued {
		p.deliveriesExpected++
	}
	p.check()
	return true
}

func (t *tracker) delivery(batchID string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.batches[batchID]
	if !ok {
		return false
	}
	if err != nil {
		p.deliveryFailed++
	} else {
		p.delivered++
	}
	p.check()
	return true
}

// wait blocks until the batch joins or ctx ends
func (t *tracker) wait(ctx context.Context, batchID string) error {
	t.mu.Lock()
	p, ok := t.batches[batchID]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish removes the batch and returns what it collected
func (t *tracker) finish(batchID string) (map[string]models.RetrievalResult, int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.batches[batchID]
	if !ok {
		return nil, 0, 0
	}
	delete(t.batches, batchID)
	return p.results, p.delivered, p.deliveryFailed
}
