package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/models"
)

// DefaultBufferSize is the per-subscription event buffer
const DefaultBufferSize = 64

// Subscription receives progress events for one tenant until unregistered
type Subscription struct {
	TenantID string
	C        <-chan models.ProgressEvent

	events chan models.ProgressEvent
	once   sync.Once
}

// Hub fans progress lines out to the subscriptions of the tenant they belong to.
// Publishing never blocks: a full subscription drops the event, and a tenant
// with no subscriptions drops it too.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	logger     arbor.ILogger
	dropped    atomic.Int64
}

// NewHub creates a hub; bufferSize < 1 uses DefaultBufferSize
func NewHub(bufferSize int, logger arbor.ILogger) *Hub {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Register subscribes to the tenant's progress events
func (h *Hub) Register(tenantID string) *Subscription {
	events := make(chan models.ProgressEvent, h.bufferSize)
	sub := &Subscription{TenantID: tenantID, C: events, events: events}

	h.mu.Lock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[*Subscription]struct{})
	}
	h.subs[tenantID][sub] = struct{}{}
	count := len(h.subs[tenantID])
	h.mu.Unlock()

	h.logger.Debug().
		Str("tenant_id", tenantID).
		Int("subscribers", count).
		Msg("Progress subscriber registered")
	return sub
}

// Unregister removes the subscription and closes its channel. Safe to call twice.
func (h *Hub) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	if tenantSubs, ok := h.subs[sub.TenantID]; ok {
		delete(tenantSubs, sub)
		if len(tenantSubs) == 0 {
			delete(h.subs, sub.TenantID)
		}
	}
	// Closed under the lock so no publisher can be sending
	sub.once.Do(func() { close(sub.events) })
	h.mu.Unlock()

	h.logger.Debug().Str("tenant_id", sub.TenantID).Msg("Progress subscriber unregistered")
}

// SendLogMessage publishes a progress line to the tenant's subscribers
func (h *Hub) SendLogMessage(tenantID, message string) {
	event := models.ProgressEvent{
		TenantID:  tenantID,
		Message:   message,
		Timestamp: time.Now(),
	}

	h.logger.Info().Str("tenant_id", tenantID).Msg(message)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[tenantID] {
		select {
		case sub.events <- event:
		default:
			h.dropped.Add(1)
			h.logger.Trace().Str("tenant_id", tenantID).Msg("Progress subscriber full, event dropped")
		}
	}
}

// Subscribers returns how many subscriptions the tenant has
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

// Dropped returns how many events were discarded because a subscriber was full
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
