package messaging

import (
	"sync"
	"time"

	"github.com/ternarybob/dunner/internal/models"
	"golang.org/x/time/rate"
)

// registry owns the tenant sessions
type registry struct {
	mu       sync.RWMutex
	sessions map[string]*tenantSession
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*tenantSession)}
}

func (r *registry) get(tenantID string) (*tenantSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

func (r *registry) getOrCreate(tenantID string, limit rate.Limit, burst int) *tenantSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[tenantID]; ok {
		return s
	}
	s := newTenantSession(tenantID, limit, burst)
	r.sessions[tenantID] = s
	return s
}

// destroy removes the session only if it is still the registered one
func (r *registry) destroy(tenantID string, s *tenantSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[tenantID]; ok && current == s {
		delete(r.sessions, tenantID)
	}
}

func (r *registry) all() []*tenantSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tenantSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// tenantSession is the live state of one tenant's messaging session
type tenantSession struct {
	tenantID string

	mu         sync.Mutex
	state      models.AuthState
	challenge  string
	credential []byte
	client     Client
	failure    error
	changed    chan struct{} // Closed and replaced on every state change

	initMu   sync.Mutex // Serializes client start-up
	sendLock fifoLock
	limiter  *rate.Limiter
}

func newTenantSession(tenantID string, limit rate.Limit, burst int) *tenantSession {
	return &tenantSession{
		tenantID: tenantID,
		state:    models.AuthUninitialized,
		changed:  make(chan struct{}),
		limiter:  rate.NewLimiter(limit, burst),
	}
}

// snapshot returns the fields waiters decide on
func (s *tenantSession) snapshot() (models.AuthState, string, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.challenge, s.changed, s.failure
}

// transition applies fn under the lock and wakes every waiter
func (s *tenantSession) transition(fn func()) {
	s.mu.Lock()
	fn()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// record builds the persisted view of the session
func (s *tenantSession) record() *models.MessagingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &models.MessagingSession{
		TenantID:             s.tenantID,
		AuthState:            s.state,
		CredentialBlob:       s.credential,
		LastPairingChallenge: s.challenge,
		UpdatedAt:            time.Now(),
	}
}

func (s *tenantSession) currentClient() (Client, models.AuthState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client, s.state
}

// fifoLock grants the lock in arrival order
type fifoLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func (l *fifoLock) Lock() {
	l.mu.Lock()
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	ticket := l.next
	l.next++
	for ticket != l.serving {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

func (l *fifoLock) Unlock() {
	l.mu.Lock()
	l.serving++
	if l.cond != nil {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}
