package messaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
	"golang.org/x/time/rate"
)

// Config tunes the session multiplexer
type Config struct {
	PhonePrefix    string        // Recipients must start with this prefix
	SendRate       float64       // Sends per second per tenant, 0 disables pacing
	SendBurst      int
	PairingTimeout time.Duration // How long Initialize waits for a challenge or readiness
}

// Service multiplexes one messaging session per tenant.
//
// Sessions move Uninitialized -> Pairing -> Ready, drop to Disconnected while
// the client reconnects, and return to Uninitialized on logout. Every change
// is persisted so a restart can restore the session without pairing again.
type Service struct {
	provider Provider
	storage  interfaces.SessionStorage
	notifier interfaces.ProgressNotifier
	config   Config
	logger   arbor.ILogger
	sessions *registry
}

// NewService creates the multiplexer. notifier may be nil.
func NewService(provider Provider, storage interfaces.SessionStorage, notifier interfaces.ProgressNotifier, config Config, logger arbor.ILogger) *Service {
	if config.PairingTimeout <= 0 {
		config.PairingTimeout = 60 * time.Second
	}
	if config.SendBurst < 1 {
		config.SendBurst = 1
	}
	return &Service{
		provider: provider,
		storage:  storage,
		notifier: notifier,
		config:   config,
		logger:   logger,
		sessions: newRegistry(),
	}
}

func (s *Service) limit() rate.Limit {
	if s.config.SendRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(s.config.SendRate)
}

// Initialize starts the tenant's session, restoring stored credentials first.
// It returns Ready when the session logs in, or the pairing challenge the
// operator must scan.
func (s *Service) Initialize(ctx context.Context, tenantID string) (models.InitResult, error) {
	if tenantID == "" {
		return models.InitResult{}, fmt.Errorf("tenant id is required")
	}

	session := s.sessions.getOrCreate(tenantID, s.limit(), s.config.SendBurst)
	if err := s.start(ctx, session); err != nil {
		return models.InitResult{}, err
	}
	return s.awaitInit(ctx, session)
}

// start creates and connects the tenant client unless one is already running
func (s *Service) start(ctx context.Context, session *tenantSession) error {
	session.initMu.Lock()
	defer session.initMu.Unlock()

	client, _ := session.currentClient()
	if client != nil {
		return nil
	}

	credential := s.storedCredential(ctx, session.tenantID)

	client, err := s.provider.NewClient(ctx, session.tenantID, credential, func(ev Event) {
		s.handleEvent(session, ev)
	})
	if err != nil {
		s.sessions.destroy(session.tenantID, session)
		return fmt.Errorf("failed to create messaging client: %w", err)
	}

	session.transition(func() {
		session.client = client
		session.credential = credential
		session.failure = nil
		session.challenge = ""
		if len(credential) == 0 {
			session.state = models.AuthPairing
		}
	})

	if err := client.Connect(ctx); err != nil {
		client.Disconnect()
		session.transition(func() {
			session.client = nil
			session.state = models.AuthUninitialized
		})
		s.sessions.destroy(session.tenantID, session)
		return fmt.Errorf("failed to connect messaging client: %w", err)
	}

	s.logger.Info().
		Str("tenant_id", session.tenantID).
		Bool("restored", len(credential) > 0).
		Msg("Messaging client started")
	return nil
}

func (s *Service) storedCredential(ctx context.Context, tenantID string) []byte {
	stored, err := s.storage.GetSession(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, models.ErrSessionNotFound) {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to load stored messaging session")
		}
		return nil
	}
	return stored.CredentialBlob
}

func (s *Service) awaitInit(ctx context.Context, session *tenantSession) (models.InitResult, error) {
	timer := time.NewTimer(s.config.PairingTimeout)
	defer timer.Stop()

	for {
		state, challenge, changed, failure := session.snapshot()
		switch {
		case failure != nil:
			return models.InitResult{}, failure
		case state == models.AuthReady:
			return models.InitResult{Ready: true}, nil
		case state == models.AuthPairing && challenge != "":
			return models.InitResult{PairingChallenge: challenge}, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return models.InitResult{}, ctx.Err()
		case <-timer.C:
			return models.InitResult{}, fmt.Errorf("%w: no pairing challenge or connection within %s", models.ErrSessionNotReady, s.config.PairingTimeout)
		}
	}
}

// AwaitReady blocks until the tenant session is Ready, fails, or ctx ends
func (s *Service) AwaitReady(ctx context.Context, tenantID string) error {
	session, ok := s.sessions.get(tenantID)
	if !ok {
		return models.ErrSessionNotFound
	}

	for {
		state, _, changed, failure := session.snapshot()
		if failure != nil {
			return failure
		}
		if state == models.AuthReady {
			return nil
		}
		if state == models.AuthUninitialized {
			if client, _ := session.currentClient(); client == nil {
				return models.ErrSessionNotReady
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleEvent applies a client event to the session and persists the result
func (s *Service) handleEvent(session *tenantSession, ev Event) {
	logger := s.logger.WithCorrelationId(session.tenantID)
	logger.Debug().
		Str("tenant_id", session.tenantID).
		Str("event", ev.Type.String()).
		Msg("Messaging event")

	switch ev.Type {
	case EventPairingCode:
		session.transition(func() {
			session.state = models.AuthPairing
			session.challenge = ev.Code
		})
		s.persist(session)
		s.notify(session.tenantID, "WhatsApp pairing required: scan the QR code")

	case EventConnected:
		session.transition(func() {
			session.state = models.AuthReady
			session.challenge = ""
			session.failure = nil
			if len(ev.Credential) > 0 {
				session.credential = ev.Credential
			}
		})
		s.persist(session)
		logger.Info().Str("tenant_id", session.tenantID).Msg("Messaging session ready")
		s.notify(session.tenantID, "WhatsApp session ready")

	case EventDisconnected:
		changed := false
		session.transition(func() {
			if session.state == models.AuthReady {
				session.state = models.AuthDisconnected
				changed = true
			}
		})
		if changed {
			s.persist(session)
			logger.Warn().Str("tenant_id", session.tenantID).Msg("Messaging session disconnected, reconnecting")
			s.notify(session.tenantID, "WhatsApp session disconnected, reconnecting")
		}

	case EventLoggedOut:
		s.reset(session, nil)
		logger.Warn().Str("tenant_id", session.tenantID).Msg("Messaging session logged out")
		s.notify(session.tenantID, "WhatsApp session logged out")

	case EventPairingFailed:
		cause := models.ErrAuthenticationFailure
		if ev.Err != nil {
			cause = fmt.Errorf("%w: %v", models.ErrAuthenticationFailure, ev.Err)
		}
		s.reset(session, cause)
		logger.Error().Err(cause).Str("tenant_id", session.tenantID).Msg("Messaging pairing failed")
		s.notify(session.tenantID, "WhatsApp pairing failed")
	}
}

// reset tears the session down and forgets its stored credentials.
// failure is reported to anyone waiting on the session.
func (s *Service) reset(session *tenantSession, failure error) {
	var client Client
	session.transition(func() {
		client = session.client
		session.client = nil
		session.state = models.AuthUninitialized
		session.challenge = ""
		session.credential = nil
		session.failure = failure
	})
	s.sessions.destroy(session.tenantID, session)

	if client != nil {
		// Client callbacks run on the client's own goroutine
		go client.Disconnect()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.storage.DeleteSession(ctx, session.tenantID); err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", session.tenantID).Msg("Failed to delete stored messaging session")
	}
}

func (s *Service) persist(session *tenantSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.storage.SaveSession(ctx, session.record()); err != nil {
		s.logger.Error().Err(err).Str("tenant_id", session.tenantID).Msg("Failed to persist messaging session")
	}
}

func (s *Service) notify(tenantID, message string) {
	if s.notifier != nil {
		s.notifier.SendLogMessage(tenantID, message)
	}
}

// readyClient returns the client of a Ready session without touching the network
func (s *Service) readyClient(tenantID string) (*tenantSession, Client, error) {
	session, ok := s.sessions.get(tenantID)
	if !ok {
		return nil, nil, models.ErrSessionNotReady
	}
	client, state := session.currentClient()
	if state != models.AuthReady || client == nil {
		return nil, nil, fmt.Errorf("%w: session is %s", models.ErrSessionNotReady, state)
	}
	return session, client, nil
}

// IsRecipientReachable reports whether phone passes the prefix rule and is
// registered on the messaging network
func (s *Service) IsRecipientReachable(ctx context.Context, phone, tenantID string) (bool, error) {
	phone = NormalizePhone(phone)
	if !s.validPhone(phone) {
		return false, nil
	}
	_, client, err := s.readyClient(tenantID)
	if err != nil {
		return false, err
	}
	registered, err := client.IsRegistered(ctx, phone)
	if err != nil {
		return false, fmt.Errorf("failed to check recipient %s: %w", phone, err)
	}
	return registered, nil
}

// Send delivers the document at artifactPath to phone. Sends for one tenant
// run one at a time in the order they were submitted.
func (s *Service) Send(ctx context.Context, phone, caption, artifactPath, tenantID string) error {
	session, _, err := s.readyClient(tenantID)
	if err != nil {
		return err
	}

	phone = NormalizePhone(phone)
	if !s.validPhone(phone) {
		return fmt.Errorf("%w: %q does not match prefix %s", models.ErrRecipientUnreachable, phone, s.config.PhonePrefix)
	}

	session.sendLock.Lock()
	defer session.sendLock.Unlock()

	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to read document %s: %w", artifactPath, err)
	}

	if err := session.limiter.Wait(ctx); err != nil {
		return err
	}

	// The session may have dropped while this send waited its turn
	client, state := session.currentClient()
	if state != models.AuthReady || client == nil {
		return fmt.Errorf("%w: session is %s", models.ErrSessionNotReady, state)
	}

	startTime := time.Now()
	if err := client.SendDocument(ctx, phone, caption, filepath.Base(artifactPath), data); err != nil {
		return fmt.Errorf("failed to send document to %s: %w", phone, err)
	}

	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("phone", phone).
		Int("bytes", len(data)).
		Dur("duration", time.Since(startTime)).
		Msg("Document sent")
	return nil
}

func (s *Service) validPhone(phone string) bool {
	return phone != "" && strings.HasPrefix(phone, s.config.PhonePrefix)
}

// IsSessionActive reports whether the tenant session is Ready
func (s *Service) IsSessionActive(tenantID string) bool {
	return s.SessionState(tenantID) == models.AuthReady
}

// SessionState returns the tenant's session state, Uninitialized when unknown
func (s *Service) SessionState(tenantID string) models.AuthState {
	session, ok := s.sessions.get(tenantID)
	if !ok {
		return models.AuthUninitialized
	}
	state, _, _, _ := session.snapshot()
	return state
}

// PairingChallenge returns the pending challenge while the tenant is pairing
func (s *Service) PairingChallenge(tenantID string) (string, bool) {
	session, ok := s.sessions.get(tenantID)
	if !ok {
		return "", false
	}
	state, challenge, _, _ := session.snapshot()
	if state != models.AuthPairing || challenge == "" {
		return "", false
	}
	return challenge, true
}

// Logout unlinks the tenant device and removes its stored session
func (s *Service) Logout(ctx context.Context, tenantID string) error {
	session, ok := s.sessions.get(tenantID)
	if !ok {
		if err := s.storage.DeleteSession(ctx, tenantID); err != nil {
			return fmt.Errorf("failed to delete stored session: %w", err)
		}
		return nil
	}

	if client, _ := session.currentClient(); client != nil {
		if err := client.Logout(ctx); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("Messaging logout failed, dropping session anyway")
		}
	}
	s.reset(session, nil)

	s.logger.Info().Str("tenant_id", tenantID).Msg("Messaging session logged out and destroyed")
	return nil
}

// RestoreAll reconnects every stored session that holds credentials
func (s *Service) RestoreAll(ctx context.Context) error {
	stored, err := s.storage.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stored sessions: %w", err)
	}

	restored := 0
	for _, record := range stored {
		if len(record.CredentialBlob) == 0 {
			continue
		}
		result, err := s.Initialize(ctx, record.TenantID)
		if err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", record.TenantID).Msg("Failed to restore messaging session")
			continue
		}
		if result.PairingRequired() {
			s.logger.Warn().Str("tenant_id", record.TenantID).Msg("Stored messaging session expired, pairing required")
			continue
		}
		restored++
	}

	s.logger.Info().
		Int("stored", len(stored)).
		Int("restored", restored).
		Msg("Messaging sessions restored")
	return nil
}

// Close disconnects every client and keeps stored credentials for the next start
func (s *Service) Close() {
	for _, session := range s.sessions.all() {
		if client, _ := session.currentClient(); client != nil {
			client.Disconnect()
		}
	}
}

// NormalizePhone strips formatting characters from a phone number
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DefaultCaption fills the {name} placeholder of template
func DefaultCaption(template, clientName string) string {
	return strings.ReplaceAll(template, "{name}", strings.TrimSpace(clientName))
}
