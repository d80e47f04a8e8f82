package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
)

// sessionData is the JSON document kept in messaging_sessions.session_data
type sessionData struct {
	AuthState            models.AuthState `json:"auth_state"`
	CredentialBlob       []byte           `json:"credential_blob,omitempty"`
	LastPairingChallenge string           `json:"last_pairing_challenge,omitempty"`
}

// SessionStorage implements SessionStorage for SQLite
type SessionStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewSessionStorage creates a new SessionStorage instance
func NewSessionStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.SessionStorage {
	return &SessionStorage{
		db:     db,
		logger: logger,
	}
}

// SaveSession upserts the tenant's row
func (s *SessionStorage) SaveSession(ctx context.Context, session *models.MessagingSession) error {
	if session == nil || session.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(sessionData{
		AuthState:            session.AuthState,
		CredentialBlob:       session.CredentialBlob,
		LastPairingChallenge: session.LastPairingChallenge,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	query := `
		INSERT INTO messaging_sessions (tenant_id, session_data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			session_data = excluded.session_data,
			updated_at = excluded.updated_at
	`
	_, err = s.db.DB().ExecContext(ctx, query, session.TenantID, string(data), session.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save session for %s: %w", session.TenantID, err)
	}

	s.logger.Debug().
		Str("tenant_id", session.TenantID).
		Str("auth_state", string(session.AuthState)).
		Msg("Messaging session persisted")
	return nil
}

// GetSession returns models.ErrSessionNotFound when no row exists
func (s *SessionStorage) GetSession(ctx context.Context, tenantID string) (*models.MessagingSession, error) {
	row := s.db.DB().QueryRowContext(ctx,
		"SELECT tenant_id, session_data, updated_at FROM messaging_sessions WHERE tenant_id = ?", tenantID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session for %s: %w", tenantID, err)
	}
	return session, nil
}

func (s *SessionStorage) ListSessions(ctx context.Context) ([]*models.MessagingSession, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		"SELECT tenant_id, session_data, updated_at FROM messaging_sessions ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.MessagingSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SessionStorage) DeleteSession(ctx context.Context, tenantID string) error {
	if _, err := s.db.DB().ExecContext(ctx, "DELETE FROM messaging_sessions WHERE tenant_id = ?", tenantID); err != nil {
		return fmt.Errorf("failed to delete session for %s: %w", tenantID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.MessagingSession, error) {
	var (
		tenantID  string
		raw       string
		updatedAt string
	)
	if err := row.Scan(&tenantID, &raw, &updatedAt); err != nil {
		return nil, err
	}

	var data sessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("invalid session_data for %s: %w", tenantID, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		ts = time.Time{}
	}

	return &models.MessagingSession{
		TenantID:             tenantID,
		AuthState:            data.AuthState,
		CredentialBlob:       data.CredentialBlob,
		LastPairingChallenge: data.LastPairingChallenge,
		UpdatedAt:            ts,
	}, nil
}
