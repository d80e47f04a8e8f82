package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/models"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(arbor.NewLogger(), &common.SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "dunner.db"),
		BusyTimeoutMS: 5000,
		WALMode:       true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.migrate())

	var count int
	require.NoError(t, db.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestSessionStorage_RoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := NewSessionStorage(newTestDB(t), arbor.NewLogger())

	_, err := storage.GetSession(ctx, "tenant-a")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	updated := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, storage.SaveSession(ctx, &models.MessagingSession{
		TenantID:       "tenant-a",
		AuthState:      models.AuthReady,
		CredentialBlob: []byte(`{"jid":"5493510000000@s.whatsapp.net"}`),
		UpdatedAt:      updated,
	}))

	got, err := storage.GetSession(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, models.AuthReady, got.AuthState)
	assert.JSONEq(t, `{"jid":"5493510000000@s.whatsapp.net"}`, string(got.CredentialBlob))
	assert.True(t, updated.Equal(got.UpdatedAt))

	// Upsert keeps a single row per tenant
	require.NoError(t, storage.SaveSession(ctx, &models.MessagingSession{TenantID: "tenant-a", AuthState: models.AuthDisconnected}))
	require.NoError(t, storage.SaveSession(ctx, &models.MessagingSession{TenantID: "tenant-b", AuthState: models.AuthPairing}))

	sessions, err := storage.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, models.AuthDisconnected, sessions[0].AuthState)

	require.NoError(t, storage.DeleteSession(ctx, "tenant-a"))
	_, err = storage.GetSession(ctx, "tenant-a")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestFileStorage_GetFilePathMaterializes(t *testing.T) {
	ctx := context.Background()
	tempDir := filepath.Join(t.TempDir(), "temp")
	storage := NewFileStorage(newTestDB(t), tempDir, arbor.NewLogger())

	require.NoError(t, storage.SaveFile(ctx, "../../clients.xlsx", []byte("sheet-bytes")))

	path, err := storage.GetFilePath(ctx, "clients.xlsx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, "clients.xlsx"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "sheet-bytes", string(data))

	files, err := storage.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(len("sheet-bytes")), files[0].Size)

	_, err = storage.GetFilePath(ctx, "missing.xlsx")
	assert.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, storage.DeleteFile(ctx, "clients.xlsx"))
	_, err = storage.GetFilePath(ctx, "clients.xlsx")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestCleanName(t *testing.T) {
	name, err := cleanName("a/b/report.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "report.xlsx", name)

	_, err = cleanName("")
	assert.Error(t, err)
}
