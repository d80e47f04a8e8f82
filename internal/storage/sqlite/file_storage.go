package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
)

// ErrFileNotFound is returned when no uploaded file has the requested name
var ErrFileNotFound = models.ErrFileNotFound

// FileStorage keeps uploaded spreadsheets in SQLite and materializes them
// into the temp directory on demand
type FileStorage struct {
	db      *SQLiteDB
	tempDir string
	logger  arbor.ILogger
}

// NewFileStorage creates a new FileStorage instance
func NewFileStorage(db *SQLiteDB, tempDir string, logger arbor.ILogger) interfaces.FileStorage {
	return &FileStorage{
		db:      db,
		tempDir: tempDir,
		logger:  logger,
	}
}

func (s *FileStorage) SaveFile(ctx context.Context, name string, data []byte) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO uploaded_files (name, data, size, uploaded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data = excluded.data,
			size = excluded.size,
			uploaded_at = excluded.uploaded_at
	`
	if _, err := s.db.DB().ExecContext(ctx, query, name, data, len(data), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to save file %s: %w", name, err)
	}

	s.logger.Debug().Str("file", name).Int("size", len(data)).Msg("Uploaded file stored")
	return nil
}

// GetFilePath writes the stored bytes to {tempDir}/{name} and returns that path
func (s *FileStorage) GetFilePath(ctx context.Context, name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}

	var data []byte
	err = s.db.DB().QueryRowContext(ctx, "SELECT data FROM uploaded_files WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", name, ErrFileNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read file %s: %w", name, err)
	}

	if err := os.MkdirAll(s.tempDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	path := filepath.Join(s.tempDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to materialize file %s: %w", name, err)
	}
	return path, nil
}

func (s *FileStorage) ListFiles(ctx context.Context) ([]models.StoredFile, error) {
	rows, err := s.db.DB().QueryContext(ctx, "SELECT name, size, uploaded_at FROM uploaded_files ORDER BY uploaded_at DESC, name")
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []models.StoredFile
	for rows.Next() {
		var (
			f        models.StoredFile
			uploaded int64
		)
		if err := rows.Scan(&f.Name, &f.Size, &uploaded); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		f.UploadedAt = time.Unix(uploaded, 0)
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *FileStorage) DeleteFile(ctx context.Context, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	if _, err := s.db.DB().ExecContext(ctx, "DELETE FROM uploaded_files WHERE name = ?", name); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", name, err)
	}
	return nil
}

// cleanName strips directory components so a name can never escape tempDir
func cleanName(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == "" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}
