package storage

import (
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/dunner/internal/common"
	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/storage/badger"
	"github.com/ternarybob/dunner/internal/storage/sqlite"
)

// Manager implements StorageManager over Badger (queues, batch history)
// and SQLite (messaging sessions, uploaded files)
type Manager struct {
	badgerDB *badger.BadgerDB
	sqliteDB *sqlite.SQLiteDB
	batch    interfaces.BatchStorage
	session  interfaces.SessionStorage
	file     interfaces.FileStorage
	logger   arbor.ILogger
}

// NewStorageManager opens both databases
func NewStorageManager(logger arbor.ILogger, config *common.Config) (*Manager, error) {
	badgerDB, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
	if err != nil {
		return nil, err
	}

	sqliteDB, err := sqlite.NewSQLiteDB(logger, &config.Storage.SQLite)
	if err != nil {
		badgerDB.Close()
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	manager := &Manager{
		badgerDB: badgerDB,
		sqliteDB: sqliteDB,
		batch:    badger.NewBatchStorage(badgerDB, logger),
		session:  sqlite.NewSessionStorage(sqliteDB, logger),
		file:     sqlite.NewFileStorage(sqliteDB, config.Storage.Filesystem.Temp, logger),
		logger:   logger,
	}

	logger.Info().Msg("Storage manager initialized")

	return manager, nil
}

func (m *Manager) BatchStorage() interfaces.BatchStorage {
	return m.batch
}

func (m *Manager) SessionStorage() interfaces.SessionStorage {
	return m.session
}

func (m *Manager) FileStorage() interfaces.FileStorage {
	return m.file
}

// Badger exposes the Badger connection for the queue manager
func (m *Manager) Badger() *badger.BadgerDB {
	return m.badgerDB
}

// SQLite exposes the SQLite connection for the messaging device store
func (m *Manager) SQLite() *sqlite.SQLiteDB {
	return m.sqliteDB
}

// Close closes both databases
func (m *Manager) Close() error {
	return errors.Join(m.sqliteDB.Close(), m.badgerDB.Close())
}
