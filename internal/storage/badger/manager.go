package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger.
type Manager struct {
	db        *BadgerDB
	artifacts interfaces.ArtifactStorage
	logCache  interfaces.LogCache
	logger    arbor.ILogger
}

// NewManager opens the database and wires the typed stores over it.
func NewManager(logger arbor.ILogger, config *common.StorageConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, &config.Badger)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:        db,
		artifacts: NewArtifactStorage(db, logger),
		logCache:  NewLogCache(db, config.CacheTTL, logger),
		logger:    logger,
	}

	logger.Info().Str("path", config.Badger.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

// Artifacts returns the artifact storage interface.
func (m *Manager) Artifacts() interfaces.ArtifactStorage {
	return m.artifacts
}

// LogCache returns the log body cache interface.
func (m *Manager) LogCache() interfaces.LogCache {
	return m.logCache
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
