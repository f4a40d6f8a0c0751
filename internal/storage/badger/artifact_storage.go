package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// ArtifactStorage persists correlation and unified-view artifacts keyed
// by parent log id. Saving twice for the same parent overwrites: a
// re-run supersedes the previous analysis.
type ArtifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates an ArtifactStorage instance.
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ArtifactStorage {
	return &ArtifactStorage{
		db:     db,
		logger: logger,
	}
}

func correlationKey(parentLogID string) string { return "corr_" + parentLogID }
func unifiedViewKey(parentLogID string) string { return "view_" + parentLogID }

func (s *ArtifactStorage) SaveCorrelation(ctx context.Context, artifact *models.CorrelationArtifact) error {
	if artifact == nil || artifact.ParentLogID == "" {
		return fmt.Errorf("correlation artifact requires a parent log id")
	}
	if err := s.db.Store().Upsert(correlationKey(artifact.ParentLogID), artifact); err != nil {
		return fmt.Errorf("failed to save correlation artifact: %w", err)
	}
	s.logger.Debug().Str("parent_log_id", artifact.ParentLogID).Msg("Correlation artifact saved")
	return nil
}

func (s *ArtifactStorage) GetCorrelation(ctx context.Context, parentLogID string) (*models.CorrelationArtifact, error) {
	var artifact models.CorrelationArtifact
	err := s.db.Store().Get(correlationKey(parentLogID), &artifact)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation artifact: %w", err)
	}
	return &artifact, nil
}

func (s *ArtifactStorage) SaveUnifiedView(ctx context.Context, artifact *models.UnifiedViewArtifact) error {
	if artifact == nil || artifact.ParentLogID == "" {
		return fmt.Errorf("unified view artifact requires a parent log id")
	}
	if err := s.db.Store().Upsert(unifiedViewKey(artifact.ParentLogID), artifact); err != nil {
		return fmt.Errorf("failed to save unified view artifact: %w", err)
	}
	s.logger.Debug().Str("parent_log_id", artifact.ParentLogID).Msg("Unified view artifact saved")
	return nil
}

func (s *ArtifactStorage) GetUnifiedView(ctx context.Context, parentLogID string) (*models.UnifiedViewArtifact, error) {
	var artifact models.UnifiedViewArtifact
	err := s.db.Store().Get(unifiedViewKey(parentLogID), &artifact)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load unified view artifact: %w", err)
	}
	return &artifact, nil
}

// ListCorrelations returns stored correlation artifacts, newest first.
func (s *ArtifactStorage) ListCorrelations(ctx context.Context, limit int) ([]models.CorrelationArtifact, error) {
	var artifacts []models.CorrelationArtifact
	query := badgerhold.Where("ParentLogID").Ne("").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := s.db.Store().Find(&artifacts, query); err != nil {
		return nil, fmt.Errorf("failed to list correlation artifacts: %w", err)
	}
	return artifacts, nil
}
