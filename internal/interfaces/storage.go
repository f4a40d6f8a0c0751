package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/conexus/internal/models"
)

// ArtifactStorage persists correlation and unified-view artifacts.
type ArtifactStorage interface {
	SaveCorrelation(ctx context.Context, artifact *models.CorrelationArtifact) error
	GetCorrelation(ctx context.Context, parentLogID string) (*models.CorrelationArtifact, error)
	SaveUnifiedView(ctx context.Context, artifact *models.UnifiedViewArtifact) error
	GetUnifiedView(ctx context.Context, parentLogID string) (*models.UnifiedViewArtifact, error)
	ListCorrelations(ctx context.Context, limit int) ([]models.CorrelationArtifact, error)
}

// LogCache is the opt-in store for fetched log bodies. Disabled by
// default: bodies never outlive the analysis that fetched them unless
// the caller turned this on.
type LogCache interface {
	Put(ctx context.Context, logID, body string, ttl time.Duration) error
	Get(ctx context.Context, logID string) (string, bool)
	Delete(ctx context.Context, logID string) error
}

// StorageManager owns the database connection and hands out the typed
// stores backed by it.
type StorageManager interface {
	Artifacts() ArtifactStorage
	LogCache() LogCache
	Close() error
}
