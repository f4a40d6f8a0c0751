package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/conexus/internal/common"
	"github.com/ternarybob/conexus/internal/interfaces"
	"github.com/ternarybob/conexus/internal/models"
)

// fakeArtifactStore serves canned artifacts from memory.
type fakeArtifactStore struct {
	correlations map[string]*models.CorrelationArtifact
	views        map[string]*models.UnifiedViewArtifact
	listErr      error
}

func (f *fakeArtifactStore) SaveCorrelation(_ context.Context, a *models.CorrelationArtifact) error {
	if f.correlations == nil {
		f.correlations = make(map[string]*models.CorrelationArtifact)
	}
	f.correlations[a.ParentLogID] = a
	return nil
}

func (f *fakeArtifactStore) GetCorrelation(_ context.Context, parentLogID string) (*models.CorrelationArtifact, error) {
	return f.correlations[parentLogID], nil
}

func (f *fakeArtifactStore) SaveUnifiedView(_ context.Context, a *models.UnifiedViewArtifact) error {
	if f.views == nil {
		f.views = make(map[string]*models.UnifiedViewArtifact)
	}
	f.views[a.ParentLogID] = a
	return nil
}

func (f *fakeArtifactStore) GetUnifiedView(_ context.Context, parentLogID string) (*models.UnifiedViewArtifact, error) {
	return f.views[parentLogID], nil
}

func (f *fakeArtifactStore) ListCorrelations(_ context.Context, limit int) ([]models.CorrelationArtifact, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.CorrelationArtifact, 0, len(f.correlations))
	for _, a := range f.correlations {
		if len(out) == limit {
			break
		}
		out = append(out, *a)
	}
	return out, nil
}

var _ interfaces.ArtifactStorage = (*fakeArtifactStore)(nil)

func TestListCorrelationsHandler(t *testing.T) {
	store := &fakeArtifactStore{}
	require.NoError(t, store.SaveCorrelation(context.Background(), &models.CorrelationArtifact{ParentLogID: "07L000000000001AAA"}))
	require.NoError(t, store.SaveCorrelation(context.Background(), &models.CorrelationArtifact{ParentLogID: "07L000000000002AAA"}))
	h := NewArtifactHandler(store, common.GetLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/correlations?limit=10", nil)
	rec := httptest.NewRecorder()
	h.ListCorrelationsHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Correlations []models.CorrelationArtifact `json:"correlations"`
		Count        int                          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Correlations, 2)
}

func TestListCorrelationsHandlerStorageError(t *testing.T) {
	store := &fakeArtifactStore{listErr: errors.New("backend down")}
	h := NewArtifactHandler(store, common.GetLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/correlations", nil)
	rec := httptest.NewRecorder()
	h.ListCorrelationsHandler(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetCorrelationHandler(t *testing.T) {
	store := &fakeArtifactStore{}
	require.NoError(t, store.SaveCorrelation(context.Background(), &models.CorrelationArtifact{
		ParentLogID: "07L000000000001AAA",
		CreatedAt:   "2025-03-14T09:30:00Z",
	}))
	h := NewArtifactHandler(store, common.GetLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/correlations/07L000000000001AAA", nil)
	rec := httptest.NewRecorder()
	h.GetCorrelationHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var artifact models.CorrelationArtifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifact))
	assert.Equal(t, "07L000000000001AAA", artifact.ParentLogID)
}

func TestGetCorrelationHandlerMissing(t *testing.T) {
	h := NewArtifactHandler(&fakeArtifactStore{}, common.GetLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/correlations/07L000000000009AAA", nil)
	rec := httptest.NewRecorder()
	h.GetCorrelationHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCorrelationHandlerBadID(t *testing.T) {
	h := NewArtifactHandler(&fakeArtifactStore{}, common.GetLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/correlations/short", nil)
	rec := httptest.NewRecorder()
	h.GetCorrelationHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnifiedViewHandler(t *testing.T) {
	store := &fakeArtifactStore{}
	require.NoError(t, store.SaveUnifiedView(context.Background(), &models.UnifiedViewArtifact{ParentLogID: "07L000000000001AAA"}))
	h := NewArtifactHandler(store, common.GetLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/artifacts/views/07L000000000001AAA", nil)
	rec := httptest.NewRecorder()
	h.GetUnifiedViewHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/artifacts/views/07L000000000002AAA", nil)
	rec = httptest.NewRecorder()
	h.GetUnifiedViewHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
