package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castsignal/attribution-engine/internal/models"
)

func samplePath(version int64, convAt time.Time) *models.AttributionPath {
	return &models.AttributionPath{
		ID: "path-1", TenantID: "tenant-1", JourneyID: "journey-1",
		ModelID: "model-1", ConversionID: "conv-1", CampaignID: "camp-1",
		Version: version, ConversionValue: 100, ConversionAt: convAt,
		Touchpoints: []models.CreditedTouchpoint{
			{EventID: "tp-1", CampaignID: "camp-1", Credit: 1, AttributedRevenue: 100},
		},
	}
}

func TestSavePathIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPathStore()
	convAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SavePath(ctx, samplePath(1, convAt)))

	// a version is never rewritten, only superseded
	assert.Error(t, store.SavePath(ctx, samplePath(1, convAt)))
	require.NoError(t, store.SavePath(ctx, samplePath(2, convAt)))

	latest, err := store.LatestPath(ctx, "tenant-1", "journey-1", "model-1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)
}

func TestLatestPathNotFound(t *testing.T) {
	store := NewMemoryPathStore()
	_, err := store.LatestPath(context.Background(), "tenant-1", "journey-1", "model-1", "conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListLatestPathsFiltersWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPathStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	inside := samplePath(1, base)
	require.NoError(t, store.SavePath(ctx, inside))

	outside := samplePath(1, base.Add(48*time.Hour))
	outside.ConversionID = "conv-2"
	require.NoError(t, store.SavePath(ctx, outside))

	paths, err := store.ListLatestPaths(ctx, "tenant-1", "camp-1", "model-1", base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, "conv-1", paths[0].ConversionID)
}

func TestListLatestPathsReturnsNewestVersionOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPathStore()
	convAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SavePath(ctx, samplePath(1, convAt)))
	v2 := samplePath(2, convAt)
	v2.Touchpoints[0].AttributedRevenue = 60
	require.NoError(t, store.SavePath(ctx, v2))

	paths, err := store.ListLatestPaths(ctx, "tenant-1", "camp-1", "model-1", convAt.Add(-time.Hour), convAt.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, int64(2), paths[0].Version)
	assert.Equal(t, 60.0, paths[0].Touchpoints[0].AttributedRevenue)
}
