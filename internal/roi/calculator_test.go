package roi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

func setupROI(t *testing.T, spend float64) (*Calculator, time.Time) {
	t.Helper()
	ctx := context.Background()

	campaigns := storage.NewMemoryCampaignRepo()
	require.NoError(t, campaigns.Upsert(ctx, &models.Campaign{
		ID: "camp-1", TenantID: "tenant-1", Name: "spring push",
		Spend: spend, Currency: "USD", Status: "active",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	modelRepo := storage.NewMemoryModelRepo()
	require.NoError(t, modelRepo.Create(ctx, &models.AttributionModel{
		ID: "model-1", TenantID: "tenant-1", CampaignID: "camp-1",
		Type: models.ModelLinear, Active: true, Primary: true,
	}))

	paths := storage.NewMemoryPathStore()
	convAt := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, paths.SavePath(ctx, &models.AttributionPath{
		ID: "path-1", TenantID: "tenant-1", JourneyID: "journey-1",
		ModelID: "model-1", ConversionID: "conv-1", CampaignID: "camp-1",
		Version: 1, ConversionValue: 100, ConversionAt: convAt,
		Touchpoints: []models.CreditedTouchpoint{
			{EventID: "tp-1", CampaignID: "camp-1", Credit: 0.5, AttributedRevenue: 50},
			{EventID: "tp-2", CampaignID: "camp-1", Credit: 0.5, AttributedRevenue: 50},
		},
		ComputedAt: time.Now(),
	}))

	return NewCalculator(paths, campaigns, modelRepo), convAt
}

func TestComputeROI(t *testing.T) {
	calc, convAt := setupROI(t, 50)

	result, err := calc.Compute(context.Background(), "tenant-1", "camp-1", convAt.Add(-time.Hour), convAt.Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, result.Defined)
	assert.Equal(t, 100.0, result.Revenue)
	assert.Equal(t, 50.0, result.Spend)
	assert.Equal(t, 1, result.Conversions)
	// revenue 100 on spend 50: a 100% return
	assert.InDelta(t, 100.0, result.ROIPercent, 1e-9)
	assert.InDelta(t, 2.0, result.ROAS, 1e-9)
	assert.InDelta(t, 50.0, result.CPA, 1e-9)
}

func TestComputeROIZeroSpendIsUndefined(t *testing.T) {
	calc, convAt := setupROI(t, 0)

	result, err := calc.Compute(context.Background(), "tenant-1", "camp-1", convAt.Add(-time.Hour), convAt.Add(time.Hour))
	require.ErrorIs(t, err, ErrUndefined)
	require.NotNil(t, result)

	// revenue is still reported, the ratio is just not computable
	assert.False(t, result.Defined)
	assert.Equal(t, 100.0, result.Revenue)
	assert.Zero(t, result.ROIPercent)
	assert.Zero(t, result.ROAS)
}

func TestComputeROIWindowExcludesOutsideConversions(t *testing.T) {
	calc, convAt := setupROI(t, 50)

	result, err := calc.Compute(context.Background(), "tenant-1", "camp-1", convAt.Add(time.Hour), convAt.Add(2*time.Hour))
	require.NoError(t, err)

	assert.True(t, result.Defined)
	assert.Zero(t, result.Revenue)
	assert.InDelta(t, -100.0, result.ROIPercent, 1e-9)
	assert.Zero(t, result.ROAS)
}

func TestComputeROIWindowEndExclusive(t *testing.T) {
	calc, convAt := setupROI(t, 50)

	// a conversion at exactly the window end belongs to the next window
	result, err := calc.Compute(context.Background(), "tenant-1", "camp-1", convAt.Add(-time.Hour), convAt)
	require.NoError(t, err)
	assert.Zero(t, result.Revenue)

	result, err = calc.Compute(context.Background(), "tenant-1", "camp-1", convAt, convAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 100.0, result.Revenue)
}

func TestComputeROIMissingPrimaryModel(t *testing.T) {
	ctx := context.Background()
	campaigns := storage.NewMemoryCampaignRepo()
	require.NoError(t, campaigns.Upsert(ctx, &models.Campaign{
		ID: "camp-2", TenantID: "tenant-1", Name: "no models",
		Spend: 10, Currency: "USD", Status: "active",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	calc := NewCalculator(storage.NewMemoryPathStore(), campaigns, storage.NewMemoryModelRepo())

	_, err := calc.Compute(ctx, "tenant-1", "camp-2", time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
