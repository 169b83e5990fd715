package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

var testMetrics = metrics.NewMetrics("aggregate_test")

type fixture struct {
	engine  *Engine
	rollups *storage.MemoryRollupStore
	paths   *storage.MemoryPathStore
	events  *storage.MemoryEventStore
}

func newFixture(t *testing.T, lookback time.Duration) *fixture {
	t.Helper()
	ctx := context.Background()

	rollups := storage.NewMemoryRollupStore()
	paths := storage.NewMemoryPathStore()
	events := storage.NewMemoryEventStore()
	campaigns := storage.NewMemoryCampaignRepo()
	modelRepo := storage.NewMemoryModelRepo()

	require.NoError(t, campaigns.Upsert(ctx, &models.Campaign{
		ID: "camp-1", TenantID: "tenant-1", Name: "spring push",
		Spend: 500, Currency: "USD", Status: "active",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))
	require.NoError(t, modelRepo.Create(ctx, &models.AttributionModel{
		ID: "model-1", TenantID: "tenant-1", CampaignID: "camp-1",
		Type: models.ModelLinear, Active: true, Primary: true,
	}))

	engine := NewEngine(rollups, paths, events, campaigns, modelRepo, lookback, testMetrics, zap.NewNop())
	return &fixture{engine: engine, rollups: rollups, paths: paths, events: events}
}

func (f *fixture) seedEvents(t *testing.T, at time.Time) {
	t.Helper()
	ctx := context.Background()

	_, err := f.events.AppendAttributionEvents(ctx, []models.AttributionEvent{
		{
			ID: "tp-1", TenantID: "tenant-1", CampaignID: "camp-1", EpisodeID: "ep-1",
			Method: models.MethodPromoCode, Kind: models.KindTouchpoint,
			OccurredAt: at, IdempotencyKey: "k-tp-1",
		},
		{
			ID: "tp-2", TenantID: "tenant-1", CampaignID: "camp-1", EpisodeID: "ep-1",
			Method: models.MethodUTM, Kind: models.KindTouchpoint,
			OccurredAt: at.Add(10 * time.Minute), IdempotencyKey: "k-tp-2",
		},
		{
			ID: "conv-1", TenantID: "tenant-1", CampaignID: "camp-1",
			Method: models.MethodPixel, Kind: models.KindConversion,
			OccurredAt: at.Add(30 * time.Minute), IdempotencyKey: "k-conv-1", Value: 80,
		},
	})
	require.NoError(t, err)

	_, err = f.events.AppendListenerEvents(ctx, []models.ListenerEvent{
		{
			ID: "l-1", TenantID: "tenant-1", EpisodeID: "ep-1",
			Type: models.ListenerEventPlay, OccurredAt: at.Add(5 * time.Minute),
			IdempotencyKey: "k-l-1",
		},
		{
			ID: "l-2", TenantID: "tenant-1", EpisodeID: "ep-1",
			Type: models.ListenerEventDownload, OccurredAt: at.Add(6 * time.Minute),
			IdempotencyKey: "k-l-2",
		},
		{
			ID: "l-3", TenantID: "tenant-1", EpisodeID: "ep-1",
			Type: models.ListenerEventPause, OccurredAt: at.Add(7 * time.Minute),
			IdempotencyKey: "k-l-3",
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.paths.SavePath(ctx, &models.AttributionPath{
		ID: "path-1", TenantID: "tenant-1", JourneyID: "journey-1",
		ModelID: "model-1", ConversionID: "conv-1", CampaignID: "camp-1",
		Version: 1, ConversionValue: 80, ConversionAt: at.Add(30 * time.Minute),
		Touchpoints: []models.CreditedTouchpoint{
			{EventID: "tp-1", CampaignID: "camp-1", Credit: 0.5, AttributedRevenue: 40},
			{EventID: "tp-2", CampaignID: "camp-1", Credit: 0.5, AttributedRevenue: 40},
		},
		ComputedAt: time.Now(),
	}))
}

func metricValue(rows []models.RollupRow, metric string) float64 {
	var sum float64
	for _, row := range rows {
		if row.Metric == metric {
			sum += row.Value
		}
	}
	return sum
}

func TestRefreshMaterializesBuckets(t *testing.T) {
	f := newFixture(t, 2*time.Hour)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.seedEvents(t, at)

	updated, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, at.Add(time.Hour))
	require.NoError(t, err)
	// 2h lookback at hourly granularity touches three buckets
	assert.Equal(t, 3, updated)

	rows, err := f.rollups.Query(ctx, "tenant-1", "camp-1", models.GranularityHour, at.Add(-time.Hour), at.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 2.0, metricValue(rows, models.MetricTouchpoints))
	assert.Equal(t, 1.0, metricValue(rows, models.MetricConversions))
	// pause events do not count as listens
	assert.Equal(t, 2.0, metricValue(rows, models.MetricListens))
	assert.Equal(t, 80.0, metricValue(rows, models.MetricAttributedRevenue))

	for _, row := range rows {
		if row.Metric == models.MetricAttributedRevenue {
			assert.Equal(t, 80.0, row.Breakdown["touchpoints"])
			assert.Zero(t, row.Breakdown["direct"])
		}
	}
}

func TestRefreshIsIdempotent(t *testing.T) {
	f := newFixture(t, 2*time.Hour)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.seedEvents(t, at)

	first, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, at.Add(time.Hour))
	require.NoError(t, err)
	second, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	rows, err := f.rollups.Query(ctx, "tenant-1", "camp-1", models.GranularityHour, at.Add(-time.Hour), at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2.0, metricValue(rows, models.MetricTouchpoints))
	assert.Equal(t, 80.0, metricValue(rows, models.MetricAttributedRevenue))
}

func TestRefreshSkipsEventsOutsideLookback(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.seedEvents(t, at)

	// refresh a day later: everything is beyond the lookback window
	asOf := at.Add(24 * time.Hour)
	_, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, asOf)
	require.NoError(t, err)

	rows, err := f.rollups.Query(ctx, "tenant-1", "camp-1", models.GranularityHour, at.Add(-time.Hour), at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)

	// an explicit backfill reaches the historical range
	updated, err := f.engine.Backfill(ctx, "tenant-1", "camp-1", models.GranularityHour, at, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, updated)
	rows, err = f.rollups.Query(ctx, "tenant-1", "camp-1", models.GranularityHour, at.Add(-time.Hour), at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2.0, metricValue(rows, models.MetricTouchpoints))
}

func TestRefreshCanceledContextWritesNothing(t *testing.T) {
	f := newFixture(t, 2*time.Hour)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.seedEvents(t, at)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	updated, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, at.Add(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, updated)

	rows, err := f.rollups.Query(context.Background(), "tenant-1", "camp-1", models.GranularityHour, at.Add(-time.Hour), at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// TestRefreshWindowEndIsExclusive pins the shared window convention: a
// conversion at exactly the window end belongs to the next cycle, for
// rollups and the ROI reader alike.
func TestRefreshWindowEndIsExclusive(t *testing.T) {
	f := newFixture(t, 2*time.Hour)
	ctx := context.Background()
	asOf := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, f.paths.SavePath(ctx, &models.AttributionPath{
		ID: "path-edge", TenantID: "tenant-1", JourneyID: "journey-1",
		ModelID: "model-1", ConversionID: "conv-edge", CampaignID: "camp-1",
		Version: 1, ConversionValue: 80, ConversionAt: asOf,
		Touchpoints: []models.CreditedTouchpoint{
			{EventID: "tp-1", CampaignID: "camp-1", Credit: 1, AttributedRevenue: 80},
		},
		ComputedAt: time.Now(),
	}))

	_, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, asOf)
	require.NoError(t, err)
	rows, err := f.rollups.Query(ctx, "tenant-1", "camp-1", models.GranularityHour, asOf.Add(-3*time.Hour), asOf.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, metricValue(rows, models.MetricAttributedRevenue))

	// the next cycle picks it up
	_, err = f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, asOf.Add(time.Hour))
	require.NoError(t, err)
	rows, err = f.rollups.Query(ctx, "tenant-1", "camp-1", models.GranularityHour, asOf.Add(-3*time.Hour), asOf.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 80.0, metricValue(rows, models.MetricAttributedRevenue))
}

func TestReconcileCleanRollupsPass(t *testing.T) {
	f := newFixture(t, 2*time.Hour)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.seedEvents(t, at)

	_, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, at.Add(time.Hour))
	require.NoError(t, err)
	assert.NoError(t, f.engine.Reconcile(ctx, "tenant-1", models.GranularityHour, at, at.Add(time.Hour), 0.01))
}

func TestReconcileFlagsTamperedBucket(t *testing.T) {
	f := newFixture(t, 2*time.Hour)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	f.seedEvents(t, at)

	_, err := f.engine.Refresh(ctx, "tenant-1", models.GranularityHour, at.Add(time.Hour))
	require.NoError(t, err)

	// corrupt the revenue bucket behind the engine's back
	bucket := models.GranularityHour.Truncate(at.Add(30 * time.Minute))
	require.NoError(t, f.rollups.ReplaceBucket(ctx, "tenant-1", "camp-1", models.GranularityHour, bucket, []models.RollupRow{
		{
			TenantID: "tenant-1", CampaignID: "camp-1",
			Granularity: models.GranularityHour, Bucket: bucket,
			Metric: models.MetricAttributedRevenue, Value: 9999,
			UpdatedAt: time.Now(),
		},
	}))

	err = f.engine.Reconcile(ctx, "tenant-1", models.GranularityHour, at, at.Add(time.Hour), 0.01)
	require.ErrorIs(t, err, ErrConsistency)

	rows, err := f.rollups.Query(ctx, "tenant-1", "camp-1", models.GranularityHour, at, at.Add(time.Hour))
	require.NoError(t, err)
	flagged := false
	for _, row := range rows {
		if row.Bucket.Equal(bucket) && row.Unverified {
			flagged = true
		}
	}
	assert.True(t, flagged, "tampered bucket must be marked unverified")
}

func TestMarkDirtyAndDrain(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.engine.MarkDirty("tenant-1")
	f.engine.MarkDirty("tenant-2")
	f.engine.MarkDirty("tenant-1")

	dirty := f.engine.DrainDirty()
	assert.ElementsMatch(t, []string{"tenant-1", "tenant-2"}, dirty)
	assert.Empty(t, f.engine.DrainDirty())

	// known tenants survive the drain for the periodic loops
	assert.ElementsMatch(t, []string{"tenant-1", "tenant-2"}, f.engine.KnownTenants())
}
