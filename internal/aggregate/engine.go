// Package aggregate maintains the precomputed rollup buckets that serve
// analytics reads. Refreshes are incremental within a lookback window;
// anything older needs an explicit backfill.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

const scanPageSize = 1000

// Engine recomputes rollup buckets from the event streams and materialized
// attribution paths.
type Engine struct {
	rollups   storage.RollupStore
	paths     storage.PathStore
	events    storage.EventStore
	campaigns storage.CampaignRepo
	models    storage.ModelRepo
	metrics   *metrics.Metrics
	logger    *zap.Logger

	lookback time.Duration

	mu    sync.Mutex
	dirty map[string]struct{}
	known map[string]struct{}
}

// NewEngine creates the aggregation engine.
func NewEngine(rollups storage.RollupStore, paths storage.PathStore, events storage.EventStore, campaigns storage.CampaignRepo, modelRepo storage.ModelRepo, lookback time.Duration, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		rollups:   rollups,
		paths:     paths,
		events:    events,
		campaigns: campaigns,
		models:    modelRepo,
		metrics:   m,
		logger:    logger,
		lookback:  lookback,
		dirty:     make(map[string]struct{}),
		known:     make(map[string]struct{}),
	}
}

// MarkDirty flags a tenant for the next refresh cycle. Called from the bus
// when journeys change.
func (e *Engine) MarkDirty(tenantID string) {
	e.mu.Lock()
	e.dirty[tenantID] = struct{}{}
	e.known[tenantID] = struct{}{}
	e.mu.Unlock()
}

// KnownTenants returns every tenant the engine has seen activity for since
// startup. Used by the periodic reconciliation and validation loops.
func (e *Engine) KnownTenants() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.known))
	for t := range e.known {
		out = append(out, t)
	}
	return out
}

// DrainDirty returns and clears the flagged tenants.
func (e *Engine) DrainDirty() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.dirty))
	for t := range e.dirty {
		out = append(out, t)
	}
	e.dirty = make(map[string]struct{})
	return out
}

// Refresh rewrites every bucket the lookback window touches for all of the
// tenant's campaigns and returns the number of buckets rewritten. Running it
// with no new events rewrites identical values, so repeated refreshes are
// harmless.
func (e *Engine) Refresh(ctx context.Context, tenantID string, g models.Granularity, asOf time.Time) (int, error) {
	start := time.Now()
	from := g.Truncate(asOf.Add(-e.lookback))
	to := asOf

	campaigns, err := e.campaigns.List(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	updated := 0
	for _, c := range campaigns {
		n, err := e.refreshRange(ctx, tenantID, c.ID, g, from, to)
		updated += n
		if err != nil {
			return updated, err
		}
	}

	e.metrics.RefreshDuration.WithLabelValues(string(g)).Observe(time.Since(start).Seconds())
	return updated, nil
}

// Backfill rewrites buckets for an explicit historical range, bypassing the
// lookback window. Returns the number of buckets rewritten.
func (e *Engine) Backfill(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time) (int, error) {
	e.logger.Info("backfilling rollups",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", campaignID),
		zap.String("granularity", string(g)),
		zap.Time("from", from),
		zap.Time("to", to),
	)
	return e.refreshRange(ctx, tenantID, campaignID, g, g.Truncate(from), to)
}

type bucketAcc struct {
	touchpoints float64
	conversions float64
	listens     float64
	revenue     float64
	breakdown   map[string]float64
}

// refreshRange recomputes and replaces every bucket in [from, to]. Buckets
// are committed one at a time; cancellation mid-range keeps the buckets
// already written and leaves the rest stale until the next cycle.
func (e *Engine) refreshRange(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time) (int, error) {
	accs := make(map[time.Time]*bucketAcc)
	acc := func(bucket time.Time) *bucketAcc {
		a, ok := accs[bucket]
		if !ok {
			a = &bucketAcc{breakdown: make(map[string]float64)}
			accs[bucket] = a
		}
		return a
	}

	episodes, err := e.accumulateEvents(ctx, tenantID, campaignID, g, from, to, acc)
	if err != nil {
		return 0, err
	}
	if err := e.accumulateListens(ctx, tenantID, episodes, g, from, to, acc); err != nil {
		return 0, err
	}
	if err := e.accumulateRevenue(ctx, tenantID, campaignID, g, from, to, acc); err != nil {
		return 0, err
	}

	now := time.Now()
	updated := 0
	for bucket := g.Truncate(from); !bucket.After(to); bucket = bucket.Add(g.Duration()) {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		rows := rowsFor(tenantID, campaignID, g, bucket, accs[bucket], now)
		if err := e.rollups.ReplaceBucket(ctx, tenantID, campaignID, g, bucket, rows); err != nil {
			return updated, fmt.Errorf("failed to replace bucket %s: %w", bucket.Format(time.RFC3339), err)
		}
		updated++
	}
	e.metrics.BucketsUpdated.WithLabelValues(string(g)).Add(float64(updated))
	return updated, nil
}

// accumulateEvents counts raw touchpoints and conversions per bucket and
// collects the episode IDs the campaign touched.
func (e *Engine) accumulateEvents(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time, acc func(time.Time) *bucketAcc) (map[string]struct{}, error) {
	episodes := make(map[string]struct{})
	var cursor storage.Cursor
	for {
		events, next, err := e.events.ScanAttributionEvents(ctx, tenantID, campaignID, from, to, cursor, scanPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attribution events: %w", err)
		}
		for _, ev := range events {
			a := acc(g.Truncate(ev.OccurredAt))
			if ev.IsConversion() {
				a.conversions++
			} else {
				a.touchpoints++
			}
			if ev.EpisodeID != "" {
				episodes[ev.EpisodeID] = struct{}{}
			}
		}
		if next == "" {
			return episodes, nil
		}
		cursor = next
	}
}

// accumulateListens counts plays and downloads for the campaign's episodes.
func (e *Engine) accumulateListens(ctx context.Context, tenantID string, episodes map[string]struct{}, g models.Granularity, from, to time.Time, acc func(time.Time) *bucketAcc) error {
	for episodeID := range episodes {
		var cursor storage.Cursor
		for {
			events, next, err := e.events.ScanListenerEvents(ctx, tenantID, episodeID, from, to, cursor, scanPageSize)
			if err != nil {
				return fmt.Errorf("failed to scan listener events: %w", err)
			}
			for _, ev := range events {
				switch ev.Type {
				case models.ListenerEventPlay, models.ListenerEventDownload:
					acc(g.Truncate(ev.OccurredAt)).listens++
				}
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return nil
}

// accumulateRevenue sums attributed revenue from the campaign's primary
// model. Campaigns without a primary model report no revenue metric.
func (e *Engine) accumulateRevenue(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time, acc func(time.Time) *bucketAcc) error {
	primary, err := e.models.Primary(ctx, tenantID, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load primary model: %w", err)
	}

	// half-open [from, to), same convention as the event scans and the ROI
	// reader
	paths, err := e.paths.ListLatestPaths(ctx, tenantID, campaignID, primary.ID, from, to)
	if err != nil {
		return fmt.Errorf("failed to list paths: %w", err)
	}
	for _, path := range paths {
		a := acc(g.Truncate(path.ConversionAt))
		for _, tp := range path.Touchpoints {
			if tp.EventID == models.DirectBucketID {
				a.revenue += tp.AttributedRevenue
				a.breakdown["direct"] += tp.AttributedRevenue
				continue
			}
			if tp.CampaignID == campaignID {
				a.revenue += tp.AttributedRevenue
				a.breakdown["touchpoints"] += tp.AttributedRevenue
			}
		}
	}
	return nil
}

func rowsFor(tenantID, campaignID string, g models.Granularity, bucket time.Time, a *bucketAcc, now time.Time) []models.RollupRow {
	if a == nil {
		return nil
	}
	row := func(metric string, value float64, breakdown map[string]float64) models.RollupRow {
		return models.RollupRow{
			TenantID:    tenantID,
			CampaignID:  campaignID,
			Granularity: g,
			Bucket:      bucket,
			Metric:      metric,
			Value:       value,
			Breakdown:   breakdown,
			UpdatedAt:   now,
		}
	}
	var rows []models.RollupRow
	if a.touchpoints > 0 {
		rows = append(rows, row(models.MetricTouchpoints, a.touchpoints, nil))
	}
	if a.conversions > 0 {
		rows = append(rows, row(models.MetricConversions, a.conversions, nil))
	}
	if a.listens > 0 {
		rows = append(rows, row(models.MetricListens, a.listens, nil))
	}
	if a.revenue > 0 {
		rows = append(rows, row(models.MetricAttributedRevenue, a.revenue, a.breakdown))
	}
	return rows
}
