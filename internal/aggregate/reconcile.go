package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

// ErrConsistency reports that a rollup disagrees with the raw paths beyond
// the configured tolerance. The affected buckets are flagged unverified.
var ErrConsistency = errors.New("rollup consistency violation")

// Reconcile recomputes attributed revenue straight from the latest paths and
// compares it against the stored rollups for the window. Buckets whose
// relative difference exceeds tolerance are marked unverified; the caller is
// expected to backfill them.
func (e *Engine) Reconcile(ctx context.Context, tenantID string, g models.Granularity, from, to time.Time, tolerance float64) error {
	campaigns, err := e.campaigns.List(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}

	var violations []string
	for _, c := range campaigns {
		bad, err := e.reconcileCampaign(ctx, tenantID, c.ID, g, from, to, tolerance)
		if err != nil {
			return err
		}
		violations = append(violations, bad...)
	}
	if len(violations) > 0 {
		e.metrics.ConsistencyViolations.WithLabelValues(tenantID).Add(float64(len(violations)))
		return fmt.Errorf("%w: %d buckets flagged", ErrConsistency, len(violations))
	}
	return nil
}

func (e *Engine) reconcileCampaign(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time, tolerance float64) ([]string, error) {
	primary, err := e.models.Primary(ctx, tenantID, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load primary model: %w", err)
	}

	// ground truth straight from the paths
	truth := make(map[time.Time]float64)
	paths, err := e.paths.ListLatestPaths(ctx, tenantID, campaignID, primary.ID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list paths: %w", err)
	}
	for _, path := range paths {
		bucket := g.Truncate(path.ConversionAt)
		for _, tp := range path.Touchpoints {
			if tp.EventID == models.DirectBucketID || tp.CampaignID == campaignID {
				truth[bucket] += tp.AttributedRevenue
			}
		}
	}

	stored := make(map[time.Time]float64)
	rows, err := e.rollups.Query(ctx, tenantID, campaignID, g, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	for _, row := range rows {
		if row.Metric == models.MetricAttributedRevenue {
			stored[row.Bucket] += row.Value
		}
	}

	var violations []string
	for bucket := g.Truncate(from); !bucket.After(to); bucket = bucket.Add(g.Duration()) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		want, got := truth[bucket], stored[bucket]
		if relativeDiff(want, got) <= tolerance {
			continue
		}
		if err := e.rollups.MarkUnverified(ctx, tenantID, campaignID, g, bucket); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to mark bucket unverified: %w", err)
		}
		violations = append(violations, bucket.Format(time.RFC3339))
		e.logger.Warn("rollup disagrees with paths",
			zap.String("tenant_id", tenantID),
			zap.String("campaign_id", campaignID),
			zap.Time("bucket", bucket),
			zap.Float64("expected", want),
			zap.Float64("stored", got),
		)
	}
	return violations, nil
}

func relativeDiff(want, got float64) float64 {
	diff := math.Abs(want - got)
	scale := math.Max(math.Abs(want), 1)
	return diff / scale
}
