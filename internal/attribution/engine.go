// Package attribution turns journeys into credited attribution paths by
// applying configured models to each conversion.
package attribution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

// Engine computes and persists attribution paths.
type Engine struct {
	paths    storage.PathStore
	journeys storage.JourneyStore
	models   storage.ModelRepo
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEngine creates the attribution engine.
func NewEngine(paths storage.PathStore, journeys storage.JourneyStore, modelRepo storage.ModelRepo, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		paths:    paths,
		journeys: journeys,
		models:   modelRepo,
		metrics:  m,
		logger:   logger,
	}
}

// Credit distributes the conversion value over the touchpoints that precede
// the conversion. Credits always sum to 1.0; a conversion with no preceding
// touchpoints yields the single synthetic direct bucket.
func Credit(model *models.AttributionModel, touchpoints []models.Touchpoint, conv models.Conversion) []models.CreditedTouchpoint {
	if len(touchpoints) == 0 {
		return []models.CreditedTouchpoint{{
			EventID:           models.DirectBucketID,
			OccurredAt:        conv.OccurredAt,
			Credit:            1.0,
			AttributedRevenue: conv.Value,
		}}
	}

	weights := make([]float64, len(touchpoints))
	switch model.Type {
	case models.ModelFirstTouch:
		weights[0] = 1.0
	case models.ModelLastTouch:
		weights[len(weights)-1] = 1.0
	case models.ModelLinear:
		for i := range weights {
			weights[i] = 1.0
		}
	case models.ModelTimeDecay:
		halfLife := model.Params.HalfLife
		if halfLife <= 0 {
			halfLife = models.DefaultParams(models.ModelTimeDecay).HalfLife
		}
		for i, tp := range touchpoints {
			age := conv.OccurredAt.Sub(tp.OccurredAt)
			if age < 0 {
				age = 0
			}
			weights[i] = math.Exp2(-age.Seconds() / halfLife.Seconds())
		}
	case models.ModelPositionBased:
		weights = positionWeights(len(touchpoints), model.Params)
	default:
		// unknown types are rejected at model creation; fall back to even
		// credit rather than dropping the conversion
		for i := range weights {
			weights[i] = 1.0
		}
	}

	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		for i := range weights {
			weights[i] = 1.0
		}
		total = float64(len(weights))
	}

	credited := make([]models.CreditedTouchpoint, len(touchpoints))
	for i, tp := range touchpoints {
		credit := weights[i] / total
		credited[i] = models.CreditedTouchpoint{
			EventID:           tp.EventID,
			CampaignID:        tp.CampaignID,
			OccurredAt:        tp.OccurredAt,
			Credit:            credit,
			AttributedRevenue: credit * conv.Value,
		}
	}
	return credited
}

// positionWeights spreads the endpoint shares over the first and last
// touchpoints and splits the remainder across the interior. Degenerate path
// lengths collapse to full or split credit.
func positionWeights(n int, params models.ModelParams) []float64 {
	first, last := params.FirstWeight, params.LastWeight
	if first <= 0 && last <= 0 {
		def := models.DefaultParams(models.ModelPositionBased)
		first, last = def.FirstWeight, def.LastWeight
	}

	weights := make([]float64, n)
	switch n {
	case 1:
		weights[0] = 1.0
	case 2:
		// renormalize the endpoint shares, no interior exists
		weights[0] = first / (first + last)
		weights[1] = last / (first + last)
	default:
		weights[0] = first
		weights[n-1] = last
		middle := (1 - first - last) / float64(n-2)
		for i := 1; i < n-1; i++ {
			weights[i] = middle
		}
	}
	return weights
}

// ComputePath applies one model to one conversion of the journey and
// persists the result as the next path version. Returns the stored path.
func (e *Engine) ComputePath(ctx context.Context, journey *models.UserJourney, model *models.AttributionModel, conv models.Conversion) (*models.AttributionPath, error) {
	start := time.Now()

	credited := Credit(model, journey.TouchpointsBefore(conv.OccurredAt), conv)

	version := int64(1)
	prev, err := e.paths.LatestPath(ctx, journey.TenantID, journey.ID, model.ID, conv.EventID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load latest path: %w", err)
	}
	if prev != nil {
		version = prev.Version + 1
	}

	path := &models.AttributionPath{
		ID:              uuid.New().String(),
		TenantID:        journey.TenantID,
		JourneyID:       journey.ID,
		JourneyVersion:  journey.Version,
		ModelID:         model.ID,
		ConversionID:    conv.EventID,
		CampaignID:      conv.CampaignID,
		Version:         version,
		ConversionValue: conv.Value,
		ConversionAt:    conv.OccurredAt,
		Touchpoints:     credited,
		ComputedAt:      time.Now(),
	}
	if err := e.paths.SavePath(ctx, path); err != nil {
		return nil, fmt.Errorf("failed to save path: %w", err)
	}

	e.metrics.PathsComputed.WithLabelValues(string(model.Type)).Inc()
	e.metrics.ComputeLatency.Observe(time.Since(start).Seconds())
	return path, nil
}

// ComputeJourney recomputes paths for every conversion on the journey under
// every active model of the conversion's campaign.
func (e *Engine) ComputeJourney(ctx context.Context, journey *models.UserJourney) error {
	for _, conv := range journey.Conversions {
		active, err := e.models.ListActive(ctx, journey.TenantID, conv.CampaignID)
		if err != nil {
			return fmt.Errorf("failed to list models: %w", err)
		}
		for _, model := range active {
			if _, err := e.ComputePath(ctx, journey, model, conv); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recompute reprocesses all converting journeys for a campaign window, for
// example after a model change. Journeys are fanned out to a bounded worker
// pool; the first failure cancels the rest.
func (e *Engine) Recompute(ctx context.Context, tenantID, campaignID string, from, to time.Time, workers int) error {
	if workers <= 0 {
		workers = 4
	}
	journeys, err := e.journeys.ListJourneysWithConversions(ctx, tenantID, campaignID, from, to)
	if err != nil {
		return fmt.Errorf("failed to list journeys: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan *models.UserJourney)
	errCh := make(chan error, workers)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for journey := range jobs {
				if err := e.ComputeJourney(ctx, journey); err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

	for _, journey := range journeys {
		select {
		case jobs <- journey:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	// workers report their own failures above; a remaining cancellation
	// came from the caller
	if err := ctx.Err(); err != nil {
		return err
	}

	e.logger.Info("recomputed attribution paths",
		zap.String("tenant_id", tenantID),
		zap.String("campaign_id", campaignID),
		zap.Int("journeys", len(journeys)),
	)
	return nil
}
