// Package validator audits attribution output against independently
// verified ground truth and records accuracy over time.
package validator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

// ValidationHoldout labels validation runs against imported ground truth.
const ValidationHoldout = "holdout"

// Validator compares model-predicted revenue to ground-truth records.
type Validator struct {
	validations storage.ValidationStore
	paths       storage.PathStore
	models      storage.ModelRepo
	campaigns   storage.CampaignRepo
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewValidator creates a validator.
func NewValidator(validations storage.ValidationStore, paths storage.PathStore, modelRepo storage.ModelRepo, campaigns storage.CampaignRepo, m *metrics.Metrics, logger *zap.Logger) *Validator {
	return &Validator{
		validations: validations,
		paths:       paths,
		models:      modelRepo,
		campaigns:   campaigns,
		metrics:     m,
		logger:      logger,
	}
}

// Accuracy scores how close a prediction came to the actual value:
// 1 - |predicted-actual| / actual, clamped to [0, 1]. An actual of zero
// scores 1 only for an exact zero prediction.
func Accuracy(predicted, actual float64) float64 {
	if actual == 0 {
		if predicted == 0 {
			return 1
		}
		return 0
	}
	acc := 1 - math.Abs(predicted-actual)/math.Abs(actual)
	return math.Max(0, math.Min(1, acc))
}

// ConfidenceInterval returns the 95% interval around the accuracy estimate
// using a normal approximation over the sample size. Small samples widen the
// interval; a sample of zero spans the whole range.
func ConfidenceInterval(accuracy float64, sampleSize int) (low, high float64) {
	if sampleSize <= 0 {
		return 0, 1
	}
	// z = 1.96 for 95%
	margin := 1.96 * math.Sqrt(accuracy*(1-accuracy)/float64(sampleSize))
	return math.Max(0, accuracy-margin), math.Min(1, accuracy+margin)
}

// RunCampaign validates every active model of the campaign against each
// ground-truth window on record. Each comparison appends one validation row.
func (v *Validator) RunCampaign(ctx context.Context, tenantID, campaignID string) (int, error) {
	truths, err := v.validations.ListGroundTruth(ctx, tenantID, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to list ground truth: %w", err)
	}
	if len(truths) == 0 {
		return 0, nil
	}
	active, err := v.models.ListActive(ctx, tenantID, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to list models: %w", err)
	}

	runs := 0
	for _, model := range active {
		for _, gt := range truths {
			if err := v.runOne(ctx, model, gt); err != nil {
				return runs, err
			}
			runs++
		}
	}
	return runs, nil
}

func (v *Validator) runOne(ctx context.Context, model *models.AttributionModel, gt *models.GroundTruth) error {
	predicted, err := v.predictedRevenue(ctx, model, gt)
	if err != nil {
		return err
	}

	accuracy := Accuracy(predicted, gt.Revenue)
	low, high := ConfidenceInterval(accuracy, gt.Samples)

	record := &models.Validation{
		ID:             uuid.New().String(),
		TenantID:       model.TenantID,
		CampaignID:     model.CampaignID,
		ModelID:        model.ID,
		Type:           ValidationHoldout,
		Predicted:      predicted,
		GroundTruth:    gt.Revenue,
		Accuracy:       accuracy,
		SampleSize:     gt.Samples,
		ConfidenceLow:  low,
		ConfidenceHigh: high,
		RanAt:          time.Now(),
	}
	if err := v.validations.Append(ctx, record); err != nil {
		return fmt.Errorf("failed to append validation: %w", err)
	}

	v.metrics.ValidationRuns.WithLabelValues(string(model.Type), "ok").Inc()
	v.metrics.ValidationAccuracy.WithLabelValues(model.CampaignID, string(model.Type)).Set(accuracy)
	v.logger.Info("validation run",
		zap.String("campaign_id", model.CampaignID),
		zap.String("model_id", model.ID),
		zap.Float64("predicted", predicted),
		zap.Float64("ground_truth", gt.Revenue),
		zap.Float64("accuracy", accuracy),
	)
	return nil
}

func (v *Validator) predictedRevenue(ctx context.Context, model *models.AttributionModel, gt *models.GroundTruth) (float64, error) {
	paths, err := v.paths.ListLatestPaths(ctx, model.TenantID, model.CampaignID, model.ID, gt.From, gt.To)
	if err != nil {
		return 0, fmt.Errorf("failed to list paths: %w", err)
	}
	var revenue float64
	for _, path := range paths {
		for _, tp := range path.Touchpoints {
			if tp.EventID == models.DirectBucketID || tp.CampaignID == model.CampaignID {
				revenue += tp.AttributedRevenue
			}
		}
	}
	return revenue, nil
}

// RunAll validates every campaign of the tenant.
func (v *Validator) RunAll(ctx context.Context, tenantID string) (int, error) {
	campaigns, err := v.campaigns.List(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list campaigns: %w", err)
	}
	total := 0
	for _, c := range campaigns {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		runs, err := v.RunCampaign(ctx, tenantID, c.ID)
		total += runs
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
