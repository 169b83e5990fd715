// Package roi computes return on investment for campaigns from attributed
// revenue and recorded spend.
package roi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

// ErrUndefined reports that ROI cannot be computed, typically because the
// campaign has no recorded spend. Never reported as zero or infinity.
var ErrUndefined = errors.New("roi undefined")

// Result is one ROI computation. Ratios are only meaningful when Defined is
// true.
type Result struct {
	CampaignID  string    `json:"campaign_id"`
	ModelID     string    `json:"model_id"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Spend       float64   `json:"spend"`
	Revenue     float64   `json:"revenue"`
	Conversions int       `json:"conversions"`
	Defined     bool      `json:"defined"`
	// ROIPercent is (revenue - spend) / spend * 100.
	ROIPercent float64 `json:"roi_percent"`
	// ROAS is revenue / spend.
	ROAS float64 `json:"roas"`
	// CPA is spend / conversions, zero when there are no conversions.
	CPA float64 `json:"cpa"`
}

// Calculator derives ROI from the primary model's attribution paths and the
// campaign's recorded spend.
type Calculator struct {
	paths     storage.PathStore
	campaigns storage.CampaignRepo
	models    storage.ModelRepo
}

// NewCalculator creates an ROI calculator.
func NewCalculator(paths storage.PathStore, campaigns storage.CampaignRepo, modelRepo storage.ModelRepo) *Calculator {
	return &Calculator{paths: paths, campaigns: campaigns, models: modelRepo}
}

// Compute returns ROI for the campaign window using the primary model's
// attributed revenue. Zero spend yields a Result with Defined=false and
// ErrUndefined; the revenue and conversion figures are still populated.
func (c *Calculator) Compute(ctx context.Context, tenantID, campaignID string, from, to time.Time) (*Result, error) {
	campaign, err := c.campaigns.Get(ctx, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	primary, err := c.models.Primary(ctx, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load primary model: %w", err)
	}

	revenue, conversions, err := c.attributedRevenue(ctx, tenantID, campaignID, primary.ID, from, to)
	if err != nil {
		return nil, err
	}

	result := &Result{
		CampaignID:  campaignID,
		ModelID:     primary.ID,
		From:        from,
		To:          to,
		Spend:       campaign.Spend,
		Revenue:     revenue,
		Conversions: conversions,
	}
	if campaign.Spend <= 0 {
		return result, fmt.Errorf("%w: campaign %s has no recorded spend", ErrUndefined, campaignID)
	}
	result.Defined = true
	result.ROIPercent = (revenue - campaign.Spend) / campaign.Spend * 100
	result.ROAS = revenue / campaign.Spend
	if conversions > 0 {
		result.CPA = campaign.Spend / float64(conversions)
	}
	return result, nil
}

// attributedRevenue sums the campaign's share of credit across the latest
// path versions, including the synthetic direct bucket.
func (c *Calculator) attributedRevenue(ctx context.Context, tenantID, campaignID, modelID string, from, to time.Time) (float64, int, error) {
	paths, err := c.paths.ListLatestPaths(ctx, tenantID, campaignID, modelID, from, to)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list paths: %w", err)
	}
	var revenue float64
	for _, path := range paths {
		for _, tp := range path.Touchpoints {
			if tp.EventID == models.DirectBucketID || tp.CampaignID == campaignID {
				revenue += tp.AttributedRevenue
			}
		}
	}
	return revenue, len(paths), nil
}
