package models

import (
	"fmt"
	"time"
)

// ===========================================
// ATTRIBUTION MODEL CONFIGURATION
// ===========================================

// ModelType is the closed set of supported attribution models. The engine
// dispatches on these exhaustively; configuration never carries open-ended
// behavior.
type ModelType string

const (
	ModelFirstTouch    ModelType = "first_touch"
	ModelLastTouch     ModelType = "last_touch"
	ModelLinear        ModelType = "linear"
	ModelTimeDecay     ModelType = "time_decay"
	ModelPositionBased ModelType = "position_based"
)

// ModelParams holds the typed parameter set for the model variants that
// take parameters. Fields irrelevant to a variant are ignored.
type ModelParams struct {
	// HalfLife controls time-decay credit: 2^(-age/half_life).
	HalfLife time.Duration `json:"half_life,omitempty"`
	// FirstWeight and LastWeight are the endpoint shares for
	// position-based attribution. The remainder is split across interior
	// touchpoints.
	FirstWeight float64 `json:"first_weight,omitempty"`
	LastWeight  float64 `json:"last_weight,omitempty"`
}

// AttributionModel is a tenant/campaign-scoped model configuration.
// Immutable after creation except for the Active and Primary flags; a
// campaign may carry several models at once but at most one primary.
type AttributionModel struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	CampaignID string      `json:"campaign_id"`
	Type       ModelType   `json:"type"`
	Params     ModelParams `json:"params"`
	Active     bool        `json:"active"`
	Primary    bool        `json:"primary"`
	CreatedAt  time.Time   `json:"created_at"`
}

// DefaultParams fills in documented defaults for parameterized variants.
func DefaultParams(t ModelType) ModelParams {
	switch t {
	case ModelTimeDecay:
		return ModelParams{HalfLife: 7 * 24 * time.Hour}
	case ModelPositionBased:
		return ModelParams{FirstWeight: 0.4, LastWeight: 0.4}
	default:
		return ModelParams{}
	}
}

// Validate checks the configuration against the closed variant set.
func (m *AttributionModel) Validate() error {
	if m.TenantID == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrValidation)
	}
	if m.CampaignID == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrValidation)
	}
	switch m.Type {
	case ModelFirstTouch, ModelLastTouch, ModelLinear:
	case ModelTimeDecay:
		if m.Params.HalfLife <= 0 {
			return fmt.Errorf("%w: time_decay requires a positive half_life", ErrValidation)
		}
	case ModelPositionBased:
		if m.Params.FirstWeight <= 0 || m.Params.LastWeight <= 0 {
			return fmt.Errorf("%w: position_based requires positive endpoint weights", ErrValidation)
		}
		if m.Params.FirstWeight+m.Params.LastWeight > 1 {
			return fmt.Errorf("%w: position_based endpoint weights exceed 1.0", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown model type %q", ErrValidation, m.Type)
	}
	return nil
}

// ===========================================
// ATTRIBUTION PATH (materialized model output)
// ===========================================

// DirectBucketID is the synthetic touchpoint credited when a conversion has
// no preceding touchpoints.
const DirectBucketID = "direct"

// CreditedTouchpoint is one touchpoint with its assigned credit fraction and
// the revenue that fraction yields.
type CreditedTouchpoint struct {
	EventID           string    `json:"event_id"`
	CampaignID        string    `json:"campaign_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
	Credit            float64   `json:"credit"`
	AttributedRevenue float64   `json:"attributed_revenue"`
}

// AttributionPath is the materialized output of applying one model to one
// journey conversion. Write-once per (journey, model, conversion, version);
// recomputation produces a new version and old versions are retained for
// audit.
type AttributionPath struct {
	ID              string               `json:"id"`
	TenantID        string               `json:"tenant_id"`
	JourneyID       string               `json:"journey_id"`
	JourneyVersion  int64                `json:"journey_version"`
	ModelID         string               `json:"model_id"`
	ConversionID    string               `json:"conversion_id"`
	CampaignID      string               `json:"campaign_id"`
	Version         int64                `json:"version"`
	ConversionValue float64              `json:"conversion_value"`
	ConversionAt    time.Time            `json:"conversion_at"`
	Touchpoints     []CreditedTouchpoint `json:"touchpoints"`
	ComputedAt      time.Time            `json:"computed_at"`
}

// Direct reports whether the path fell into the synthetic direct bucket.
func (p *AttributionPath) Direct() bool {
	return len(p.Touchpoints) == 1 && p.Touchpoints[0].EventID == DirectBucketID
}

// ===========================================
// ROLLUPS AND VALIDATIONS
// ===========================================

// Granularity is the bucket width of a rollup row.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Truncate floors t to the bucket boundary for the granularity.
func (g Granularity) Truncate(t time.Time) time.Time {
	switch g {
	case GranularityHour:
		return t.UTC().Truncate(time.Hour)
	default:
		return t.UTC().Truncate(24 * time.Hour)
	}
}

// Duration returns the bucket width.
func (g Granularity) Duration() time.Duration {
	if g == GranularityHour {
		return time.Hour
	}
	return 24 * time.Hour
}

// Rollup metric names.
const (
	MetricAttributedRevenue = "attributed_revenue"
	MetricConversions       = "conversions"
	MetricTouchpoints       = "touchpoints"
	MetricListens           = "listens"
)

// RollupRow is one precomputed metric bucket. Replaced whole on refresh,
// never patched in place.
type RollupRow struct {
	TenantID    string             `json:"tenant_id"`
	CampaignID  string             `json:"campaign_id"`
	Granularity Granularity        `json:"granularity"`
	Bucket      time.Time          `json:"bucket"`
	Metric      string             `json:"metric"`
	Value       float64            `json:"value"`
	Breakdown   map[string]float64 `json:"breakdown,omitempty"`
	Unverified  bool               `json:"unverified,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Validation is one append-only record comparing model-predicted attribution
// against a ground-truth value.
type Validation struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	CampaignID     string    `json:"campaign_id"`
	ModelID        string    `json:"model_id"`
	Type           string    `json:"type"`
	Predicted      float64   `json:"predicted"`
	GroundTruth    float64   `json:"ground_truth"`
	Accuracy       float64   `json:"accuracy"`
	SampleSize     int       `json:"sample_size"`
	ConfidenceLow  float64   `json:"confidence_low"`
	ConfidenceHigh float64   `json:"confidence_high"`
	RanAt          time.Time `json:"ran_at"`
}

// GroundTruth is an independently verified conversion total for a campaign
// window, supplied by controlled test imports.
type GroundTruth struct {
	TenantID   string    `json:"tenant_id"`
	CampaignID string    `json:"campaign_id"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Revenue    float64   `json:"revenue"`
	Samples    int       `json:"samples"`
}
