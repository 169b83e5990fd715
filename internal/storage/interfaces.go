package storage

import (
	"context"
	"errors"
	"time"

	"github.com/castsignal/attribution-engine/internal/models"
)

// ErrDuplicate reports an idempotency-key collision within the retention
// window. Producers treat it as success.
var ErrDuplicate = errors.New("duplicate idempotency key")

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// AppendStatus is the per-event outcome of a batch append.
type AppendStatus string

const (
	AppendAccepted  AppendStatus = "accepted"
	AppendDuplicate AppendStatus = "duplicate"
)

// AppendOutcome pairs an event with its append status.
type AppendOutcome struct {
	EventID string       `json:"event_id"`
	Status  AppendStatus `json:"status"`
}

// Cursor is an opaque resume token for range scans. Empty means start of
// range.
type Cursor string

// EventStore is append-only, time-partitioned storage for the behavioral and
// attribution event streams. Appends are idempotent on the caller-supplied
// key; scans produce a lazy, restartable, time-ordered sequence.
type EventStore interface {
	AppendListenerEvents(ctx context.Context, events []models.ListenerEvent) ([]AppendOutcome, error)
	AppendAttributionEvents(ctx context.Context, events []models.AttributionEvent) ([]AppendOutcome, error)

	// ScanListenerEvents returns a time-ordered page of events for the
	// tenant and episode (empty episodeID matches all). The returned
	// cursor resumes after the last event; empty when exhausted.
	ScanListenerEvents(ctx context.Context, tenantID, episodeID string, from, to time.Time, cursor Cursor, limit int) ([]models.ListenerEvent, Cursor, error)

	// ScanAttributionEvents is the attribution-stream counterpart keyed
	// by campaign.
	ScanAttributionEvents(ctx context.Context, tenantID, campaignID string, from, to time.Time, cursor Cursor, limit int) ([]models.AttributionEvent, Cursor, error)

	// PurgeBefore deletes events older than the retention horizon,
	// independent of tenant. Returns the number of events removed.
	PurgeBefore(ctx context.Context, horizon time.Time) (int64, error)
}

// JourneyStore owns user journeys, device fingerprints, the session lookup
// table and orphaned touchpoints. The identity resolver is the only writer.
type JourneyStore interface {
	GetJourney(ctx context.Context, tenantID, journeyID string) (*models.UserJourney, error)
	SaveJourney(ctx context.Context, journey *models.UserJourney) error
	ListJourneysWithConversions(ctx context.Context, tenantID, campaignID string, from, to time.Time) ([]*models.UserJourney, error)

	LookupFingerprint(ctx context.Context, tenantID string, hash uint64) (*models.DeviceFingerprint, error)
	UpsertFingerprint(ctx context.Context, fp *models.DeviceFingerprint) error
	ListFingerprints(ctx context.Context, tenantID string) ([]*models.DeviceFingerprint, error)

	LookupSession(ctx context.Context, tenantID, sessionID string) (string, error)
	MapSession(ctx context.Context, tenantID, sessionID, journeyID string) error
	LookupListener(ctx context.Context, tenantID, listenerID string) (string, error)
	MapListener(ctx context.Context, tenantID, listenerID, journeyID string) error

	SaveOrphan(ctx context.Context, orphan *models.OrphanTouchpoint) error
	ListOrphans(ctx context.Context, tenantID string, limit int) ([]*models.OrphanTouchpoint, error)
	DeleteOrphan(ctx context.Context, tenantID, eventID string) error
}

// PathStore persists attribution paths. Paths are write-once per
// (journey, model, conversion, version); new versions supersede, old versions
// are retained for audit.
type PathStore interface {
	SavePath(ctx context.Context, path *models.AttributionPath) error
	LatestPath(ctx context.Context, tenantID, journeyID, modelID, conversionID string) (*models.AttributionPath, error)

	// ListLatestPaths returns the newest version of every path for the
	// campaign whose conversion falls inside [from, to). modelID may be
	// empty to match all models.
	ListLatestPaths(ctx context.Context, tenantID, campaignID, modelID string, from, to time.Time) ([]*models.AttributionPath, error)
}

// RollupStore persists precomputed metric buckets. Buckets are replaced
// whole, never patched, so readers cannot observe a half-updated bucket.
type RollupStore interface {
	// ReplaceBucket atomically swaps all rows for one
	// (tenant, campaign, granularity, bucket) key.
	ReplaceBucket(ctx context.Context, tenantID, campaignID string, g models.Granularity, bucket time.Time, rows []models.RollupRow) error
	Query(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time) ([]models.RollupRow, error)
	MarkUnverified(ctx context.Context, tenantID, campaignID string, g models.Granularity, bucket time.Time) error
}

// ModelRepo persists attribution model configurations.
type ModelRepo interface {
	Create(ctx context.Context, m *models.AttributionModel) error
	Get(ctx context.Context, tenantID, modelID string) (*models.AttributionModel, error)
	List(ctx context.Context, tenantID, campaignID string) ([]*models.AttributionModel, error)
	ListActive(ctx context.Context, tenantID, campaignID string) ([]*models.AttributionModel, error)
	Primary(ctx context.Context, tenantID, campaignID string) (*models.AttributionModel, error)
	SetPrimary(ctx context.Context, tenantID, campaignID, modelID string) error
	SetActive(ctx context.Context, tenantID, modelID string, active bool) error
}

// CampaignRepo persists the campaign records whose spend feeds ROI.
type CampaignRepo interface {
	Get(ctx context.Context, tenantID, campaignID string) (*models.Campaign, error)
	Upsert(ctx context.Context, c *models.Campaign) error
	List(ctx context.Context, tenantID string) ([]*models.Campaign, error)
}

// ValidationStore persists append-only validation runs and the ground-truth
// records they audit against.
type ValidationStore interface {
	Append(ctx context.Context, v *models.Validation) error
	List(ctx context.Context, tenantID, campaignID string, limit int) ([]*models.Validation, error)
	LatestForModel(ctx context.Context, tenantID, modelID string) (*models.Validation, error)

	SaveGroundTruth(ctx context.Context, gt *models.GroundTruth) error
	ListGroundTruth(ctx context.Context, tenantID, campaignID string) ([]*models.GroundTruth, error)
}
