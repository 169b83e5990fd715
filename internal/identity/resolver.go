// Package identity folds attribution events into unified user journeys.
// Exact identifiers always win; device fingerprints only merge above a
// confidence threshold, so mistakes skew toward split journeys rather than
// wrongly merged ones.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/bus"
	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

// ErrAmbiguousMatch reports a touchpoint whose best identity candidate fell
// below the confidence threshold. The touchpoint is parked as an orphan, not
// dropped.
var ErrAmbiguousMatch = errors.New("ambiguous identity match")

// JourneyUpdate is published on the bus whenever a journey changes.
type JourneyUpdate struct {
	TenantID  string `json:"tenant_id"`
	JourneyID string `json:"journey_id"`
	Version   int64  `json:"version"`
}

// Resolver is the single writer of journeys, fingerprints and orphans.
type Resolver struct {
	store         storage.JourneyStore
	fingerprinter *Fingerprinter
	threshold     float64
	bus           bus.Client
	metrics       *metrics.Metrics
	logger        *zap.Logger

	locks []chMutex
}

type chMutex struct{ ch chan struct{} }

// NewResolver creates an identity resolver with the given number of lock
// stripes.
func NewResolver(store storage.JourneyStore, fp *Fingerprinter, threshold float64, stripes int, b bus.Client, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if stripes <= 0 {
		stripes = 1
	}
	locks := make([]chMutex, stripes)
	for i := range locks {
		locks[i] = chMutex{ch: make(chan struct{}, 1)}
	}
	return &Resolver{
		store:         store,
		fingerprinter: fp,
		threshold:     threshold,
		bus:           b,
		metrics:       m,
		logger:        logger,
		locks:         locks,
	}
}

// Resolve folds one attribution event into a journey. Touchpoints that
// cannot be tied to an identity with sufficient confidence return
// ErrAmbiguousMatch after being recorded as orphans. Conversions always land
// on a journey; one is created when nothing matches.
func (r *Resolver) Resolve(ctx context.Context, event *models.AttributionEvent) (*models.UserJourney, error) {
	start := time.Now()
	defer func() {
		r.metrics.ResolveLatency.Observe(time.Since(start).Seconds())
	}()

	hash := r.fingerprinter.Fingerprint(event.Device)

	unlock, err := r.lock(ctx, event.TenantID, identityKeys(event, hash)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	journey, confidence, ambiguous, err := r.findJourney(ctx, event, hash)
	if err != nil {
		return nil, err
	}

	if journey == nil {
		// A known fingerprint below the merge threshold is ambiguous: the
		// touchpoint may belong to that journey, so park it rather than
		// splitting the identity. First sightings start a fresh journey.
		if ambiguous && !event.IsConversion() && !hasExactID(event) {
			return nil, r.orphan(ctx, event, confidence, "fingerprint match below confidence threshold")
		}
		journey = &models.UserJourney{
			ID:       uuid.New().String(),
			TenantID: event.TenantID,
		}
		r.metrics.JourneysCreated.Inc()
	}

	if event.IsConversion() {
		journey.AddConversion(models.Conversion{
			EventID:    event.ID,
			CampaignID: event.CampaignID,
			Value:      event.Value,
			Currency:   event.Currency,
			OccurredAt: event.OccurredAt,
		})
	} else {
		journey.InsertTouchpoint(models.Touchpoint{
			EventID:    event.ID,
			CampaignID: event.CampaignID,
			EpisodeID:  event.EpisodeID,
			Method:     event.Method,
			DeviceHash: hash,
			SessionID:  event.SessionID,
			OccurredAt: event.OccurredAt,
		})
	}
	journey.Version++

	if err := r.store.SaveJourney(ctx, journey); err != nil {
		return nil, fmt.Errorf("failed to save journey: %w", err)
	}
	if err := r.mapIdentifiers(ctx, event, hash, journey.ID); err != nil {
		return nil, err
	}

	if err := bus.PublishJSON(ctx, r.bus, bus.SubjectJourneyUpdated, JourneyUpdate{
		TenantID:  journey.TenantID,
		JourneyID: journey.ID,
		Version:   journey.Version,
	}); err != nil {
		r.logger.Warn("failed to publish journey update",
			zap.String("journey_id", journey.ID),
			zap.Error(err),
		)
	}
	return journey, nil
}

// findJourney locates the journey for the event. Exact listener and session
// identifiers resolve with full confidence; a fingerprint match resolves
// with the score of its signals and is ambiguous below the threshold. When
// an exact identifier and a confident fingerprint point at different
// journeys, the fingerprint journey is merged into the exact one.
func (r *Resolver) findJourney(ctx context.Context, event *models.AttributionEvent, hash uint64) (journey *models.UserJourney, confidence float64, ambiguous bool, err error) {
	var exactID string
	if event.ListenerID != "" {
		id, err := r.store.LookupListener(ctx, event.TenantID, event.ListenerID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, 0, false, fmt.Errorf("failed to look up listener: %w", err)
		}
		exactID = id
	}
	if exactID == "" && event.SessionID != "" {
		id, err := r.store.LookupSession(ctx, event.TenantID, event.SessionID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, 0, false, fmt.Errorf("failed to look up session: %w", err)
		}
		exactID = id
	}

	var fpJourneyID string
	if hash != 0 {
		fp, err := r.store.LookupFingerprint(ctx, event.TenantID, hash)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, 0, false, fmt.Errorf("failed to look up fingerprint: %w", err)
		}
		if fp != nil {
			confidence = r.fingerprinter.Confidence(event.Device)
			if confidence >= r.threshold {
				fpJourneyID = fp.JourneyID
			} else {
				ambiguous = true
			}
		}
	}

	switch {
	case exactID != "" && fpJourneyID != "" && exactID != fpJourneyID:
		merged, err := r.merge(ctx, event.TenantID, exactID, fpJourneyID)
		return merged, 1.0, false, err
	case exactID != "":
		j, err := r.getJourney(ctx, event.TenantID, exactID)
		return j, 1.0, false, err
	case fpJourneyID != "":
		j, err := r.getJourney(ctx, event.TenantID, fpJourneyID)
		return j, confidence, false, err
	default:
		return nil, confidence, ambiguous, nil
	}
}

func (r *Resolver) getJourney(ctx context.Context, tenantID, journeyID string) (*models.UserJourney, error) {
	j, err := r.store.GetJourney(ctx, tenantID, journeyID)
	if errors.Is(err, storage.ErrNotFound) {
		// stale identity mapping, treat as unresolved
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load journey: %w", err)
	}
	return j, nil
}

// merge folds the source journey into the destination and re-points the
// source's fingerprints. The destination keeps its identifier so exact-id
// mappings stay valid.
func (r *Resolver) merge(ctx context.Context, tenantID, dstID, srcID string) (*models.UserJourney, error) {
	dst, err := r.getJourney(ctx, tenantID, dstID)
	if err != nil {
		return nil, err
	}
	src, err := r.getJourney(ctx, tenantID, srcID)
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return src, nil
	}
	if src == nil || src.ID == dst.ID {
		return dst, nil
	}

	for _, tp := range src.Touchpoints {
		dst.InsertTouchpoint(tp)
	}
	for _, c := range src.Conversions {
		dst.AddConversion(c)
	}

	fps, err := r.store.ListFingerprints(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	for _, fp := range fps {
		if fp.JourneyID != src.ID {
			continue
		}
		fp.JourneyID = dst.ID
		if err := r.store.UpsertFingerprint(ctx, fp); err != nil {
			return nil, fmt.Errorf("failed to re-point fingerprint: %w", err)
		}
	}

	src.Version++
	src.Touchpoints = nil
	src.Conversions = nil
	if err := r.store.SaveJourney(ctx, src); err != nil {
		return nil, fmt.Errorf("failed to save merged-out journey: %w", err)
	}

	r.metrics.JourneysMerged.Inc()
	r.logger.Info("merged journeys",
		zap.String("tenant_id", tenantID),
		zap.String("into", dst.ID),
		zap.String("from", src.ID),
	)
	return dst, nil
}

func (r *Resolver) mapIdentifiers(ctx context.Context, event *models.AttributionEvent, hash uint64, journeyID string) error {
	if event.ListenerID != "" {
		if err := r.store.MapListener(ctx, event.TenantID, event.ListenerID, journeyID); err != nil {
			return fmt.Errorf("failed to map listener: %w", err)
		}
	}
	if event.SessionID != "" {
		if err := r.store.MapSession(ctx, event.TenantID, event.SessionID, journeyID); err != nil {
			return fmt.Errorf("failed to map session: %w", err)
		}
	}
	if hash != 0 {
		now := time.Now()
		fp, err := r.store.LookupFingerprint(ctx, event.TenantID, hash)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to look up fingerprint: %w", err)
		}
		if fp == nil {
			fp = &models.DeviceFingerprint{
				Hash:      hash,
				TenantID:  event.TenantID,
				JourneyID: journeyID,
				Platform:  normalize(event.Device.Platform),
				OS:        normalize(event.Device.OS),
				GeoCode:   r.fingerprinter.GeoCode(event.Device),
				FirstSeen: now,
			}
		}
		fp.JourneyID = journeyID
		fp.LastSeen = now
		if err := r.store.UpsertFingerprint(ctx, fp); err != nil {
			return fmt.Errorf("failed to upsert fingerprint: %w", err)
		}
	}
	return nil
}

func (r *Resolver) orphan(ctx context.Context, event *models.AttributionEvent, confidence float64, reason string) error {
	err := r.store.SaveOrphan(ctx, &models.OrphanTouchpoint{
		EventID:    event.ID,
		TenantID:   event.TenantID,
		Reason:     reason,
		Confidence: confidence,
		RecordedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save orphan: %w", err)
	}
	r.metrics.OrphanedTouchpoints.Inc()
	r.logger.Debug("orphaned touchpoint",
		zap.String("event_id", event.ID),
		zap.Float64("confidence", confidence),
	)
	return fmt.Errorf("%w: %s", ErrAmbiguousMatch, reason)
}

// ReresolveOrphans retries resolution for events previously parked as
// orphans, typically after new exact identifiers arrived. Returns the number
// of orphans resolved.
func (r *Resolver) ReresolveOrphans(ctx context.Context, tenantID string, events []models.AttributionEvent) (int, error) {
	orphans, err := r.store.ListOrphans(ctx, tenantID, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list orphans: %w", err)
	}
	orphaned := make(map[string]struct{}, len(orphans))
	for _, o := range orphans {
		orphaned[o.EventID] = struct{}{}
	}

	resolved := 0
	for i := range events {
		if _, ok := orphaned[events[i].ID]; !ok {
			continue
		}
		if _, err := r.Resolve(ctx, &events[i]); err != nil {
			if errors.Is(err, ErrAmbiguousMatch) {
				continue
			}
			return resolved, err
		}
		if err := r.store.DeleteOrphan(ctx, tenantID, events[i].ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return resolved, fmt.Errorf("failed to delete orphan: %w", err)
		}
		resolved++
	}
	return resolved, nil
}

// lock serializes work per identity so concurrent events for the same
// listener cannot race journey writes. Events carrying several identifiers
// hold every stripe involved, so a merge cannot race a concurrent write to
// the journey it is folding in. Stripes are acquired in index order.
func (r *Resolver) lock(ctx context.Context, tenantID string, keys ...string) (func(), error) {
	idxs := make([]uint64, 0, len(keys))
	for _, key := range keys {
		idx := xxhash.Sum64String(tenantID+"/"+key) % uint64(len(r.locks))
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	held := make([]chMutex, 0, len(idxs))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
		}
	}
	var last uint64
	for i, idx := range idxs {
		if i > 0 && idx == last {
			continue
		}
		last = idx
		m := r.locks[idx]
		select {
		case m.ch <- struct{}{}:
			held = append(held, m)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

// identityKeys lists every identifier the event resolves or merges through.
func identityKeys(event *models.AttributionEvent, hash uint64) []string {
	var keys []string
	if event.ListenerID != "" {
		keys = append(keys, "listener:"+event.ListenerID)
	}
	if event.SessionID != "" {
		keys = append(keys, "session:"+event.SessionID)
	}
	if hash != 0 || len(keys) == 0 {
		keys = append(keys, fmt.Sprintf("device:%d", hash))
	}
	return keys
}

func hasExactID(event *models.AttributionEvent) bool {
	return event.ListenerID != "" || event.SessionID != ""
}
