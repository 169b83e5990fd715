// Package ingest accepts raw events at the front door: validate, throttle,
// append, announce. Everything downstream consumes what this package admits.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/bus"
	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

// ErrOverloaded reports that a tenant exceeded its sustained write rate.
// Callers translate it to a 429 with a retry hint.
var ErrOverloaded = errors.New("tenant write rate exceeded")

// MaxBatchSize bounds a single ingest call.
const MaxBatchSize = 1000

// Service is the write path for both event streams.
type Service struct {
	events   storage.EventStore
	throttle Throttle
	bus      bus.Client
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService creates the ingest service.
func NewService(events storage.EventStore, throttle Throttle, b bus.Client, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		events:   events,
		throttle: throttle,
		bus:      b,
		metrics:  m,
		logger:   logger,
	}
}

// IngestListenerEvents validates and appends a batch of behavioral events.
// Duplicates are reported per event, never as errors. The returned outcomes
// are positionally aligned with the input.
func (s *Service) IngestListenerEvents(ctx context.Context, tenantID string, events []models.ListenerEvent) ([]storage.AppendOutcome, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty batch", models.ErrValidation)
	}
	if len(events) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d events", models.ErrValidation, MaxBatchSize)
	}

	for i := range events {
		events[i].TenantID = tenantID
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if err := events[i].Validate(); err != nil {
			s.metrics.EventsRejected.WithLabelValues("listener", "validation").Inc()
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	if err := s.admit(ctx, tenantID, len(events)); err != nil {
		return nil, err
	}

	outcomes, err := s.events.AppendListenerEvents(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("failed to append listener events: %w", err)
	}
	s.record(ctx, tenantID, "listener", outcomes)

	for i, out := range outcomes {
		if out.Status != storage.AppendAccepted {
			continue
		}
		if err := bus.PublishJSON(ctx, s.bus, bus.SubjectListenerAccepted, events[i]); err != nil {
			s.logger.Warn("failed to publish listener event",
				zap.String("event_id", out.EventID),
				zap.Error(err),
			)
		}
	}
	return outcomes, nil
}

// IngestAttributionEvents validates and appends a batch of attribution
// events, then hands the accepted ones to the identity resolver via the bus.
func (s *Service) IngestAttributionEvents(ctx context.Context, tenantID string, events []models.AttributionEvent) ([]storage.AppendOutcome, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: empty batch", models.ErrValidation)
	}
	if len(events) > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch exceeds %d events", models.ErrValidation, MaxBatchSize)
	}

	for i := range events {
		events[i].TenantID = tenantID
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if err := events[i].Validate(); err != nil {
			s.metrics.EventsRejected.WithLabelValues("attribution", "validation").Inc()
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
	}

	if err := s.admit(ctx, tenantID, len(events)); err != nil {
		return nil, err
	}

	outcomes, err := s.events.AppendAttributionEvents(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("failed to append attribution events: %w", err)
	}
	s.record(ctx, tenantID, "attribution", outcomes)

	for i, out := range outcomes {
		if out.Status != storage.AppendAccepted {
			continue
		}
		if err := bus.PublishJSON(ctx, s.bus, bus.SubjectAttributionAccepted, events[i]); err != nil {
			s.logger.Warn("failed to publish attribution event",
				zap.String("event_id", out.EventID),
				zap.Error(err),
			)
		}
	}
	return outcomes, nil
}

func (s *Service) admit(ctx context.Context, tenantID string, n int) error {
	ok, err := s.throttle.Allow(ctx, tenantID, n)
	if err != nil {
		// throttle backend down: admit rather than drop writes
		s.logger.Warn("throttle check failed, admitting batch", zap.Error(err))
		return nil
	}
	if !ok {
		s.metrics.ThrottleRejections.WithLabelValues(tenantID).Inc()
		return fmt.Errorf("%w: tenant %s", ErrOverloaded, tenantID)
	}
	return nil
}

func (s *Service) record(_ context.Context, tenantID, stream string, outcomes []storage.AppendOutcome) {
	var accepted, duplicated int
	for _, out := range outcomes {
		switch out.Status {
		case storage.AppendAccepted:
			accepted++
		case storage.AppendDuplicate:
			duplicated++
		}
	}
	if accepted > 0 {
		s.metrics.EventsIngested.WithLabelValues(stream, tenantID).Add(float64(accepted))
	}
	if duplicated > 0 {
		s.metrics.EventsDuplicated.WithLabelValues(stream).Add(float64(duplicated))
	}
	s.logger.Debug("batch ingested",
		zap.String("stream", stream),
		zap.String("tenant_id", tenantID),
		zap.Int("accepted", accepted),
		zap.Int("duplicated", duplicated),
	)
}

// Purge removes events past the retention horizon.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	horizon := time.Now().Add(-retention)
	removed, err := s.events.PurgeBefore(ctx, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	if removed > 0 {
		s.logger.Info("purged expired events",
			zap.Int64("removed", removed),
			zap.Time("horizon", horizon),
		)
	}
	return removed, nil
}
