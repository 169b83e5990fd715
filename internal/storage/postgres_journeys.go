package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castsignal/attribution-engine/internal/models"
)

// PostgresJourneyStore implements JourneyStore using PostgreSQL. Touchpoint
// and conversion lists ride along as JSONB; lookup tables map fingerprints,
// sessions and listener ids to journeys.
type PostgresJourneyStore struct {
	pool *pgxpool.Pool
}

// NewPostgresJourneyStore creates a new PostgreSQL journey store.
func NewPostgresJourneyStore(pool *pgxpool.Pool) *PostgresJourneyStore {
	return &PostgresJourneyStore{pool: pool}
}

func (s *PostgresJourneyStore) GetJourney(ctx context.Context, tenantID, journeyID string) (*models.UserJourney, error) {
	var j models.UserJourney
	var touchpoints, conversions []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, version, first_seen, last_seen, touchpoints, conversions
		FROM user_journeys WHERE tenant_id = $1 AND id = $2
	`, tenantID, journeyID).Scan(&j.ID, &j.TenantID, &j.Version, &j.FirstSeen, &j.LastSeen, &touchpoints, &conversions)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get journey: %w", err)
	}
	if err := json.Unmarshal(touchpoints, &j.Touchpoints); err != nil {
		return nil, fmt.Errorf("failed to decode touchpoints: %w", err)
	}
	if err := json.Unmarshal(conversions, &j.Conversions); err != nil {
		return nil, fmt.Errorf("failed to decode conversions: %w", err)
	}
	return &j, nil
}

func (s *PostgresJourneyStore) SaveJourney(ctx context.Context, journey *models.UserJourney) error {
	touchpoints, err := json.Marshal(journey.Touchpoints)
	if err != nil {
		return fmt.Errorf("failed to encode touchpoints: %w", err)
	}
	conversions, err := json.Marshal(journey.Conversions)
	if err != nil {
		return fmt.Errorf("failed to encode conversions: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_journeys (id, tenant_id, version, first_seen, last_seen, touchpoints, conversions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			version = EXCLUDED.version,
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			touchpoints = EXCLUDED.touchpoints,
			conversions = EXCLUDED.conversions
	`, journey.ID, journey.TenantID, journey.Version, journey.FirstSeen, journey.LastSeen, touchpoints, conversions)
	if err != nil {
		return fmt.Errorf("failed to save journey: %w", err)
	}
	return nil
}

func (s *PostgresJourneyStore) ListJourneysWithConversions(ctx context.Context, tenantID, campaignID string, from, to time.Time) ([]*models.UserJourney, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, version, first_seen, last_seen, touchpoints, conversions
		FROM user_journeys
		WHERE tenant_id = $1
		  AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(conversions) AS c
			WHERE ($2 = '' OR c->>'campaign_id' = $2)
			  AND (c->>'occurred_at')::timestamptz >= $3
			  AND (c->>'occurred_at')::timestamptz < $4
		  )
	`, tenantID, campaignID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list journeys: %w", err)
	}
	defer rows.Close()

	var out []*models.UserJourney
	for rows.Next() {
		var j models.UserJourney
		var touchpoints, conversions []byte
		if err := rows.Scan(&j.ID, &j.TenantID, &j.Version, &j.FirstSeen, &j.LastSeen, &touchpoints, &conversions); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(touchpoints, &j.Touchpoints); err != nil {
			return nil, fmt.Errorf("failed to decode touchpoints: %w", err)
		}
		if err := json.Unmarshal(conversions, &j.Conversions); err != nil {
			return nil, fmt.Errorf("failed to decode conversions: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (s *PostgresJourneyStore) LookupFingerprint(ctx context.Context, tenantID string, hash uint64) (*models.DeviceFingerprint, error) {
	var fp models.DeviceFingerprint
	var signed int64
	err := s.pool.QueryRow(ctx, `
		SELECT hash, tenant_id, journey_id, platform, os, geo_code, first_seen, last_seen
		FROM device_fingerprints WHERE tenant_id = $1 AND hash = $2
	`, tenantID, int64(hash)).Scan(&signed, &fp.TenantID, &fp.JourneyID, &fp.Platform, &fp.OS, &fp.GeoCode, &fp.FirstSeen, &fp.LastSeen)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup fingerprint: %w", err)
	}
	fp.Hash = uint64(signed)
	return &fp, nil
}

func (s *PostgresJourneyStore) UpsertFingerprint(ctx context.Context, fp *models.DeviceFingerprint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_fingerprints (hash, tenant_id, journey_id, platform, os, geo_code, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, hash) DO UPDATE SET
			journey_id = EXCLUDED.journey_id,
			last_seen = EXCLUDED.last_seen
	`, int64(fp.Hash), fp.TenantID, fp.JourneyID, fp.Platform, fp.OS, fp.GeoCode, fp.FirstSeen, fp.LastSeen)
	if err != nil {
		return fmt.Errorf("failed to upsert fingerprint: %w", err)
	}
	return nil
}

func (s *PostgresJourneyStore) ListFingerprints(ctx context.Context, tenantID string) ([]*models.DeviceFingerprint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT hash, tenant_id, journey_id, platform, os, geo_code, first_seen, last_seen
		FROM device_fingerprints WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprints: %w", err)
	}
	defer rows.Close()

	var out []*models.DeviceFingerprint
	for rows.Next() {
		var fp models.DeviceFingerprint
		var signed int64
		if err := rows.Scan(&signed, &fp.TenantID, &fp.JourneyID, &fp.Platform, &fp.OS, &fp.GeoCode, &fp.FirstSeen, &fp.LastSeen); err != nil {
			return nil, err
		}
		fp.Hash = uint64(signed)
		out = append(out, &fp)
	}
	return out, rows.Err()
}

func (s *PostgresJourneyStore) LookupSession(ctx context.Context, tenantID, sessionID string) (string, error) {
	return s.lookupIdentity(ctx, "journey_sessions", "session_id", tenantID, sessionID)
}

func (s *PostgresJourneyStore) MapSession(ctx context.Context, tenantID, sessionID, journeyID string) error {
	return s.mapIdentity(ctx, "journey_sessions", "session_id", tenantID, sessionID, journeyID)
}

func (s *PostgresJourneyStore) LookupListener(ctx context.Context, tenantID, listenerID string) (string, error) {
	return s.lookupIdentity(ctx, "journey_listeners", "listener_id", tenantID, listenerID)
}

func (s *PostgresJourneyStore) MapListener(ctx context.Context, tenantID, listenerID, journeyID string) error {
	return s.mapIdentity(ctx, "journey_listeners", "listener_id", tenantID, listenerID, journeyID)
}

func (s *PostgresJourneyStore) lookupIdentity(ctx context.Context, table, column, tenantID, id string) (string, error) {
	var journeyID string
	query := fmt.Sprintf(`SELECT journey_id FROM %s WHERE tenant_id = $1 AND %s = $2`, table, column)
	err := s.pool.QueryRow(ctx, query, tenantID, id).Scan(&journeyID)
	if err == pgx.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lookup %s: %w", column, err)
	}
	return journeyID, nil
}

func (s *PostgresJourneyStore) mapIdentity(ctx context.Context, table, column, tenantID, id, journeyID string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, %s, journey_id) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, %s) DO UPDATE SET journey_id = EXCLUDED.journey_id
	`, table, column, column)
	if _, err := s.pool.Exec(ctx, query, tenantID, id, journeyID); err != nil {
		return fmt.Errorf("failed to map %s: %w", column, err)
	}
	return nil
}

func (s *PostgresJourneyStore) SaveOrphan(ctx context.Context, orphan *models.OrphanTouchpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orphan_touchpoints (event_id, tenant_id, reason, confidence, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, event_id) DO NOTHING
	`, orphan.EventID, orphan.TenantID, orphan.Reason, orphan.Confidence, orphan.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to save orphan: %w", err)
	}
	return nil
}

func (s *PostgresJourneyStore) ListOrphans(ctx context.Context, tenantID string, limit int) ([]*models.OrphanTouchpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, tenant_id, reason, confidence, recorded_at
		FROM orphan_touchpoints WHERE tenant_id = $1
		ORDER BY recorded_at LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	defer rows.Close()

	var out []*models.OrphanTouchpoint
	for rows.Next() {
		var o models.OrphanTouchpoint
		if err := rows.Scan(&o.EventID, &o.TenantID, &o.Reason, &o.Confidence, &o.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *PostgresJourneyStore) DeleteOrphan(ctx context.Context, tenantID, eventID string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM orphan_touchpoints WHERE tenant_id = $1 AND event_id = $2
	`, tenantID, eventID); err != nil {
		return fmt.Errorf("failed to delete orphan: %w", err)
	}
	return nil
}
