package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/models"
)

// ClickHouseEventStore is the production event store. Events land in
// MergeTree tables partitioned by month of occurrence; idempotency is
// enforced through the Deduper before insert so replays never re-process.
type ClickHouseEventStore struct {
	conn    driver.Conn
	deduper Deduper
	logger  *zap.Logger
}

// NewClickHouseEventStore creates the store. InitSchema must be called once
// before use.
func NewClickHouseEventStore(conn driver.Conn, deduper Deduper, logger *zap.Logger) *ClickHouseEventStore {
	return &ClickHouseEventStore{conn: conn, deduper: deduper, logger: logger}
}

// InitSchema creates the event tables if they do not exist.
func (s *ClickHouseEventStore) InitSchema(ctx context.Context) error {
	listener := `
	CREATE TABLE IF NOT EXISTS listener_events (
		event_id String,
		tenant_id LowCardinality(String),
		episode_id String,
		listener_id String,
		session_id String,
		event_type LowCardinality(String),
		occurred_at DateTime64(3),
		idempotency_key String,
		payload String
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (tenant_id, occurred_at, event_id)
	TTL toDateTime(occurred_at) + INTERVAL 2 YEAR
	SETTINGS index_granularity = 8192
	`
	attribution := `
	CREATE TABLE IF NOT EXISTS attribution_events (
		event_id String,
		tenant_id LowCardinality(String),
		campaign_id String,
		episode_id String,
		listener_id String,
		session_id String,
		method LowCardinality(String),
		kind LowCardinality(String),
		occurred_at DateTime64(3),
		idempotency_key String,
		value Float64,
		currency LowCardinality(String),
		device_id String,
		device_platform LowCardinality(String),
		device_os LowCardinality(String),
		device_user_agent String,
		device_ip String,
		meta String,
		payload String
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(occurred_at)
	ORDER BY (tenant_id, occurred_at, event_id)
	TTL toDateTime(occurred_at) + INTERVAL 2 YEAR
	SETTINGS index_granularity = 8192
	`

	if err := s.conn.Exec(ctx, listener); err != nil {
		return fmt.Errorf("failed to create listener_events table: %w", err)
	}
	if err := s.conn.Exec(ctx, attribution); err != nil {
		return fmt.Errorf("failed to create attribution_events table: %w", err)
	}
	s.logger.Info("ClickHouse event schema initialized")
	return nil
}

// AppendListenerEvents batches accepted events into listener_events.
func (s *ClickHouseEventStore) AppendListenerEvents(ctx context.Context, events []models.ListenerEvent) ([]AppendOutcome, error) {
	outcomes := make([]AppendOutcome, 0, len(events))
	accepted := make([]models.ListenerEvent, 0, len(events))

	for _, ev := range events {
		first, err := s.deduper.FirstSight(ctx, ev.TenantID, ev.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !first {
			outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendDuplicate})
			continue
		}
		accepted = append(accepted, ev)
		outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendAccepted})
	}

	if len(accepted) == 0 {
		return outcomes, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO listener_events")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, ev := range accepted {
		payload, err := marshalMap(ev.Payload)
		if err != nil {
			return nil, err
		}
		if err := batch.Append(
			ev.ID, ev.TenantID, ev.EpisodeID, ev.ListenerID, ev.SessionID,
			string(ev.Type), ev.OccurredAt, ev.IdempotencyKey, payload,
		); err != nil {
			return nil, fmt.Errorf("failed to append listener event to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return nil, fmt.Errorf("failed to send listener event batch: %w", err)
	}
	return outcomes, nil
}

// AppendAttributionEvents batches accepted events into attribution_events.
func (s *ClickHouseEventStore) AppendAttributionEvents(ctx context.Context, events []models.AttributionEvent) ([]AppendOutcome, error) {
	outcomes := make([]AppendOutcome, 0, len(events))
	accepted := make([]models.AttributionEvent, 0, len(events))

	for _, ev := range events {
		first, err := s.deduper.FirstSight(ctx, ev.TenantID, ev.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !first {
			outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendDuplicate})
			continue
		}
		accepted = append(accepted, ev)
		outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendAccepted})
	}

	if len(accepted) == 0 {
		return outcomes, nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO attribution_events")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, ev := range accepted {
		payload, err := marshalMap(ev.Payload)
		if err != nil {
			return nil, err
		}
		meta := "{}"
		if ev.Meta != nil {
			raw, err := json.Marshal(ev.Meta)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal event meta: %w", err)
			}
			meta = string(raw)
		}
		if err := batch.Append(
			ev.ID, ev.TenantID, ev.CampaignID, ev.EpisodeID, ev.ListenerID, ev.SessionID,
			string(ev.Method), string(ev.Kind), ev.OccurredAt, ev.IdempotencyKey,
			ev.Value, ev.Currency,
			ev.Device.DeviceID, ev.Device.Platform, ev.Device.OS, ev.Device.UserAgent, ev.Device.IP,
			meta, payload,
		); err != nil {
			return nil, fmt.Errorf("failed to append attribution event to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return nil, fmt.Errorf("failed to send attribution event batch: %w", err)
	}
	return outcomes, nil
}

// ScanListenerEvents pages through listener_events in (occurred_at, event_id)
// order using a keyset cursor.
func (s *ClickHouseEventStore) ScanListenerEvents(ctx context.Context, tenantID, episodeID string, from, to time.Time, cursor Cursor, limit int) ([]models.ListenerEvent, Cursor, error) {
	cursorTime, cursorID, err := cursorPoint(cursor, from)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT event_id, tenant_id, episode_id, listener_id, session_id,
		       event_type, occurred_at, idempotency_key, payload
		FROM listener_events
		WHERE tenant_id = ? AND occurred_at >= ? AND occurred_at < ?
		  AND (episode_id = ? OR ? = '')
		  AND (occurred_at, event_id) > (?, ?)
		ORDER BY occurred_at, event_id
		LIMIT ?`

	rows, err := s.conn.Query(ctx, query,
		tenantID, from, to, episodeID, episodeID, cursorTime, cursorID, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan listener events: %w", err)
	}
	defer rows.Close()

	var out []models.ListenerEvent
	for rows.Next() {
		var ev models.ListenerEvent
		var typ, payload string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.EpisodeID, &ev.ListenerID, &ev.SessionID,
			&typ, &ev.OccurredAt, &ev.IdempotencyKey, &payload); err != nil {
			return nil, "", err
		}
		ev.Type = models.ListenerEventType(typ)
		if ev.Payload, err = unmarshalMap(payload); err != nil {
			return nil, "", err
		}
		out = append(out, ev)
	}

	var next Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = encodeCursor(last.OccurredAt, last.ID)
	}
	return out, next, nil
}

// ScanAttributionEvents pages through attribution_events for a campaign.
func (s *ClickHouseEventStore) ScanAttributionEvents(ctx context.Context, tenantID, campaignID string, from, to time.Time, cursor Cursor, limit int) ([]models.AttributionEvent, Cursor, error) {
	cursorTime, cursorID, err := cursorPoint(cursor, from)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT event_id, tenant_id, campaign_id, episode_id, listener_id, session_id,
		       method, kind, occurred_at, idempotency_key, value, currency,
		       device_id, device_platform, device_os, device_user_agent, device_ip,
		       meta, payload
		FROM attribution_events
		WHERE tenant_id = ? AND occurred_at >= ? AND occurred_at < ?
		  AND (campaign_id = ? OR ? = '')
		  AND (occurred_at, event_id) > (?, ?)
		ORDER BY occurred_at, event_id
		LIMIT ?`

	rows, err := s.conn.Query(ctx, query,
		tenantID, from, to, campaignID, campaignID, cursorTime, cursorID, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("failed to scan attribution events: %w", err)
	}
	defer rows.Close()

	var out []models.AttributionEvent
	for rows.Next() {
		var ev models.AttributionEvent
		var method, kind, meta, payload string
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.CampaignID, &ev.EpisodeID, &ev.ListenerID, &ev.SessionID,
			&method, &kind, &ev.OccurredAt, &ev.IdempotencyKey, &ev.Value, &ev.Currency,
			&ev.Device.DeviceID, &ev.Device.Platform, &ev.Device.OS, &ev.Device.UserAgent, &ev.Device.IP,
			&meta, &payload); err != nil {
			return nil, "", err
		}
		ev.Method = models.AttributionMethod(method)
		ev.Kind = models.AttributionEventKind(kind)
		if meta != "" && meta != "{}" {
			var cm models.ClickMeta
			if err := json.Unmarshal([]byte(meta), &cm); err != nil {
				return nil, "", fmt.Errorf("failed to unmarshal event meta: %w", err)
			}
			ev.Meta = &cm
		}
		if ev.Payload, err = unmarshalMap(payload); err != nil {
			return nil, "", err
		}
		out = append(out, ev)
	}

	var next Cursor
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = encodeCursor(last.OccurredAt, last.ID)
	}
	return out, next, nil
}

// PurgeBefore drops partitions past the retention horizon. The table TTL
// handles this in the background; this is the explicit path for operator-run
// retention enforcement.
func (s *ClickHouseEventStore) PurgeBefore(ctx context.Context, horizon time.Time) (int64, error) {
	for _, table := range []string{"listener_events", "attribution_events"} {
		query := fmt.Sprintf("ALTER TABLE %s DELETE WHERE occurred_at < ?", table)
		if err := s.conn.Exec(ctx, query, horizon); err != nil {
			return 0, fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	// Mutations are asynchronous; the affected row count is not reported.
	return 0, nil
}

func cursorPoint(cursor Cursor, from time.Time) (time.Time, string, error) {
	nanos, id, err := decodeCursor(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	if nanos == 0 {
		return from.Add(-time.Nanosecond), "", nil
	}
	return time.Unix(0, nanos), id, nil
}

func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(raw), nil
}

func unmarshalMap(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return m, nil
}
