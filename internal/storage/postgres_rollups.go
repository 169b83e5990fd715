package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castsignal/attribution-engine/internal/models"
)

// PostgresRollupStore implements RollupStore using PostgreSQL. ReplaceBucket
// runs delete+insert inside one transaction so readers see either the old or
// the new bucket, never a mix.
type PostgresRollupStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRollupStore creates a new PostgreSQL rollup store.
func NewPostgresRollupStore(pool *pgxpool.Pool) *PostgresRollupStore {
	return &PostgresRollupStore{pool: pool}
}

func (s *PostgresRollupStore) ReplaceBucket(ctx context.Context, tenantID, campaignID string, g models.Granularity, bucket time.Time, rows []models.RollupRow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		DELETE FROM attribution_rollups
		WHERE tenant_id = $1 AND campaign_id = $2 AND granularity = $3 AND bucket = $4
	`, tenantID, campaignID, string(g), bucket)
	if err != nil {
		return fmt.Errorf("failed to clear rollup bucket: %w", err)
	}

	for _, row := range rows {
		var breakdown []byte
		if len(row.Breakdown) > 0 {
			if breakdown, err = json.Marshal(row.Breakdown); err != nil {
				return fmt.Errorf("failed to encode breakdown: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO attribution_rollups
				(tenant_id, campaign_id, granularity, bucket, metric, value, breakdown, unverified, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, row.TenantID, row.CampaignID, string(row.Granularity), row.Bucket, row.Metric,
			row.Value, breakdown, row.Unverified, row.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert rollup row: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresRollupStore) Query(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time) ([]models.RollupRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, campaign_id, granularity, bucket, metric, value, breakdown, unverified, updated_at
		FROM attribution_rollups
		WHERE tenant_id = $1 AND ($2 = '' OR campaign_id = $2)
		  AND granularity = $3 AND bucket >= $4 AND bucket < $5
		ORDER BY bucket, metric
	`, tenantID, campaignID, string(g), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollups: %w", err)
	}
	defer rows.Close()

	var out []models.RollupRow
	for rows.Next() {
		var row models.RollupRow
		var granularity string
		var breakdown []byte
		if err := rows.Scan(&row.TenantID, &row.CampaignID, &granularity, &row.Bucket, &row.Metric,
			&row.Value, &breakdown, &row.Unverified, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.Granularity = models.Granularity(granularity)
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &row.Breakdown); err != nil {
				return nil, fmt.Errorf("failed to decode breakdown: %w", err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresRollupStore) MarkUnverified(ctx context.Context, tenantID, campaignID string, g models.Granularity, bucket time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE attribution_rollups SET unverified = TRUE
		WHERE tenant_id = $1 AND campaign_id = $2 AND granularity = $3 AND bucket = $4
	`, tenantID, campaignID, string(g), bucket)
	if err != nil {
		return fmt.Errorf("failed to mark bucket unverified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
