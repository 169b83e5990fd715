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

// PostgresPathStore implements PathStore using PostgreSQL. A unique index on
// (tenant_id, journey_id, model_id, conversion_id, version) enforces
// write-once semantics per version.
type PostgresPathStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPathStore creates a new PostgreSQL path store.
func NewPostgresPathStore(pool *pgxpool.Pool) *PostgresPathStore {
	return &PostgresPathStore{pool: pool}
}

func (s *PostgresPathStore) SavePath(ctx context.Context, path *models.AttributionPath) error {
	touchpoints, err := json.Marshal(path.Touchpoints)
	if err != nil {
		return fmt.Errorf("failed to encode credited touchpoints: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO attribution_paths
			(id, tenant_id, journey_id, journey_version, model_id, conversion_id,
			 campaign_id, version, conversion_value, conversion_at, touchpoints, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, path.ID, path.TenantID, path.JourneyID, path.JourneyVersion, path.ModelID, path.ConversionID,
		path.CampaignID, path.Version, path.ConversionValue, path.ConversionAt, touchpoints, path.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to save attribution path: %w", err)
	}
	return nil
}

func (s *PostgresPathStore) LatestPath(ctx context.Context, tenantID, journeyID, modelID, conversionID string) (*models.AttributionPath, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, journey_id, journey_version, model_id, conversion_id,
		       campaign_id, version, conversion_value, conversion_at, touchpoints, computed_at
		FROM attribution_paths
		WHERE tenant_id = $1 AND journey_id = $2 AND model_id = $3 AND conversion_id = $4
		ORDER BY version DESC LIMIT 1
	`, tenantID, journeyID, modelID, conversionID)

	p, err := scanPath(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest path: %w", err)
	}
	return p, nil
}

func (s *PostgresPathStore) ListLatestPaths(ctx context.Context, tenantID, campaignID, modelID string, from, to time.Time) ([]*models.AttributionPath, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (journey_id, model_id, conversion_id)
		       id, tenant_id, journey_id, journey_version, model_id, conversion_id,
		       campaign_id, version, conversion_value, conversion_at, touchpoints, computed_at
		FROM attribution_paths
		WHERE tenant_id = $1
		  AND ($2 = '' OR campaign_id = $2)
		  AND ($3 = '' OR model_id = $3)
		  AND conversion_at >= $4 AND conversion_at < $5
		ORDER BY journey_id, model_id, conversion_id, version DESC
	`, tenantID, campaignID, modelID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list paths: %w", err)
	}
	defer rows.Close()

	var out []*models.AttributionPath
	for rows.Next() {
		p, err := scanPath(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPath(row pgx.Row) (*models.AttributionPath, error) {
	var p models.AttributionPath
	var touchpoints []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.JourneyID, &p.JourneyVersion, &p.ModelID, &p.ConversionID,
		&p.CampaignID, &p.Version, &p.ConversionValue, &p.ConversionAt, &touchpoints, &p.ComputedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(touchpoints, &p.Touchpoints); err != nil {
		return nil, fmt.Errorf("failed to decode credited touchpoints: %w", err)
	}
	return &p, nil
}
