package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castsignal/attribution-engine/internal/models"
)

// PostgresModelRepo implements ModelRepo using PostgreSQL.
type PostgresModelRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresModelRepo creates a new PostgreSQL model repo.
func NewPostgresModelRepo(pool *pgxpool.Pool) *PostgresModelRepo {
	return &PostgresModelRepo{pool: pool}
}

func (r *PostgresModelRepo) Create(ctx context.Context, m *models.AttributionModel) error {
	if err := m.Validate(); err != nil {
		return err
	}
	params, err := json.Marshal(m.Params)
	if err != nil {
		return fmt.Errorf("failed to encode model params: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if m.Primary {
		if _, err := tx.Exec(ctx, `
			UPDATE attribution_models SET is_primary = FALSE
			WHERE tenant_id = $1 AND campaign_id = $2
		`, m.TenantID, m.CampaignID); err != nil {
			return fmt.Errorf("failed to clear primary flag: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO attribution_models
			(id, tenant_id, campaign_id, model_type, params, active, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.TenantID, m.CampaignID, string(m.Type), params, m.Active, m.Primary, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create attribution model: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresModelRepo) Get(ctx context.Context, tenantID, modelID string) (*models.AttributionModel, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, model_type, params, active, is_primary, created_at
		FROM attribution_models WHERE tenant_id = $1 AND id = $2
	`, tenantID, modelID)
	m, err := scanModel(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attribution model: %w", err)
	}
	return m, nil
}

func (r *PostgresModelRepo) List(ctx context.Context, tenantID, campaignID string) ([]*models.AttributionModel, error) {
	return r.list(ctx, tenantID, campaignID, false)
}

func (r *PostgresModelRepo) ListActive(ctx context.Context, tenantID, campaignID string) ([]*models.AttributionModel, error) {
	return r.list(ctx, tenantID, campaignID, true)
}

func (r *PostgresModelRepo) list(ctx context.Context, tenantID, campaignID string, activeOnly bool) ([]*models.AttributionModel, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, campaign_id, model_type, params, active, is_primary, created_at
		FROM attribution_models
		WHERE tenant_id = $1 AND ($2 = '' OR campaign_id = $2) AND ($3 = FALSE OR active)
		ORDER BY created_at
	`, tenantID, campaignID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list attribution models: %w", err)
	}
	defer rows.Close()

	var out []*models.AttributionModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresModelRepo) Primary(ctx context.Context, tenantID, campaignID string) (*models.AttributionModel, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, model_type, params, active, is_primary, created_at
		FROM attribution_models
		WHERE tenant_id = $1 AND campaign_id = $2 AND is_primary
	`, tenantID, campaignID)
	m, err := scanModel(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get primary model: %w", err)
	}
	return m, nil
}

func (r *PostgresModelRepo) SetPrimary(ctx context.Context, tenantID, campaignID, modelID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE attribution_models SET is_primary = FALSE
		WHERE tenant_id = $1 AND campaign_id = $2
	`, tenantID, campaignID); err != nil {
		return fmt.Errorf("failed to clear primary flag: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE attribution_models SET is_primary = TRUE
		WHERE tenant_id = $1 AND campaign_id = $2 AND id = $3
	`, tenantID, campaignID, modelID)
	if err != nil {
		return fmt.Errorf("failed to set primary flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

func (r *PostgresModelRepo) SetActive(ctx context.Context, tenantID, modelID string, active bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE attribution_models SET active = $3
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, modelID, active)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanModel(row pgx.Row) (*models.AttributionModel, error) {
	var m models.AttributionModel
	var typ string
	var params []byte
	if err := row.Scan(&m.ID, &m.TenantID, &m.CampaignID, &typ, &params, &m.Active, &m.Primary, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Type = models.ModelType(typ)
	if err := json.Unmarshal(params, &m.Params); err != nil {
		return nil, fmt.Errorf("failed to decode model params: %w", err)
	}
	return &m, nil
}
