package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castsignal/attribution-engine/internal/models"
)

// PostgresCampaignRepo implements CampaignRepo using PostgreSQL.
type PostgresCampaignRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresCampaignRepo creates a new PostgreSQL campaign repo.
func NewPostgresCampaignRepo(pool *pgxpool.Pool) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{pool: pool}
}

func (r *PostgresCampaignRepo) Get(ctx context.Context, tenantID, campaignID string) (*models.Campaign, error) {
	var c models.Campaign
	var status string
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, spend, currency, status, created_at, updated_at
		FROM campaigns WHERE tenant_id = $1 AND id = $2
	`, tenantID, campaignID).Scan(&c.ID, &c.TenantID, &c.Name, &c.Spend, &c.Currency, &status, &c.CreatedAt, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	c.Status = models.CampaignStatus(status)
	return &c, nil
}

func (r *PostgresCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, spend, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			spend = EXCLUDED.spend,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.TenantID, c.Name, c.Spend, c.Currency, string(c.Status), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}

func (r *PostgresCampaignRepo) List(ctx context.Context, tenantID string) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, spend, currency, status, created_at, updated_at
		FROM campaigns WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*models.Campaign
	for rows.Next() {
		var c models.Campaign
		var status string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Spend, &c.Currency, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Status = models.CampaignStatus(status)
		out = append(out, &c)
	}
	return out, rows.Err()
}
