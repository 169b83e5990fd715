package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/castsignal/attribution-engine/internal/models"
)

// PostgresValidationStore implements ValidationStore using PostgreSQL.
// Validation rows are append-only; there is no update path.
type PostgresValidationStore struct {
	pool *pgxpool.Pool
}

// NewPostgresValidationStore creates a new PostgreSQL validation store.
func NewPostgresValidationStore(pool *pgxpool.Pool) *PostgresValidationStore {
	return &PostgresValidationStore{pool: pool}
}

func (s *PostgresValidationStore) Append(ctx context.Context, v *models.Validation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attribution_validations
			(id, tenant_id, campaign_id, model_id, validation_type, predicted, ground_truth,
			 accuracy, sample_size, confidence_low, confidence_high, ran_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, v.ID, v.TenantID, v.CampaignID, v.ModelID, v.Type, v.Predicted, v.GroundTruth,
		v.Accuracy, v.SampleSize, v.ConfidenceLow, v.ConfidenceHigh, v.RanAt)
	if err != nil {
		return fmt.Errorf("failed to append validation: %w", err)
	}
	return nil
}

func (s *PostgresValidationStore) List(ctx context.Context, tenantID, campaignID string, limit int) ([]*models.Validation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, campaign_id, model_id, validation_type, predicted, ground_truth,
		       accuracy, sample_size, confidence_low, confidence_high, ran_at
		FROM attribution_validations
		WHERE tenant_id = $1 AND ($2 = '' OR campaign_id = $2)
		ORDER BY ran_at DESC LIMIT $3
	`, tenantID, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list validations: %w", err)
	}
	defer rows.Close()

	var out []*models.Validation
	for rows.Next() {
		var v models.Validation
		if err := rows.Scan(&v.ID, &v.TenantID, &v.CampaignID, &v.ModelID, &v.Type, &v.Predicted, &v.GroundTruth,
			&v.Accuracy, &v.SampleSize, &v.ConfidenceLow, &v.ConfidenceHigh, &v.RanAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *PostgresValidationStore) LatestForModel(ctx context.Context, tenantID, modelID string) (*models.Validation, error) {
	var v models.Validation
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, model_id, validation_type, predicted, ground_truth,
		       accuracy, sample_size, confidence_low, confidence_high, ran_at
		FROM attribution_validations
		WHERE tenant_id = $1 AND model_id = $2
		ORDER BY ran_at DESC LIMIT 1
	`, tenantID, modelID).Scan(&v.ID, &v.TenantID, &v.CampaignID, &v.ModelID, &v.Type, &v.Predicted, &v.GroundTruth,
		&v.Accuracy, &v.SampleSize, &v.ConfidenceLow, &v.ConfidenceHigh, &v.RanAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest validation: %w", err)
	}
	return &v, nil
}

func (s *PostgresValidationStore) SaveGroundTruth(ctx context.Context, gt *models.GroundTruth) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ground_truth (tenant_id, campaign_id, window_from, window_to, revenue, samples)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, campaign_id, window_from, window_to) DO UPDATE SET
			revenue = EXCLUDED.revenue,
			samples = EXCLUDED.samples
	`, gt.TenantID, gt.CampaignID, gt.From, gt.To, gt.Revenue, gt.Samples)
	if err != nil {
		return fmt.Errorf("failed to save ground truth: %w", err)
	}
	return nil
}

func (s *PostgresValidationStore) ListGroundTruth(ctx context.Context, tenantID, campaignID string) ([]*models.GroundTruth, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, campaign_id, window_from, window_to, revenue, samples
		FROM ground_truth
		WHERE tenant_id = $1 AND ($2 = '' OR campaign_id = $2)
		ORDER BY window_from
	`, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ground truth: %w", err)
	}
	defer rows.Close()

	var out []*models.GroundTruth
	for rows.Next() {
		var gt models.GroundTruth
		if err := rows.Scan(&gt.TenantID, &gt.CampaignID, &gt.From, &gt.To, &gt.Revenue, &gt.Samples); err != nil {
			return nil, err
		}
		out = append(out, &gt)
	}
	return out, rows.Err()
}
