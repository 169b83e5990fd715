package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/castsignal/attribution-engine/internal/models"
)

// =============================================
// Attribution model configurations
// =============================================

// MemoryModelRepo stores attribution model configurations in memory.
type MemoryModelRepo struct {
	mu     sync.RWMutex
	models map[string]*models.AttributionModel // tenant:model_id
}

// NewMemoryModelRepo creates an empty model repo.
func NewMemoryModelRepo() *MemoryModelRepo {
	return &MemoryModelRepo{models: make(map[string]*models.AttributionModel)}
}

func (r *MemoryModelRepo) Create(ctx context.Context, m *models.AttributionModel) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *m
	if cp.Primary {
		// only one primary per campaign
		for _, other := range r.models {
			if other.TenantID == cp.TenantID && other.CampaignID == cp.CampaignID {
				other.Primary = false
			}
		}
	}
	r.models[scoped(m.TenantID, m.ID)] = &cp
	return nil
}

func (r *MemoryModelRepo) Get(ctx context.Context, tenantID, modelID string) (*models.AttributionModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[scoped(tenantID, modelID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryModelRepo) List(ctx context.Context, tenantID, campaignID string) ([]*models.AttributionModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.AttributionModel
	for _, m := range r.models {
		if m.TenantID != tenantID {
			continue
		}
		if campaignID != "" && m.CampaignID != campaignID {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryModelRepo) ListActive(ctx context.Context, tenantID, campaignID string) ([]*models.AttributionModel, error) {
	all, err := r.List(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if m.Active {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *MemoryModelRepo) Primary(ctx context.Context, tenantID, campaignID string) (*models.AttributionModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.models {
		if m.TenantID == tenantID && m.CampaignID == campaignID && m.Primary {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryModelRepo) SetPrimary(ctx context.Context, tenantID, campaignID, modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.models[scoped(tenantID, modelID)]
	if !ok || target.CampaignID != campaignID {
		return ErrNotFound
	}
	for _, m := range r.models {
		if m.TenantID == tenantID && m.CampaignID == campaignID {
			m.Primary = false
		}
	}
	target.Primary = true
	return nil
}

func (r *MemoryModelRepo) SetActive(ctx context.Context, tenantID, modelID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[scoped(tenantID, modelID)]
	if !ok {
		return ErrNotFound
	}
	m.Active = active
	return nil
}

// =============================================
// Campaigns
// =============================================

// MemoryCampaignRepo stores campaigns in memory.
type MemoryCampaignRepo struct {
	mu        sync.RWMutex
	campaigns map[string]*models.Campaign // tenant:campaign_id
}

// NewMemoryCampaignRepo creates an empty campaign repo.
func NewMemoryCampaignRepo() *MemoryCampaignRepo {
	return &MemoryCampaignRepo{campaigns: make(map[string]*models.Campaign)}
}

func (r *MemoryCampaignRepo) Get(ctx context.Context, tenantID, campaignID string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.campaigns[scoped(tenantID, campaignID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryCampaignRepo) Upsert(ctx context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.campaigns[scoped(c.TenantID, c.ID)] = &cp
	return nil
}

func (r *MemoryCampaignRepo) List(ctx context.Context, tenantID string) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Campaign
	for _, c := range r.campaigns {
		if c.TenantID != tenantID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================
// Validations
// =============================================

// MemoryValidationStore stores validation runs and ground truth in memory.
type MemoryValidationStore struct {
	mu          sync.RWMutex
	validations []*models.Validation
	groundTruth []*models.GroundTruth
}

// NewMemoryValidationStore creates an empty validation store.
func NewMemoryValidationStore() *MemoryValidationStore {
	return &MemoryValidationStore{}
}

func (s *MemoryValidationStore) Append(ctx context.Context, v *models.Validation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.validations = append(s.validations, &cp)
	return nil
}

func (s *MemoryValidationStore) List(ctx context.Context, tenantID, campaignID string, limit int) ([]*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Validation
	for i := len(s.validations) - 1; i >= 0; i-- {
		v := s.validations[i]
		if v.TenantID != tenantID {
			continue
		}
		if campaignID != "" && v.CampaignID != campaignID {
			continue
		}
		cp := *v
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryValidationStore) LatestForModel(ctx context.Context, tenantID, modelID string) (*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.validations) - 1; i >= 0; i-- {
		v := s.validations[i]
		if v.TenantID == tenantID && v.ModelID == modelID {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryValidationStore) SaveGroundTruth(ctx context.Context, gt *models.GroundTruth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *gt
	s.groundTruth = append(s.groundTruth, &cp)
	return nil
}

func (s *MemoryValidationStore) ListGroundTruth(ctx context.Context, tenantID, campaignID string) ([]*models.GroundTruth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.GroundTruth
	for _, gt := range s.groundTruth {
		if gt.TenantID != tenantID {
			continue
		}
		if campaignID != "" && gt.CampaignID != campaignID {
			continue
		}
		cp := *gt
		out = append(out, &cp)
	}
	return out, nil
}
