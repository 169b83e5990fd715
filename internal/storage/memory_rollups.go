package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/castsignal/attribution-engine/internal/models"
)

// MemoryRollupStore keeps rollup rows grouped per bucket so ReplaceBucket
// swaps whole buckets under one lock acquisition.
type MemoryRollupStore struct {
	mu      sync.RWMutex
	buckets map[string][]models.RollupRow // tenant:campaign:granularity:bucketUnix
}

// NewMemoryRollupStore creates an empty rollup store.
func NewMemoryRollupStore() *MemoryRollupStore {
	return &MemoryRollupStore{buckets: make(map[string][]models.RollupRow)}
}

func bucketKey(tenantID, campaignID string, g models.Granularity, bucket time.Time) string {
	return tenantID + ":" + campaignID + ":" + string(g) + ":" + bucket.UTC().Format(time.RFC3339)
}

func (s *MemoryRollupStore) ReplaceBucket(ctx context.Context, tenantID, campaignID string, g models.Granularity, bucket time.Time, rows []models.RollupRow) error {
	cp := make([]models.RollupRow, len(rows))
	copy(cp, rows)

	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketKey(tenantID, campaignID, g, bucket)
	if len(cp) == 0 {
		delete(s.buckets, key)
		return nil
	}
	s.buckets[key] = cp
	return nil
}

func (s *MemoryRollupStore) Query(ctx context.Context, tenantID, campaignID string, g models.Granularity, from, to time.Time) ([]models.RollupRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.RollupRow
	for _, rows := range s.buckets {
		for _, row := range rows {
			if row.TenantID != tenantID || row.Granularity != g {
				continue
			}
			if campaignID != "" && row.CampaignID != campaignID {
				continue
			}
			if row.Bucket.Before(from) || !row.Bucket.Before(to) {
				continue
			}
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.Before(out[j].Bucket)
		}
		return out[i].Metric < out[j].Metric
	})
	return out, nil
}

func (s *MemoryRollupStore) MarkUnverified(ctx context.Context, tenantID, campaignID string, g models.Granularity, bucket time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey(tenantID, campaignID, g, bucket)
	rows, ok := s.buckets[key]
	if !ok {
		return ErrNotFound
	}
	for i := range rows {
		rows[i].Unverified = true
	}
	return nil
}
