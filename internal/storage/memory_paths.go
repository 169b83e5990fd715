package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/castsignal/attribution-engine/internal/models"
)

// MemoryPathStore keeps every path version; LatestPath and ListLatestPaths
// surface only the newest version per (journey, model, conversion).
type MemoryPathStore struct {
	mu    sync.RWMutex
	paths map[string][]*models.AttributionPath // tenant:journey:model:conversion -> versions ascending
}

// NewMemoryPathStore creates an empty path store.
func NewMemoryPathStore() *MemoryPathStore {
	return &MemoryPathStore{paths: make(map[string][]*models.AttributionPath)}
}

func pathKey(tenantID, journeyID, modelID, conversionID string) string {
	return tenantID + ":" + journeyID + ":" + modelID + ":" + conversionID
}

// SavePath appends a new version. Rewriting an existing version is refused:
// paths are write-once and superseded, never mutated.
func (s *MemoryPathStore) SavePath(ctx context.Context, path *models.AttributionPath) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pathKey(path.TenantID, path.JourneyID, path.ModelID, path.ConversionID)
	versions := s.paths[key]
	if len(versions) > 0 && path.Version <= versions[len(versions)-1].Version {
		return fmt.Errorf("path version %d already exists for %s", path.Version, key)
	}
	cp := clonePath(path)
	s.paths[key] = append(versions, cp)
	return nil
}

func (s *MemoryPathStore) LatestPath(ctx context.Context, tenantID, journeyID, modelID, conversionID string) (*models.AttributionPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.paths[pathKey(tenantID, journeyID, modelID, conversionID)]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return clonePath(versions[len(versions)-1]), nil
}

func (s *MemoryPathStore) ListLatestPaths(ctx context.Context, tenantID, campaignID, modelID string, from, to time.Time) ([]*models.AttributionPath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AttributionPath
	for _, versions := range s.paths {
		latest := versions[len(versions)-1]
		if latest.TenantID != tenantID {
			continue
		}
		if campaignID != "" && latest.CampaignID != campaignID {
			continue
		}
		if modelID != "" && latest.ModelID != modelID {
			continue
		}
		if latest.ConversionAt.Before(from) || !latest.ConversionAt.Before(to) {
			continue
		}
		out = append(out, clonePath(latest))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConversionAt.Before(out[j].ConversionAt)
	})
	return out, nil
}

func clonePath(p *models.AttributionPath) *models.AttributionPath {
	cp := *p
	cp.Touchpoints = make([]models.CreditedTouchpoint, len(p.Touchpoints))
	copy(cp.Touchpoints, p.Touchpoints)
	return &cp
}
