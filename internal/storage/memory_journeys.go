package storage

import (
	"context"
	"fmt"
	"sync"

	"time"

	"github.com/castsignal/attribution-engine/internal/models"
)

// MemoryJourneyStore keeps journeys as an arena keyed by id with
// fingerprint/session/listener lookup tables pointing into it. Merges only
// touch the lookup tables, so there are no back-references to chase.
type MemoryJourneyStore struct {
	mu           sync.RWMutex
	journeys     map[string]*models.UserJourney       // tenant:journey_id
	fingerprints map[string]*models.DeviceFingerprint // tenant:hash
	sessions     map[string]string                    // tenant:session_id -> journey_id
	listeners    map[string]string                    // tenant:listener_id -> journey_id
	orphans      map[string]*models.OrphanTouchpoint  // tenant:event_id
}

// NewMemoryJourneyStore creates an empty journey store.
func NewMemoryJourneyStore() *MemoryJourneyStore {
	return &MemoryJourneyStore{
		journeys:     make(map[string]*models.UserJourney),
		fingerprints: make(map[string]*models.DeviceFingerprint),
		sessions:     make(map[string]string),
		listeners:    make(map[string]string),
		orphans:      make(map[string]*models.OrphanTouchpoint),
	}
}

func scoped(tenantID, id string) string {
	return tenantID + ":" + id
}

func (s *MemoryJourneyStore) GetJourney(ctx context.Context, tenantID, journeyID string) (*models.UserJourney, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journeys[scoped(tenantID, journeyID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneJourney(j)
	return cp, nil
}

func (s *MemoryJourneyStore) SaveJourney(ctx context.Context, journey *models.UserJourney) error {
	if journey.TenantID == "" || journey.ID == "" {
		return fmt.Errorf("journey requires tenant_id and id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journeys[scoped(journey.TenantID, journey.ID)] = cloneJourney(journey)
	return nil
}

func (s *MemoryJourneyStore) ListJourneysWithConversions(ctx context.Context, tenantID, campaignID string, from, to time.Time) ([]*models.UserJourney, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.UserJourney
	for _, j := range s.journeys {
		if j.TenantID != tenantID {
			continue
		}
		for _, c := range j.Conversions {
			if campaignID != "" && c.CampaignID != campaignID {
				continue
			}
			if c.OccurredAt.Before(from) || !c.OccurredAt.Before(to) {
				continue
			}
			out = append(out, cloneJourney(j))
			break
		}
	}
	return out, nil
}

func (s *MemoryJourneyStore) LookupFingerprint(ctx context.Context, tenantID string, hash uint64) (*models.DeviceFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fp, ok := s.fingerprints[scoped(tenantID, fmt.Sprintf("%d", hash))]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fp
	return &cp, nil
}

func (s *MemoryJourneyStore) UpsertFingerprint(ctx context.Context, fp *models.DeviceFingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fp
	s.fingerprints[scoped(fp.TenantID, fmt.Sprintf("%d", fp.Hash))] = &cp
	return nil
}

func (s *MemoryJourneyStore) ListFingerprints(ctx context.Context, tenantID string) ([]*models.DeviceFingerprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DeviceFingerprint
	for _, fp := range s.fingerprints {
		if fp.TenantID != tenantID {
			continue
		}
		cp := *fp
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryJourneyStore) LookupSession(ctx context.Context, tenantID, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[scoped(tenantID, sessionID)]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryJourneyStore) MapSession(ctx context.Context, tenantID, sessionID, journeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[scoped(tenantID, sessionID)] = journeyID
	return nil
}

func (s *MemoryJourneyStore) LookupListener(ctx context.Context, tenantID, listenerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.listeners[scoped(tenantID, listenerID)]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *MemoryJourneyStore) MapListener(ctx context.Context, tenantID, listenerID, journeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[scoped(tenantID, listenerID)] = journeyID
	return nil
}

func (s *MemoryJourneyStore) SaveOrphan(ctx context.Context, orphan *models.OrphanTouchpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *orphan
	s.orphans[scoped(orphan.TenantID, orphan.EventID)] = &cp
	return nil
}

func (s *MemoryJourneyStore) ListOrphans(ctx context.Context, tenantID string, limit int) ([]*models.OrphanTouchpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.OrphanTouchpoint
	for _, o := range s.orphans {
		if o.TenantID != tenantID {
			continue
		}
		cp := *o
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryJourneyStore) DeleteOrphan(ctx context.Context, tenantID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orphans, scoped(tenantID, eventID))
	return nil
}

func cloneJourney(j *models.UserJourney) *models.UserJourney {
	cp := *j
	cp.Touchpoints = make([]models.Touchpoint, len(j.Touchpoints))
	copy(cp.Touchpoints, j.Touchpoints)
	cp.Conversions = make([]models.Conversion, len(j.Conversions))
	copy(cp.Conversions, j.Conversions)
	return &cp
}
