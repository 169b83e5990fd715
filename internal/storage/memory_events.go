package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/castsignal/attribution-engine/internal/models"
)

// MemoryEventStore provides in-memory, day-partitioned storage for both
// event streams. Used in tests and when ClickHouse is unavailable; not
// durable across restarts.
type MemoryEventStore struct {
	mu         sync.RWMutex
	listener   map[int64][]models.ListenerEvent    // day unix -> events
	attributed map[int64][]models.AttributionEvent // day unix -> events
	seenKeys   map[string]struct{}                 // tenant:idempotency_key
}

// NewMemoryEventStore creates a new empty event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		listener:   make(map[int64][]models.ListenerEvent),
		attributed: make(map[int64][]models.AttributionEvent),
		seenKeys:   make(map[string]struct{}),
	}
}

func partitionKey(t time.Time) int64 {
	return t.UTC().Truncate(24 * time.Hour).Unix()
}

func idemKey(tenantID, key string) string {
	return tenantID + ":" + key
}

// AppendListenerEvents stores the batch, reporting a duplicate outcome for
// any idempotency key already seen.
func (s *MemoryEventStore) AppendListenerEvents(ctx context.Context, events []models.ListenerEvent) ([]AppendOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]AppendOutcome, 0, len(events))
	for _, ev := range events {
		key := idemKey(ev.TenantID, ev.IdempotencyKey)
		if _, seen := s.seenKeys[key]; seen {
			outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendDuplicate})
			continue
		}
		s.seenKeys[key] = struct{}{}
		p := partitionKey(ev.OccurredAt)
		s.listener[p] = append(s.listener[p], ev)
		outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendAccepted})
	}
	return outcomes, nil
}

// AppendAttributionEvents stores the batch with the same idempotency rules.
func (s *MemoryEventStore) AppendAttributionEvents(ctx context.Context, events []models.AttributionEvent) ([]AppendOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcomes := make([]AppendOutcome, 0, len(events))
	for _, ev := range events {
		key := idemKey(ev.TenantID, ev.IdempotencyKey)
		if _, seen := s.seenKeys[key]; seen {
			outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendDuplicate})
			continue
		}
		s.seenKeys[key] = struct{}{}
		p := partitionKey(ev.OccurredAt)
		s.attributed[p] = append(s.attributed[p], ev)
		outcomes = append(outcomes, AppendOutcome{EventID: ev.ID, Status: AppendAccepted})
	}
	return outcomes, nil
}

// encodeCursor builds the opaque resume token from the last event returned.
func encodeCursor(t time.Time, id string) Cursor {
	return Cursor(fmt.Sprintf("%d:%s", t.UnixNano(), id))
}

func decodeCursor(c Cursor) (int64, string, error) {
	if c == "" {
		return 0, "", nil
	}
	parts := strings.SplitN(string(c), ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed cursor %q", c)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", c, err)
	}
	return nanos, parts[1], nil
}

// afterCursor reports whether (t, id) sorts strictly after the cursor point.
func afterCursor(t time.Time, id string, nanos int64, cursorID string) bool {
	if nanos == 0 && cursorID == "" {
		return true
	}
	if t.UnixNano() != nanos {
		return t.UnixNano() > nanos
	}
	return id > cursorID
}

// ScanListenerEvents returns a time-ordered page for the tenant and episode.
func (s *MemoryEventStore) ScanListenerEvents(ctx context.Context, tenantID, episodeID string, from, to time.Time, cursor Cursor, limit int) ([]models.ListenerEvent, Cursor, error) {
	nanos, cursorID, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	var matched []models.ListenerEvent
	for _, part := range s.listener {
		for _, ev := range part {
			if ev.TenantID != tenantID {
				continue
			}
			if episodeID != "" && ev.EpisodeID != episodeID {
				continue
			}
			if ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
				continue
			}
			if !afterCursor(ev.OccurredAt, ev.ID, nanos, cursorID) {
				continue
			}
			matched = append(matched, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.Before(matched[j].OccurredAt)
		}
		return matched[i].ID < matched[j].ID
	})

	var next Cursor
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = encodeCursor(last.OccurredAt, last.ID)
	}
	return matched, next, nil
}

// ScanAttributionEvents returns a time-ordered page for the tenant and
// campaign.
func (s *MemoryEventStore) ScanAttributionEvents(ctx context.Context, tenantID, campaignID string, from, to time.Time, cursor Cursor, limit int) ([]models.AttributionEvent, Cursor, error) {
	nanos, cursorID, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	var matched []models.AttributionEvent
	for _, part := range s.attributed {
		for _, ev := range part {
			if ev.TenantID != tenantID {
				continue
			}
			if campaignID != "" && ev.CampaignID != campaignID {
				continue
			}
			if ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(to) {
				continue
			}
			if !afterCursor(ev.OccurredAt, ev.ID, nanos, cursorID) {
				continue
			}
			matched = append(matched, ev)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.Before(matched[j].OccurredAt)
		}
		return matched[i].ID < matched[j].ID
	})

	var next Cursor
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		next = encodeCursor(last.OccurredAt, last.ID)
	}
	return matched, next, nil
}

// PurgeBefore drops whole partitions older than the horizon.
func (s *MemoryEventStore) PurgeBefore(ctx context.Context, horizon time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := partitionKey(horizon)
	var purged int64
	for p, events := range s.listener {
		if p < cutoff {
			purged += int64(len(events))
			delete(s.listener, p)
		}
	}
	for p, events := range s.attributed {
		if p < cutoff {
			purged += int64(len(events))
			delete(s.attributed, p)
		}
	}
	return purged, nil
}
