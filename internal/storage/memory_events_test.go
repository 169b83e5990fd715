package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castsignal/attribution-engine/internal/models"
)

func listenerEvent(tenant, id string, at time.Time) models.ListenerEvent {
	return models.ListenerEvent{
		ID:             id,
		TenantID:       tenant,
		EpisodeID:      "ep-1",
		Type:           models.ListenerEventPlay,
		OccurredAt:     at,
		IdempotencyKey: "key-" + id,
	}
}

func TestAppendListenerEventsIdempotency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := store.AppendListenerEvents(ctx, []models.ListenerEvent{listenerEvent("tenant-1", "ev-1", at)})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, AppendAccepted, first[0].Status)

	// same idempotency key, delivered again
	second, err := store.AppendListenerEvents(ctx, []models.ListenerEvent{listenerEvent("tenant-1", "ev-1", at)})
	require.NoError(t, err)
	assert.Equal(t, AppendDuplicate, second[0].Status)

	events, _, err := store.ScanListenerEvents(ctx, "tenant-1", "", at.Add(-time.Hour), at.Add(time.Hour), "", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestIdempotencyKeysAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.AppendListenerEvents(ctx, []models.ListenerEvent{listenerEvent("tenant-1", "ev-1", at)})
	require.NoError(t, err)

	other := listenerEvent("tenant-2", "ev-1", at)
	outcomes, err := store.AppendListenerEvents(ctx, []models.ListenerEvent{other})
	require.NoError(t, err)
	assert.Equal(t, AppendAccepted, outcomes[0].Status)
}

func TestScanListenerEventsCursorPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var batch []models.ListenerEvent
	for i := 0; i < 5; i++ {
		batch = append(batch, listenerEvent("tenant-1", fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Minute)))
	}
	_, err := store.AppendListenerEvents(ctx, batch)
	require.NoError(t, err)

	var collected []models.ListenerEvent
	var cursor Cursor
	pages := 0
	for {
		page, next, err := store.ScanListenerEvents(ctx, "tenant-1", "", base.Add(-time.Hour), base.Add(time.Hour), cursor, 2)
		require.NoError(t, err)
		collected = append(collected, page...)
		pages++
		if next == "" {
			break
		}
		cursor = next
	}

	require.Len(t, collected, 5)
	assert.Equal(t, 3, pages)
	for i := 1; i < len(collected); i++ {
		assert.True(t, collected[i-1].OccurredAt.Before(collected[i].OccurredAt),
			"scan must be time ordered")
	}
}

func TestScanIsTenantIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.AppendListenerEvents(ctx, []models.ListenerEvent{
		listenerEvent("tenant-1", "ev-1", at),
		listenerEvent("tenant-2", "ev-2", at),
	})
	require.NoError(t, err)

	events, _, err := store.ScanListenerEvents(ctx, "tenant-1", "", at.Add(-time.Hour), at.Add(time.Hour), "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tenant-1", events[0].TenantID)
}

func TestPurgeBeforeDropsOldPartitions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	old := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.AppendListenerEvents(ctx, []models.ListenerEvent{
		listenerEvent("tenant-1", "ev-old", old),
		listenerEvent("tenant-1", "ev-new", recent),
	})
	require.NoError(t, err)

	purged, err := store.PurgeBefore(ctx, recent.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	events, _, err := store.ScanListenerEvents(ctx, "tenant-1", "", old.Add(-time.Hour), recent.Add(time.Hour), "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-new", events[0].ID)
}

func TestScanAttributionEventsByCampaign(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := store.AppendAttributionEvents(ctx, []models.AttributionEvent{
		{
			ID: "ev-1", TenantID: "tenant-1", CampaignID: "camp-1",
			Method: models.MethodPromoCode, Kind: models.KindTouchpoint,
			OccurredAt: at, IdempotencyKey: "k1",
		},
		{
			ID: "ev-2", TenantID: "tenant-1", CampaignID: "camp-2",
			Method: models.MethodUTM, Kind: models.KindConversion,
			OccurredAt: at.Add(time.Minute), IdempotencyKey: "k2", Value: 20,
		},
	})
	require.NoError(t, err)

	events, _, err := store.ScanAttributionEvents(ctx, "tenant-1", "camp-1", at.Add(-time.Hour), at.Add(time.Hour), "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-1", events[0].ID)

	all, _, err := store.ScanAttributionEvents(ctx, "tenant-1", "", at.Add(-time.Hour), at.Add(time.Hour), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
