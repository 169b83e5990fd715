package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/bus"
	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

var testMetrics = metrics.NewMetrics("identity_test")

func newTestResolver(t *testing.T) (*Resolver, storage.JourneyStore) {
	t.Helper()
	store := storage.NewMemoryJourneyStore()
	b := bus.NewInProcBus()
	t.Cleanup(func() { b.Close() })
	fp := NewFingerprinter(NoopGeo{})
	return NewResolver(store, fp, 0.8, 16, b, testMetrics, zap.NewNop()), store
}

func touchpoint(id string, at time.Time) *models.AttributionEvent {
	return &models.AttributionEvent{
		ID: id, TenantID: "tenant-1", CampaignID: "camp-1",
		Method: models.MethodPromoCode, Kind: models.KindTouchpoint,
		OccurredAt: at, IdempotencyKey: "k-" + id,
	}
}

func TestResolveSameListenerLandsInOneJourney(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	ev1 := touchpoint("ev-1", at)
	ev1.ListenerID = "listener-1"
	j1, err := resolver.Resolve(ctx, ev1)
	require.NoError(t, err)
	require.NotNil(t, j1)
	assert.Equal(t, int64(1), j1.Version)

	ev2 := touchpoint("ev-2", at.Add(time.Hour))
	ev2.ListenerID = "listener-1"
	j2, err := resolver.Resolve(ctx, ev2)
	require.NoError(t, err)

	assert.Equal(t, j1.ID, j2.ID)
	assert.Equal(t, int64(2), j2.Version)
	assert.Len(t, j2.Touchpoints, 2)
}

func TestResolveDeviceIDFingerprintMatches(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// no exact identifiers, only a stable device id on both events
	ev1 := touchpoint("ev-1", at)
	ev1.Device = models.DeviceSignals{DeviceID: "device-abc"}
	j1, err := resolver.Resolve(ctx, ev1)
	require.NoError(t, err)

	ev2 := touchpoint("ev-2", at.Add(time.Hour))
	ev2.Device = models.DeviceSignals{DeviceID: "device-abc"}
	j2, err := resolver.Resolve(ctx, ev2)
	require.NoError(t, err)

	assert.Equal(t, j1.ID, j2.ID)
	assert.Len(t, j2.Touchpoints, 2)
}

func TestResolveWeakFingerprintMatchIsOrphaned(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// first sighting of the weak fingerprint starts a journey and records it
	weak := models.DeviceSignals{Platform: "iOS", OS: "17.4"}
	ev1 := touchpoint("ev-1", at)
	ev1.Device = weak
	_, err := resolver.Resolve(ctx, ev1)
	require.NoError(t, err)

	// second event matches the known fingerprint, but two signals score
	// below the merge threshold, so the touchpoint is parked instead of
	// guessing
	ev2 := touchpoint("ev-2", at.Add(time.Hour))
	ev2.Device = weak
	journey, err := resolver.Resolve(ctx, ev2)
	require.ErrorIs(t, err, ErrAmbiguousMatch)
	assert.Nil(t, journey)

	orphans, err := store.ListOrphans(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "ev-2", orphans[0].EventID)
	assert.InDelta(t, 0.6, orphans[0].Confidence, 1e-9)
}

func TestResolveConversionAlwaysLands(t *testing.T) {
	resolver, _ := newTestResolver(t)
	ctx := context.Background()

	conv := &models.AttributionEvent{
		ID: "conv-1", TenantID: "tenant-1", CampaignID: "camp-1",
		Method: models.MethodPromoCode, Kind: models.KindConversion,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		IdempotencyKey: "k-conv-1", Value: 25,
	}
	journey, err := resolver.Resolve(ctx, conv)
	require.NoError(t, err)
	require.NotNil(t, journey)
	require.Len(t, journey.Conversions, 1)
	assert.Equal(t, 25.0, journey.Conversions[0].Value)
}

func TestResolveMergesFingerprintJourneyIntoExactJourney(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// journey A: listener id only
	evA := touchpoint("ev-a", at)
	evA.ListenerID = "listener-1"
	jA, err := resolver.Resolve(ctx, evA)
	require.NoError(t, err)

	// journey B: anonymous device only
	evB := touchpoint("ev-b", at.Add(time.Hour))
	evB.Device = models.DeviceSignals{DeviceID: "device-abc"}
	jB, err := resolver.Resolve(ctx, evB)
	require.NoError(t, err)
	require.NotEqual(t, jA.ID, jB.ID)

	// the same device shows up with the listener id: B folds into A
	evC := touchpoint("ev-c", at.Add(2*time.Hour))
	evC.ListenerID = "listener-1"
	evC.Device = models.DeviceSignals{DeviceID: "device-abc"}
	merged, err := resolver.Resolve(ctx, evC)
	require.NoError(t, err)

	assert.Equal(t, jA.ID, merged.ID)
	assert.Len(t, merged.Touchpoints, 3)

	emptied, err := store.GetJourney(ctx, "tenant-1", jB.ID)
	require.NoError(t, err)
	assert.Empty(t, emptied.Touchpoints)

	// later device-only events now land on the merged journey
	evD := touchpoint("ev-d", at.Add(3*time.Hour))
	evD.Device = models.DeviceSignals{DeviceID: "device-abc"}
	jD, err := resolver.Resolve(ctx, evD)
	require.NoError(t, err)
	assert.Equal(t, jA.ID, jD.ID)
}

func TestReresolveOrphans(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	weak := models.DeviceSignals{Platform: "iOS", OS: "17.4"}
	ev1 := touchpoint("ev-1", at)
	ev1.Device = weak
	_, err := resolver.Resolve(ctx, ev1)
	require.NoError(t, err)

	orphaned := touchpoint("ev-2", at.Add(time.Hour))
	orphaned.Device = weak
	_, err = resolver.Resolve(ctx, orphaned)
	require.ErrorIs(t, err, ErrAmbiguousMatch)

	// replay with an exact identifier attached: the orphan resolves
	replay := *orphaned
	replay.ListenerID = "listener-1"
	resolved, err := resolver.ReresolveOrphans(ctx, "tenant-1", []models.AttributionEvent{replay})
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	orphans, err := store.ListOrphans(ctx, "tenant-1", 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

// TestResolveMergeDoesNotStrandConcurrentDeviceEvents races a cross-device
// merge against device-only writes to the journey being folded in. Every
// touchpoint must end up on the journey the identity lookups reference.
func TestResolveMergeDoesNotStrandConcurrentDeviceEvents(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	device := models.DeviceSignals{DeviceID: "device-abc"}

	evA := touchpoint("ev-a", at)
	evA.ListenerID = "listener-1"
	jA, err := resolver.Resolve(ctx, evA)
	require.NoError(t, err)

	evB := touchpoint("ev-b", at.Add(time.Minute))
	evB.Device = device
	jB, err := resolver.Resolve(ctx, evB)
	require.NoError(t, err)
	require.NotEqual(t, jA.ID, jB.ID)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ev := touchpoint("ev-merge", at.Add(2*time.Minute))
		ev.ListenerID = "listener-1"
		ev.Device = device
		_, err := resolver.Resolve(ctx, ev)
		errs <- err
	}()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := touchpoint(fmt.Sprintf("ev-dev-%d", i), at.Add(time.Duration(i+3)*time.Minute))
			ev.Device = device
			_, err := resolver.Resolve(ctx, ev)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	journeyID, err := store.LookupListener(ctx, "tenant-1", "listener-1")
	require.NoError(t, err)
	merged, err := store.GetJourney(ctx, "tenant-1", journeyID)
	require.NoError(t, err)
	assert.Len(t, merged.Touchpoints, n+3)

	emptied, err := store.GetJourney(ctx, "tenant-1", jB.ID)
	require.NoError(t, err)
	assert.Empty(t, emptied.Touchpoints)
}

func TestResolveConcurrentSameListener(t *testing.T) {
	resolver, store := newTestResolver(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := touchpoint(fmt.Sprintf("ev-%d", i), at.Add(time.Duration(i)*time.Minute))
			ev.ListenerID = "listener-1"
			_, err := resolver.Resolve(ctx, ev)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	journeyID, err := store.LookupListener(ctx, "tenant-1", "listener-1")
	require.NoError(t, err)
	journey, err := store.GetJourney(ctx, "tenant-1", journeyID)
	require.NoError(t, err)
	assert.Len(t, journey.Touchpoints, n)
	assert.Equal(t, int64(n), journey.Version)
}
