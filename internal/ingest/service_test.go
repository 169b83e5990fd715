package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castsignal/attribution-engine/internal/bus"
	"github.com/castsignal/attribution-engine/internal/metrics"
	"github.com/castsignal/attribution-engine/internal/models"
	"github.com/castsignal/attribution-engine/internal/storage"
)

var testMetrics = metrics.NewMetrics("ingest_test")

func newTestService(t *testing.T, throttle Throttle) (*Service, *bus.InProcBus) {
	t.Helper()
	if throttle == nil {
		throttle = NewMemoryThrottle(1000, 1000)
	}
	b := bus.NewInProcBus()
	t.Cleanup(func() { b.Close() })
	return NewService(storage.NewMemoryEventStore(), throttle, b, testMetrics, zap.NewNop()), b
}

func validListenerEvent(key string) models.ListenerEvent {
	return models.ListenerEvent{
		EpisodeID:      "ep-1",
		Type:           models.ListenerEventPlay,
		OccurredAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		IdempotencyKey: key,
	}
}

func validAttributionEvent(key string) models.AttributionEvent {
	return models.AttributionEvent{
		CampaignID:     "camp-1",
		Method:         models.MethodPromoCode,
		Kind:           models.KindTouchpoint,
		OccurredAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		IdempotencyKey: key,
	}
}

func TestIngestListenerEventsEmptyBatch(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.IngestListenerEvents(context.Background(), "tenant-1", nil)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestIngestListenerEventsRejectsInvalidEvent(t *testing.T) {
	svc, _ := newTestService(t, nil)

	ev := validListenerEvent("k1")
	ev.EpisodeID = ""
	_, err := svc.IngestListenerEvents(context.Background(), "tenant-1", []models.ListenerEvent{ev})
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Contains(t, err.Error(), "event 0")
}

func TestIngestListenerEventsAssignsTenantAndID(t *testing.T) {
	svc, b := newTestService(t, nil)

	var published models.ListenerEvent
	_, err := b.Subscribe(bus.SubjectListenerAccepted, func(_ context.Context, _ string, data []byte) error {
		return json.Unmarshal(data, &published)
	})
	require.NoError(t, err)

	outcomes, err := svc.IngestListenerEvents(context.Background(), "tenant-1", []models.ListenerEvent{validListenerEvent("k1")})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, storage.AppendAccepted, outcomes[0].Status)
	assert.NotEmpty(t, outcomes[0].EventID)

	assert.Equal(t, "tenant-1", published.TenantID)
	assert.Equal(t, outcomes[0].EventID, published.ID)
}

func TestIngestDuplicateIsNotAnErrorAndNotRepublished(t *testing.T) {
	svc, b := newTestService(t, nil)

	publishes := 0
	_, err := b.Subscribe(bus.SubjectAttributionAccepted, func(context.Context, string, []byte) error {
		publishes++
		return nil
	})
	require.NoError(t, err)

	batch := []models.AttributionEvent{validAttributionEvent("k1")}
	first, err := svc.IngestAttributionEvents(context.Background(), "tenant-1", batch)
	require.NoError(t, err)
	assert.Equal(t, storage.AppendAccepted, first[0].Status)

	second, err := svc.IngestAttributionEvents(context.Background(), "tenant-1", []models.AttributionEvent{validAttributionEvent("k1")})
	require.NoError(t, err)
	assert.Equal(t, storage.AppendDuplicate, second[0].Status)
	assert.Equal(t, 1, publishes)
}

func TestIngestOverloadedTenant(t *testing.T) {
	svc, _ := newTestService(t, NewMemoryThrottle(1, 2))

	var batch []models.AttributionEvent
	for i := 0; i < 3; i++ {
		batch = append(batch, validAttributionEvent(fmt.Sprintf("k%d", i)))
	}
	_, err := svc.IngestAttributionEvents(context.Background(), "tenant-1", batch)
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestIngestBatchSizeLimit(t *testing.T) {
	svc, _ := newTestService(t, nil)

	batch := make([]models.ListenerEvent, MaxBatchSize+1)
	for i := range batch {
		batch[i] = validListenerEvent(fmt.Sprintf("k%d", i))
	}
	_, err := svc.IngestListenerEvents(context.Background(), "tenant-1", batch)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryThrottleIsolatesTenants(t *testing.T) {
	throttle := NewMemoryThrottle(1, 2)

	ok, err := throttle.Allow(context.Background(), "tenant-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = throttle.Allow(context.Background(), "tenant-1", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// a different tenant has its own bucket
	ok, err = throttle.Allow(context.Background(), "tenant-2", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisThrottle(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	throttle := NewRedisThrottle(client, 5, 5)
	ctx := context.Background()

	ok, err := throttle.Allow(ctx, "tenant-1", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = throttle.Allow(ctx, "tenant-1", 5)
	require.NoError(t, err)
	assert.False(t, ok)

	// the rejected batch rolled its increment back, so a batch that fits
	// in the remaining budget is still admitted
	ok, err = throttle.Allow(ctx, "tenant-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// another tenant has its own counter
	ok, err = throttle.Allow(ctx, "tenant-2", 5)
	require.NoError(t, err)
	assert.True(t, ok)
}
