package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcPublishSubscribe(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	var got []string
	_, err := b.Subscribe("events.test", func(_ context.Context, subject string, data []byte) error {
		got = append(got, string(data))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events.test", []byte("one")))
	require.NoError(t, b.Publish(context.Background(), "events.test", []byte("two")))
	require.NoError(t, b.Publish(context.Background(), "other.subject", []byte("ignored")))

	assert.Equal(t, []string{"one", "two"}, got)
}

func TestInProcQueueGroupDeliversOncePerGroup(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	deliveries := 0
	handler := func(_ context.Context, _ string, _ []byte) error {
		deliveries++
		return nil
	}
	_, err := b.QueueSubscribe("events.test", "workers", handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("events.test", "workers", handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events.test", []byte("x")))
	assert.Equal(t, 1, deliveries)
}

func TestInProcUnsubscribe(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	calls := 0
	sub, err := b.Subscribe("events.test", func(_ context.Context, _ string, _ []byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "events.test", nil))
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, b.Publish(context.Background(), "events.test", nil))

	assert.Equal(t, 1, calls)
}

func TestInProcClosedBusRejectsPublish(t *testing.T) {
	b := NewInProcBus()
	require.NoError(t, b.Close())

	assert.Error(t, b.Publish(context.Background(), "events.test", nil))
	_, err := b.Subscribe("events.test", func(context.Context, string, []byte) error { return nil })
	assert.Error(t, err)
}

func TestPublishJSON(t *testing.T) {
	b := NewInProcBus()
	defer b.Close()

	var got []byte
	_, err := b.Subscribe("events.test", func(_ context.Context, _ string, data []byte) error {
		got = data
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, PublishJSON(context.Background(), b, "events.test", map[string]int{"n": 7}))
	assert.JSONEq(t, `{"n":7}`, string(got))
}
