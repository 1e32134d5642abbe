package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(EventQuotaThrottled)
	defer sub.Close()

	bus.Emit(EventQuotaThrottled, "quota", map[string]string{"provider": "openai"})

	select {
	case ev := <-sub.Events():
		require.NotNil(t, ev)
		assert.Equal(t, EventQuotaThrottled, ev.Type)
		assert.Equal(t, "quota", ev.Source)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(EventDebateCompleted)
	defer sub.Close()

	bus.Emit(EventQuotaAlert, "quota", nil)
	bus.Emit(EventDebateCompleted, "debate", nil)

	ev := <-sub.Events()
	assert.Equal(t, EventDebateCompleted, ev.Type)

	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected extra event %v", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Close()

	bus.Emit(EventSessionUpdate, "health", nil)
	bus.Emit(EventDebateStarted, "debate", nil)

	first := <-sub.Events()
	second := <-sub.Events()
	assert.Equal(t, EventSessionUpdate, first.Type)
	assert.Equal(t, EventDebateStarted, second.Type)
}

func TestBus_ClosedSubscriptionDoesNotReceive(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(EventSessionError)
	sub.Close()

	bus.Emit(EventSessionError, "health", nil)

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestBus_DropsWhenBufferFull(t *testing.T) {
	bus := NewBus(&BusConfig{BufferSize: 1, PublishTimeout: time.Millisecond})
	defer bus.Close()

	sub := bus.Subscribe(EventQuotaRequest)
	defer sub.Close()

	bus.Emit(EventQuotaRequest, "quota", 1)
	bus.Emit(EventQuotaRequest, "quota", 2)

	m := bus.Metrics()
	assert.Equal(t, int64(2), m.EventsPublished)
	assert.Equal(t, int64(1), m.EventsDelivered)
	assert.Equal(t, int64(1), m.EventsDropped)
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe()
	bus.Close()

	_, open := <-sub.Events()
	assert.False(t, open)

	// Publishing after close is a no-op.
	bus.Emit(EventDebateFailed, "debate", nil)
}
