package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
		return Event{}
	}
}

func TestPublishToTypedAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	typed := make(chan Event, 1)
	all := make(chan Event, 4)

	bus.Subscribe(EventCreditsRedeemed, func(e Event) { typed <- e })
	bus.SubscribeAll(func(e Event) { all <- e })

	bus.PublishCreditsRedeemed("user-1", "universal", 150, 0, 0)

	e := receive(t, typed)
	assert.Equal(t, EventCreditsRedeemed, e.Type)
	assert.Equal(t, "user-1", e.UserID)
	assert.Equal(t, int64(150), e.Data["balance"])
	assert.False(t, e.Timestamp.IsZero())

	assert.Equal(t, EventCreditsRedeemed, receive(t, all).Type)

	bus.PublishAccessGranted("user-1", "article", "a-1")
	e = receive(t, all)
	assert.Equal(t, EventAccessGranted, e.Type)
	require.Len(t, typed, 0)
}

func TestPublishCreditsConsumedPayload(t *testing.T) {
	bus := NewEventBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventCreditsConsumed, func(e Event) { got <- e })

	bus.PublishCreditsConsumed("user-2", "course", "c-1", 3, 10, 27, 0)

	e := receive(t, got)
	assert.Equal(t, "course", e.Data["resource_type"])
	assert.Equal(t, int64(3), e.Data["charged"])
	assert.Equal(t, int64(27), e.Data["video_minutes"])
}
