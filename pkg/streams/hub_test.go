package streams

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe(4)
	b := hub.Subscribe(4)

	hub.Publish(NewEvent("request.admitted", map[string]string{"ticket": "t-1"}))

	evtA := <-a
	evtB := <-b
	assert.Equal(t, "request.admitted", evtA.Type)
	assert.Equal(t, evtA, evtB)
	assert.NotEmpty(t, evtA.At)
	assert.JSONEq(t, `{"ticket":"t-1"}`, string(evtA.Data))
}

func TestHubDoesNotBlockOnSlowSubscriber(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe(1)
	fast := hub.Subscribe(8)

	for i := 0; i < 4; i++ {
		hub.Publish(NewEvent("tick", nil))
	}

	// The slow subscriber kept only what its buffer held.
	assert.Len(t, slow, 1)
	assert.Len(t, fast, 4)
}

func TestHubReapsPersistentlySlowSubscriber(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe(1)
	require.Equal(t, 1, hub.Len())

	for i := 0; i < maxOverflows+1; i++ {
		hub.Publish(NewEvent("tick", nil))
	}

	assert.Equal(t, 0, hub.Len())

	// The reaped channel is closed once drained.
	<-slow
	_, open := <-slow
	assert.False(t, open)
}

func TestHubUnsubscribeCloses(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe(1)
	hub.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Len())

	// A second unsubscribe is a no-op.
	hub.Unsubscribe(ch)
}
