package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllHandlers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var first, second []Event

	bus := NewBus(16, func(e Event) {
		mu.Lock()
		first = append(first, e)
		mu.Unlock()
	})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		second = append(second, e)
		mu.Unlock()
	})

	bus.Publish(New(TypeAccessViolation, "svc-1", map[string]any{"decision": "DENIED_IP"}))
	bus.Publish(New(TypeClientDisabled, "svc-1", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(first) == 2 && len(second) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TypeAccessViolation, first[0].Type)
	assert.Equal(t, "svc-1", first[0].ClientID)
	assert.NotEmpty(t, first[0].ID)
	bus.Close()
}

func TestBusDropsWhenFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	bus := NewBus(1, func(Event) {
		<-block
	})
	t.Cleanup(func() {
		close(block)
		bus.Close()
	})

	// Saturate the worker and the buffer, then overflow.
	for i := 0; i < 16; i++ {
		bus.Publish(New(TypeTokenFetched, "svc-1", nil))
	}

	assert.Positive(t, bus.Dropped())
}

func TestBusDropsAfterClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(4)
	bus.Close()
	bus.Publish(New(TypeTokenFetched, "svc-1", nil))
	assert.Equal(t, int64(1), bus.Dropped())
}
