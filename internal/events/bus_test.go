package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypernode-facilitator/internal/models"
)

func event(kind models.EventKind, id string) models.SettlementEvent {
	return models.SettlementEvent{Kind: kind, IntentID: id, Amount: 10, At: time.UnixMilli(1700000000000)}
}

func TestFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(event(models.EventAuthorized, "i1"))
	bus.Publish(event(models.EventSettled, "i1"))

	for _, ch := range []<-chan models.SettlementEvent{a, b} {
		assert.Equal(t, models.EventAuthorized, (<-ch).Kind)
		assert.Equal(t, models.EventSettled, (<-ch).Kind)
	}
	assert.Zero(t, bus.Dropped())
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var dropped []string
	bus.OnDrop(func(ev models.SettlementEvent) {
		mu.Lock()
		dropped = append(dropped, ev.IntentID)
		mu.Unlock()
	})
	slow, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			bus.Publish(event(models.EventExpired, string(rune('a'+i))))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, "a", (<-slow).IntentID)
	assert.Equal(t, uint64(2), bus.Dropped())
	assert.Equal(t, []string{"b", "c"}, dropped)
}

func TestUnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(2)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	other, _ := bus.Subscribe(2)
	bus.Close()
	_, open = <-other
	assert.False(t, open)

	bus.Publish(event(models.EventCancelled, "late"))
	late, _ := bus.Subscribe(1)
	_, open = <-late
	require.False(t, open)
}
