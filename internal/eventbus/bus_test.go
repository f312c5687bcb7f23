package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var got []string

	b.Subscribe(nil, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(ev.Kind))
	})

	b.Publish(ItemAdded, ItemPayload{ID: "a"})
	b.Publish(ItemStatus, ItemPayload{ID: "a", Status: "preparing"})
	b.Publish(ItemCompleted, ItemPayload{ID: "a", Status: "finished"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"item_added", "item_status", "item_completed"}, got)
}

func TestSubscribeFiltersKinds(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var got []Kind

	b.Subscribe([]Kind{ItemCompleted}, func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Kind)
	})

	b.Publish(ItemAdded, ItemPayload{ID: "x"})
	b.Publish(ItemCompleted, ItemPayload{ID: "x"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{ItemCompleted}, got)
}

func TestItemUpdatedCoalesces(t *testing.T) {
	b := New(nil)
	block := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var received []ItemPayload

	b.Subscribe([]Kind{ItemUpdated}, func(ev Event) {
		<-block // hold the first delivery so later publishes queue up
		mu.Lock()
		received = append(received, ev.Payload.(ItemPayload))
		mu.Unlock()
		<-release
	})

	b.Publish(ItemUpdated, ItemPayload{ID: "task-1", Status: "downloading"})
	time.Sleep(20 * time.Millisecond) // let the first event enter delivery and block
	b.Publish(ItemUpdated, ItemPayload{ID: "task-1", Status: "downloading", Extra: map[string]any{"progress": 10}})
	b.Publish(ItemUpdated, ItemPayload{ID: "task-1", Status: "downloading", Extra: map[string]any{"progress": 50}})

	close(block)
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := len(received)
		return n >= 1 && received[n-1].Extra["progress"] == 50
	}, time.Second, time.Millisecond)

	// The two updates queued behind the blocked delivery collapse into one,
	// so three publishes yield at most two deliveries, the last the newest.
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, len(received), 3)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	count := 0

	tok := b.Subscribe(nil, func(ev Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.Publish(Test, nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	b.Unsubscribe(tok)
	b.Publish(Test, nil)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
