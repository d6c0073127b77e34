package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/agentcom/internal/observability"
)

func TestPublishDeliversInOrderPerSubscriber(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []int

	sub := bus.Subscribe("t1", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Payload.(int))
	})
	defer sub.Unsubscribe()

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Topic: "t1", Payload: i})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	sub := bus.Subscribe("t2", func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Event{Topic: "t2"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	sub.Unsubscribe()
	bus.Publish(Event{Topic: "t2"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}

func TestSeparateTopicsDoNotCrossDeliver(t *testing.T) {
	bus := New(nil)
	defer bus.Close()

	var mu sync.Mutex
	var aCount, bCount int
	subA := bus.Subscribe("a", func(Event) { mu.Lock(); aCount++; mu.Unlock() })
	subB := bus.Subscribe("b", func(Event) { mu.Lock(); bCount++; mu.Unlock() })
	defer subA.Unsubscribe()
	defer subB.Unsubscribe()

	bus.Publish(Event{Topic: "a"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return aCount == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, bCount)
}

func TestPublishEvictsOldestOnFullQueue(t *testing.T) {
	bus := New(nil)
	bus.SetMetrics(observability.NewMetrics(prometheus.NewRegistry()))
	defer bus.Close()

	block := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	var mu sync.Mutex
	var got []int
	sub := bus.Subscribe("overflow", func(ev Event) {
		once.Do(func() {
			close(block)
			<-release
		})
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	// Block the subscriber goroutine mid-first-delivery so every
	// subsequent Publish queues up behind a full channel.
	bus.Publish(Event{Topic: "overflow", Payload: -1})
	<-block

	for i := 0; i < defaultQueueSize+10; i++ {
		bus.Publish(Event{Topic: "overflow", Payload: i})
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == defaultQueueSize+1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Only defaultQueueSize of the defaultQueueSize+10 events fit: the
	// oldest was evicted to admit each newer one, so events 0..9 are
	// dropped and delivery resumes from 10, not from 0.
	require.NotContains(t, got, 0)
	require.Contains(t, got, defaultQueueSize+9)
}
