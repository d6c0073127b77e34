package audit

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/S-Corkum/agentcom/internal/eventbus"
)

type recordingSink struct {
	mu     sync.Mutex
	rows   map[string][]byte
	synced int
}

func newRecordingSink() *recordingSink { return &recordingSink{rows: make(map[string][]byte)} }

func (s *recordingSink) Put(_ context.Context, table, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[table+"\x00"+key] = value
	return nil
}

func (s *recordingSink) Sync(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced++
	return nil
}

func (s *recordingSink) all() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.rows))
	for _, v := range s.rows {
		var rec Record
		if err := json.Unmarshal(v, &rec); err == nil {
			out = append(out, rec)
		}
	}
	return out
}

func TestLogPersistsSubscribedTopics(t *testing.T) {
	sink := newRecordingSink()
	bus := eventbus.New(nil)
	defer bus.Close()

	log := New(sink, nil)
	subs := log.Subscribe(bus, eventbus.TopicTaskSubmitted, eventbus.TopicAgentJoined)
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()

	bus.Publish(eventbus.Event{Topic: eventbus.TopicTaskSubmitted, Payload: map[string]any{"task_id": "t1"}})
	bus.Publish(eventbus.Event{Topic: eventbus.TopicAgentJoined, Payload: map[string]any{"agent_id": "a1"}})

	require.Eventually(t, func() bool {
		return len(sink.all()) == 2
	}, time.Second, 5*time.Millisecond)

	var topics []string
	for _, rec := range sink.all() {
		topics = append(topics, rec.Topic)
		require.NotEmpty(t, rec.ID)
		require.NotZero(t, rec.TimestampMs)
	}
	require.ElementsMatch(t, []string{eventbus.TopicTaskSubmitted, eventbus.TopicAgentJoined}, topics)
}

func TestLogIgnoresUnsubscribedTopics(t *testing.T) {
	sink := newRecordingSink()
	bus := eventbus.New(nil)
	defer bus.Close()

	log := New(sink, nil)
	subs := log.Subscribe(bus, eventbus.TopicTaskSubmitted)
	defer subs[0].Unsubscribe()

	bus.Publish(eventbus.Event{Topic: eventbus.TopicRateLimitViolated, Payload: nil})
	time.Sleep(20 * time.Millisecond)

	require.Empty(t, sink.all())
}
