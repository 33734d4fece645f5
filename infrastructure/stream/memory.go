package stream

import (
	"context"
	"sync"
	"time"
)

type memorySubscription struct {
	ch     chan Event
	cancel func()
}

func (s *memorySubscription) Events() <-chan Event { return s.ch }
func (s *memorySubscription) Cancel()               { s.cancel() }

// MemoryStream is an in-process Stream for tests and local development.
// Publish and Ephemeral behave identically (both fan out to whatever
// subscribers are currently registered); MemoryStream keeps no durable
// log, so a subscriber that joins after a Publish never sees it —
// callers needing replay belong on RedisStream.
type MemoryStream struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{subs: make(map[string]map[int]chan Event)}
}

func (m *MemoryStream) publish(topic, groupID string, payload map[string]interface{}) {
	event := Event{Topic: topic, GroupID: groupID, Payload: payload, Timestamp: time.Now()}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (m *MemoryStream) Publish(_ context.Context, topic, groupID string, payload map[string]interface{}) error {
	m.publish(topic, groupID, payload)
	return nil
}

func (m *MemoryStream) Ephemeral(_ context.Context, topic string, payload map[string]interface{}) error {
	m.publish(topic, "", payload)
	return nil
}

func (m *MemoryStream) Subscribe(_ context.Context, topic string, filter Filter) (Subscription, error) {
	raw := make(chan Event, 32)
	filtered := make(chan Event, 32)

	m.mu.Lock()
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[int]chan Event)
	}
	id := m.next
	m.next++
	m.subs[topic][id] = raw
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case e, ok := <-raw:
				if !ok {
					close(filtered)
					return
				}
				if filter.match(e) {
					select {
					case filtered <- e:
					case <-done:
						return
					}
				}
			}
		}
	}()

	cancelOnce := sync.Once{}
	cancel := func() {
		cancelOnce.Do(func() {
			close(done)
			m.mu.Lock()
			delete(m.subs[topic], id)
			m.mu.Unlock()
		})
	}
	return &memorySubscription{ch: filtered, cancel: cancel}, nil
}

func (m *MemoryStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string]map[int]chan Event)
	return nil
}
