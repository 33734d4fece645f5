// Package stream implements the Stream port (§4.1): a persistent
// publish (each event tagged with a groupId) alongside a live-only ephemeral
// broadcast, both subscribable through a single cancellable iterator.
package stream

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one message carried on a topic.
type Event struct {
	Topic     string                 `json:"topic"`
	GroupID   string                 `json:"groupId,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Filter narrows a Subscribe call. An empty Filter matches everything.
type Filter struct {
	GroupID string
}

func (f Filter) match(e Event) bool {
	if f.GroupID != "" && e.GroupID != f.GroupID {
		return false
	}
	return true
}

// Subscription is a cancellable live iterator over a topic.
type Subscription interface {
	// Events yields delivered events until the subscription is
	// cancelled or the producer closes the underlying channel.
	Events() <-chan Event
	Cancel()
}

// Stream is the port every StreamManager/EventBus-adjacent component
// depends on, never a concrete transport.
type Stream interface {
	// Publish persists event on topic under groupId for at-least-once,
	// replayable delivery (e.g. workflow-status history).
	Publish(ctx context.Context, topic, groupID string, payload map[string]interface{}) error
	// Ephemeral broadcasts payload on topic to whatever subscribers are
	// live right now; it is never persisted or replayed.
	Ephemeral(ctx context.Context, topic string, payload map[string]interface{}) error
	// Subscribe returns a cancellable iterator over topic, optionally
	// narrowed by filter.
	Subscribe(ctx context.Context, topic string, filter Filter) (Subscription, error)
	Close() error
}

func encode(payload map[string]interface{}) ([]byte, error) {
	return json.Marshal(payload)
}

func decode(raw []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
