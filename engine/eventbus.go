package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/erasure-engine/engine/infrastructure/logging"
)

// StepEvent is one message flowing through the bus: a step handler's
// input or a step's emitted output (§4.8).
type StepEvent struct {
	Topic      string
	WorkflowID string
	StepName   string
	Attempt    int
	Payload    map[string]interface{}
}

// Handler processes events delivered on a topic. Handlers must be
// idempotent keyed by (workflowId, stepName, attempt) — StepDispatcher
// enforces that by rejecting redelivery of an already-succeeded attempt
// before the handler ever runs, but a handler may itself be invoked more
// than once for the same attempt under at-least-once delivery if it
// fails to acknowledge quickly enough.
type Handler func(ctx context.Context, event StepEvent) error

type subscription struct {
	id      string
	handler Handler
}

// EventBus is a topic-based pub/sub with a bounded per-topic queue and a
// fixed worker pool, modeled on the teacher's contract-event dispatcher
// (queue + worker goroutines + per-topic handler registration).
type EventBus struct {
	log *logging.Logger

	mu     sync.RWMutex
	topics map[string][]subscription
	queues map[string]chan StepEvent

	queueSize   int
	workerCount int

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	delivered int64
	dropped   int64
	failed    int64
	statsMu   sync.Mutex
}

// EventBusConfig configures queue depth and worker concurrency.
type EventBusConfig struct {
	QueueSize   int
	WorkerCount int
	Logger      *logging.Logger
}

func NewEventBus(cfg EventBusConfig) *EventBus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("eventbus", "info", "json")
	}
	return &EventBus{
		log:         cfg.Logger,
		topics:      make(map[string][]subscription),
		queues:      make(map[string]chan StepEvent),
		queueSize:   cfg.QueueSize,
		workerCount: cfg.WorkerCount,
		stopCh:      make(chan struct{}),
	}
}

// Subscribe registers handler on topic, returning an id usable with
// Unsubscribe. Must be called before Start for the topic's queue and
// workers to exist.
func (b *EventBus) Subscribe(topic string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("%s-%d", topic, len(b.topics[topic]))
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	if _, ok := b.queues[topic]; !ok {
		b.queues[topic] = make(chan StepEvent, b.queueSize)
	}
	return id
}

// Unsubscribe removes a handler registered under id on topic.
func (b *EventBus) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[topic]
	for i, s := range subs {
		if s.id == id {
			b.topics[topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Start spins up workerCount goroutines per registered topic.
func (b *EventBus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	topics := make([]string, 0, len(b.queues))
	for t := range b.queues {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		for i := 0; i < b.workerCount; i++ {
			b.wg.Add(1)
			go b.worker(ctx, topic)
		}
	}
	b.log.WithField("topics", topics).WithField("workers_per_topic", b.workerCount).Info("event bus started")
}

// Stop halts delivery and waits for in-flight handlers to return.
func (b *EventBus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("event bus stopped")
}

func (b *EventBus) worker(ctx context.Context, topic string) {
	defer b.wg.Done()
	b.mu.RLock()
	queue := b.queues[topic]
	b.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case event := <-queue:
			b.deliver(ctx, topic, event)
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, topic string, event StepEvent) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.handler(ctx, event); err != nil {
			b.statsMu.Lock()
			b.failed++
			b.statsMu.Unlock()
			b.log.WithField("topic", topic).
				WithField("workflowId", event.WorkflowID).
				WithField("step", event.StepName).
				WithError(err).
				Error("step handler failed")
			continue
		}
	}
	b.statsMu.Lock()
	b.delivered++
	b.statsMu.Unlock()
}

// Publish enqueues event on topic for async delivery. Returns an error
// if the topic has no queue (no subscriber ever registered) or the
// queue is full, in which case the event is dropped rather than
// blocking the publisher.
func (b *EventBus) Publish(topic string, event StepEvent) error {
	event.Topic = topic
	b.mu.RLock()
	queue, ok := b.queues[topic]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("engine: no subscribers registered for topic %q", topic)
	}
	select {
	case queue <- event:
		return nil
	default:
		b.statsMu.Lock()
		b.dropped++
		b.statsMu.Unlock()
		return fmt.Errorf("engine: topic %q queue full, event dropped", topic)
	}
}

// PublishSync delivers event to every subscriber of topic synchronously,
// returning every handler error encountered.
func (b *EventBus) PublishSync(ctx context.Context, topic string, event StepEvent) []error {
	event.Topic = topic
	b.mu.RLock()
	subs := append([]subscription(nil), b.topics[topic]...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", s.id, err))
		}
	}
	return errs
}

// Stats reports bus-wide delivery counters.
type BusStats struct {
	Delivered int64
	Dropped   int64
	Failed    int64
}

func (b *EventBus) Stats() BusStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return BusStats{Delivered: b.delivered, Dropped: b.dropped, Failed: b.failed}
}
