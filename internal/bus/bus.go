package bus

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"frameworks/api_rooms/pkg/logging"
	"frameworks/api_rooms/pkg/models"
	"frameworks/api_rooms/pkg/validation"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Listener receives events synchronously at publish time. A listener that
// panics is recovered and logged; it never affects other listeners or the
// publish call itself.
type Listener func(event models.StreamEvent)

// SubscriptionID identifies a registered listener for later removal.
type SubscriptionID uint64

type subscription struct {
	id       SubscriptionID
	key      string // event type or models.Wildcard
	once     bool
	fired    atomic.Bool
	listener Listener
}

// Config controls bus limits and observability.
type Config struct {
	// MaxHistoryPerStream bounds each stream's event history (FIFO eviction).
	MaxHistoryPerStream int
	// EventsPublished, when set, counts publishes by event type and outcome.
	EventsPublished *prometheus.CounterVec
}

// DefaultConfig returns the standard bus limits.
func DefaultConfig() Config {
	return Config{MaxHistoryPerStream: 100}
}

// Bus is a typed publish/subscribe core with per-stream bounded history.
//
// Delivery contract: at the moment of a successful publish, every listener
// registered for the exact type runs first in registration order, followed by
// wildcard listeners in registration order. Within one stream, events are
// delivered in publish order; across streams there is no ordering guarantee.
// Per-stream ordering holds under concurrent publishers because each stream's
// fan-out runs through its own serialized dispatch queue.
//
// A Bus is explicitly constructed and injected; multiple instances are legal
// (there is no package-level singleton). It owns no background goroutines,
// so it needs no shutdown.
type Bus struct {
	logger    logging.Logger
	validator *validation.EventValidator
	cfg       Config

	mu        sync.RWMutex
	listeners map[string][]*subscription
	history   map[string][]models.StreamEvent
	recent    []models.StreamEvent
	counts    map[models.EventType]uint64
	nextID    uint64

	dispatchMu  sync.Mutex
	dispatchers map[string]*streamDispatcher
}

// streamDispatcher serializes listener fan-out for one stream. Publishes
// append to the queue in the same critical section that appends history, so
// queue order equals history order; whichever publisher finds the dispatcher
// idle drains it. Listeners run with the dispatcher unlocked, so a listener
// publishing back to the same stream enqueues and returns instead of
// deadlocking.
type streamDispatcher struct {
	mu       sync.Mutex
	draining bool
	queue    []delivery
}

// delivery pairs an event with the listener set captured at publish time.
type delivery struct {
	event   models.StreamEvent
	targets []*subscription
}

// New constructs a Bus with the given limits.
func New(cfg Config, logger logging.Logger) *Bus {
	if cfg.MaxHistoryPerStream <= 0 {
		cfg.MaxHistoryPerStream = DefaultConfig().MaxHistoryPerStream
	}
	return &Bus{
		logger:      logger,
		validator:   validation.NewEventValidator(),
		cfg:         cfg,
		listeners:   make(map[string][]*subscription),
		history:     make(map[string][]models.StreamEvent),
		counts:      make(map[models.EventType]uint64),
		dispatchers: make(map[string]*streamDispatcher),
	}
}

// Publish validates the event, records it in the stream's history, and
// fans it out to listeners. It returns false when validation fails; in that
// case a synthetic error event with code EVENT_EMISSION_FAILED is published
// instead, unless the rejected event was itself an error event.
func (b *Bus) Publish(event models.StreamEvent) bool {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	if err := b.validator.ValidateEvent(&event); err != nil {
		b.logger.WithError(err).WithFields(logging.Fields{
			"event_type": event.Type,
			"stream_id":  event.StreamID,
		}).Warn("Rejected invalid event")
		b.countPublish(event.Type, "rejected")

		// Publishing the failure notice for a failed error event would
		// recurse forever.
		if event.Type != models.EventError && event.StreamID != "" {
			b.Publish(models.StreamEvent{
				Type:      models.EventError,
				StreamID:  event.StreamID,
				Timestamp: time.Now().UTC(),
				Error: &models.ErrorPayload{
					Code:     models.ErrCodeEmissionFailed,
					Message:  "event could not be published",
					Severity: models.SeverityMedium,
				},
			})
		}
		return false
	}

	d := b.dispatcher(event.StreamID)
	d.mu.Lock()
	b.mu.Lock()
	b.appendHistoryLocked(event)
	b.counts[event.Type]++
	targets := b.snapshotListenersLocked(string(event.Type))
	b.mu.Unlock()
	d.queue = append(d.queue, delivery{event: event, targets: targets})

	b.countPublish(event.Type, "published")

	if d.draining {
		// Another publisher is already draining this stream; it will
		// deliver our event after the ones ahead of it.
		d.mu.Unlock()
		return true
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		b.deliver(next)
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
	return true
}

func (b *Bus) dispatcher(streamID string) *streamDispatcher {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	d, ok := b.dispatchers[streamID]
	if !ok {
		d = &streamDispatcher{}
		b.dispatchers[streamID] = d
	}
	return d
}

func (b *Bus) deliver(d delivery) {
	for _, sub := range d.targets {
		if sub.once && !sub.fired.CompareAndSwap(false, true) {
			continue
		}
		b.safeInvoke(sub, d.event)
		if sub.once {
			b.Unsubscribe(sub.id)
		}
	}
}

// Subscribe registers a listener for one event type, or for every type when
// key is the wildcard "*".
func (b *Bus) Subscribe(key string, listener Listener) SubscriptionID {
	return b.subscribe(key, listener, false)
}

// SubscribeOnce registers a listener that is removed after its first delivery.
func (b *Bus) SubscribeOnce(key string, listener Listener) SubscriptionID {
	return b.subscribe(key, listener, true)
}

func (b *Bus) subscribe(key string, listener Listener, once bool) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscription{
		id:       SubscriptionID(b.nextID),
		key:      key,
		once:     once,
		listener: listener,
	}
	b.listeners[key] = append(b.listeners[key], sub)
	return sub.id
}

// Unsubscribe removes a listener. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.listeners {
		for i, sub := range subs {
			if sub.id == id {
				b.listeners[key] = append(subs[:i], subs[i+1:]...)
				if len(b.listeners[key]) == 0 {
					delete(b.listeners, key)
				}
				return
			}
		}
	}
}

// History returns a read-only snapshot of one stream's bounded history in
// publish order, oldest first.
func (b *Bus) History(streamID string) []models.StreamEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.history[streamID]
	out := make([]models.StreamEvent, len(events))
	copy(out, events)
	return out
}

// ClearHistory drops one stream's history buffer and, when idle, its
// dispatcher.
func (b *Bus) ClearHistory(streamID string) {
	b.mu.Lock()
	delete(b.history, streamID)
	b.mu.Unlock()

	b.dispatchMu.Lock()
	if d, ok := b.dispatchers[streamID]; ok {
		d.mu.Lock()
		if !d.draining && len(d.queue) == 0 {
			delete(b.dispatchers, streamID)
		}
		d.mu.Unlock()
	}
	b.dispatchMu.Unlock()
}

// RecentAcrossStreams returns up to limit of the most recently published
// events across all streams, newest first.
func (b *Bus) RecentAcrossStreams(limit int) []models.StreamEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]models.StreamEvent, limit)
	for i := 0; i < limit; i++ {
		out[i] = b.recent[len(b.recent)-1-i]
	}
	return out
}

// CountsByType returns the running publish count per event type.
func (b *Bus) CountsByType() map[models.EventType]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[models.EventType]uint64, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}

// Stats returns a summary suitable for the admin surface.
func (b *Bus) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.counts))
	for t := range b.counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	counts := make(map[string]uint64, len(b.counts))
	for _, t := range types {
		counts[t] = b.counts[models.EventType(t)]
	}

	listenerCount := 0
	for _, subs := range b.listeners {
		listenerCount += len(subs)
	}

	return map[string]interface{}{
		"counts_by_type": counts,
		"listeners":      listenerCount,
		"streams":        len(b.history),
	}
}

// appendHistoryLocked appends to the per-stream ring and the cross-stream
// recent ring, evicting oldest entries beyond the cap. Callers hold b.mu.
func (b *Bus) appendHistoryLocked(event models.StreamEvent) {
	h := append(b.history[event.StreamID], event)
	if len(h) > b.cfg.MaxHistoryPerStream {
		h = h[len(h)-b.cfg.MaxHistoryPerStream:]
	}
	b.history[event.StreamID] = h

	b.recent = append(b.recent, event)
	if len(b.recent) > b.cfg.MaxHistoryPerStream {
		b.recent = b.recent[len(b.recent)-b.cfg.MaxHistoryPerStream:]
	}
}

// snapshotListenersLocked copies the fan-out set so listeners run without
// holding the bus lock: type-specific first, wildcard after, each in
// registration order.
func (b *Bus) snapshotListenersLocked(key string) []*subscription {
	typed := b.listeners[key]
	wild := b.listeners[models.Wildcard]
	out := make([]*subscription, 0, len(typed)+len(wild))
	out = append(out, typed...)
	out = append(out, wild...)
	return out
}

func (b *Bus) safeInvoke(sub *subscription, event models.StreamEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logging.Fields{
				"panic":      r,
				"event_type": event.Type,
				"stream_id":  event.StreamID,
				"listener":   sub.key,
			}).Error("Event listener panicked")
		}
	}()
	sub.listener(event)
}

func (b *Bus) countPublish(t models.EventType, status string) {
	if b.cfg.EventsPublished != nil {
		b.cfg.EventsPublished.WithLabelValues(string(t), status).Inc()
	}
}
