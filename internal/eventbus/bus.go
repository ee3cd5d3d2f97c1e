// ABOUTME: In-process publish/subscribe for domain events with bounded history
// ABOUTME: Subscribers register by event type, by document id, or for everything

package eventbus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// DefaultHistorySize is the ring capacity used when none is configured.
	DefaultHistorySize  = 1000
	defaultHistoryLimit = 100
)

// Callback receives a published event. A returned error is logged and does
// not affect other subscribers.
type Callback func(Event) error

// Unsubscribe removes a subscription. Calling it more than once is safe.
type Unsubscribe func()

// Filter selects events from History. Empty fields match everything.
type Filter struct {
	Type       EventType
	ResourceID string
	Limit      int
}

// Stats describes the bus.
type Stats struct {
	HistorySize         int               `json:"history_size"`
	HistoryCapacity     int               `json:"history_capacity"`
	TypeSubscribers     map[EventType]int `json:"type_subscribers"`
	ResourceSubscribers int               `json:"resource_subscribers"`
	GlobalSubscribers   int               `json:"global_subscribers"`
	Published           int64             `json:"published"`
}

// Bus fans events out to subscribers.
type Bus struct {
	logger *slog.Logger

	mu        sync.RWMutex
	byType    map[EventType]map[string]Callback
	byRes     map[string]map[string]Callback
	global    map[string]Callback
	history   *ring
	capacity  int
	published int64
	closed    bool
}

// New creates a bus. A non-positive historySize selects DefaultHistorySize.
// Pass nil logger for default.
func New(historySize int, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		logger:   logger.With("component", "eventbus"),
		byType:   make(map[EventType]map[string]Callback),
		byRes:    make(map[string]map[string]Callback),
		global:   make(map[string]Callback),
		history:  newRing(historySize),
		capacity: historySize,
	}
}

// Subscribe registers fn for events of type t.
func (b *Bus) Subscribe(t EventType, fn Callback) Unsubscribe {
	subID := uuid.New().String()

	b.mu.Lock()
	if _, ok := b.byType[t]; !ok {
		b.byType[t] = make(map[string]Callback)
	}
	b.byType[t][subID] = fn
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "event_type", t, "sub_id", subID)

	return b.unsubscriber(func() {
		if subs, ok := b.byType[t]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(b.byType, t)
			}
		}
	})
}

// SubscribeToResource registers fn for events about one document.
func (b *Bus) SubscribeToResource(resourceID string, fn Callback) Unsubscribe {
	subID := uuid.New().String()

	b.mu.Lock()
	if _, ok := b.byRes[resourceID]; !ok {
		b.byRes[resourceID] = make(map[string]Callback)
	}
	b.byRes[resourceID][subID] = fn
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "resource_id", resourceID, "sub_id", subID)

	return b.unsubscriber(func() {
		if subs, ok := b.byRes[resourceID]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(b.byRes, resourceID)
			}
		}
	})
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Callback) Unsubscribe {
	subID := uuid.New().String()

	b.mu.Lock()
	b.global[subID] = fn
	b.mu.Unlock()

	b.logger.Debug("global subscriber added", "sub_id", subID)

	return b.unsubscriber(func() {
		delete(b.global, subID)
	})
}

func (b *Bus) unsubscriber(remove func()) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			remove()
			b.mu.Unlock()
		})
	}
}

// Publish records e in the history and invokes every matching subscriber.
// Callbacks run sequentially on the caller's goroutine with no lock held.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history.push(e)
	b.published++

	targets := make([]Callback, 0, len(b.byType[e.Type])+len(b.global))
	for _, fn := range b.byType[e.Type] {
		targets = append(targets, fn)
	}
	if e.DocumentID != "" {
		for _, fn := range b.byRes[e.DocumentID] {
			targets = append(targets, fn)
		}
	}
	for _, fn := range b.global {
		targets = append(targets, fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		if err := b.invoke(fn, e); err != nil {
			b.logger.Warn("event subscriber failed",
				"event_type", e.Type,
				"document_id", e.DocumentID,
				"error", err)
		}
	}
}

func (b *Bus) invoke(fn Callback, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return fn(e)
}

// History returns the most recent events matching f, oldest first.
func (b *Bus) History(f Filter) []Event {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	b.mu.RLock()
	var matched []Event
	b.history.each(func(e Event) {
		if f.Type != "" && e.Type != f.Type {
			return
		}
		if f.ResourceID != "" && e.DocumentID != f.ResourceID {
			return
		}
		matched = append(matched, e)
	})
	b.mu.RUnlock()

	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched
}

// Stats returns subscriber counts and history usage.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make(map[EventType]int, len(b.byType))
	for t, subs := range b.byType {
		types[t] = len(subs)
	}
	res := 0
	for _, subs := range b.byRes {
		res += len(subs)
	}
	return Stats{
		HistorySize:         b.history.len(),
		HistoryCapacity:     b.capacity,
		TypeSubscribers:     types,
		ResourceSubscribers: res,
		GlobalSubscribers:   len(b.global),
		Published:           b.published,
	}
}

// Close drops all subscribers. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byType = make(map[EventType]map[string]Callback)
	b.byRes = make(map[string]map[string]Callback)
	b.global = make(map[string]Callback)
	b.closed = true

	b.logger.Debug("event bus closed")
}
