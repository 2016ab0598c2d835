// Package events implements the in-process event bus that the auth and
// security subsystems use to broadcast state changes.
//
// Topics are dot-separated strings ("user.login", "security.anomaly_detected").
// Subscriptions match an exact topic, a set of topics, or a trailing-wildcard
// pattern ("user.*"). Delivery within a single emit is sequential and follows
// subscription priority (descending), preserving registration order among
// subscriptions of equal priority. Events emitted from inside a handler are
// queued and delivered after the current emit completes, so handler chains can
// never recurse into each other.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Priority classifies an event or orders a subscription's handlers.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase name used in logs and stored events.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Event is a single bus message. Data is owned by the emitter and must not be
// mutated by handlers.
type Event struct {
	Topic     string
	Source    string
	Priority  Priority
	Timestamp time.Time
	Data      map[string]any
}

// Handler processes one event. Returning an error (or panicking) is logged
// and isolated: it never aborts delivery to the remaining subscribers.
type Handler func(ctx context.Context, ev Event) error

// TopicSpec decides whether a subscription receives a given topic.
//
// A spec is built from one or more topic strings; a string ending in ".*"
// matches every topic sharing the prefix. Matching is plain string work per
// spec — no regex state is shared across topics.
type TopicSpec struct {
	exact    map[string]struct{}
	prefixes []string
}

// NewTopicSpec builds a spec from topic strings and/or trailing-wildcard
// patterns. At least one topic is required.
func NewTopicSpec(topics ...string) (TopicSpec, error) {
	if len(topics) == 0 {
		return TopicSpec{}, fmt.Errorf("topic spec requires at least one topic")
	}
	spec := TopicSpec{exact: make(map[string]struct{})}
	for _, t := range topics {
		if t == "" {
			return TopicSpec{}, fmt.Errorf("empty topic in spec")
		}
		if strings.HasSuffix(t, ".*") {
			spec.prefixes = append(spec.prefixes, strings.TrimSuffix(t, "*"))
			continue
		}
		if strings.Contains(t, "*") {
			return TopicSpec{}, fmt.Errorf("invalid topic pattern %q: only trailing .* wildcards are supported", t)
		}
		spec.exact[t] = struct{}{}
	}
	return spec, nil
}

// MustTopicSpec is NewTopicSpec that panics on invalid input. For use with
// compile-time constant topics.
func MustTopicSpec(topics ...string) TopicSpec {
	spec, err := NewTopicSpec(topics...)
	if err != nil {
		panic(err)
	}
	return spec
}

// Matches reports whether the spec covers topic.
func (s TopicSpec) Matches(topic string) bool {
	if _, ok := s.exact[topic]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id             uint64
	spec           TopicSpec
	handler        Handler
	priority       Priority
	sourceFilter   string
	priorityFilter *Priority
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithPriority orders the subscription's handler relative to others on the
// same topic. Higher priorities run first.
func WithPriority(p Priority) SubscribeOption {
	return func(s *Subscription) { s.priority = p }
}

// WithSourceFilter restricts delivery to events from a single source.
func WithSourceFilter(source string) SubscribeOption {
	return func(s *Subscription) { s.sourceFilter = source }
}

// WithPriorityFilter restricts delivery to events of at least the given
// priority.
func WithPriorityFilter(min Priority) SubscribeOption {
	return func(s *Subscription) { s.priorityFilter = &min }
}

// Stats are the bus delivery counters. All counters are monotonically
// increasing for the lifetime of the bus.
type Stats struct {
	EventsEmitted       uint64
	EventsDelivered     uint64
	SubscribersNotified uint64
	HandlerErrors       uint64
}

// Bus is the process-wide publish/subscribe fan-out.
//
// The bus holds only its own lock; handler dispatch always happens outside
// lock scope so handlers are free to subscribe, unsubscribe, or emit.
type Bus struct {
	mu     sync.Mutex
	subs   []*Subscription // registration order
	nextID uint64

	// dispatchMu serializes top-level deliveries. Nested emits (from inside
	// a handler) bypass it via the context marker and queue instead.
	dispatchMu sync.Mutex
	pending    []Event

	emitted   atomic.Uint64
	delivered atomic.Uint64
	notified  atomic.Uint64
	errors    atomic.Uint64

	clock  clockwork.Clock
	logger *slog.Logger
}

// NewBus creates an event bus. A nil logger discards handler error logs.
func NewBus(clock clockwork.Clock, logger *slog.Logger) *Bus {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{clock: clock, logger: logger}
}

// Subscribe registers a handler for the topics described by spec.
func (b *Bus) Subscribe(spec TopicSpec, handler Handler, opts ...SubscribeOption) *Subscription {
	sub := &Subscription{spec: spec, handler: handler, priority: PriorityNormal}
	for _, opt := range opts {
		opt(sub)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	return sub
}

// Unsubscribe removes a subscription. Removing an already-removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// ctxKey marks contexts that originate inside a bus delivery, so nested
// emits can be detected without goroutine-identity tricks.
type ctxKey struct{}

type dispatchMarker struct{ bus *Bus }

// inDispatch reports whether ctx descends from one of this bus's deliveries.
func (b *Bus) inDispatch(ctx context.Context) bool {
	m, _ := ctx.Value(ctxKey{}).(dispatchMarker)
	return m.bus == b
}

// Emit publishes asynchronously: the event is handed to a dispatch goroutine
// and Emit returns immediately. Ordering across separate Emit calls is not
// guaranteed; use EmitSync where deterministic ordering matters.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if b.inDispatch(ctx) {
		// Already inside a delivery on this bus: queue for the draining loop.
		b.emitted.Add(1)
		b.enqueue(b.stamp(ev))
		return
	}
	ev = b.stamp(ev)
	go func() {
		b.emitted.Add(1)
		b.dispatch(context.WithoutCancel(ctx), ev)
	}()
}

// EmitSync publishes and delivers to every matching subscriber before
// returning. When called from inside a handler, the event is queued and
// delivered after the current emit completes (the outer EmitSync drains it
// before returning).
func (b *Bus) EmitSync(ctx context.Context, ev Event) {
	b.emitted.Add(1)
	ev = b.stamp(ev)
	if b.inDispatch(ctx) {
		b.enqueue(ev)
		return
	}
	b.dispatch(ctx, ev)
}

// stamp fills the timestamp and defaults.
func (b *Bus) stamp(ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}
	return ev
}

func (b *Bus) enqueue(ev Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	b.mu.Unlock()
}

// dispatch delivers ev, then drains any events queued by its handlers.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	ctx = context.WithValue(ctx, ctxKey{}, dispatchMarker{bus: b})
	b.deliver(ctx, ev)
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		next := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()
		b.deliver(ctx, next)
	}
}

// deliver invokes every matching handler exactly once, in priority order
// (stable with respect to registration order).
func (b *Bus) deliver(ctx context.Context, ev Event) {
	b.mu.Lock()
	matched := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if !sub.spec.Matches(ev.Topic) {
			continue
		}
		if sub.sourceFilter != "" && sub.sourceFilter != ev.Source {
			continue
		}
		if sub.priorityFilter != nil && ev.Priority < *sub.priorityFilter {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.Unlock()

	// Stable sort: registration order already holds, only reorder across
	// differing priorities.
	for i := 1; i < len(matched); i++ {
		for j := i; j > 0 && matched[j].priority > matched[j-1].priority; j-- {
			matched[j], matched[j-1] = matched[j-1], matched[j]
		}
	}

	b.delivered.Add(1)
	for _, sub := range matched {
		b.notified.Add(1)
		b.invoke(ctx, sub, ev)
	}
}

// invoke runs one handler, isolating errors and panics.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			b.logger.Error("event handler panicked",
				"topic", ev.Topic, "subscription", sub.id, "panic", r)
		}
	}()
	if err := sub.handler(ctx, ev); err != nil {
		b.errors.Add(1)
		b.logger.Warn("event handler failed",
			"topic", ev.Topic, "subscription", sub.id, "error", err)
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		EventsEmitted:       b.emitted.Load(),
		EventsDelivered:     b.delivered.Load(),
		SubscribersNotified: b.notified.Load(),
		HandlerErrors:       b.errors.Load(),
	}
}
