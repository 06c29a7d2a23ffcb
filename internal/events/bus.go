package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
)

var (
	// ErrBusClosed is returned when subscribing to a closed bus.
	ErrBusClosed = errors.New("event bus closed")
	// ErrHandlerNil is returned for a nil handler.
	ErrHandlerNil = errors.New("handler is nil")
)

// Handler consumes bus events. Handlers run on the subscription's own goroutine.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(kind Kind, payload any)
}

// Subscriber is the read side of the bus.
type Subscriber interface {
	Subscribe(name string, handler Handler, kinds ...Kind) (*Subscription, error)
}

// Options configures a Bus.
type Options struct {
	Provenance domain.Provenance
	Logger     *zap.Logger
	Now        func() time.Time
}

// Bus is a typed dispatch table: kind -> subscriptions. Publish is serialized,
// so every subscription observes events in one global order, and never blocks
// on slow subscribers.
type Bus struct {
	mu         sync.Mutex
	table      map[Kind][]*Subscription
	subs       map[*Subscription]struct{}
	seq        uint64
	provenance domain.Provenance
	closed     atomic.Bool
	logger     *zap.Logger
	now        func() time.Time
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)

// NewBus creates an empty bus.
func NewBus(opts Options) *Bus {
	if opts.Provenance == "" {
		opts.Provenance = domain.ProvenanceLive
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		table:      make(map[Kind][]*Subscription),
		subs:       make(map[*Subscription]struct{}),
		provenance: opts.Provenance,
		logger:     opts.Logger.Named("bus"),
		now:        opts.Now,
	}
}

// Subscribe registers handler for the given kinds (all kinds when none given).
// Events of all subscribed kinds are delivered in publish order.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...Kind) (*Subscription, error) {
	if handler == nil {
		return nil, ErrHandlerNil
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if len(kinds) == 0 {
		kinds = AllKinds
	}

	sub := newSubscription(b, name, handler, kinds, b.logger)

	b.mu.Lock()
	for _, k := range kinds {
		b.table[k] = append(b.table[k], sub)
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Publish stamps and enqueues an event for every subscription of kind.
func (b *Bus) Publish(kind Kind, payload any) {
	b.PublishAs(kind, b.provenance, payload)
}

// PublishAs publishes with an explicit provenance.
func (b *Bus) PublishAs(kind Kind, provenance domain.Provenance, payload any) {
	if b.closed.Load() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		Kind:       kind,
		Seq:        b.seq,
		At:         b.now(),
		Provenance: provenance,
		Payload:    payload,
	}
	for _, sub := range b.table[kind] {
		sub.enqueue(ev)
	}
}

// QueueDepth returns the number of undelivered events across subscriptions.
func (b *Bus) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for sub := range b.subs {
		total += sub.Depth()
	}
	return total
}

// Flush waits until every subscription has processed all queued events.
func (b *Bus) Flush(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Bus) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.idle() {
			return false
		}
	}
	return true
}

// Close drains and stops every subscription.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
	for _, k := range sub.kinds {
		list := b.table[k]
		for i, s := range list {
			if s == sub {
				b.table[k] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}
