package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func flush(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Flush(ctx))
}

func TestBus_TypedDispatch(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	var ticks, phases collector
	_, err := bus.Subscribe("ticks", ticks.handle, KindTick)
	require.NoError(t, err)
	_, err = bus.Subscribe("phases", phases.handle, KindPhaseChanged)
	require.NoError(t, err)

	bus.Publish(KindTick, Tick{GameID: "g1", Tick: 1})
	bus.Publish(KindPhaseChanged, PhaseChanged{GameID: "g1", To: domain.PhaseActive})
	bus.Publish(KindTick, Tick{GameID: "g1", Tick: 2})
	flush(t, bus)

	assert.Equal(t, []Kind{KindTick, KindTick}, ticks.kinds())
	assert.Equal(t, []Kind{KindPhaseChanged}, phases.kinds())
}

func TestBus_OrderAcrossKinds(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	var c collector
	_, err := bus.Subscribe("recorder", c.handle, KindTick, KindTimelineComplete)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		bus.Publish(KindTick, Tick{Tick: uint32(i)})
	}
	bus.Publish(KindTimelineComplete, TimelineComplete{})
	flush(t, bus)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 101)
	for i := 1; i < len(c.events); i++ {
		assert.Greater(t, c.events[i].Seq, c.events[i-1].Seq)
	}
	assert.Equal(t, KindTimelineComplete, c.events[100].Kind)
}

func TestBus_AllKindsWhenNoneGiven(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	var c collector
	_, err := bus.Subscribe("all", c.handle)
	require.NoError(t, err)

	bus.Publish(KindHealthChanged, HealthChanged{})
	bus.Publish(KindSourceChanged, SourceChanged{})
	flush(t, bus)

	assert.Len(t, c.kinds(), 2)
}

func TestBus_ProvenanceStamp(t *testing.T) {
	bus := NewBus(Options{Provenance: domain.ProvenanceReplay})
	defer bus.Close()

	var c collector
	_, err := bus.Subscribe("x", c.handle, KindTick)
	require.NoError(t, err)

	bus.Publish(KindTick, Tick{})
	bus.PublishAs(KindTick, domain.ProvenanceLive, Tick{})
	flush(t, bus)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 2)
	assert.Equal(t, domain.ProvenanceReplay, c.events[0].Provenance)
	assert.Equal(t, domain.ProvenanceLive, c.events[1].Provenance)
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	release := make(chan struct{})
	_, err := bus.Subscribe("slow", func(Event) { <-release }, KindTick)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(KindTick, Tick{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.GreaterOrEqual(t, bus.QueueDepth(), 49)
	close(release)
	flush(t, bus)
	assert.Equal(t, 0, bus.QueueDepth())
}

func TestBus_PanickingHandlerIsIsolated(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	var c collector
	_, err := bus.Subscribe("bad", func(Event) { panic("boom") }, KindTick)
	require.NoError(t, err)
	_, err = bus.Subscribe("good", c.handle, KindTick)
	require.NoError(t, err)

	bus.Publish(KindTick, Tick{})
	bus.Publish(KindTick, Tick{})
	flush(t, bus)

	assert.Len(t, c.kinds(), 2)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(Options{})
	defer bus.Close()

	var c collector
	sub, err := bus.Subscribe("x", c.handle, KindTick)
	require.NoError(t, err)

	bus.Publish(KindTick, Tick{})
	sub.Unsubscribe()
	bus.Publish(KindTick, Tick{})
	flush(t, bus)

	assert.Len(t, c.kinds(), 1)
}

func TestBus_Closed(t *testing.T) {
	bus := NewBus(Options{})
	bus.Close()

	_, err := bus.Subscribe("x", func(Event) {})
	assert.ErrorIs(t, err, ErrBusClosed)

	_, err = NewBus(Options{}).Subscribe("x", nil)
	assert.ErrorIs(t, err, ErrHandlerNil)
}
