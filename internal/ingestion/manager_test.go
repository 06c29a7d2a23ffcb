package ingestion

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
)

type fakeSource struct {
	name     string
	role     domain.SourceRole
	mu       sync.Mutex
	status   SourceStatus
	frames   chan domain.RawFrame
	statuses chan SourceStatus
	seq      uint64
}

func newFakeSource(name string, role domain.SourceRole, connected bool) *fakeSource {
	st := StateConnecting
	if connected {
		st = StateConnected
	}
	return &fakeSource{
		name:     name,
		role:     role,
		status:   SourceStatus{State: st, Since: time.Now()},
		frames:   make(chan domain.RawFrame, 64),
		statuses: make(chan SourceStatus, 16),
	}
}

func (f *fakeSource) Name() string                       { return f.name }
func (f *fakeSource) Role() domain.SourceRole            { return f.role }
func (f *fakeSource) Connect(context.Context) error      { return nil }
func (f *fakeSource) Disconnect() error                  { return nil }
func (f *fakeSource) Frames() <-chan domain.RawFrame     { return f.frames }
func (f *fakeSource) StatusChanges() <-chan SourceStatus { return f.statuses }

func (f *fakeSource) Status() SourceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) setState(s SourceState) {
	f.mu.Lock()
	f.status.State = s
	st := f.status
	f.mu.Unlock()
	f.statuses <- st
}

func (f *fakeSource) send(payload string) {
	f.mu.Lock()
	f.seq++
	seq := f.seq
	f.mu.Unlock()
	f.frames <- domain.RawFrame{
		Sequence:   seq,
		ReceivedAt: time.Now(),
		Direction:  domain.DirectionInbound,
		Payload:    []byte(payload),
	}
}

type sourcePublisher struct {
	mu      sync.Mutex
	changes []events.SourceChanged
}

func (p *sourcePublisher) Publish(kind events.Kind, payload any) {
	if kind != events.KindSourceChanged {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, payload.(events.SourceChanged))
}

func (p *sourcePublisher) roles() []domain.SourceRole {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.SourceRole, len(p.changes))
	for i, c := range p.changes {
		out[i] = c.To
	}
	return out
}

type availabilitySink struct {
	mu   sync.Mutex
	last *bool
}

func (a *availabilitySink) SetSourceAvailable(ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = &ok
}

func (a *availabilitySink) value() (bool, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return false, false
	}
	return *a.last, true
}

func tick(n int) string {
	return fmt.Sprintf(`42["gameStateUpdate",{"gameId":"g1","tickCount":%d}]`, n)
}

func next(t *testing.T, m *Manager) Delivery {
	t.Helper()
	select {
	case d := <-m.Frames():
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
	return Delivery{}
}

func startManager(t *testing.T, opts ManagerOptions) (*Manager, context.CancelFunc) {
	t.Helper()
	m := NewManager(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	select {
	case <-m.Ready():
	case <-time.After(time.Second):
		t.Fatal("manager did not start")
	}
	return m, cancel
}

func TestManager_PrefersPrimary(t *testing.T) {
	primary := newFakeSource("relay", domain.SourcePrimary, true)
	fallback := newFakeSource("socket", domain.SourceFallback, true)
	pub := &sourcePublisher{}

	m, cancel := startManager(t, ManagerOptions{Primary: primary, Fallback: fallback, Publisher: pub})
	defer cancel()

	require.Eventually(t, func() bool { return m.Active() == domain.SourcePrimary }, time.Second, 5*time.Millisecond)

	fallback.send(tick(1))
	primary.send(tick(1))

	d := next(t, m)
	assert.Equal(t, domain.SourcePrimary, d.Source)
	assert.Equal(t, tick(1), string(d.Frame.Payload))
	assert.Equal(t, domain.SourcePrimary, m.SwitchToBestSource())
	assert.Equal(t, []domain.SourceRole{domain.SourcePrimary}, pub.roles())
}

func TestManager_FailoverWithoutDuplicates(t *testing.T) {
	primary := newFakeSource("relay", domain.SourcePrimary, true)
	fallback := newFakeSource("socket", domain.SourceFallback, true)
	pub := &sourcePublisher{}
	sink := &availabilitySink{}

	m, cancel := startManager(t, ManagerOptions{
		Primary:      primary,
		Fallback:     fallback,
		Publisher:    pub,
		Availability: sink,
		StallTimeout: time.Minute,
	})
	defer cancel()

	require.Eventually(t, func() bool { return m.Active() == domain.SourcePrimary }, time.Second, 5*time.Millisecond)

	// Both connections see the same broadcast.
	fallback.send(tick(1))
	primary.send(tick(1))
	d := next(t, m)
	assert.Equal(t, tick(1), string(d.Frame.Payload))

	// The primary buffers one more frame, then dies.
	fallback.send(tick(2))
	primary.send(tick(2))
	primary.setState(StateDisconnected)

	d = next(t, m)
	assert.Equal(t, domain.SourcePrimary, d.Source, "buffered primary frame drains before the switch")
	assert.Equal(t, tick(2), string(d.Frame.Payload))

	fallback.send(tick(3))
	d = next(t, m)
	assert.Equal(t, domain.SourceFallback, d.Source)
	assert.Equal(t, tick(3), string(d.Frame.Payload), "ticks 1 and 2 are not delivered twice")

	assert.Equal(t, domain.SourceFallback, m.Active())
	assert.Equal(t, []domain.SourceRole{domain.SourcePrimary, domain.SourceFallback}, pub.roles())
	ok, set := sink.value()
	assert.True(t, set)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, m.Status().Duplicates, 1)

	// Primary returns: switch back.
	primary.setState(StateConnected)
	require.Eventually(t, func() bool { return m.Active() == domain.SourcePrimary }, time.Second, 5*time.Millisecond)
}

func TestManager_BothDownIsNone(t *testing.T) {
	primary := newFakeSource("relay", domain.SourcePrimary, false)
	fallback := newFakeSource("socket", domain.SourceFallback, true)
	sink := &availabilitySink{}

	m, cancel := startManager(t, ManagerOptions{Primary: primary, Fallback: fallback, Availability: sink})
	defer cancel()

	require.Eventually(t, func() bool { return m.Active() == domain.SourceFallback }, time.Second, 5*time.Millisecond)

	fallback.setState(StateDisconnected)
	require.Eventually(t, func() bool { return m.Active() == domain.SourceNone }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SourceNone, m.SwitchToBestSource())

	ok, set := sink.value()
	assert.True(t, set)
	assert.False(t, ok)
}

func TestManager_StalledSourceCountsAsDisconnected(t *testing.T) {
	primary := newFakeSource("relay", domain.SourcePrimary, true)
	fallback := newFakeSource("socket", domain.SourceFallback, true)

	m, cancel := startManager(t, ManagerOptions{
		Primary:      primary,
		Fallback:     fallback,
		StallTimeout: 100 * time.Millisecond,
	})
	defer cancel()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		n := 0
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				n++
				fallback.send(tick(n))
			}
		}
	}()
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-m.Frames():
			}
		}
	}()

	require.Eventually(t, func() bool { return m.Active() == domain.SourceFallback }, 2*time.Second, 10*time.Millisecond)

	primary.send(tick(1000))
	require.Eventually(t, func() bool { return m.Active() == domain.SourcePrimary }, 2*time.Second, 10*time.Millisecond)
}

func TestFeedEndpoint(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://backend.rugs.fun", "wss://backend.rugs.fun/socket.io/?EIO=4&transport=websocket", false},
		{"ws://localhost:8080/socket.io", "ws://localhost:8080/socket.io/?EIO=4&transport=websocket", false},
		{"ftp://x", "", true},
	}
	for _, tt := range tests {
		got, err := FeedEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
