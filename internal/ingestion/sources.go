package ingestion

import (
	"context"
	"time"

	"rugs-feed-lab/internal/domain"
)

// SourceState is the connection state of an event source.
type SourceState string

const (
	StateDisconnected SourceState = "disconnected"
	StateConnecting   SourceState = "connecting"
	StateConnected    SourceState = "connected"
)

// SourceStatus is a point-in-time status of an event source.
type SourceStatus struct {
	State           SourceState `json:"state"`
	Since           time.Time   `json:"since"`
	Reconnects      int         `json:"reconnects"`
	LastError       string      `json:"lastError,omitempty"`
	HeartbeatMissed bool        `json:"heartbeatMissed,omitempty"`
}

// Available reports whether the source can deliver frames.
func (s SourceStatus) Available() bool {
	return s.State == StateConnected
}

// EventSource provides raw frames from one upstream.
type EventSource interface {
	// Name is a human readable identifier for logs.
	Name() string
	// Role is PRIMARY or FALLBACK.
	Role() domain.SourceRole
	// Connect starts the source. Sources keep retrying in the background on failure.
	Connect(ctx context.Context) error
	// Disconnect stops the source and closes its channels.
	Disconnect() error
	// Status returns the current status.
	Status() SourceStatus
	// Frames delivers inbound frames in arrival order.
	Frames() <-chan domain.RawFrame
	// StatusChanges delivers every status change. Slow readers only miss intermediate states.
	StatusChanges() <-chan SourceStatus
}

// HealthSink receives transport health signals from sources.
type HealthSink interface {
	HeartbeatMissed()
	HeartbeatOK()
	Reconnected()
}

// statusBox holds a source status and fans changes out to one channel.
type statusBox struct {
	status  SourceStatus
	changes chan SourceStatus
}

func newStatusBox() *statusBox {
	return &statusBox{
		status:  SourceStatus{State: StateDisconnected, Since: time.Now()},
		changes: make(chan SourceStatus, 16),
	}
}

// set updates the status (caller holds the owner's lock) and notifies without blocking.
// When the channel is full the oldest change is dropped so the latest always arrives.
func (b *statusBox) set(s SourceStatus) {
	b.status = s
	for {
		select {
		case b.changes <- s:
			return
		default:
		}
		select {
		case <-b.changes:
		default:
		}
	}
}
