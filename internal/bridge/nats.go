// Package bridge republishes bus events to NATS for out-of-process consumers.
package bridge

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/events"
)

// DefaultSubjectPrefix is prepended to the event kind: rugs.tick, rugs.phase_changed, ...
const DefaultSubjectPrefix = "rugs"

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Connect dials NATS with unlimited reconnects and logged connection changes.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("nats")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Options configures a Publisher.
type Options struct {
	Conn          Conn
	SubjectPrefix string
	Kinds         []events.Kind // empty publishes every kind
	Logger        *zap.Logger
}

// Stats counts bridge traffic.
type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Publisher forwards bus events to <prefix>.<kind> subjects as JSON.
// Publish failures are logged and counted; they never reach the bus.
type Publisher struct {
	conn   Conn
	prefix string
	kinds  []events.Kind
	logger *zap.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a bridge publisher.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("bridge: nats connection required")
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = events.AllKinds
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Publisher{
		conn:   opts.Conn,
		prefix: opts.SubjectPrefix,
		kinds:  opts.Kinds,
		logger: opts.Logger.Named("nats_bridge"),
	}, nil
}

// Attach subscribes the bridge to the bus.
func (p *Publisher) Attach(sub events.Subscriber) (*events.Subscription, error) {
	return sub.Subscribe("nats_bridge", p.Handle, p.kinds...)
}

// Subject returns the subject of an event kind.
func (p *Publisher) Subject(kind events.Kind) string {
	return p.prefix + "." + string(kind)
}

// Handle publishes one event.
func (p *Publisher) Handle(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("marshal event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.Subject(ev.Kind), data); err != nil {
		p.failed.Add(1)
		p.logger.Warn("nats publish failed", zap.String("kind", string(ev.Kind)), zap.Uint64("seq", ev.Seq), zap.Error(err))
		return
	}
	p.published.Add(1)
}

// Stats returns the traffic counters.
func (p *Publisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// ParseKinds converts configured kind names, rejecting unknown ones.
func ParseKinds(names []string) ([]events.Kind, error) {
	known := make(map[events.Kind]bool, len(events.AllKinds))
	for _, k := range events.AllKinds {
		known[k] = true
	}
	kinds := make([]events.Kind, 0, len(names))
	for _, n := range names {
		k := events.Kind(n)
		if !known[k] {
			return nil, fmt.Errorf("unknown event kind %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}
