// Package reconcile compares the local account belief with the server's
// account snapshots and reports drift. It never corrects either side.
package reconcile

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/events"
	"rugs-feed-lab/internal/observability"
)

// DefaultTolerance absorbs last-unit rounding of the feed's account values.
var DefaultTolerance = decimal.New(1, -6)

// DefaultHistoryLimit bounds the retained drift reports.
const DefaultHistoryLimit = 100

// ErrNegativeTolerance is returned for a tolerance below zero.
var ErrNegativeTolerance = errors.New("tolerance must not be negative")

// Tolerance is an absolute per-field tolerance.
// Inclusive treats a delta equal to Value as within tolerance.
type Tolerance struct {
	Value     decimal.Decimal
	Inclusive bool
}

// Within reports whether delta is inside the tolerance.
func (t Tolerance) Within(delta decimal.Decimal) bool {
	if t.Inclusive {
		return delta.LessThanOrEqual(t.Value)
	}
	return delta.LessThan(t.Value)
}

// Compare produces one DriftRecord per account field.
func Compare(local domain.LocalAccountSnapshot, server domain.ServerAccountState, tol Tolerance) []domain.DriftRecord {
	records := make([]domain.DriftRecord, 0, len(domain.AccountFields))
	for _, field := range domain.AccountFields {
		lv, _ := local.Field(field)
		sv, _ := server.Field(field)
		delta := sv.Sub(lv).Abs()
		records = append(records, domain.DriftRecord{
			Field:           field,
			LocalValue:      lv,
			ServerValue:     sv,
			Delta:           delta,
			WithinTolerance: tol.Within(delta),
		})
	}
	return records
}

// Drifted filters the out-of-tolerance records.
func Drifted(records []domain.DriftRecord) []domain.DriftRecord {
	var out []domain.DriftRecord
	for _, r := range records {
		if !r.WithinTolerance {
			out = append(out, r)
		}
	}
	return out
}

// Report is one reconciliation that found drift.
type Report struct {
	At      time.Time            `json:"at"`
	Records []domain.DriftRecord `json:"records"`
}

// Stats aggregates reconciliation results.
type Stats struct {
	Reconciliations uint64            `json:"reconciliations"`
	Skipped         uint64            `json:"skipped"` // no local snapshot yet
	DriftReports    uint64            `json:"driftReports"`
	FieldDrift      map[string]uint64 `json:"fieldDrift"`
	LastDriftAt     time.Time         `json:"lastDriftAt,omitempty"`
	Tolerance       string            `json:"tolerance"`
	Inclusive       bool              `json:"inclusive"`
}

// Options configures a Reconciler.
type Options struct {
	Tolerance    *Tolerance // nil means DefaultTolerance, inclusive
	HistoryLimit int
	Publisher    events.Publisher
	Logger       *zap.Logger
	Now          func() time.Time
}

// Reconciler is the single account reconciliation path. Safe for concurrent use.
type Reconciler struct {
	tol       Tolerance
	limit     int
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	local   *domain.LocalAccountSnapshot
	server  *domain.ServerAccountState
	history []Report
	stats   Stats
}

// New creates a Reconciler. A zero tolerance value requires exact matches.
func New(opts Options) (*Reconciler, error) {
	tol := Tolerance{Value: DefaultTolerance, Inclusive: true}
	if opts.Tolerance != nil {
		tol = *opts.Tolerance
	}
	if tol.Value.IsNegative() {
		return nil, ErrNegativeTolerance
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{
		tol:       tol,
		limit:     opts.HistoryLimit,
		publisher: opts.Publisher,
		logger:    opts.Logger.Named("reconcile"),
		now:       opts.Now,
		stats: Stats{
			FieldDrift: make(map[string]uint64),
			Tolerance:  tol.Value.String(),
			Inclusive:  tol.Inclusive,
		},
	}, nil
}

// Attach subscribes the reconciler to account updates on the bus.
func (r *Reconciler) Attach(sub events.Subscriber) (*events.Subscription, error) {
	return sub.Subscribe("reconcile", func(ev events.Event) {
		if u, ok := ev.Payload.(events.AccountUpdate); ok {
			r.Reconcile(u.State)
		}
	}, events.KindAccountUpdate)
}

// SetLocal replaces the local account belief.
func (r *Reconciler) SetLocal(snap domain.LocalAccountSnapshot) {
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = r.now()
	}
	r.mu.Lock()
	r.local = &snap
	r.mu.Unlock()
}

// Local returns the current local belief.
func (r *Reconciler) Local() (domain.LocalAccountSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.local == nil {
		return domain.LocalAccountSnapshot{}, false
	}
	return *r.local, true
}

// LatestServer returns the most recent server snapshot.
func (r *Reconciler) LatestServer() (*domain.ServerAccountState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.server == nil {
		return nil, false
	}
	s := *r.server
	return &s, true
}

// Reconcile compares a server snapshot with the local belief. It returns all
// field records, or nil when no local snapshot has been set.
func (r *Reconciler) Reconcile(server domain.ServerAccountState) []domain.DriftRecord {
	r.mu.Lock()
	r.server = &server
	if r.local == nil {
		r.stats.Skipped++
		r.mu.Unlock()
		return nil
	}
	local := *r.local
	r.stats.Reconciliations++

	records := Compare(local, server, r.tol)
	drifted := Drifted(records)
	fields := make([]string, 0, len(drifted))
	for _, d := range drifted {
		fields = append(fields, d.Field)
		r.stats.FieldDrift[d.Field]++
	}
	if len(drifted) > 0 {
		at := r.now()
		r.stats.DriftReports++
		r.stats.LastDriftAt = at
		r.history = append(r.history, Report{At: at, Records: drifted})
		if len(r.history) > r.limit {
			r.history = r.history[len(r.history)-r.limit:]
		}
	}
	r.mu.Unlock()

	observability.RecordReconciliation(fields)
	if len(drifted) == 0 {
		return records
	}

	for _, d := range drifted {
		r.logger.Warn("account drift",
			zap.String("field", d.Field),
			zap.String("local", d.LocalValue.String()),
			zap.String("server", d.ServerValue.String()),
			zap.String("delta", d.Delta.String()),
		)
	}
	if r.publisher != nil {
		r.publisher.Publish(events.KindDriftDetected, events.DriftDetected{Records: drifted})
	}
	return records
}

// History returns the retained drift reports, oldest first.
func (r *Reconciler) History() []Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Report, len(r.history))
	copy(out, r.history)
	return out
}

// Stats returns aggregate counters.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := r.stats
	st.FieldDrift = make(map[string]uint64, len(r.stats.FieldDrift))
	for k, v := range r.stats.FieldDrift {
		st.FieldDrift[k] = v
	}
	return st
}
