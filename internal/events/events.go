// Package events is the in-process typed event bus of the pipeline.
package events

import (
	"time"

	"github.com/shopspring/decimal"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/protocol"
)

// Kind identifies an event type on the bus.
type Kind string

const (
	KindTick                Kind = "tick"
	KindPhaseChanged        Kind = "phase_changed"
	KindTimelineComplete    Kind = "timeline_complete"
	KindAccountUpdate       Kind = "account_update"
	KindDriftDetected       Kind = "drift_detected"
	KindSourceChanged       Kind = "source_changed"
	KindHealthChanged       Kind = "health_changed"
	KindCaptureStateChanged Kind = "capture_state_changed"
	KindIntegrityBreach     Kind = "integrity_breach"
	KindProtocol            Kind = "protocol"
)

// AllKinds lists every kind in a stable order.
var AllKinds = []Kind{
	KindTick,
	KindPhaseChanged,
	KindTimelineComplete,
	KindAccountUpdate,
	KindDriftDetected,
	KindSourceChanged,
	KindHealthChanged,
	KindCaptureStateChanged,
	KindIntegrityBreach,
	KindProtocol,
}

// Event is one bus message. Payload holds the kind-specific struct below.
type Event struct {
	Kind       Kind              `json:"kind"`
	Seq        uint64            `json:"seq"` // bus publish order
	At         time.Time         `json:"at"`
	Provenance domain.Provenance `json:"provenance"`
	Payload    any               `json:"payload"`
}

// Tick is published for every live or replayed price observation.
type Tick struct {
	GameID string          `json:"gameId"`
	Tick   uint32          `json:"tick"`
	Price  decimal.Decimal `json:"price"`
	Phase  domain.Phase    `json:"phase"`
	GapRun int             `json:"gapRun"`
}

// PhaseChanged is published for every applied phase transition.
type PhaseChanged struct {
	GameID string       `json:"gameId"`
	From   domain.Phase `json:"from"`
	To     domain.Phase `json:"to"`
	Tick   uint32       `json:"tick"`
	Clean  bool         `json:"clean"` // ACTIVE reached after an observed COOLDOWN/PRESALE
}

// TimelineComplete carries a finalized timeline.
type TimelineComplete struct {
	Timeline *domain.GameTimeline `json:"timeline"`
	Abnormal bool                 `json:"abnormal"` // cut off by a new game id
}

// AccountUpdate carries a new server account snapshot.
type AccountUpdate struct {
	State domain.ServerAccountState `json:"state"`
}

// DriftDetected lists the out-of-tolerance fields of one reconciliation.
type DriftDetected struct {
	Records []domain.DriftRecord `json:"records"`
}

// SourceChanged is published when the delivering source changes.
type SourceChanged struct {
	From   domain.SourceRole `json:"from"`
	To     domain.SourceRole `json:"to"`
	Reason string            `json:"reason"`
}

// HealthChanged is published on every degradation tier change.
type HealthChanged struct {
	From    domain.HealthLevel `json:"from"`
	To      domain.HealthLevel `json:"to"`
	Reasons []string           `json:"reasons"`
}

// CaptureStateChanged is published on every recorder state change.
type CaptureStateChanged struct {
	SessionID string              `json:"sessionId"`
	From      domain.CaptureState `json:"from"`
	To        domain.CaptureState `json:"to"`
	Reason    string              `json:"reason"`
}

// IntegrityBreach signals that the in-flight game can no longer be trusted.
type IntegrityBreach struct {
	GameID string `json:"gameId"`
	Reason string `json:"reason"`
	GapRun int    `json:"gapRun"`
}

// Protocol wraps a decoded feed event that passed backpressure.
type Protocol struct {
	Event domain.ProtocolEvent `json:"-"`
	Name  string               `json:"name"`
	Class protocol.EventClass  `json:"class"`
}
