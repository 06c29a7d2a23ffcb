package domain

import "fmt"

// Phase is the lifecycle phase of a single game.
type Phase string

const (
	PhaseCooldown Phase = "COOLDOWN"
	PhasePresale  Phase = "PRESALE"
	PhaseActive   Phase = "ACTIVE"
	PhaseRugged   Phase = "RUGGED"
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid checks if the phase is a known value.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseCooldown, PhasePresale, PhaseActive, PhaseRugged:
		return true
	}
	return false
}

// ParsePhase parses a phase string as emitted by the feed or stored in files.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.IsValid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// PhaseTransition is one entry of a game's append-only phase history.
type PhaseTransition struct {
	GameID   string
	From     Phase
	To       Phase
	Tick     uint32
	At       int64 // Unix ms
	Observed bool  // false when the phase was implied rather than seen on the wire
}
