// Package phase tracks the lifecycle phase of games.
package phase

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
)

var (
	// ErrInvalidTransition is returned when an observed phase is not reachable from the current one.
	ErrInvalidTransition = errors.New("invalid phase transition")
	// ErrGameRugged is returned for any observation of a game that already rugged.
	ErrGameRugged = errors.New("game already rugged")
)

var allowed = map[domain.Phase][]domain.Phase{
	domain.PhaseCooldown: {domain.PhasePresale, domain.PhaseActive},
	domain.PhasePresale:  {domain.PhaseActive},
	domain.PhaseActive:   {domain.PhaseRugged},
}

// Allowed reports whether from→to is a legal single-game transition.
func Allowed(from, to domain.Phase) bool {
	for _, p := range allowed[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Options configures a Machine.
type Options struct {
	Logger *zap.Logger
	Now    func() time.Time
}

// Machine is the phase state machine of one game.
type Machine struct {
	mu         sync.RWMutex
	gameID     string
	current    domain.Phase
	history    []domain.PhaseTransition
	observed   map[domain.Phase]bool
	cleanStart bool
	logger     *zap.Logger
	now        func() time.Time
}

// NewMachine creates a machine in the implied COOLDOWN phase.
func NewMachine(gameID string, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		gameID:   gameID,
		current:  domain.PhaseCooldown,
		observed: make(map[domain.Phase]bool),
		logger:   opts.Logger.With(zap.String("game_id", gameID)),
		now:      opts.Now,
	}
	m.history = append(m.history, domain.PhaseTransition{
		GameID: gameID,
		To:     domain.PhaseCooldown,
		At:     m.now().UnixMilli(),
	})
	return m
}

// Current returns the current phase.
func (m *Machine) Current() domain.Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Observe applies an observed phase. It returns the transition when the phase
// changed, nil for a repeat of the current phase, or an error when the
// transition is not allowed (the state is left unchanged).
func (m *Machine) Observe(to domain.Phase, tick uint32) (*domain.PhaseTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == domain.PhaseRugged {
		return nil, ErrGameRugged
	}
	if to == m.current {
		m.observed[to] = true
		return nil, nil
	}
	if !Allowed(m.current, to) {
		m.logger.Warn("rejected phase transition",
			zap.String("from", m.current.String()),
			zap.String("to", to.String()),
			zap.Uint32("tick", tick),
		)
		return nil, fmt.Errorf("%s -> %s: %w", m.current, to, ErrInvalidTransition)
	}

	if to == domain.PhaseActive {
		m.cleanStart = m.observed[domain.PhaseCooldown] || m.observed[domain.PhasePresale]
	}

	tr := domain.PhaseTransition{
		GameID:   m.gameID,
		From:     m.current,
		To:       to,
		Tick:     tick,
		At:       m.now().UnixMilli(),
		Observed: true,
	}
	m.history = append(m.history, tr)
	m.observed[to] = true
	m.current = to
	return &tr, nil
}

// CheckTick rejects ticks for a rugged game.
func (m *Machine) CheckTick() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == domain.PhaseRugged {
		return ErrGameRugged
	}
	return nil
}

// CleanStart reports whether COOLDOWN or PRESALE was observed on the wire before ACTIVE.
func (m *Machine) CleanStart() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cleanStart
}

// History returns a copy of the append-only transition history.
func (m *Machine) History() []domain.PhaseTransition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PhaseTransition, len(m.history))
	copy(out, m.history)
	return out
}
