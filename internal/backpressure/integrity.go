package backpressure

import "sync"

// DefaultMaxGapRun is the number of consecutive unset slots tolerated before a breach.
const DefaultMaxGapRun = 8

// IntegrityMonitor tracks consecutive gapped ticks per game.
type IntegrityMonitor struct {
	mu       sync.Mutex
	maxRun   int
	gameID   string
	streak   int
	breached bool
}

// NewIntegrityMonitor creates a monitor breaching above maxRun missing slots.
func NewIntegrityMonitor(maxRun int) *IntegrityMonitor {
	if maxRun <= 0 {
		maxRun = DefaultMaxGapRun
	}
	return &IntegrityMonitor{maxRun: maxRun}
}

// ObserveTick records the gap run created by one tick. It returns true exactly
// once per game, on the tick that pushed the streak above the limit.
func (m *IntegrityMonitor) ObserveTick(gameID string, gapRun int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gameID != m.gameID {
		m.gameID = gameID
		m.streak = 0
		m.breached = false
	}
	if gapRun <= 0 {
		m.streak = 0
		return false
	}
	m.streak += gapRun
	if m.streak > m.maxRun && !m.breached {
		m.breached = true
		return true
	}
	return false
}

// Streak returns the current streak of missing slots.
func (m *IntegrityMonitor) Streak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streak
}
