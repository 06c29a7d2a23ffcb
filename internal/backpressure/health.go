package backpressure

import (
	"sync"
	"time"

	"rugs-feed-lab/internal/domain"
)

// HealthConfig configures connection health scoring.
type HealthConfig struct {
	DegradedMissedHeartbeats int           `yaml:"degraded_missed_heartbeats"`
	CriticalMissedHeartbeats int           `yaml:"critical_missed_heartbeats"`
	ReconnectWindow          time.Duration `yaml:"reconnect_window"`
	DegradedReconnects       int           `yaml:"degraded_reconnects"`
	CriticalReconnects       int           `yaml:"critical_reconnects"`
}

// DefaultHealthConfig returns connection health defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		DegradedMissedHeartbeats: 2,
		CriticalMissedHeartbeats: 5,
		ReconnectWindow:          5 * time.Minute,
		DegradedReconnects:       3,
		CriticalReconnects:       6,
	}
}

// ConnectionHealth scores missed heartbeats and recent reconnects.
type ConnectionHealth struct {
	mu         sync.Mutex
	cfg        HealthConfig
	missed     int
	reconnects []time.Time
}

// NewConnectionHealth creates a health scorer.
func NewConnectionHealth(cfg HealthConfig) *ConnectionHealth {
	def := DefaultHealthConfig()
	if cfg.DegradedMissedHeartbeats <= 0 {
		cfg.DegradedMissedHeartbeats = def.DegradedMissedHeartbeats
	}
	if cfg.CriticalMissedHeartbeats <= 0 {
		cfg.CriticalMissedHeartbeats = def.CriticalMissedHeartbeats
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = def.ReconnectWindow
	}
	if cfg.DegradedReconnects <= 0 {
		cfg.DegradedReconnects = def.DegradedReconnects
	}
	if cfg.CriticalReconnects <= 0 {
		cfg.CriticalReconnects = def.CriticalReconnects
	}
	return &ConnectionHealth{cfg: cfg}
}

// HeartbeatMissed counts one missed heartbeat.
func (h *ConnectionHealth) HeartbeatMissed() {
	h.mu.Lock()
	h.missed++
	h.mu.Unlock()
}

// HeartbeatOK resets the missed heartbeat streak.
func (h *ConnectionHealth) HeartbeatOK() {
	h.mu.Lock()
	h.missed = 0
	h.mu.Unlock()
}

// Reconnected records a reconnect at time at.
func (h *ConnectionHealth) Reconnected(at time.Time) {
	h.mu.Lock()
	h.reconnects = append(h.reconnects, at)
	h.mu.Unlock()
}

// Level evaluates the health tier at time now.
func (h *ConnectionHealth) Level(now time.Time) (domain.HealthLevel, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := now.Add(-h.cfg.ReconnectWindow)
	kept := h.reconnects[:0]
	for _, t := range h.reconnects {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.reconnects = kept
	recent := len(kept)

	switch {
	case h.missed >= h.cfg.CriticalMissedHeartbeats:
		return domain.HealthCritical, "heartbeats missed"
	case recent >= h.cfg.CriticalReconnects:
		return domain.HealthCritical, "reconnect storm"
	case h.missed >= h.cfg.DegradedMissedHeartbeats:
		return domain.HealthDegraded, "heartbeats missed"
	case recent >= h.cfg.DegradedReconnects:
		return domain.HealthDegraded, "frequent reconnects"
	}
	return domain.HealthHealthy, ""
}
