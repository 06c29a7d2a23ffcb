package backpressure

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/protocol"
)

// RateLimit is a token bucket size for one event class.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// DefaultRates caps the droppable classes. Lifecycle and account bypass limiting.
func DefaultRates() map[protocol.EventClass]RateLimit {
	return map[protocol.EventClass]RateLimit{
		protocol.ClassTrade:    {PerSecond: 200, Burst: 400},
		protocol.ClassChat:     {PerSecond: 20, Burst: 40},
		protocol.ClassCosmetic: {PerSecond: 20, Burst: 40},
	}
}

// suspended reports whether a class is shed entirely at the given level.
func suspended(class protocol.EventClass, level domain.HealthLevel) bool {
	switch class {
	case protocol.ClassLifecycle, protocol.ClassAccount:
		return false
	case protocol.ClassTrade:
		return level >= domain.HealthCritical
	default:
		return level >= domain.HealthDegraded
	}
}

// ClassLimiter holds one token bucket per droppable class.
type ClassLimiter struct {
	mu      sync.Mutex
	buckets map[protocol.EventClass]*rate.Limiter
	dropped map[protocol.EventClass]uint64
}

// NewClassLimiter creates buckets for the given rates.
func NewClassLimiter(rates map[protocol.EventClass]RateLimit) *ClassLimiter {
	l := &ClassLimiter{
		buckets: make(map[protocol.EventClass]*rate.Limiter),
		dropped: make(map[protocol.EventClass]uint64),
	}
	for class, r := range rates {
		if class.Critical() || r.PerSecond <= 0 {
			continue
		}
		burst := r.Burst
		if burst <= 0 {
			burst = 1
		}
		l.buckets[class] = rate.NewLimiter(rate.Limit(r.PerSecond), burst)
	}
	return l
}

// Allow decides whether one event of class may pass at time now.
func (l *ClassLimiter) Allow(class protocol.EventClass, level domain.HealthLevel, now time.Time) bool {
	if class.Critical() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if suspended(class, level) {
		l.dropped[class]++
		return false
	}
	if b, ok := l.buckets[class]; ok && !b.AllowN(now, 1) {
		l.dropped[class]++
		return false
	}
	return true
}

// Dropped returns a copy of the per-class drop counters.
func (l *ClassLimiter) Dropped() map[protocol.EventClass]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[protocol.EventClass]uint64, len(l.dropped))
	for k, v := range l.dropped {
		out[k] = v
	}
	return out
}
