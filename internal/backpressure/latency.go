package backpressure

import (
	"sync"
	"time"
)

// LatencyConfig configures spike detection over inter-event gaps.
type LatencyConfig struct {
	Window        int           `yaml:"window"`         // gaps in the moving average
	SpikeMultiple float64       `yaml:"spike_multiple"` // average > multiple*baseline is a spike
	Baseline      time.Duration `yaml:"baseline"`       // zero learns the baseline during warmup
	Warmup        int           `yaml:"warmup"`         // gaps used to learn the baseline
}

// DefaultLatencyConfig returns spike detection defaults for a 250ms tick feed.
func DefaultLatencyConfig() LatencyConfig {
	return LatencyConfig{
		Window:        20,
		SpikeMultiple: 4,
		Warmup:        40,
	}
}

// LatencyMonitor tracks a rolling window of gaps between consecutive events.
type LatencyMonitor struct {
	mu       sync.Mutex
	cfg      LatencyConfig
	last     time.Time
	gaps     []time.Duration
	next     int
	filled   bool
	sum      time.Duration
	baseline time.Duration
	warm     []time.Duration
}

// NewLatencyMonitor creates a monitor.
func NewLatencyMonitor(cfg LatencyConfig) *LatencyMonitor {
	def := DefaultLatencyConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SpikeMultiple <= 0 {
		cfg.SpikeMultiple = def.SpikeMultiple
	}
	if cfg.Warmup <= 0 {
		cfg.Warmup = def.Warmup
	}
	return &LatencyMonitor{
		cfg:      cfg,
		gaps:     make([]time.Duration, cfg.Window),
		baseline: cfg.Baseline,
	}
}

// Observe records an event arrival and returns the gap to the previous one.
func (m *LatencyMonitor) Observe(at time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last.IsZero() {
		m.last = at
		return 0
	}
	gap := at.Sub(m.last)
	if gap < 0 {
		gap = 0
	}
	m.last = at

	m.sum -= m.gaps[m.next]
	m.gaps[m.next] = gap
	m.sum += gap
	m.next = (m.next + 1) % len(m.gaps)
	if m.next == 0 {
		m.filled = true
	}

	if m.baseline == 0 {
		m.warm = append(m.warm, gap)
		if len(m.warm) >= m.cfg.Warmup {
			var total time.Duration
			for _, g := range m.warm {
				total += g
			}
			m.baseline = total / time.Duration(len(m.warm))
			m.warm = nil
		}
	}
	return gap
}

// Average returns the moving average gap.
func (m *LatencyMonitor) Average() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.average()
}

func (m *LatencyMonitor) average() time.Duration {
	n := m.next
	if m.filled {
		n = len(m.gaps)
	}
	if n == 0 {
		return 0
	}
	return m.sum / time.Duration(n)
}

// Baseline returns the configured or learned baseline, zero while warming up.
func (m *LatencyMonitor) Baseline() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline
}

// Spiking reports whether the moving average exceeds SpikeMultiple×baseline.
func (m *LatencyMonitor) Spiking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseline == 0 {
		return false
	}
	limit := time.Duration(float64(m.baseline) * m.cfg.SpikeMultiple)
	return m.average() > limit
}
