// Package timeline accumulates the tick-indexed price history of a single game.
package timeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/protocol"
)

var (
	// ErrFinalized is returned for writes after the timeline was frozen.
	ErrFinalized = errors.New("timeline finalized")
	// ErrTickOutOfRange is returned for ticks beyond MaxTicks.
	ErrTickOutOfRange = errors.New("tick out of range")
)

// DefaultMaxTicks bounds the backing array of one game.
const DefaultMaxTicks = 50_000

// Options configures an Accumulator.
type Options struct {
	MaxTicks int
	Logger   *zap.Logger
}

// Accumulator owns the price history of one game id.
// It is owned by a single game worker; the mutex only protects Snapshot readers.
type Accumulator struct {
	mu       sync.RWMutex
	tl       *domain.GameTimeline
	maxTicks int
	logger   *zap.Logger
}

// NewAccumulator creates an accumulator with tick 0 seeded at the initial price.
func NewAccumulator(gameID string, startedAt time.Time, opts Options) *Accumulator {
	if opts.MaxTicks <= 0 {
		opts.MaxTicks = DefaultMaxTicks
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Accumulator{
		tl: &domain.GameTimeline{
			GameID:    gameID,
			StartTime: startedAt,
			PeakPrice: domain.InitialPrice,
			Prices: []domain.PricePoint{
				{Tick: 0, Price: domain.InitialPrice, Seeded: true, Set: true},
			},
		},
		maxTicks: opts.MaxTicks,
		logger:   opts.Logger.With(zap.String("game_id", gameID)),
	}
}

// GameID returns the id of the accumulated game.
func (a *Accumulator) GameID() string {
	return a.tl.GameID
}

// RecordTick stores a live observation for tick and returns the number of
// unset slots this tick skipped over. A later live value for the same tick
// overwrites the earlier one; live values always replace backfilled ones.
func (a *Accumulator) RecordTick(tick uint32, price decimal.Decimal, at time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tl.Finalized {
		return 0, ErrFinalized
	}
	if int(tick) >= a.maxTicks {
		return 0, fmt.Errorf("tick %d: %w", tick, ErrTickOutOfRange)
	}

	gap := a.extend(tick)
	a.tl.Prices[tick] = domain.PricePoint{Tick: tick, Price: price, Set: true}
	a.tl.EndTime = at

	if gap > 0 {
		a.logger.Debug("tick skipped slots", zap.Uint32("tick", tick), zap.Int("gap", gap))
	}
	return gap, nil
}

// Backfill fills unset slots from a recent-window payload and marks them Filled.
// Observed values are never overwritten. Returns the number of slots filled.
func (a *Accumulator) Backfill(points []protocol.PricedTick) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tl.Finalized {
		return 0, ErrFinalized
	}

	filled := 0
	for _, p := range points {
		if int(p.Tick) >= a.maxTicks {
			continue
		}
		a.extend(p.Tick)
		if a.tl.Prices[p.Tick].Set {
			continue
		}
		a.tl.Prices[p.Tick] = domain.PricePoint{Tick: p.Tick, Price: p.Price, Filled: true, Set: true}
		filled++
	}
	return filled, nil
}

// SetSeedHash records the server seed hash. The first non-empty hash wins.
func (a *Accumulator) SetSeedHash(hash string) {
	if hash == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tl.ServerSeedHash == "" && !a.tl.Finalized {
		a.tl.ServerSeedHash = hash
	}
}

// RevealSeed stores the revealed server seed.
func (a *Accumulator) RevealSeed(seed string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tl.Finalized {
		return ErrFinalized
	}
	if seed != "" {
		a.tl.ServerSeed = &seed
	}
	return nil
}

// Gaps returns the ticks that currently hold no value.
func (a *Accumulator) Gaps() []uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tl.UnsetTicks()
}

// LastTick returns the highest addressable tick.
func (a *Accumulator) LastTick() uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return uint32(len(a.tl.Prices) - 1)
}

// Len returns the number of slots.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tl.Prices)
}

// Finalize freezes the timeline, computes its peak and gap flag, and returns a copy.
// rugged marks a RUGGED-terminated game as opposed to one cut off by a new game id.
func (a *Accumulator) Finalize(at time.Time, rugged bool) (*domain.GameTimeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.tl.Finalized {
		return nil, ErrFinalized
	}

	peak := decimal.Zero
	hasGaps := false
	for _, p := range a.tl.Prices {
		if !p.Set {
			hasGaps = true
			continue
		}
		if p.Price.GreaterThan(peak) {
			peak = p.Price
		}
	}

	a.tl.PeakPrice = peak
	a.tl.HasGaps = hasGaps
	a.tl.Rugged = rugged
	if a.tl.EndTime.IsZero() || at.After(a.tl.EndTime) {
		a.tl.EndTime = at
	}
	a.tl.Finalized = true

	a.logger.Debug("timeline finalized",
		zap.Int("ticks", len(a.tl.Prices)),
		zap.Bool("has_gaps", hasGaps),
		zap.Bool("rugged", rugged),
		zap.String("peak", peak.String()),
	)

	return a.tl.Clone(), nil
}

// Snapshot returns a copy of the current timeline.
func (a *Accumulator) Snapshot() *domain.GameTimeline {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tl.Clone()
}

// extend grows the backing array so tick is addressable and returns the number
// of unset slots created before tick. Never truncates.
func (a *Accumulator) extend(tick uint32) int {
	n := uint32(len(a.tl.Prices))
	if tick < n {
		return 0
	}
	for i := n; i <= tick; i++ {
		a.tl.Prices = append(a.tl.Prices, domain.PricePoint{Tick: i})
	}
	return int(tick - n)
}
