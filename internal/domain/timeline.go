package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// InitialPrice is the protocol-defined price of tick 0 of every game.
var InitialPrice = decimal.NewFromInt(1)

// PricePoint is one slot of a game's price timeline.
type PricePoint struct {
	Tick   uint32          // slot index
	Price  decimal.Decimal // price at this tick
	Filled bool            // true if backfilled from a recent-window payload
	Seeded bool            // tick 0 still holds InitialPrice rather than a live observation
	Set    bool            // false while the slot holds no value at all
}

// Live reports whether the slot holds a price observed on a live tick.
func (p PricePoint) Live() bool {
	return p.Set && !p.Filled && !p.Seeded
}

// GameTimeline is the dense, tick-indexed price history of one game.
type GameTimeline struct {
	GameID         string
	StartTime      time.Time
	EndTime        time.Time
	PeakPrice      decimal.Decimal
	ServerSeedHash string
	ServerSeed     *string // nil until revealed
	Prices         []PricePoint
	HasGaps        bool
	Finalized      bool
	Rugged         bool // finalized by a RUGGED transition rather than a new game id
}

// Clone returns a deep copy of the timeline.
func (t *GameTimeline) Clone() *GameTimeline {
	if t == nil {
		return nil
	}
	c := *t
	c.Prices = make([]PricePoint, len(t.Prices))
	copy(c.Prices, t.Prices)
	if t.ServerSeed != nil {
		seed := *t.ServerSeed
		c.ServerSeed = &seed
	}
	return &c
}

// TickCount returns the number of slots in the timeline.
func (t *GameTimeline) TickCount() int {
	return len(t.Prices)
}

// UnsetTicks returns the ticks that hold no value.
func (t *GameTimeline) UnsetTicks() []uint32 {
	var missing []uint32
	for _, p := range t.Prices {
		if !p.Set {
			missing = append(missing, p.Tick)
		}
	}
	return missing
}

// Duration returns the wall time between the first and last observation.
func (t *GameTimeline) Duration() time.Duration {
	if t.StartTime.IsZero() || t.EndTime.IsZero() {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}
