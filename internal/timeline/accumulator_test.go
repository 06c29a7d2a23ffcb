package timeline

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
	"rugs-feed-lab/internal/protocol"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAccumulator_SeedsInitialPrice(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})

	snap := acc.Snapshot()
	require.Len(t, snap.Prices, 1)
	assert.True(t, snap.Prices[0].Set)
	assert.False(t, snap.Prices[0].Filled)
	assert.True(t, snap.Prices[0].Price.Equal(decimal.NewFromInt(1)))
}

func TestAccumulator_RecordTickReportsGap(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})

	gap, err := acc.RecordTick(1, d("1.01"), t0.Add(250*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 0, gap)

	gap, err = acc.RecordTick(5, d("1.05"), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, gap)
	assert.Equal(t, []uint32{2, 3, 4}, acc.Gaps())

	// Revisiting an existing slot creates no gap.
	gap, err = acc.RecordTick(3, d("1.03"), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, gap)
	assert.Equal(t, []uint32{2, 4}, acc.Gaps())
}

func TestAccumulator_LiveOverwritesLive(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})
	_, err := acc.RecordTick(1, d("1.10"), t0)
	require.NoError(t, err)
	_, err = acc.RecordTick(1, d("1.20"), t0)
	require.NoError(t, err)

	assert.True(t, acc.Snapshot().Prices[1].Price.Equal(d("1.20")))
}

func TestAccumulator_BackfillClosesGaps(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})

	_, err := acc.RecordTick(1, d("1.01"), t0)
	require.NoError(t, err)
	_, err = acc.RecordTick(4, d("1.04"), t0)
	require.NoError(t, err)

	filled, err := acc.Backfill([]protocol.PricedTick{
		{Tick: 1, Price: d("9.99")}, // observed, must not be overwritten
		{Tick: 2, Price: d("1.02")},
		{Tick: 3, Price: d("1.03")},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, filled)

	tl, err := acc.Finalize(t0.Add(time.Second), true)
	require.NoError(t, err)

	assert.False(t, tl.HasGaps)
	assert.True(t, tl.Prices[1].Price.Equal(d("1.01")))
	assert.False(t, tl.Prices[1].Filled)
	assert.True(t, tl.Prices[2].Filled)
	assert.True(t, tl.Prices[3].Filled)
	assert.True(t, tl.PeakPrice.Equal(d("1.04")))
	assert.True(t, tl.Rugged)
}

func TestAccumulator_LiveReplacesFilled(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})
	_, err := acc.Backfill([]protocol.PricedTick{{Tick: 2, Price: d("1.5")}})
	require.NoError(t, err)

	_, err = acc.RecordTick(2, d("1.6"), t0)
	require.NoError(t, err)

	p := acc.Snapshot().Prices[2]
	assert.False(t, p.Filled)
	assert.True(t, p.Price.Equal(d("1.6")))
}

func TestAccumulator_MissingBackfillFlagsGaps(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})
	_, err := acc.RecordTick(3, d("1.3"), t0)
	require.NoError(t, err)

	tl, err := acc.Finalize(t0, false)
	require.NoError(t, err)

	assert.True(t, tl.HasGaps)
	assert.Equal(t, []uint32{1, 2}, tl.UnsetTicks())
	assert.True(t, tl.PeakPrice.Equal(d("1.3")))
}

func TestAccumulator_WritesAfterFinalize(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})
	_, err := acc.Finalize(t0, true)
	require.NoError(t, err)

	_, err = acc.RecordTick(1, d("1"), t0)
	assert.True(t, errors.Is(err, ErrFinalized))

	_, err = acc.Backfill([]protocol.PricedTick{{Tick: 1, Price: d("1")}})
	assert.True(t, errors.Is(err, ErrFinalized))

	assert.ErrorIs(t, acc.RevealSeed("seed"), ErrFinalized)

	_, err = acc.Finalize(t0, true)
	assert.ErrorIs(t, err, ErrFinalized)
}

func TestAccumulator_TickOutOfRange(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{MaxTicks: 10})
	_, err := acc.RecordTick(10, d("1"), t0)
	assert.ErrorIs(t, err, ErrTickOutOfRange)
	assert.Equal(t, 1, acc.Len())
}

func TestAccumulator_SeedHashAndReveal(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})
	acc.SetSeedHash("")
	acc.SetSeedHash("hash-1")
	acc.SetSeedHash("hash-2")
	require.NoError(t, acc.RevealSeed("seed-1"))

	tl, err := acc.Finalize(t0, true)
	require.NoError(t, err)
	assert.Equal(t, "hash-1", tl.ServerSeedHash)
	require.NotNil(t, tl.ServerSeed)
	assert.Equal(t, "seed-1", *tl.ServerSeed)
}

func TestAccumulator_SnapshotIsCopy(t *testing.T) {
	acc := NewAccumulator("g1", t0, Options{})
	snap := acc.Snapshot()
	snap.Prices[0].Price = d("5")

	assert.True(t, acc.Snapshot().Prices[0].Price.Equal(domain.InitialPrice))
}
