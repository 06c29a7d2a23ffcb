package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rugs-feed-lab/internal/domain"
)

func TestDecodeGameState(t *testing.T) {
	data := json.RawMessage(`{
		"gameId": "20250101-abc",
		"active": true,
		"rugged": false,
		"price": 1.2345,
		"tickCount": 42,
		"cooldownTimer": 0,
		"allowPreRoundBuys": false,
		"partialPrices": {"startTick": 38, "endTick": 42, "values": {"38": 1.1, "40": 1.2, "39": 1.15, "bad": 9}},
		"provablyFair": {"serverSeedHash": "h1", "version": "v3"},
		"gameHistory": [
			{"id": "prev", "peakMultiplier": 3.5, "provablyFair": {"serverSeed": "s0", "serverSeedHash": "h0"}}
		]
	}`)

	s, err := DecodeGameState(data)
	require.NoError(t, err)

	assert.Equal(t, "20250101-abc", s.GameID)
	assert.Equal(t, domain.PhaseActive, s.Phase())
	assert.Equal(t, uint32(42), s.Tick())
	assert.True(t, s.Price.Equal(decimal.RequireFromString("1.2345")))
	assert.Equal(t, "h1", s.SeedHash())

	points := s.PartialPrices.Points()
	require.Len(t, points, 3)
	assert.Equal(t, uint32(38), points[0].Tick)
	assert.Equal(t, uint32(39), points[1].Tick)
	assert.Equal(t, uint32(40), points[2].Tick)

	seed, ok := s.RevealedSeed("prev")
	assert.True(t, ok)
	assert.Equal(t, "s0", seed)
	_, ok = s.RevealedSeed("20250101-abc")
	assert.False(t, ok)
}

func TestGameState_PricedTick(t *testing.T) {
	full, err := DecodeGameState(json.RawMessage(`{"gameId":"g1","rugged":true,"price":0.002,"tickCount":3}`))
	require.NoError(t, err)
	pt, ok := full.PricedTick()
	require.True(t, ok)
	assert.Equal(t, uint32(3), pt.Tick)
	assert.True(t, pt.Price.Equal(decimal.RequireFromString("0.002")))

	bare, err := DecodeGameState(json.RawMessage(`{"gameId":"g1","rugged":true}`))
	require.NoError(t, err)
	_, ok = bare.PricedTick()
	assert.False(t, ok)
	assert.Equal(t, uint32(0), bare.Tick())

	noPrice, err := DecodeGameState(json.RawMessage(`{"gameId":"g1","active":true,"tickCount":7}`))
	require.NoError(t, err)
	_, ok = noPrice.PricedTick()
	assert.False(t, ok)
	assert.Equal(t, uint32(7), noPrice.Tick())
}

func TestDecodeGameState_Errors(t *testing.T) {
	_, err := DecodeGameState(json.RawMessage(`{"active":true}`))
	assert.Error(t, err)

	_, err = DecodeGameState(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestGameState_Phase(t *testing.T) {
	tests := []struct {
		name  string
		state GameState
		want  domain.Phase
	}{
		{"rugged wins over active", GameState{Rugged: true, Active: true}, domain.PhaseRugged},
		{"active", GameState{Active: true}, domain.PhaseActive},
		{"presale", GameState{AllowPreRoundBuys: true}, domain.PhasePresale},
		{"cooldown", GameState{CooldownTimer: 5000}, domain.PhaseCooldown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Phase())
		})
	}
}

func TestDecodePlayerUpdate(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s, err := DecodePlayerUpdate(json.RawMessage(`{"cash":10.5,"positionQty":"0.25","avgCost":1.01,"cumulativePnL":-0.3,"totalInvested":2}`), now)
	require.NoError(t, err)

	assert.True(t, s.Cash.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, s.PositionQty.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, s.CumulativePnL.Equal(decimal.RequireFromString("-0.3")))
	assert.Equal(t, now, s.ObservedAt)

	_, err = DecodePlayerUpdate(json.RawMessage(`{"username":"x"}`), now)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassLifecycle, Classify(EventGameStateUpdate))
	assert.Equal(t, ClassAccount, Classify(EventPlayerUpdate))
	assert.Equal(t, ClassTrade, Classify(EventStandardNewTrade))
	assert.Equal(t, ClassChat, Classify(EventNewChatMessage))
	assert.Equal(t, ClassCosmetic, Classify("somethingNew"))

	assert.True(t, ClassLifecycle.Critical())
	assert.True(t, ClassAccount.Critical())
	assert.False(t, ClassTrade.Critical())
}
