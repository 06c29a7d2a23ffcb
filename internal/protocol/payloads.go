package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"rugs-feed-lab/internal/domain"
)

// Feed event names.
const (
	EventGameStateUpdate  = "gameStateUpdate"
	EventPlayerUpdate     = "playerUpdate"
	EventUsernameStatus   = "usernameStatus"
	EventStandardNewTrade = "standard/newTrade"
	EventNewTrade         = "newTrade"
	EventSidebet          = "sidebetEvent"
	EventNewChatMessage   = "newChatMessage"
	EventRugPool          = "rugPool"
	EventLeaderboard      = "leaderboardUpdate"
)

// ProvablyFair carries the fairness commitment of a game.
type ProvablyFair struct {
	ServerSeed     string `json:"serverSeed,omitempty"`
	ServerSeedHash string `json:"serverSeedHash,omitempty"`
	Version        string `json:"version,omitempty"`
}

// PartialPrices is the recent-window price payload used for backfill.
type PartialPrices struct {
	StartTick int                        `json:"startTick"`
	EndTick   int                        `json:"endTick"`
	Values    map[string]decimal.Decimal `json:"values"`
}

// PricedTick is one tick of a recent-window payload.
type PricedTick struct {
	Tick  uint32
	Price decimal.Decimal
}

// Points returns the window as tick-ordered points, skipping non-numeric keys.
func (p *PartialPrices) Points() []PricedTick {
	if p == nil {
		return nil
	}
	out := make([]PricedTick, 0, len(p.Values))
	for k, v := range p.Values {
		tick, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, PricedTick{Tick: uint32(tick), Price: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Tick < out[j].Tick
	})
	return out
}

// HistoryEntry is one completed game listed in gameHistory.
type HistoryEntry struct {
	ID             string          `json:"id"`
	Timestamp      int64           `json:"timestamp"`
	PeakMultiplier decimal.Decimal `json:"peakMultiplier"`
	ProvablyFair   ProvablyFair    `json:"provablyFair"`
}

// GameState is the decoded payload of a gameStateUpdate event.
type GameState struct {
	GameID            string           `json:"gameId"`
	Active            bool             `json:"active"`
	Rugged            bool             `json:"rugged"`
	Price             *decimal.Decimal `json:"price,omitempty"`     // nil when absent
	TickCount         *int             `json:"tickCount,omitempty"` // nil when absent
	CooldownTimer     int              `json:"cooldownTimer"`       // ms
	AllowPreRoundBuys bool             `json:"allowPreRoundBuys"`
	PartialPrices     *PartialPrices   `json:"partialPrices,omitempty"`
	ProvablyFair      *ProvablyFair    `json:"provablyFair,omitempty"`
	GameHistory       []HistoryEntry   `json:"gameHistory,omitempty"`
}

// Phase derives the lifecycle phase asserted by this state.
func (s *GameState) Phase() domain.Phase {
	switch {
	case s.Rugged:
		return domain.PhaseRugged
	case s.Active:
		return domain.PhaseActive
	case s.AllowPreRoundBuys:
		return domain.PhasePresale
	default:
		return domain.PhaseCooldown
	}
}

// Tick returns the current tick index, clamped to zero. An absent tick is 0.
func (s *GameState) Tick() uint32 {
	if s.TickCount == nil || *s.TickCount < 0 {
		return 0
	}
	return uint32(*s.TickCount)
}

// PricedTick returns the tick and price carried by the state, ok only when
// both fields are present.
func (s *GameState) PricedTick() (PricedTick, bool) {
	if s.TickCount == nil || s.Price == nil {
		return PricedTick{}, false
	}
	return PricedTick{Tick: s.Tick(), Price: *s.Price}, true
}

// SeedHash returns the server seed hash if present.
func (s *GameState) SeedHash() string {
	if s.ProvablyFair == nil {
		return ""
	}
	return s.ProvablyFair.ServerSeedHash
}

// RevealedSeed looks up the revealed server seed of gameID in the history list.
func (s *GameState) RevealedSeed(gameID string) (string, bool) {
	for _, h := range s.GameHistory {
		if h.ID == gameID && h.ProvablyFair.ServerSeed != "" {
			return h.ProvablyFair.ServerSeed, true
		}
	}
	return "", false
}

// DecodeGameState decodes a gameStateUpdate payload.
func DecodeGameState(data json.RawMessage) (*GameState, error) {
	var s GameState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", EventGameStateUpdate, err)
	}
	if s.GameID == "" {
		return nil, fmt.Errorf("decode %s: missing gameId", EventGameStateUpdate)
	}
	return &s, nil
}

type playerUpdatePayload struct {
	Cash          *decimal.Decimal `json:"cash"`
	PositionQty   *decimal.Decimal `json:"positionQty"`
	AvgCost       *decimal.Decimal `json:"avgCost"`
	CumulativePnL *decimal.Decimal `json:"cumulativePnL"`
	TotalInvested *decimal.Decimal `json:"totalInvested"`
}

// DecodePlayerUpdate decodes a playerUpdate payload into a server account snapshot.
// Missing fields decode as zero; a payload with none of the fields is rejected.
func DecodePlayerUpdate(data json.RawMessage, observedAt time.Time) (domain.ServerAccountState, error) {
	var p playerUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.ServerAccountState{}, fmt.Errorf("decode %s: %w", EventPlayerUpdate, err)
	}
	if p.Cash == nil && p.PositionQty == nil && p.AvgCost == nil && p.CumulativePnL == nil && p.TotalInvested == nil {
		return domain.ServerAccountState{}, fmt.Errorf("decode %s: no account fields", EventPlayerUpdate)
	}
	return domain.ServerAccountState{
		Cash:          orZero(p.Cash),
		PositionQty:   orZero(p.PositionQty),
		AvgCost:       orZero(p.AvgCost),
		CumulativePnL: orZero(p.CumulativePnL),
		TotalInvested: orZero(p.TotalInvested),
		ObservedAt:    observedAt,
	}, nil
}

func orZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
