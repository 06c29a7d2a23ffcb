package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType is a user or bot trading action.
type ActionType string

const (
	ActionBuy        ActionType = "BUY"
	ActionSell       ActionType = "SELL"
	ActionSidebet    ActionType = "SIDEBET"
	ActionPartialOut ActionType = "PARTIAL_SELL"
)

// IsValid checks if the action type is a known value.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionSidebet, ActionPartialOut:
		return true
	}
	return false
}

// RecordedAction is one action of the "move" layer, joined to a timeline by GameID+Tick.
type RecordedAction struct {
	GameID string          `json:"gameId"`
	Tick   uint32          `json:"tick"`
	Action ActionType      `json:"action"`
	Amount decimal.Decimal `json:"amount"`
	Price  decimal.Decimal `json:"price"`
	// local cash and position once the action applied
	BalanceAfter     decimal.Decimal      `json:"balanceAfter"`
	PositionQtyAfter decimal.Decimal      `json:"positionQtyAfter"`
	LocalState       LocalAccountSnapshot `json:"localState"`
	ServerState      *ServerAccountState  `json:"serverState"` // latest server snapshot, nil if none arrived yet
	Timestamp        time.Time            `json:"timestamp"`
}
