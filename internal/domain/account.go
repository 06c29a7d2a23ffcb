package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account field names used in drift records and files.
const (
	FieldCash          = "cash"
	FieldPositionQty   = "positionQty"
	FieldAvgCost       = "avgCost"
	FieldCumulativePnL = "cumulativePnL"
	FieldTotalInvested = "totalInvested"
)

// AccountFields lists the reconciled fields in comparison order.
var AccountFields = []string{
	FieldCash,
	FieldPositionQty,
	FieldAvgCost,
	FieldCumulativePnL,
	FieldTotalInvested,
}

// ServerAccountState is the authoritative account snapshot asserted by the feed.
// Snapshots are superseded, never mutated.
type ServerAccountState struct {
	Cash          decimal.Decimal `json:"cash"`
	PositionQty   decimal.Decimal `json:"positionQty"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	CumulativePnL decimal.Decimal `json:"cumulativePnL"`
	TotalInvested decimal.Decimal `json:"totalInvested"`
	ObservedAt    time.Time       `json:"observedAt"`
}

// Field returns the value of a named account field.
func (s ServerAccountState) Field(name string) (decimal.Decimal, bool) {
	return accountField(name, s.Cash, s.PositionQty, s.AvgCost, s.CumulativePnL, s.TotalInvested)
}

// LocalAccountSnapshot is the consumer's own belief about the same fields.
type LocalAccountSnapshot struct {
	Cash          decimal.Decimal `json:"cash"`
	PositionQty   decimal.Decimal `json:"positionQty"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	CumulativePnL decimal.Decimal `json:"cumulativePnL"`
	TotalInvested decimal.Decimal `json:"totalInvested"`
	CapturedAt    time.Time       `json:"capturedAt"`
}

// Field returns the value of a named account field.
func (s LocalAccountSnapshot) Field(name string) (decimal.Decimal, bool) {
	return accountField(name, s.Cash, s.PositionQty, s.AvgCost, s.CumulativePnL, s.TotalInvested)
}

func accountField(name string, cash, qty, avg, pnl, invested decimal.Decimal) (decimal.Decimal, bool) {
	switch name {
	case FieldCash:
		return cash, true
	case FieldPositionQty:
		return qty, true
	case FieldAvgCost:
		return avg, true
	case FieldCumulativePnL:
		return pnl, true
	case FieldTotalInvested:
		return invested, true
	}
	return decimal.Zero, false
}

// DriftRecord is the comparison result for one account field.
type DriftRecord struct {
	Field           string          `json:"field"`
	LocalValue      decimal.Decimal `json:"localValue"`
	ServerValue     decimal.Decimal `json:"serverValue"`
	Delta           decimal.Decimal `json:"delta"` // |server - local|
	WithinTolerance bool            `json:"withinTolerance"`
}
