package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IndexEntry is one finalized game as listed in the per-day index.
type IndexEntry struct {
	GameID         string          `json:"gameId"`
	SessionID      string          `json:"sessionId"`
	Day            string          `json:"day"` // YYYY-MM-DD (UTC) of EndTime
	StartTime      time.Time       `json:"startTime"`
	EndTime        time.Time       `json:"endTime"`
	DurationMs     int64           `json:"durationMs"`
	TickCount      int             `json:"tickCount"`
	PeakPrice      decimal.Decimal `json:"peakPrice"`
	HasGaps        bool            `json:"hasGaps"`
	Scrutiny       bool            `json:"scrutiny"`
	ActionCount    int             `json:"actionCount"`
	GameFile       string          `json:"gameFile"`
	ActionFile     string          `json:"actionFile,omitempty"`
	ServerSeedHash string          `json:"serverSeedHash,omitempty"`
}

// IsClean reports whether the game belongs in clean training corpora.
func (e IndexEntry) IsClean() bool {
	return !e.HasGaps && !e.Scrutiny
}
