package recording

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rugs-feed-lab/internal/domain"
)

// FormatVersion is the version written into game and action files.
const FormatVersion = 1

// DayLayout formats index days.
const DayLayout = "2006-01-02"

var (
	// ErrInvalidGameFile is returned when a game file fails validation.
	ErrInvalidGameFile = errors.New("invalid game file")
	// ErrUnsupportedVersion is returned for files of an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported file version")
)

// GameMeta is the header of a game file.
type GameMeta struct {
	Version        int       `json:"version"`
	GameID         string    `json:"gameId"`
	SessionID      string    `json:"sessionId"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	DurationMs     int64     `json:"durationMs"`
	TickCount      int       `json:"tickCount"`
	PeakPrice      string    `json:"peakPrice"`
	ServerSeedHash string    `json:"serverSeedHash,omitempty"`
	ServerSeed     *string   `json:"serverSeed,omitempty"`
	HasGaps        bool      `json:"hasGaps"`
	Rugged         bool      `json:"rugged"`
	Scrutiny       bool      `json:"scrutiny"`
}

// GameFile is one finalized game on disk. Prices are decimal strings indexed
// by tick, null for an unset slot.
type GameFile struct {
	Meta   GameMeta  `json:"meta"`
	Prices []*string `json:"prices"`
	Filled []uint32  `json:"filled,omitempty"` // backfilled ticks
	Seeded bool      `json:"seeded,omitempty"` // tick 0 is the initial price, not a live observation
}

// ActionMeta is the header of an action file.
type ActionMeta struct {
	Version   int    `json:"version"`
	GameID    string `json:"gameId"`
	SessionID string `json:"sessionId"`
	PlayerID  string `json:"playerId,omitempty"`
	Username  string `json:"username,omitempty"`
}

// ActionFile holds the actions recorded during one game.
type ActionFile struct {
	Meta    ActionMeta              `json:"meta"`
	Actions []domain.RecordedAction `json:"actions"`
}

// DayIndex lists the games finalized on one UTC day, sorted by start time.
type DayIndex struct {
	Day   string              `json:"day"`
	Games []domain.IndexEntry `json:"games"`
}

// NewGameFile converts a finalized timeline into its file form.
func NewGameFile(tl *domain.GameTimeline, sessionID string, scrutiny bool) GameFile {
	f := GameFile{
		Meta: GameMeta{
			Version:        FormatVersion,
			GameID:         tl.GameID,
			SessionID:      sessionID,
			StartTime:      tl.StartTime.UTC(),
			EndTime:        tl.EndTime.UTC(),
			DurationMs:     tl.Duration().Milliseconds(),
			TickCount:      tl.TickCount(),
			PeakPrice:      tl.PeakPrice.String(),
			ServerSeedHash: tl.ServerSeedHash,
			ServerSeed:     tl.ServerSeed,
			HasGaps:        tl.HasGaps,
			Rugged:         tl.Rugged,
			Scrutiny:       scrutiny,
		},
		Prices: make([]*string, len(tl.Prices)),
	}
	for i, p := range tl.Prices {
		if !p.Set {
			continue
		}
		s := p.Price.String()
		f.Prices[i] = &s
		if p.Filled {
			f.Filled = append(f.Filled, p.Tick)
		}
		if p.Seeded {
			f.Seeded = true
		}
	}
	return f
}

// Validate checks the file's internal consistency.
func (f GameFile) Validate() error {
	if f.Meta.Version != FormatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Meta.Version)
	}
	if f.Meta.GameID == "" {
		return fmt.Errorf("%w: missing game id", ErrInvalidGameFile)
	}
	if len(f.Prices) == 0 || len(f.Prices) != f.Meta.TickCount {
		return fmt.Errorf("%w: %d prices for tick count %d", ErrInvalidGameFile, len(f.Prices), f.Meta.TickCount)
	}
	if f.Prices[0] == nil {
		return fmt.Errorf("%w: tick 0 unset", ErrInvalidGameFile)
	}
	_, err := f.Timeline()
	return err
}

// Timeline rebuilds the finalized timeline from the file and checks that the
// recorded summary matches the prices.
func (f GameFile) Timeline() (*domain.GameTimeline, error) {
	filled := make(map[uint32]bool, len(f.Filled))
	for _, t := range f.Filled {
		filled[t] = true
	}

	tl := &domain.GameTimeline{
		GameID:         f.Meta.GameID,
		StartTime:      f.Meta.StartTime,
		EndTime:        f.Meta.EndTime,
		ServerSeedHash: f.Meta.ServerSeedHash,
		Prices:         make([]domain.PricePoint, len(f.Prices)),
		Finalized:      true,
		Rugged:         f.Meta.Rugged,
	}
	if f.Meta.ServerSeed != nil {
		seed := *f.Meta.ServerSeed
		tl.ServerSeed = &seed
	}

	peak := decimal.Zero
	gaps := false
	for i, s := range f.Prices {
		pt := domain.PricePoint{Tick: uint32(i)}
		if s == nil {
			gaps = true
			tl.Prices[i] = pt
			continue
		}
		price, err := decimal.NewFromString(*s)
		if err != nil {
			return nil, fmt.Errorf("%w: tick %d price %q", ErrInvalidGameFile, i, *s)
		}
		pt.Price = price
		pt.Set = true
		pt.Filled = filled[uint32(i)]
		pt.Seeded = i == 0 && f.Seeded
		tl.Prices[i] = pt
		if price.GreaterThan(peak) {
			peak = price
		}
	}

	recordedPeak, err := decimal.NewFromString(f.Meta.PeakPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: peak price %q", ErrInvalidGameFile, f.Meta.PeakPrice)
	}
	if !recordedPeak.Equal(peak) {
		return nil, fmt.Errorf("%w: peak %s does not match prices (%s)", ErrInvalidGameFile, recordedPeak, peak)
	}
	if gaps != f.Meta.HasGaps {
		return nil, fmt.Errorf("%w: hasGaps=%t but prices say %t", ErrInvalidGameFile, f.Meta.HasGaps, gaps)
	}
	tl.PeakPrice = recordedPeak
	tl.HasGaps = gaps
	return tl, nil
}

// IndexEntry builds the index entry for this game.
func (f GameFile) IndexEntry(gameFile, actionFile string, actionCount int) domain.IndexEntry {
	peak, _ := decimal.NewFromString(f.Meta.PeakPrice)
	return domain.IndexEntry{
		GameID:         f.Meta.GameID,
		SessionID:      f.Meta.SessionID,
		Day:            f.Meta.EndTime.UTC().Format(DayLayout),
		StartTime:      f.Meta.StartTime,
		EndTime:        f.Meta.EndTime,
		DurationMs:     f.Meta.DurationMs,
		TickCount:      f.Meta.TickCount,
		PeakPrice:      peak,
		HasGaps:        f.Meta.HasGaps,
		Scrutiny:       f.Meta.Scrutiny,
		ActionCount:    actionCount,
		GameFile:       gameFile,
		ActionFile:     actionFile,
		ServerSeedHash: f.Meta.ServerSeedHash,
	}
}

// Layout resolves file locations under an output directory.
type Layout struct {
	Dir string
}

// GameFile returns the path of a game file relative to Dir.
func (Layout) GameFile(day, gameID string) string {
	return filepath.Join("games", day, sanitize(gameID)+".json")
}

// ActionFile returns the path of an action file relative to Dir.
func (Layout) ActionFile(day, gameID string) string {
	return filepath.Join("actions", day, sanitize(gameID)+".json")
}

// IndexFile returns the absolute path of a day's index.
func (l Layout) IndexFile(day string) string {
	return filepath.Join(l.Dir, "index", day+".json")
}

// Abs joins a relative path to Dir.
func (l Layout) Abs(rel string) string {
	return filepath.Join(l.Dir, rel)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

// LoadGameFile reads and validates a game file.
func LoadGameFile(path string) (*GameFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read game file: %w", err)
	}
	var f GameFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGameFile, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadActionFile reads an action file.
func LoadActionFile(path string) (*ActionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action file: %w", err)
	}
	var f ActionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode action file: %w", err)
	}
	if f.Meta.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Meta.Version)
	}
	return &f, nil
}

// LoadDayIndex reads a day's index. A missing index is empty.
func LoadDayIndex(l Layout, day string) (*DayIndex, error) {
	data, err := os.ReadFile(l.IndexFile(day))
	if errors.Is(err, os.ErrNotExist) {
		return &DayIndex{Day: day}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", day, err)
	}
	var idx DayIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", day, err)
	}
	return &idx, nil
}

// Upsert adds or replaces an entry and keeps the index sorted.
func (idx *DayIndex) Upsert(e domain.IndexEntry) {
	replaced := false
	for i := range idx.Games {
		if idx.Games[i].GameID == e.GameID {
			idx.Games[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		idx.Games = append(idx.Games, e)
	}
	idx.sortGames()
}

func (idx *DayIndex) sortGames() {
	sort.SliceStable(idx.Games, func(i, j int) bool {
		a, b := idx.Games[i], idx.Games[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.GameID < b.GameID
	})
}

// SaveDayIndex writes a day's index atomically.
func SaveDayIndex(l Layout, idx *DayIndex) error {
	idx.sortGames()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index %s: %w", idx.Day, err)
	}
	return WriteFileAtomic(l.IndexFile(idx.Day), data)
}

// RebuildDayIndex scans a day's game files and rewrites its index from them.
func RebuildDayIndex(l Layout, day string) (*DayIndex, error) {
	paths, err := filepath.Glob(filepath.Join(l.Dir, "games", day, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	idx := &DayIndex{Day: day}
	for _, p := range paths {
		f, err := LoadGameFile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		gameRel := l.GameFile(day, f.Meta.GameID)
		actionRel := ""
		count := 0
		if af, err := LoadActionFile(l.Abs(l.ActionFile(day, f.Meta.GameID))); err == nil {
			actionRel = l.ActionFile(day, f.Meta.GameID)
			count = len(af.Actions)
		}
		idx.Games = append(idx.Games, f.IndexEntry(gameRel, actionRel, count))
	}
	if err := SaveDayIndex(l, idx); err != nil {
		return nil, err
	}
	return idx, nil
}
