package phase

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultRuggedMemory is the number of recently rugged game ids remembered.
const DefaultRuggedMemory = 64

// GameEnd describes how the previous game ended when a new game id appears.
type GameEnd struct {
	PreviousID string
	Abnormal   bool // previous game never reached RUGGED
}

// Tracker validates the boundary between consecutive games.
type Tracker struct {
	mu      sync.Mutex
	current string
	rugged  map[string]struct{}
	order   []string
	limit   int
	logger  *zap.Logger
}

// NewTracker creates a tracker remembering up to limit rugged ids.
func NewTracker(limit int, logger *zap.Logger) *Tracker {
	if limit <= 0 {
		limit = DefaultRuggedMemory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		rugged: make(map[string]struct{}),
		limit:  limit,
		logger: logger,
	}
}

// Current returns the game id currently in play.
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Begin makes gameID current. Late observations for a recently rugged id
// return ErrGameRugged and leave the current game untouched.
func (t *Tracker) Begin(gameID string) (GameEnd, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gameID == t.current {
		return GameEnd{}, nil
	}
	if _, ok := t.rugged[gameID]; ok {
		return GameEnd{}, ErrGameRugged
	}

	end := GameEnd{PreviousID: t.current}
	if t.current != "" {
		if _, ok := t.rugged[t.current]; !ok {
			end.Abnormal = true
			t.logger.Warn("game ended without RUGGED",
				zap.String("game_id", t.current),
				zap.String("next_game_id", gameID),
			)
		}
	}
	t.current = gameID
	return end, nil
}

// MarkRugged records that gameID reached RUGGED.
func (t *Tracker) MarkRugged(gameID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.rugged[gameID]; ok {
		return
	}
	t.rugged[gameID] = struct{}{}
	t.order = append(t.order, gameID)
	if len(t.order) > t.limit {
		evict := t.order[0]
		t.order = t.order[1:]
		delete(t.rugged, evict)
	}
}
