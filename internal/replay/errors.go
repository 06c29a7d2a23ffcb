package replay

import "errors"

var (
	// ErrNotReplayable is returned for a game that did not finish cleanly.
	ErrNotReplayable = errors.New("game is not replayable")
	// ErrNondeterministic is returned when two passes disagree.
	ErrNondeterministic = errors.New("replay is not deterministic")
)
