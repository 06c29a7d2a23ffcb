package storage

import (
	"context"
	"errors"
	"fmt"

	"rugs-feed-lab/internal/domain"
)

// Archiver mirrors recorded games into an index store and, optionally, a
// tick store. Re-archiving a game is a no-op.
type Archiver struct {
	Index GameIndexStore
	Ticks TickStore // nil skips tick archival
}

// Archive stores the index entry and the set ticks of a finalized game.
func (a *Archiver) Archive(ctx context.Context, entry domain.IndexEntry, tl *domain.GameTimeline) error {
	if a.Index != nil {
		if err := a.Index.Insert(ctx, &entry); err != nil && !errors.Is(err, ErrDuplicateKey) {
			return fmt.Errorf("archive index %s: %w", entry.GameID, err)
		}
	}
	if a.Ticks == nil || tl == nil {
		return nil
	}

	points := make([]domain.PricePoint, 0, len(tl.Prices))
	for _, p := range tl.Prices {
		if p.Set {
			points = append(points, p)
		}
	}
	if err := a.Ticks.InsertBulk(ctx, tl.GameID, points); err != nil && !errors.Is(err, ErrDuplicateKey) {
		return fmt.Errorf("archive ticks %s: %w", tl.GameID, err)
	}
	return nil
}
