package poller

import (
	"context"
	"time"
)

// Cursor is the end of the most recently consumed polling window. The zero
// value is an invalid cursor: the next cycle starts from now minus the
// configured lookback.
type Cursor struct {
	LastLoadedAt time.Time `json:"last_loaded_at"`
	Valid        bool      `json:"valid"`
}

// NewCursor returns a valid cursor at t.
func NewCursor(t time.Time) Cursor {
	return Cursor{LastLoadedAt: t.UTC(), Valid: true}
}

// Advance returns the later of c and t. A cursor never moves backwards.
func (c Cursor) Advance(t time.Time) Cursor {
	if !c.Valid || t.After(c.LastLoadedAt) {
		return NewCursor(t)
	}
	return c
}

// CursorStore persists the cursor across restarts.
type CursorStore interface {
	LoadCursor(ctx context.Context) (time.Time, bool, error)
	SaveCursor(ctx context.Context, t time.Time) error
}
