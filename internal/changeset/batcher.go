package changeset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/logger"
	"github.com/wegman-software/osm2apidb-go/internal/quadtile"
	"github.com/wegman-software/osm2apidb-go/internal/section"
)

// DefaultMaxChanges matches the OSM API limit on changes per changeset
const DefaultMaxChanges = 50000

var (
	// ErrClosed is returned when recording a change after Close
	ErrClosed = errors.New("changeset batcher is closed")
	// ErrNoID wraps failures of the IDSource
	ErrNoID = errors.New("failed to obtain changeset id")
)

// IDSource hands out new changeset IDs
type IDSource interface {
	NewChangesetID(ctx context.Context) (int64, error)
}

// Appender receives the changeset rows
type Appender interface {
	Append(table string, values ...any) error
}

// Changeset is the currently open changeset
type Changeset struct {
	ID      int64
	Changes int
	Bound   orb.Bound
	Bounded bool // false until an element with a location is recorded
	Opened  time.Time
}

// Batcher assigns every recorded change to a changeset, rolling over to a
// new one when the current changeset reaches its maximum size.
type Batcher struct {
	ids    IDSource
	out    Appender
	userID int64
	max    int
	now    func() time.Time

	cur     *Changeset
	written int64
	lastID  int64
	closed  bool
}

// Option configures a Batcher
type Option func(*Batcher)

// WithClock replaces time.Now as the source of changeset timestamps
func WithClock(now func() time.Time) Option {
	return func(b *Batcher) { b.now = now }
}

// NewBatcher creates a batcher that stages changesets owned by userID.
// maxChanges below 1 falls back to DefaultMaxChanges.
func NewBatcher(ids IDSource, out Appender, userID int64, maxChanges int, opts ...Option) *Batcher {
	if maxChanges < 1 {
		maxChanges = DefaultMaxChanges
	}
	b := &Batcher{
		ids:    ids,
		out:    out,
		userID: userID,
		max:    maxChanges,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordChange counts one change against the open changeset, opening one if
// needed, and returns the changeset ID the element belongs to. bound may be
// nil for elements without a location of their own.
func (b *Batcher) RecordChange(ctx context.Context, bound *orb.Bound) (int64, error) {
	if b.closed {
		return 0, ErrClosed
	}

	if b.cur != nil && b.cur.Changes >= b.max {
		if err := b.flush(); err != nil {
			return 0, err
		}
	}
	if b.cur == nil {
		if err := b.open(ctx); err != nil {
			return 0, err
		}
	}

	if bound != nil {
		if b.cur.Bounded {
			b.cur.Bound = b.cur.Bound.Union(*bound)
		} else {
			b.cur.Bound = *bound
			b.cur.Bounded = true
		}
	}
	b.cur.Changes++
	return b.cur.ID, nil
}

// Current returns a copy of the open changeset, if any
func (b *Batcher) Current() (Changeset, bool) {
	if b.cur == nil {
		return Changeset{}, false
	}
	return *b.cur, true
}

// Written returns the number of changesets staged so far
func (b *Batcher) Written() int64 {
	return b.written
}

// LastID returns the highest changeset ID obtained, or 0
func (b *Batcher) LastID() int64 {
	return b.lastID
}

// Close stages the open changeset. Further changes are rejected.
func (b *Batcher) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	if b.cur == nil {
		return nil
	}
	return b.flush()
}

func (b *Batcher) open(ctx context.Context) error {
	id, err := b.ids.NewChangesetID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoID, err)
	}
	b.cur = &Changeset{ID: id, Opened: b.now().UTC()}
	if id > b.lastID {
		b.lastID = id
	}
	logger.Get().Debug("Opened changeset", zap.Int64("id", id))
	return nil
}

func (b *Batcher) flush() error {
	cs := b.cur
	values := []any{cs.ID, b.userID, cs.Opened}
	if cs.Bounded {
		values = append(values,
			quadtile.ToFixed(cs.Bound.Min.Lat()),
			quadtile.ToFixed(cs.Bound.Max.Lat()),
			quadtile.ToFixed(cs.Bound.Min.Lon()),
			quadtile.ToFixed(cs.Bound.Max.Lon()),
		)
	} else {
		values = append(values, section.Null, section.Null, section.Null, section.Null)
	}
	values = append(values, b.now().UTC(), cs.Changes)

	if err := b.out.Append(section.Changesets, values...); err != nil {
		return fmt.Errorf("failed to stage changeset %d: %w", cs.ID, err)
	}
	b.written++
	b.cur = nil

	logger.Get().Debug("Closed changeset",
		zap.Int64("id", cs.ID),
		zap.Int("changes", cs.Changes))
	return nil
}
