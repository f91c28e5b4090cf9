package mode

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/alloc"
	"github.com/wegman-software/osm2apidb-go/internal/config"
	"github.com/wegman-software/osm2apidb-go/internal/logger"
)

// ErrPrepared is returned when a coordinator is prepared twice
var ErrPrepared = errors.New("id ranges already prepared for this session")

// IDStore is the part of the target store the coordinator needs
type IDStore interface {
	MaxAssignedID(ctx context.Context, kind osm.Type) (int64, error)
	ReserveIDRanges(ctx context.Context, counts map[osm.Type]int64) (map[osm.Type]alloc.Range, error)
}

// Coordinator computes the ID ranges of a session exactly once.
//
// Offline sessions own the database: counters continue after the highest ID
// in use. Online sessions share it with other writers, so elements are
// counted first and disjoint ranges are reserved before anything is written.
type Coordinator struct {
	mode     config.Mode
	store    IDStore
	starting map[osm.Type]int64
	prepared bool
}

// NewCoordinator creates a coordinator. starting holds the lowest ID handed
// out per kind in offline mode; missing kinds start at 1.
func NewCoordinator(mode config.Mode, store IDStore, starting map[osm.Type]int64) (*Coordinator, error) {
	if _, err := config.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	return &Coordinator{mode: mode, store: store, starting: starting}, nil
}

// Mode returns the session mode
func (c *Coordinator) Mode() config.Mode {
	return c.mode
}

// NeedsCount reports whether Prepare needs the counting pass
func (c *Coordinator) NeedsCount() bool {
	return c.mode == config.ModeOnline
}

// AdvancesSequences reports whether element sequences must be moved past
// the assigned IDs when the payload is loaded. Online reservations already
// moved them.
func (c *Coordinator) AdvancesSequences() bool {
	return c.mode == config.ModeOffline
}

// Prepare returns the ID range of every kind. counts is only used, and is
// required, in online mode.
func (c *Coordinator) Prepare(ctx context.Context, counts *Counts) (map[osm.Type]alloc.Range, error) {
	if c.prepared {
		return nil, ErrPrepared
	}

	var ranges map[osm.Type]alloc.Range
	var err error
	switch c.mode {
	case config.ModeOnline:
		ranges, err = c.reserve(ctx, counts)
	default:
		ranges, err = c.continueAfterMax(ctx)
	}
	if err != nil {
		return nil, err
	}
	c.prepared = true
	return ranges, nil
}

func (c *Coordinator) continueAfterMax(ctx context.Context) (map[osm.Type]alloc.Range, error) {
	log := logger.Named("mode")
	ranges := make(map[osm.Type]alloc.Range, len(alloc.Kinds))
	for _, kind := range alloc.Kinds {
		max, err := c.store.MaxAssignedID(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to read max %s id: %w", kind, err)
		}
		first := max + 1
		if s := c.starting[kind]; s > first {
			first = s
		}
		ranges[kind] = alloc.Range{First: first}
		log.Info("Offline id range",
			zap.String("kind", string(kind)),
			zap.Int64("max_in_use", max),
			zap.Int64("first", first))
	}
	return ranges, nil
}

func (c *Coordinator) reserve(ctx context.Context, counts *Counts) (map[osm.Type]alloc.Range, error) {
	if counts == nil {
		return nil, errors.New("online mode requires element counts")
	}
	ranges, err := c.store.ReserveIDRanges(ctx, counts.PerKind())
	if err != nil {
		return nil, fmt.Errorf("failed to reserve id ranges: %w", err)
	}
	for _, kind := range alloc.Kinds {
		r, ok := ranges[kind]
		if !ok {
			return nil, fmt.Errorf("store returned no %s range", kind)
		}
		if r.Size() < counts.PerKind()[kind] {
			return nil, fmt.Errorf("store reserved %d %s ids, need %d", r.Size(), kind, counts.PerKind()[kind])
		}
	}
	logger.Named("mode").Info("Reserved id ranges", counts.Fields()...)
	return ranges, nil
}
