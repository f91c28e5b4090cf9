package alloc

import (
	"errors"
	"fmt"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2apidb-go/internal/idmap"
)

var (
	// ErrNotInitialized is returned when allocating before Init
	ErrNotInitialized = errors.New("id allocator not initialized")
	// ErrAlreadyInitialized is returned when Init is called twice
	ErrAlreadyInitialized = errors.New("id allocator already initialized")
	// ErrRangeExhausted is returned when a reserved ID range has no IDs left
	ErrRangeExhausted = errors.New("reserved id range exhausted")
)

// Kinds are the element kinds the allocator manages, in load order
var Kinds = []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation}

// Range is the span of target IDs a kind may use: [First, Limit).
// A zero Limit leaves the range open ended.
type Range struct {
	First int64
	Limit int64
}

// Size returns the number of IDs in a bounded range
func (r Range) Size() int64 {
	if r.Limit == 0 {
		return -1
	}
	return r.Limit - r.First
}

type counter struct {
	ids      idmap.Map
	rng      Range
	next     int64
	assigned int64
}

// Allocator maps source element IDs to newly assigned target IDs per kind
type Allocator struct {
	kinds       map[osm.Type]*counter
	initialized bool
}

// New creates an allocator storing its mappings in the given maps, one per kind
func New(maps map[osm.Type]idmap.Map) (*Allocator, error) {
	a := &Allocator{kinds: make(map[osm.Type]*counter, len(Kinds))}
	for _, k := range Kinds {
		m, ok := maps[k]
		if !ok {
			return nil, fmt.Errorf("no id map for %s", k)
		}
		a.kinds[k] = &counter{ids: m}
	}
	return a, nil
}

// Init sets the ID range of every kind. It must be called exactly once,
// before the first Allocate.
func (a *Allocator) Init(ranges map[osm.Type]Range) error {
	if a.initialized {
		return ErrAlreadyInitialized
	}
	for _, k := range Kinds {
		r, ok := ranges[k]
		if !ok {
			return fmt.Errorf("no id range for %s", k)
		}
		if r.First < 1 {
			return fmt.Errorf("invalid first id %d for %s", r.First, k)
		}
		if r.Limit != 0 && r.Limit < r.First {
			return fmt.Errorf("invalid id range [%d, %d) for %s", r.First, r.Limit, k)
		}
		c := a.kinds[k]
		c.rng = r
		c.next = r.First
	}
	a.initialized = true
	return nil
}

// Allocate returns the target ID for sourceID, assigning the next free ID
// of kind if the source ID has not been seen before.
func (a *Allocator) Allocate(kind osm.Type, sourceID int64) (int64, error) {
	if !a.initialized {
		return 0, ErrNotInitialized
	}
	c, err := a.counter(kind)
	if err != nil {
		return 0, err
	}

	if id, ok, err := c.ids.Get(sourceID); err != nil {
		return 0, err
	} else if ok {
		return id, nil
	}

	if c.rng.Limit != 0 && c.next >= c.rng.Limit {
		return 0, fmt.Errorf("%w: %s range [%d, %d)", ErrRangeExhausted, kind, c.rng.First, c.rng.Limit)
	}

	id := c.next
	if err := c.ids.Put(sourceID, id); err != nil {
		return 0, fmt.Errorf("failed to record %s id mapping: %w", kind, err)
	}
	c.next++
	c.assigned++
	return id, nil
}

// Lookup returns the target ID of sourceID without assigning one
func (a *Allocator) Lookup(kind osm.Type, sourceID int64) (int64, bool, error) {
	c, err := a.counter(kind)
	if err != nil {
		return 0, false, err
	}
	return c.ids.Get(sourceID)
}

// LastAssigned returns the highest ID of kind assigned, or 0 if none
func (a *Allocator) LastAssigned(kind osm.Type) int64 {
	c, ok := a.kinds[kind]
	if !ok || c.assigned == 0 {
		return 0
	}
	return c.next - 1
}

// Flush persists every id map
func (a *Allocator) Flush() error {
	for _, k := range Kinds {
		if err := a.kinds[k].ids.Flush(); err != nil {
			return fmt.Errorf("failed to flush %s id map: %w", k, err)
		}
	}
	return nil
}

// Close closes every id map
func (a *Allocator) Close() error {
	var errs []error
	for _, k := range Kinds {
		if err := a.kinds[k].ids.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Allocator) counter(kind osm.Type) (*counter, error) {
	c, ok := a.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported element kind %q", kind)
	}
	return c, nil
}
