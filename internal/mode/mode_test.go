package mode

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2apidb-go/internal/alloc"
	"github.com/wegman-software/osm2apidb-go/internal/config"
	"github.com/wegman-software/osm2apidb-go/internal/input"
	"github.com/wegman-software/osm2apidb-go/internal/store"
)

func TestCount(t *testing.T) {
	src := input.Objects{
		&osm.Node{ID: 1, Tags: osm.Tags{{Key: "a", Value: "b"}}},
		&osm.Node{ID: 2},
		&osm.Way{ID: 1, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}}, Tags: osm.Tags{{Key: "highway", Value: "path"}}},
		&osm.Relation{ID: 1, Members: osm.Members{{Type: osm.TypeWay, Ref: 1}}},
		&osm.Changeset{ID: 9},
	}
	sc, _ := src.Open(context.Background())

	c, err := Count(context.Background(), sc)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	want := Counts{Nodes: 2, Ways: 1, Relations: 1, NodeTags: 1, WayTags: 1, WayNodes: 2, Members: 1}
	if *c != want {
		t.Errorf("Count = %+v, want %+v", *c, want)
	}
	if c.Elements() != 4 {
		t.Errorf("Elements = %d, want 4", c.Elements())
	}
}

func TestOfflineRanges(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	s.Seed(osm.TypeNode, 500)
	s.Seed(osm.TypeWay, 20)

	c, err := NewCoordinator(config.ModeOffline, s, map[osm.Type]int64{osm.TypeWay: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if c.NeedsCount() || !c.AdvancesSequences() {
		t.Error("offline mode should neither count nor skip sequence updates")
	}

	ranges, err := c.Prepare(ctx, nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	want := map[osm.Type]alloc.Range{
		osm.TypeNode:     {First: 501},
		osm.TypeWay:      {First: 1000}, // starting id above max in use
		osm.TypeRelation: {First: 1},
	}
	for kind, r := range want {
		if ranges[kind] != r {
			t.Errorf("%s range = %+v, want %+v", kind, ranges[kind], r)
		}
	}

	if _, err := c.Prepare(ctx, nil); !errors.Is(err, ErrPrepared) {
		t.Errorf("second Prepare = %v, want ErrPrepared", err)
	}
}

func TestOnlineRanges(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	s.Seed(osm.TypeNode, 100)

	c, err := NewCoordinator(config.ModeOnline, s, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Prepare(ctx, nil); err == nil {
		t.Fatal("online Prepare without counts should fail")
	}

	ranges, err := c.Prepare(ctx, &Counts{Nodes: 10, Ways: 2})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if got := ranges[osm.TypeNode]; got != (alloc.Range{First: 101, Limit: 111}) {
		t.Errorf("node range = %+v", got)
	}
	if got := ranges[osm.TypeRelation]; got.Size() != 0 {
		t.Errorf("relation range = %+v, want empty", got)
	}
	// a second writer gets the next ids
	if got := s.Sequence(osm.TypeNode); got != 110 {
		t.Errorf("node sequence after reservation = %d, want 110", got)
	}
}

func TestOnlineReservationFailure(t *testing.T) {
	s := store.NewMemory()
	boom := errors.New("lock timeout")
	s.FailReserve = boom

	c, _ := NewCoordinator(config.ModeOnline, s, nil)
	if _, err := c.Prepare(context.Background(), &Counts{Nodes: 1}); !errors.Is(err, boom) {
		t.Errorf("Prepare = %v, want wrapped %v", err, boom)
	}
}

func TestUnknownMode(t *testing.T) {
	if _, err := NewCoordinator("hybrid", store.NewMemory(), nil); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("NewCoordinator = %v, want ErrInvalid", err)
	}
}
