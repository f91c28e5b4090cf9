package resolve

import (
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"
)

type fakeIDs map[osm.Type]map[int64]int64

func (f fakeIDs) Lookup(kind osm.Type, sourceID int64) (int64, bool, error) {
	id, ok := f[kind][sourceID]
	return id, ok, nil
}

func (f fakeIDs) set(kind osm.Type, sourceID, targetID int64) {
	if f[kind] == nil {
		f[kind] = make(map[int64]int64)
	}
	f[kind][sourceID] = targetID
}

type wayNodeRow struct {
	way, node int64
	seq       int
}

type memberRow struct {
	relation, member int64
	kind             osm.Type
	role             string
	seq              int
}

type recordingSink struct {
	wayNodes []wayNodeRow
	members  []memberRow
}

func (s *recordingSink) WayNode(wayID, nodeID int64, seq int) error {
	s.wayNodes = append(s.wayNodes, wayNodeRow{wayID, nodeID, seq})
	return nil
}

func (s *recordingSink) RelationMember(relationID int64, m osm.Member, memberID int64, seq int) error {
	s.members = append(s.members, memberRow{relationID, memberID, m.Type, m.Role, seq})
	return nil
}

func wayNodeTables(t *testing.T) map[string]func() WayNodeTable {
	return map[string]func() WayNodeTable{
		"memory": func() WayNodeTable { return NewMemoryWayNodes() },
		"leveldb": func() WayNodeTable {
			tbl, err := NewLevelDBWayNodes(filepath.Join(t.TempDir(), "pending.ldb"))
			if err != nil {
				t.Fatalf("NewLevelDBWayNodes failed: %v", err)
			}
			return tbl
		},
	}
}

func TestForwardWayNodeReference(t *testing.T) {
	for name, newTable := range wayNodeTables(t) {
		t.Run(name, func(t *testing.T) {
			ids := fakeIDs{}
			sink := &recordingSink{}
			r := New(ids, newTable(), sink)
			defer r.Close()

			ids.set(osm.TypeNode, 99, 1099)

			// way 1 -> target 501 references node 100 before it is written
			nodes := osm.WayNodes{{ID: 99}, {ID: 100}, {ID: 99}}
			if err := r.WayNodes(501, nodes); err != nil {
				t.Fatalf("WayNodes failed: %v", err)
			}
			if len(sink.wayNodes) != 2 {
				t.Fatalf("immediate rows = %d, want 2", len(sink.wayNodes))
			}
			if wn, _ := r.Pending(); wn != 1 {
				t.Errorf("pending way nodes = %d, want 1", wn)
			}

			ids.set(osm.TypeNode, 100, 1100)
			if err := r.Mapped(osm.TypeNode, 100, 1100); err != nil {
				t.Fatalf("Mapped failed: %v", err)
			}

			want := wayNodeRow{way: 501, node: 1100, seq: 2}
			if got := sink.wayNodes[2]; got != want {
				t.Errorf("deferred row = %+v, want %+v", got, want)
			}
			if wn, _ := r.Pending(); wn != 0 {
				t.Errorf("pending way nodes after resolution = %d, want 0", wn)
			}
			if len(sink.wayNodes) != 3 {
				t.Errorf("way node rows = %d, want 3", len(sink.wayNodes))
			}
		})
	}
}

func TestFlushEmitsSentinel(t *testing.T) {
	for name, newTable := range wayNodeTables(t) {
		t.Run(name, func(t *testing.T) {
			ids := fakeIDs{}
			sink := &recordingSink{}
			r := New(ids, newTable(), sink)
			defer r.Close()

			if err := r.WayNodes(7, osm.WayNodes{{ID: 3}, {ID: 4}}); err != nil {
				t.Fatalf("WayNodes failed: %v", err)
			}
			if err := r.Members(-1, 80, osm.Members{{Type: osm.TypeWay, Ref: 55, Role: "outer"}}); err != nil {
				t.Fatalf("Members failed: %v", err)
			}

			if err := r.Flush(); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}

			if len(sink.wayNodes) != 2 {
				t.Fatalf("way node rows = %d, want 2", len(sink.wayNodes))
			}
			for i, row := range sink.wayNodes {
				if row.node != Unresolved || row.way != 7 || row.seq != i+1 {
					t.Errorf("row %d = %+v", i, row)
				}
			}

			if len(sink.members) != 1 {
				t.Fatalf("member rows = %d, want 1", len(sink.members))
			}
			if m := sink.members[0]; m.member != Unresolved || m.role != "outer" || m.relation != 80 {
				t.Errorf("member row = %+v", m)
			}

			if wn, mem := r.Pending(); wn != 0 || mem != 0 {
				t.Errorf("pending after flush = %d, %d", wn, mem)
			}
		})
	}
}

func TestMemberAwaitedByTwoRelations(t *testing.T) {
	tests := []struct {
		name string
		ref  int64
	}{
		{"positive id", 9},
		{"negative id", -9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := fakeIDs{}
			sink := &recordingSink{}
			r := New(ids, NewMemoryWayNodes(), sink)

			node := osm.Member{Type: osm.TypeNode, Ref: tt.ref, Role: "stop"}
			if err := r.Members(-1, 10, osm.Members{node}); err != nil {
				t.Fatalf("Members failed: %v", err)
			}
			way := osm.Member{Type: osm.TypeWay, Ref: tt.ref}
			rel := osm.Member{Type: osm.TypeRelation, Ref: tt.ref}
			if err := r.Members(-2, 11, osm.Members{way, node, rel}); err != nil {
				t.Fatalf("Members failed: %v", err)
			}

			// node, way and relation with the same source id are different elements
			if err := r.Mapped(osm.TypeNode, tt.ref, 909); err != nil {
				t.Fatalf("Mapped failed: %v", err)
			}

			if len(sink.members) != 2 {
				t.Fatalf("resolved members = %+v, want 2 node rows", sink.members)
			}
			got := map[int64]int{}
			for _, m := range sink.members {
				if m.member != 909 || m.kind != osm.TypeNode {
					t.Errorf("unexpected member row %+v", m)
				}
				got[m.relation] = m.seq
			}
			if got[10] != 1 || got[11] != 2 {
				t.Errorf("sequence per relation = %v", got)
			}
			if _, mem := r.Pending(); mem != 2 {
				t.Errorf("pending members = %d, want 2 (way and relation)", mem)
			}

			if err := r.Mapped(osm.TypeWay, tt.ref, 707); err != nil {
				t.Fatalf("Mapped failed: %v", err)
			}
			if err := r.Mapped(osm.TypeRelation, tt.ref, 303); err != nil {
				t.Fatalf("Mapped failed: %v", err)
			}
			if len(sink.members) != 4 {
				t.Fatalf("resolved members = %+v, want 4", sink.members)
			}
			wantWay := memberRow{relation: 11, member: 707, kind: osm.TypeWay, seq: 1}
			wantRel := memberRow{relation: 11, member: 303, kind: osm.TypeRelation, seq: 3}
			if sink.members[2] != wantWay || sink.members[3] != wantRel {
				t.Errorf("later rows = %+v, %+v", sink.members[2], sink.members[3])
			}
		})
	}
}

func TestSelfReferencingRelation(t *testing.T) {
	ids := fakeIDs{}
	sink := &recordingSink{}
	r := New(ids, NewMemoryWayNodes(), sink)

	ids.set(osm.TypeRelation, 5, 305)
	if err := r.Mapped(osm.TypeRelation, 5, 305); err != nil {
		t.Fatalf("Mapped failed: %v", err)
	}
	if err := r.Members(5, 305, osm.Members{{Type: osm.TypeRelation, Ref: 5, Role: "self"}}); err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(sink.members) != 1 || sink.members[0].member != 305 {
		t.Errorf("member rows = %+v", sink.members)
	}
}

func TestUnsupportedMemberType(t *testing.T) {
	r := New(fakeIDs{}, NewMemoryWayNodes(), &recordingSink{})
	err := r.Members(1, 1, osm.Members{{Type: osm.TypeChangeset, Ref: 1}})
	if err == nil {
		t.Error("expected error for changeset member")
	}
}
