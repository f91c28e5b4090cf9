package resolve

import (
	"sort"

	"github.com/paulmach/osm"
)

// MemberRef is a relation member waiting for its element to be mapped
type MemberRef struct {
	RelationSourceID int64
	RelationID       int64 // target ID of the relation
	Member           osm.Member
	Seq              int // 1-based position of the member in the relation
}

// memberKey identifies the awaited element. Source IDs are only unique per
// kind: node -1 and way -1 are different elements.
type memberKey struct {
	kind osm.Type
	ref  int64
}

// MemberTable holds unresolved relation members keyed by the member's kind
// and source ID. One element can be awaited by several relations, or several
// times by the same relation, so each key holds a list.
type MemberTable struct {
	refs  map[memberKey][]MemberRef
	count int64
}

// NewMemberTable creates an empty table
func NewMemberTable() *MemberTable {
	return &MemberTable{refs: make(map[memberKey][]MemberRef)}
}

// Add appends ref to the refs waiting for the element kind/id
func (t *MemberTable) Add(kind osm.Type, id int64, ref MemberRef) {
	key := memberKey{kind, id}
	t.refs[key] = append(t.refs[key], ref)
	t.count++
}

// Take removes and returns every ref waiting for the element kind/id
func (t *MemberTable) Take(kind osm.Type, id int64) []MemberRef {
	key := memberKey{kind, id}
	refs, ok := t.refs[key]
	if !ok {
		return nil
	}
	delete(t.refs, key)
	t.count -= int64(len(refs))
	return refs
}

// Drain removes every remaining ref, ordered by relation and position
func (t *MemberTable) Drain() []MemberRef {
	all := make([]MemberRef, 0, t.count)
	for _, refs := range t.refs {
		all = append(all, refs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].RelationID != all[j].RelationID {
			return all[i].RelationID < all[j].RelationID
		}
		return all[i].Seq < all[j].Seq
	})

	t.refs = make(map[memberKey][]MemberRef)
	t.count = 0
	return all
}

// Len returns the number of pending refs
func (t *MemberTable) Len() int64 {
	return t.count
}
