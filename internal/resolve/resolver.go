package resolve

import (
	"fmt"

	"github.com/paulmach/osm"
)

// Unresolved is passed to the Sink in place of a target ID when the
// referenced element never appeared in the input.
const Unresolved int64 = 0

// Sink receives resolved (or, at Flush, unresolved) reference rows
type Sink interface {
	WayNode(wayID, nodeID int64, seq int) error
	RelationMember(relationID int64, member osm.Member, memberID int64, seq int) error
}

// Lookup finds the target ID of a source element, if one was assigned
type Lookup interface {
	Lookup(kind osm.Type, sourceID int64) (int64, bool, error)
}

// Resolver is the reference resolution engine. It is not safe for concurrent use.
type Resolver struct {
	ids      Lookup
	wayNodes WayNodeTable
	members  *MemberTable
	sink     Sink
}

// New creates a resolver
func New(ids Lookup, wayNodes WayNodeTable, sink Sink) *Resolver {
	return &Resolver{
		ids:      ids,
		wayNodes: wayNodes,
		members:  NewMemberTable(),
		sink:     sink,
	}
}

// Pending returns the number of references still waiting for their element
func (r *Resolver) Pending() (wayNodes, members int64) {
	return r.wayNodes.Len(), r.members.Len()
}

// WayNodes emits the node references of way wayID. References to nodes
// without a target ID are deferred.
func (r *Resolver) WayNodes(wayID int64, nodes osm.WayNodes) error {
	for i, wn := range nodes {
		seq := i + 1
		nodeID, ok, err := r.ids.Lookup(osm.TypeNode, int64(wn.ID))
		if err != nil {
			return err
		}

		if !ok {
			if err := r.wayNodes.Add(int64(wn.ID), WayNodeRef{WayID: wayID, Seq: seq}); err != nil {
				return err
			}
			continue
		}

		if err := r.sink.WayNode(wayID, nodeID, seq); err != nil {
			return err
		}
	}
	return nil
}

// Members emits the members of relation relationID. Members without a
// target ID are deferred.
func (r *Resolver) Members(relationSourceID, relationID int64, members osm.Members) error {
	for i, m := range members {
		seq := i + 1
		if !memberKind(m.Type) {
			return fmt.Errorf("relation %d member %d: unsupported member type %q", relationSourceID, seq, m.Type)
		}

		memberID, ok, err := r.ids.Lookup(m.Type, m.Ref)
		if err != nil {
			return err
		}

		if !ok {
			r.members.Add(m.Type, m.Ref, MemberRef{
				RelationSourceID: relationSourceID,
				RelationID:       relationID,
				Member:           m,
				Seq:              seq,
			})
			continue
		}

		if err := r.sink.RelationMember(relationID, m, memberID, seq); err != nil {
			return err
		}
	}
	return nil
}

// Mapped must be called once an element has its target ID. It emits every
// reference that was waiting for the element.
func (r *Resolver) Mapped(kind osm.Type, sourceID, targetID int64) error {
	if kind == osm.TypeNode {
		refs, err := r.wayNodes.Take(sourceID)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if err := r.sink.WayNode(ref.WayID, targetID, ref.Seq); err != nil {
				return err
			}
		}
	}

	for _, ref := range r.members.Take(kind, sourceID) {
		if err := r.sink.RelationMember(ref.RelationID, ref.Member, targetID, ref.Seq); err != nil {
			return err
		}
	}
	return nil
}

// Flush emits every reference still pending with the Unresolved sentinel.
// The referenced elements never appeared in the input.
func (r *Resolver) Flush() error {
	err := r.wayNodes.Drain(func(_ int64, refs []WayNodeRef) error {
		for _, ref := range refs {
			if err := r.sink.WayNode(ref.WayID, Unresolved, ref.Seq); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, ref := range r.members.Drain() {
		if err := r.sink.RelationMember(ref.RelationID, ref.Member, Unresolved, ref.Seq); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pending tables
func (r *Resolver) Close() error {
	return r.wayNodes.Close()
}

func memberKind(kind osm.Type) bool {
	switch kind {
	case osm.TypeNode, osm.TypeWay, osm.TypeRelation:
		return true
	}
	return false
}
