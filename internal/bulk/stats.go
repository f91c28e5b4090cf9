package bulk

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Stats summarizes a session
type Stats struct {
	Nodes              int64
	NodeTags           int64
	Ways               int64
	WayTags            int64
	WayNodes           int64 // way node rows, resolved or not
	WayNodesUnresolved int64
	Relations          int64
	RelationTags       int64
	Members            int64 // member rows, resolved or not
	MembersUnresolved  int64
	Changesets         int64
	Duplicates         int64 // elements skipped because their source ID was already written
}

// Elements returns the number of nodes, ways and relations written
func (s Stats) Elements() int64 {
	return s.Nodes + s.Ways + s.Relations
}

// Fields returns the statistics as log fields
func (s Stats) Fields() []zap.Field {
	return []zap.Field{
		zap.Int64("nodes", s.Nodes),
		zap.Int64("ways", s.Ways),
		zap.Int64("relations", s.Relations),
		zap.Int64("tags", s.NodeTags+s.WayTags+s.RelationTags),
		zap.Int64("way_nodes", s.WayNodes),
		zap.Int64("way_nodes_unresolved", s.WayNodesUnresolved),
		zap.Int64("members", s.Members),
		zap.Int64("members_unresolved", s.MembersUnresolved),
		zap.Int64("changesets", s.Changesets),
	}
}

// counters are updated by the writer and read by the metrics collector
type counters struct {
	nodes, nodeTags         atomic.Int64
	ways, wayTags           atomic.Int64
	wayNodes, wayNodesUnres atomic.Int64
	relations, relationTags atomic.Int64
	members, membersUnres   atomic.Int64
	changesets              atomic.Int64
	duplicates              atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Nodes:              c.nodes.Load(),
		NodeTags:           c.nodeTags.Load(),
		Ways:               c.ways.Load(),
		WayTags:            c.wayTags.Load(),
		WayNodes:           c.wayNodes.Load(),
		WayNodesUnresolved: c.wayNodesUnres.Load(),
		Relations:          c.relations.Load(),
		RelationTags:       c.relationTags.Load(),
		Members:            c.members.Load(),
		MembersUnresolved:  c.membersUnres.Load(),
		Changesets:         c.changesets.Load(),
		Duplicates:         c.duplicates.Load(),
	}
}
