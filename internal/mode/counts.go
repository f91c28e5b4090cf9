package mode

import (
	"context"
	"fmt"

	"github.com/paulmach/osm"
	"go.uber.org/zap"
)

// Counts are the totals of one pass over the input
type Counts struct {
	Nodes        int64
	Ways         int64
	Relations    int64
	NodeTags     int64
	WayTags      int64
	RelationTags int64
	WayNodes     int64
	Members      int64
}

// Elements returns the number of nodes, ways and relations
func (c *Counts) Elements() int64 {
	return c.Nodes + c.Ways + c.Relations
}

// PerKind returns the element counts keyed by kind
func (c *Counts) PerKind() map[osm.Type]int64 {
	return map[osm.Type]int64{
		osm.TypeNode:     c.Nodes,
		osm.TypeWay:      c.Ways,
		osm.TypeRelation: c.Relations,
	}
}

// Add counts one element. Objects other than nodes, ways and relations are ignored.
func (c *Counts) Add(o osm.Object) {
	switch e := o.(type) {
	case *osm.Node:
		c.Nodes++
		c.NodeTags += int64(len(e.Tags))
	case *osm.Way:
		c.Ways++
		c.WayTags += int64(len(e.Tags))
		c.WayNodes += int64(len(e.Nodes))
	case *osm.Relation:
		c.Relations++
		c.RelationTags += int64(len(e.Tags))
		c.Members += int64(len(e.Members))
	}
}

// Fields returns the counts as log fields
func (c *Counts) Fields() []zap.Field {
	return []zap.Field{
		zap.Int64("nodes", c.Nodes),
		zap.Int64("ways", c.Ways),
		zap.Int64("relations", c.Relations),
		zap.Int64("tags", c.NodeTags+c.WayTags+c.RelationTags),
	}
}

// Count runs the counting pass over scanner. The scanner is not closed.
func Count(ctx context.Context, scanner osm.Scanner) (*Counts, error) {
	c := &Counts{}
	for scanner.Scan() {
		if c.Elements()%100000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		c.Add(scanner.Object())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("counting pass failed: %w", err)
	}
	return c, nil
}
