package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2apidb-go/internal/alloc"
	"github.com/wegman-software/osm2apidb-go/internal/config"
	"github.com/wegman-software/osm2apidb-go/internal/section"
)

// KindUser is the sequence kind of the users table, which has no osm.Type of its own
const KindUser osm.Type = "user"

// SequenceUpdate raises the ID sequence of a kind to at least Max
type SequenceUpdate struct {
	Kind osm.Type // node, way, relation, changeset or KindUser
	Max  int64
}

// Store is a target of the bulk writer
type Store interface {
	// MaxAssignedID returns the highest ID of kind in use, or 0
	MaxAssignedID(ctx context.Context, kind osm.Type) (int64, error)
	// ReserveIDRanges atomically reserves counts[kind] consecutive IDs per
	// kind, so that no concurrent writer can be handed the same IDs
	ReserveIDRanges(ctx context.Context, counts map[osm.Type]int64) (map[osm.Type]alloc.Range, error)
	// NewChangesetID hands out the ID of a new changeset
	NewChangesetID(ctx context.Context) (int64, error)
	// Execute loads the payload and advances the sequences in one transaction
	Execute(ctx context.Context, payload *section.Payload, sequences []SequenceUpdate) error
	// AdvanceSequence raises the ID sequence of kind to at least max
	AdvanceSequence(ctx context.Context, kind osm.Type, max int64) error
	Close() error
}

// AcceptsNullReferences reports whether s can load way node and member rows
// whose target is NULL. The rails schema declares current_way_nodes.node_id
// and current_relation_members.member_id NOT NULL, so database and script
// targets cannot; stores may say otherwise by implementing
// AcceptsNullReferences() bool.
func AcceptsNullReferences(s Store) bool {
	if a, ok := s.(interface{ AcceptsNullReferences() bool }); ok {
		return a.AcceptsNullReferences()
	}
	return false
}

// SequenceName returns the ID sequence backing a kind
func SequenceName(kind osm.Type) (string, error) {
	switch kind {
	case osm.TypeNode:
		return "current_nodes_id_seq", nil
	case osm.TypeWay:
		return "current_ways_id_seq", nil
	case osm.TypeRelation:
		return "current_relations_id_seq", nil
	case osm.TypeChangeset:
		return "changesets_id_seq", nil
	case KindUser:
		return "users_id_seq", nil
	}
	return "", fmt.Errorf("no id sequence for %q", kind)
}

// CurrentTable returns the table holding the current elements of a kind
func CurrentTable(kind osm.Type) (string, error) {
	switch kind {
	case osm.TypeNode:
		return section.CurrentNodes, nil
	case osm.TypeWay:
		return section.CurrentWays, nil
	case osm.TypeRelation:
		return section.CurrentRelations, nil
	case osm.TypeChangeset:
		return section.Changesets, nil
	}
	return "", fmt.Errorf("no table for %q", kind)
}

// Open connects to the target named in cfg:
//
//	memory:                 in-process store, nothing is persisted
//	file:out.sql, out.sql   psql script
//	anything else           PostgreSQL connection string
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	target := cfg.ConnectionString()
	switch {
	case target == MemoryTarget:
		return NewMemory(), nil
	case strings.HasPrefix(target, "file:"):
		return NewSQLFile(strings.TrimPrefix(target, "file:"), cfg.DBSchema, cfg.StartingID("changeset")), nil
	case strings.HasSuffix(target, ".sql"):
		return NewSQLFile(target, cfg.DBSchema, cfg.StartingID("changeset")), nil
	default:
		return NewPostgres(ctx, target, cfg.DBSchema, cfg.Workers)
	}
}
