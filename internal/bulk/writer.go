package bulk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/alloc"
	"github.com/wegman-software/osm2apidb-go/internal/changeset"
	"github.com/wegman-software/osm2apidb-go/internal/config"
	"github.com/wegman-software/osm2apidb-go/internal/idmap"
	"github.com/wegman-software/osm2apidb-go/internal/logger"
	"github.com/wegman-software/osm2apidb-go/internal/mode"
	"github.com/wegman-software/osm2apidb-go/internal/quadtile"
	"github.com/wegman-software/osm2apidb-go/internal/resolve"
	"github.com/wegman-software/osm2apidb-go/internal/section"
	"github.com/wegman-software/osm2apidb-go/internal/store"
)

type state int

const (
	stateNew state = iota
	stateOpen
	stateFinalized
	stateClosed
)

// elements are always written as their first version
const version int64 = 1

// Writer is one bulk write session. It is not safe for concurrent use,
// except for Stats.
//
// Elements can arrive in any order. References to elements that have not
// been written yet are resolved once they are, or written with a NULL
// target at FinalizePartial. Rows are staged on disk per table and loaded
// in foreign key order in one store transaction.
type Writer struct {
	cfg   *config.Config
	store store.Store
	coord *mode.Coordinator
	now   func() time.Time
	log   *zap.Logger

	session string
	dir     string
	state   state
	err     error // first failure, returned by every later call

	ids        *alloc.Allocator
	resolver   *resolve.Resolver
	stager     *section.Stager
	changesets *changeset.Batcher

	stats    counters
	elements int64
}

// Option configures a Writer
type Option func(*Writer)

// WithClock replaces time.Now for element and changeset timestamps
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithLogger replaces the session logger
func WithLogger(log *zap.Logger) Option {
	return func(w *Writer) { w.log = log.With(zap.String("session", w.session)) }
}

// NewWriter creates a session writing to st
func NewWriter(cfg *config.Config, st store.Store, opts ...Option) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: no target store", ErrConfig)
	}

	starting := make(map[osm.Type]int64, len(alloc.Kinds))
	for _, kind := range alloc.Kinds {
		starting[kind] = cfg.StartingID(string(kind))
	}
	coord, err := mode.NewCoordinator(cfg.Mode, st, starting)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	session := uuid.NewString()
	w := &Writer{
		cfg:     cfg,
		store:   st,
		coord:   coord,
		now:     time.Now,
		session: session,
		dir:     filepath.Join(cfg.StagingDir, "osm2apidb-"+session),
		log:     logger.Named("bulk").With(zap.String("session", session)),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// NeedsCount reports whether Open needs the totals of a counting pass
func (w *Writer) NeedsCount() bool {
	return w.coord.NeedsCount()
}

// Session returns the session ID
func (w *Writer) Session() string {
	return w.session
}

// StagingDir returns the directory holding the session's staged data
func (w *Writer) StagingDir() string {
	return w.dir
}

// Stats returns a snapshot of the session statistics. Safe to call from
// any goroutine.
func (w *Writer) Stats() Stats {
	return w.stats.snapshot()
}

// Open prepares the session: ID ranges are obtained from the store and the
// staging area is created. counts is required in online mode.
func (w *Writer) Open(ctx context.Context, counts *mode.Counts) error {
	if w.state != stateNew {
		return fmt.Errorf("%w: Open called twice", ErrState)
	}
	if w.coord.NeedsCount() && counts == nil {
		return fmt.Errorf("%w: %s mode requires element counts", ErrConfig, w.coord.Mode())
	}

	ranges, err := w.coord.Prepare(ctx, counts)
	if err != nil {
		return w.fail(ErrStore, err)
	}

	if err := w.openStaging(); err != nil {
		w.releaseStaging()
		return w.fail(ErrStaging, err)
	}
	if err := w.ids.Init(ranges); err != nil {
		w.releaseStaging()
		return w.fail(ErrStaging, err)
	}

	if w.cfg.AddUserEmail != "" {
		if err := w.stageUser(); err != nil {
			w.releaseStaging()
			return w.fail(ErrStaging, err)
		}
	}

	w.changesets = changeset.NewBatcher(w.store, w.stager, w.cfg.ChangesetUserID,
		w.cfg.MaxChangesPerChangeset, changeset.WithClock(w.now))
	w.state = stateOpen

	w.log.Info("Session opened",
		zap.String("mode", string(w.coord.Mode())),
		zap.String("staging", w.dir),
		zap.Int64("first_node", ranges[osm.TypeNode].First),
		zap.Int64("first_way", ranges[osm.TypeWay].First),
		zap.Int64("first_relation", ranges[osm.TypeRelation].First))
	return nil
}

func (w *Writer) openStaging() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	maps := make(map[osm.Type]idmap.Map, len(alloc.Kinds))
	for _, kind := range alloc.Kinds {
		m, err := idmap.Open(w.cfg.IDMapBackend, w.dir, string(kind)+"s")
		if err != nil {
			for _, opened := range maps {
				opened.Close()
			}
			return fmt.Errorf("failed to create %s id map: %w", kind, err)
		}
		maps[kind] = m
	}
	ids, err := alloc.New(maps)
	if err != nil {
		return err
	}
	w.ids = ids

	var pending resolve.WayNodeTable
	if w.cfg.PendingBackend == idmap.BackendLevelDB {
		if pending, err = resolve.NewLevelDBWayNodes(filepath.Join(w.dir, "pending_way_nodes.ldb")); err != nil {
			return err
		}
	} else {
		pending = resolve.NewMemoryWayNodes()
	}
	w.resolver = resolve.New(w.ids, pending, rowSink{w})

	w.stager, err = section.NewStager(filepath.Join(w.dir, "sections"), section.Catalog(w.cfg.WriteHistory))
	return err
}

// stageUser adds the owner of the generated changesets to the users table
func (w *Writer) stageUser() error {
	email := w.cfg.AddUserEmail
	return w.stager.Append(section.Users,
		w.cfg.ChangesetUserID, email, "", w.now().UTC(), email, true)
}

// Write dispatches o to WriteNode, WriteWay or WriteRelation. Other objects
// are ignored.
func (w *Writer) Write(ctx context.Context, o osm.Object) error {
	switch e := o.(type) {
	case *osm.Node:
		return w.WriteNode(ctx, e)
	case *osm.Way:
		return w.WriteWay(ctx, e)
	case *osm.Relation:
		return w.WriteRelation(ctx, e)
	}
	return nil
}

// WriteNode stages a node and resolves every reference waiting for it
func (w *Writer) WriteNode(ctx context.Context, n *osm.Node) error {
	id, cs, ts, skip, err := w.begin(ctx, osm.TypeNode, int64(n.ID), n.Timestamp, nodeBound(n))
	if err != nil || skip {
		return err
	}

	lat, lon := quadtile.ToFixed(n.Lat), quadtile.ToFixed(n.Lon)
	tile := quadtile.ForPoint(n.Lat, n.Lon)
	if err := w.stage(section.CurrentNodes, id, lat, lon, cs, true, ts, tile, version); err != nil {
		return err
	}
	if err := w.stage(section.Nodes, id, lat, lon, cs, true, ts, tile, version, section.Null); err != nil {
		return err
	}
	for _, t := range n.Tags {
		if err := w.stage(section.CurrentNodeTags, id, t.Key, t.Value); err != nil {
			return err
		}
		if err := w.stage(section.NodeTags, id, version, t.Key, t.Value); err != nil {
			return err
		}
	}

	w.stats.nodes.Add(1)
	w.stats.nodeTags.Add(int64(len(n.Tags)))
	return w.mapped(osm.TypeNode, int64(n.ID), id)
}

// WriteWay stages a way. Node references that cannot be resolved yet are
// deferred until the node is written.
func (w *Writer) WriteWay(ctx context.Context, wy *osm.Way) error {
	id, cs, ts, skip, err := w.begin(ctx, osm.TypeWay, int64(wy.ID), wy.Timestamp, nil)
	if err != nil || skip {
		return err
	}

	if err := w.stage(section.CurrentWays, id, cs, ts, true, version); err != nil {
		return err
	}
	if err := w.stage(section.Ways, id, cs, ts, version, true, section.Null); err != nil {
		return err
	}
	for _, t := range wy.Tags {
		if err := w.stage(section.CurrentWayTags, id, t.Key, t.Value); err != nil {
			return err
		}
		if err := w.stage(section.WayTags, id, t.Key, t.Value, version); err != nil {
			return err
		}
	}
	if err := w.resolver.WayNodes(id, wy.Nodes); err != nil {
		return w.fail(ErrStaging, err)
	}

	w.stats.ways.Add(1)
	w.stats.wayTags.Add(int64(len(wy.Tags)))
	return w.mapped(osm.TypeWay, int64(wy.ID), id)
}

// WriteRelation stages a relation. Members that cannot be resolved yet are
// deferred until the member is written.
func (w *Writer) WriteRelation(ctx context.Context, r *osm.Relation) error {
	id, cs, ts, skip, err := w.begin(ctx, osm.TypeRelation, int64(r.ID), r.Timestamp, nil)
	if err != nil || skip {
		return err
	}

	if err := w.stage(section.CurrentRelations, id, cs, ts, true, version); err != nil {
		return err
	}
	if err := w.stage(section.Relations, id, cs, ts, version, true, section.Null); err != nil {
		return err
	}
	for _, t := range r.Tags {
		if err := w.stage(section.CurrentRelationTags, id, t.Key, t.Value); err != nil {
			return err
		}
		if err := w.stage(section.RelationTags, id, t.Key, t.Value, version); err != nil {
			return err
		}
	}

	// mapped first so that a relation listing itself resolves immediately
	if err := w.mapped(osm.TypeRelation, int64(r.ID), id); err != nil {
		return err
	}
	if err := w.resolver.Members(int64(r.ID), id, r.Members); err != nil {
		return w.fail(ErrStaging, err)
	}

	w.stats.relations.Add(1)
	w.stats.relationTags.Add(int64(len(r.Tags)))
	return nil
}

// begin runs the steps shared by every element: state and limit checks,
// duplicate detection, ID allocation and changeset accounting. The element
// keeps its own timestamp when it has one.
func (w *Writer) begin(ctx context.Context, kind osm.Type, sourceID int64, stamp time.Time, bound *orb.Bound) (id, cs int64, ts time.Time, skip bool, err error) {
	if err := w.writable(); err != nil {
		return 0, 0, ts, false, err
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, ts, false, w.fail(ErrStaging, err)
	}

	if _, ok, err := w.ids.Lookup(kind, sourceID); err != nil {
		return 0, 0, ts, false, w.fail(ErrStaging, err)
	} else if ok {
		w.stats.duplicates.Add(1)
		w.log.Warn("Skipping duplicate element",
			zap.String("kind", string(kind)),
			zap.Int64("source_id", sourceID))
		return 0, 0, ts, true, nil
	}

	if w.cfg.MaxElements > 0 && w.elements >= w.cfg.MaxElements {
		return 0, 0, ts, false, fmt.Errorf("%w: %d elements", ErrElementLimit, w.cfg.MaxElements)
	}

	id, err = w.ids.Allocate(kind, sourceID)
	if errors.Is(err, alloc.ErrRangeExhausted) {
		return 0, 0, ts, false, w.fail(ErrStore, err)
	} else if err != nil {
		return 0, 0, ts, false, w.fail(ErrStaging, err)
	}

	cs, err = w.changesets.RecordChange(ctx, bound)
	if errors.Is(err, changeset.ErrNoID) {
		return 0, 0, ts, false, w.fail(ErrStore, err)
	} else if err != nil {
		return 0, 0, ts, false, w.fail(ErrStaging, err)
	}

	w.elements++
	if stamp.IsZero() {
		stamp = w.now()
	}
	return id, cs, stamp.UTC(), false, nil
}

func nodeBound(n *osm.Node) *orb.Bound {
	b := n.Point().Bound()
	return &b
}

func (w *Writer) mapped(kind osm.Type, sourceID, targetID int64) error {
	if err := w.resolver.Mapped(kind, sourceID, targetID); err != nil {
		return w.fail(ErrStaging, err)
	}
	return nil
}

func (w *Writer) stage(table string, values ...any) error {
	if err := w.stager.Append(table, values...); err != nil {
		return w.fail(ErrStaging, err)
	}
	return nil
}

func (w *Writer) writable() error {
	if w.err != nil {
		return w.err
	}
	if w.state != stateOpen {
		return fmt.Errorf("%w: session is not open", ErrState)
	}
	return nil
}

// fail records the first failure of the session. The session is aborted:
// every later call returns the same error and Close discards the staging area.
func (w *Writer) fail(class, err error) error {
	if w.err == nil {
		w.err = fmt.Errorf("%w: %w", class, err)
		w.log.Error("Session aborted", zap.Error(w.err))
	}
	return w.err
}

// FinalizePartial writes every pending reference with a NULL target, closes
// the open changeset and loads the staged payload together with the
// sequence updates in one store transaction.
func (w *Writer) FinalizePartial(ctx context.Context) error {
	if err := w.writable(); err != nil {
		return err
	}
	start := time.Now()

	wayNodes, members := w.resolver.Pending()
	if err := w.resolver.Flush(); err != nil {
		return w.fail(ErrStaging, err)
	}
	if wayNodes+members > 0 {
		w.log.Warn("Unresolved references written as NULL",
			zap.Int64("way_nodes", wayNodes),
			zap.Int64("members", members))
		if !store.AcceptsNullReferences(w.store) {
			w.log.Warn("Target declares node_id and member_id NOT NULL, the load will be rejected; "+
				"write a complete extract or load into a schema that allows NULL references",
				zap.Int64("way_nodes", wayNodes),
				zap.Int64("members", members))
		}
	}

	if err := w.ids.Flush(); err != nil {
		return w.fail(ErrStaging, err)
	}

	if err := w.changesets.Close(); err != nil {
		return w.fail(ErrStaging, err)
	}
	w.stats.changesets.Store(w.changesets.Written())

	payload, err := w.stager.Finalize()
	if err != nil {
		return w.fail(ErrStaging, err)
	}

	if err := w.store.Execute(ctx, payload, w.sequenceUpdates()); err != nil {
		return w.fail(ErrStore, err)
	}
	if err := payload.Remove(); err != nil {
		w.log.Warn("Failed to remove payload", zap.Error(err))
	}
	w.state = stateFinalized

	w.log.Info("Session written",
		append(w.Stats().Fields(), zap.Duration("elapsed", time.Since(start)))...)
	return nil
}

func (w *Writer) sequenceUpdates() []store.SequenceUpdate {
	var updates []store.SequenceUpdate
	if w.coord.AdvancesSequences() {
		for _, kind := range alloc.Kinds {
			if last := w.ids.LastAssigned(kind); last > 0 {
				updates = append(updates, store.SequenceUpdate{Kind: kind, Max: last})
			}
		}
	}
	if last := w.changesets.LastID(); last > 0 {
		updates = append(updates, store.SequenceUpdate{Kind: osm.TypeChangeset, Max: last})
	}
	if w.cfg.AddUserEmail != "" {
		updates = append(updates, store.SequenceUpdate{Kind: store.KindUser, Max: w.cfg.ChangesetUserID})
	}
	return updates
}

// Close releases the session. A session that was not finalized is aborted
// and its staged data discarded, unless retention on failure is configured.
func (w *Writer) Close() error {
	if w.state == stateClosed {
		return nil
	}
	finalized := w.state == stateFinalized
	opened := w.state != stateNew
	w.state = stateClosed
	if !opened {
		return nil
	}

	if !finalized && w.err != nil && w.cfg.RetainStagingOnFailure {
		// flush what was staged so it can be inspected
		if _, err := w.stager.Finalize(); err != nil {
			w.log.Warn("Failed to flush retained sections", zap.Error(err))
		}
		w.log.Warn("Staging retained after failure", zap.String("dir", w.dir))
		return w.closeMaps()
	}

	if !finalized {
		w.log.Info("Session discarded", w.Stats().Fields()...)
	}
	return w.releaseStaging()
}

func (w *Writer) closeMaps() error {
	var errs []error
	if w.resolver != nil {
		errs = append(errs, w.resolver.Close())
	}
	if w.ids != nil {
		errs = append(errs, w.ids.Close())
	}
	return errors.Join(errs...)
}

func (w *Writer) releaseStaging() error {
	errs := []error{w.closeMaps()}
	if w.stager != nil {
		errs = append(errs, w.stager.Discard())
	}
	errs = append(errs, os.RemoveAll(w.dir))
	return errors.Join(errs...)
}

// rowSink stages the reference rows emitted by the resolver
type rowSink struct {
	w *Writer
}

func (s rowSink) WayNode(wayID, nodeID int64, seq int) error {
	node := targetOrNull(nodeID)
	if err := s.w.stager.Append(section.CurrentWayNodes, wayID, node, seq); err != nil {
		return err
	}
	if err := s.w.stager.Append(section.WayNodes, wayID, node, version, seq); err != nil {
		return err
	}
	s.w.stats.wayNodes.Add(1)
	if nodeID == resolve.Unresolved {
		s.w.stats.wayNodesUnres.Add(1)
	}
	return nil
}

func (s rowSink) RelationMember(relationID int64, m osm.Member, memberID int64, seq int) error {
	kind, err := memberType(m.Type)
	if err != nil {
		return err
	}
	member := targetOrNull(memberID)
	if err := s.w.stager.Append(section.CurrentRelationMembers, relationID, kind, member, m.Role, seq); err != nil {
		return err
	}
	if err := s.w.stager.Append(section.RelationMembers, relationID, kind, member, m.Role, version, seq); err != nil {
		return err
	}
	s.w.stats.members.Add(1)
	if memberID == resolve.Unresolved {
		s.w.stats.membersUnres.Add(1)
	}
	return nil
}

func targetOrNull(id int64) any {
	if id == resolve.Unresolved {
		return section.Null
	}
	return id
}

// memberType returns the nwr_enum label of a member kind
func memberType(t osm.Type) (string, error) {
	switch t {
	case osm.TypeNode:
		return "Node", nil
	case osm.TypeWay:
		return "Way", nil
	case osm.TypeRelation:
		return "Relation", nil
	}
	return "", fmt.Errorf("unsupported member type %q", t)
}
