package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/alloc"
	"github.com/wegman-software/osm2apidb-go/internal/logger"
	"github.com/wegman-software/osm2apidb-go/internal/section"
)

// reservationLock serializes ID reservations of concurrent writers
const reservationLock int64 = 0x6f736d617069

// Postgres loads payloads into an OSM API database
type Postgres struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgres connects to the database at connString
func NewPostgres(ctx context.Context, connString, schema string, workers int) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// one connection for the load, one for changeset ids while staging
	if workers < 2 {
		workers = 2
	}
	poolConfig.MaxConns = int32(workers)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if schema == "" {
		schema = "public"
	}
	return &Postgres{pool: pool, schema: schema}, nil
}

func (p *Postgres) ident(name string) string {
	return pgx.Identifier{p.schema, name}.Sanitize()
}

// maxIDQuery returns the highest ID of kind known either to its table or
// to its sequence
func (p *Postgres) maxIDQuery(kind osm.Type) (string, error) {
	table, err := CurrentTable(kind)
	if err != nil {
		return "", err
	}
	seq, err := SequenceName(kind)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`
		SELECT GREATEST(
			COALESCE((SELECT MAX(id) FROM %s), 0),
			(SELECT CASE WHEN is_called THEN last_value ELSE last_value - 1 END FROM %s)
		)`, p.ident(table), p.ident(seq)), nil
}

func (p *Postgres) MaxAssignedID(ctx context.Context, kind osm.Type) (int64, error) {
	query, err := p.maxIDQuery(kind)
	if err != nil {
		return 0, err
	}
	var max int64
	if err := p.pool.QueryRow(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max %s id: %w", kind, err)
	}
	return max, nil
}

// ReserveIDRanges takes an advisory lock and locks the current element
// tables, then moves every sequence past the reserved ranges before committing.
func (p *Postgres) ReserveIDRanges(ctx context.Context, counts map[osm.Type]int64) (map[osm.Type]alloc.Range, error) {
	log := logger.Named("store")

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", reservationLock); err != nil {
		return nil, fmt.Errorf("failed to take reservation lock: %w", err)
	}
	lock := fmt.Sprintf("LOCK TABLE %s, %s, %s IN SHARE ROW EXCLUSIVE MODE",
		p.ident(section.CurrentNodes), p.ident(section.CurrentWays), p.ident(section.CurrentRelations))
	if _, err := tx.Exec(ctx, lock); err != nil {
		return nil, fmt.Errorf("failed to lock element tables: %w", err)
	}

	ranges := make(map[osm.Type]alloc.Range, len(alloc.Kinds))
	for _, kind := range alloc.Kinds {
		query, err := p.maxIDQuery(kind)
		if err != nil {
			return nil, err
		}
		var max int64
		if err := tx.QueryRow(ctx, query).Scan(&max); err != nil {
			return nil, fmt.Errorf("failed to query max %s id: %w", kind, err)
		}

		n := counts[kind]
		rng := alloc.Range{First: max + 1, Limit: max + 1 + n}
		if n > 0 {
			if err := setSequence(ctx, tx, p.ident(mustSequence(kind)), rng.Limit-1); err != nil {
				return nil, err
			}
		}
		ranges[kind] = rng
		log.Info("Reserved id range",
			zap.String("kind", string(kind)),
			zap.Int64("first", rng.First),
			zap.Int64("count", n))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return ranges, nil
}

func (p *Postgres) NewChangesetID(ctx context.Context) (int64, error) {
	var id int64
	query := fmt.Sprintf("SELECT nextval('%s')", p.ident("changesets_id_seq"))
	if err := p.pool.QueryRow(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to obtain changeset id: %w", err)
	}
	return id, nil
}

// Execute copies every section of the payload and advances the sequences
// in a single transaction
func (p *Postgres) Execute(ctx context.Context, payload *section.Payload, sequences []SequenceUpdate) error {
	log := logger.Named("store")
	start := time.Now()

	f, err := payload.Open()
	if err != nil {
		return err
	}
	defer f.Close()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin load: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, sec := range payload.Sections {
		tag, err := tx.Conn().PgConn().CopyFrom(ctx, sec.Reader(f), CopyStatement(p.schema, sec.Table))
		if err != nil {
			return fmt.Errorf("COPY to %s failed: %w", sec.Table.Name, err)
		}
		if tag.RowsAffected() != sec.Rows {
			return fmt.Errorf("COPY to %s loaded %d rows, staged %d", sec.Table.Name, tag.RowsAffected(), sec.Rows)
		}
		log.Debug("Table loaded", zap.String("table", sec.Table.Name), zap.Int64("rows", sec.Rows))
	}

	for _, u := range sequences {
		seq, err := SequenceName(u.Kind)
		if err != nil {
			return err
		}
		if err := setSequence(ctx, tx, p.ident(seq), u.Max); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit load: %w", err)
	}

	log.Info("Payload loaded",
		zap.Int("tables", len(payload.Sections)),
		zap.Int64("rows", payload.Rows()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Postgres) AdvanceSequence(ctx context.Context, kind osm.Type, max int64) error {
	seq, err := SequenceName(kind)
	if err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin sequence update: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := setSequence(ctx, tx, p.ident(seq), max); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Close closes connections
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// setSequence raises seq to max, never lowering it
func setSequence(ctx context.Context, tx pgx.Tx, seq string, max int64) error {
	if max < 1 {
		return nil
	}
	query := fmt.Sprintf("SELECT setval('%s', GREATEST($1::bigint, (SELECT last_value FROM %s)))", seq, seq)
	if _, err := tx.Exec(ctx, query, max); err != nil {
		return fmt.Errorf("failed to advance %s: %w", seq, err)
	}
	return nil
}

func mustSequence(kind osm.Type) string {
	seq, err := SequenceName(kind)
	if err != nil {
		panic(err)
	}
	return seq
}

// CopyStatement returns the COPY FROM STDIN statement loading a section
func CopyStatement(schema string, t section.Table) string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = pgx.Identifier{c}.Sanitize()
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN",
		pgx.Identifier{schema, t.Name}.Sanitize(), strings.Join(cols, ", "))
}
