package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2apidb-go/internal/alloc"
	"github.com/wegman-software/osm2apidb-go/internal/logger"
	"github.com/wegman-software/osm2apidb-go/internal/section"
)

// SQLFile renders payloads as a psql script instead of loading them.
// It has no view of the target database: IDs continue from the configured
// starting IDs and changeset IDs are counted locally from firstChangeset.
type SQLFile struct {
	path   string
	schema string

	mu        sync.Mutex
	changeset int64
}

// NewSQLFile creates a store writing its script to path. The first
// changeset gets firstChangeset, or 1 when it is below 1.
func NewSQLFile(path, schema string, firstChangeset int64) *SQLFile {
	if schema == "" {
		schema = "public"
	}
	if firstChangeset < 1 {
		firstChangeset = 1
	}
	return &SQLFile{path: path, schema: schema, changeset: firstChangeset - 1}
}

// Path returns the script location
func (s *SQLFile) Path() string {
	return s.path
}

func (s *SQLFile) MaxAssignedID(context.Context, osm.Type) (int64, error) {
	return 0, nil
}

func (s *SQLFile) ReserveIDRanges(context.Context, map[osm.Type]int64) (map[osm.Type]alloc.Range, error) {
	return nil, fmt.Errorf("%w: a SQL script target cannot reserve id ranges, use offline mode", errors.ErrUnsupported)
}

func (s *SQLFile) NewChangesetID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeset++
	return s.changeset, nil
}

// Execute renders the script into a temp file next to the target path and
// renames it into place once complete.
func (s *SQLFile) Execute(ctx context.Context, payload *section.Payload, sequences []SequenceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, err := payload.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create script: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriterSize(tmp, 1<<20)
	if err := s.render(ctx, w, in, payload, sequences); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write script: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close script: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to move script into place: %w", err)
	}

	logger.Named("store").Info("SQL script written",
		zap.String("path", s.path),
		zap.Int64("rows", payload.Rows()))
	return nil
}

func (s *SQLFile) render(ctx context.Context, w io.Writer, in io.ReaderAt, payload *section.Payload, sequences []SequenceUpdate) error {
	if _, err := io.WriteString(w, "-- OSM API database bulk load\nBEGIN;\n\n"); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}

	for _, sec := range payload.Sections {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s;\n", CopyStatement(s.schema, sec.Table)); err != nil {
			return fmt.Errorf("failed to write script: %w", err)
		}
		if _, err := io.Copy(w, sec.Reader(in)); err != nil {
			return fmt.Errorf("failed to copy %s section: %w", sec.Table.Name, err)
		}
		if _, err := io.WriteString(w, "\\.\n\n"); err != nil {
			return fmt.Errorf("failed to write script: %w", err)
		}
	}

	for _, u := range sequences {
		stmt, err := s.setvalStatement(u.Kind, u.Max)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, stmt); err != nil {
			return fmt.Errorf("failed to write script: %w", err)
		}
	}

	if _, err := io.WriteString(w, "\nCOMMIT;\n"); err != nil {
		return fmt.Errorf("failed to write script: %w", err)
	}
	return nil
}

// AdvanceSequence appends a setval statement to the script
func (s *SQLFile) AdvanceSequence(_ context.Context, kind osm.Type, max int64) error {
	stmt, err := s.setvalStatement(kind, max)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open script: %w", err)
	}
	if _, err := io.WriteString(f, stmt); err != nil {
		f.Close()
		return fmt.Errorf("failed to write script: %w", err)
	}
	return f.Close()
}

func (s *SQLFile) setvalStatement(kind osm.Type, max int64) (string, error) {
	seq, err := SequenceName(kind)
	if err != nil {
		return "", err
	}
	ident := pgx.Identifier{s.schema, seq}.Sanitize()
	return fmt.Sprintf("SELECT setval('%s', GREATEST(%d, (SELECT last_value FROM %s)));\n", ident, max, ident), nil
}

// Close is a no-op, the script is complete after Execute
func (s *SQLFile) Close() error {
	return nil
}
