package section

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osm2apidb-go/internal/logger"
)

const (
	bufferSize  = 1 << 20
	payloadName = "payload.copy"
)

// ErrClosed is returned when appending to a stager that was finalized or discarded
var ErrClosed = errors.New("section stager is closed")

// section is the staging area of one destination table
type section struct {
	table Table
	path  string
	file  *os.File
	buf   *bufio.Writer
	rows  int64
	bytes int64
}

// Stager buffers formatted rows per destination table in temp files and
// concatenates them into a single payload at Finalize.
// A Stager is not safe for concurrent appends.
type Stager struct {
	dir      string
	tables   []Table
	byName   map[string]Table
	sections map[string]*section
	closed   bool
}

// NewStager creates a stager writing its sections below dir
func NewStager(dir string, tables []Table) (*Stager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	byName := make(map[string]Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	return &Stager{
		dir:      dir,
		tables:   tables,
		byName:   byName,
		sections: make(map[string]*section, len(tables)),
	}, nil
}

// Append formats values in the table's column order and appends the row to
// the table's section. Appending to a table that is not part of the session
// is a no-op.
func (s *Stager) Append(table string, values ...any) error {
	if s.closed {
		return ErrClosed
	}

	t, ok := s.byName[table]
	if !ok {
		return nil
	}
	if len(values) != len(t.Columns) {
		return fmt.Errorf("%s: got %d values for %d columns", table, len(values), len(t.Columns))
	}

	row, err := FormatRow(values...)
	if err != nil {
		return fmt.Errorf("%s: %w", table, err)
	}

	sec, err := s.section(t)
	if err != nil {
		return err
	}

	n, err := sec.buf.WriteString(row)
	if err == nil {
		err = sec.buf.WriteByte('\n')
	}
	if err != nil {
		return fmt.Errorf("failed to write %s section: %w", table, err)
	}

	sec.rows++
	sec.bytes += int64(n) + 1
	return nil
}

// Rows returns the number of rows staged for table so far
func (s *Stager) Rows(table string) int64 {
	if sec, ok := s.sections[table]; ok {
		return sec.rows
	}
	return 0
}

// section returns the staging area for t, creating it on first use
func (s *Stager) section(t Table) (*section, error) {
	if sec, ok := s.sections[t.Name]; ok {
		return sec, nil
	}

	path := filepath.Join(s.dir, t.Name+".section")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s section: %w", t.Name, err)
	}

	sec := &section{
		table: t,
		path:  path,
		file:  f,
		buf:   bufio.NewWriterSize(f, bufferSize),
	}
	s.sections[t.Name] = sec
	return sec, nil
}

// Finalize closes every section and concatenates them in load order into a
// single payload file. Section files are removed once the payload is complete.
func (s *Stager) Finalize() (*Payload, error) {
	if s.closed {
		return nil, ErrClosed
	}
	s.closed = true
	log := logger.Get()

	// Sections are independent files, close them concurrently
	var g errgroup.Group
	for _, sec := range s.sections {
		sec := sec
		g.Go(func() error {
			return sec.close()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	payload := &Payload{Path: filepath.Join(s.dir, payloadName)}
	out, err := os.OpenFile(payload.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload: %w", err)
	}

	var offset int64
	for _, t := range s.tables {
		sec, ok := s.sections[t.Name]
		if !ok || sec.rows == 0 {
			continue
		}

		n, err := appendFile(out, sec.path)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("failed to concatenate %s section: %w", t.Name, err)
		}

		payload.Sections = append(payload.Sections, Section{
			Table:  t,
			Offset: offset,
			Length: n,
			Rows:   sec.rows,
		})
		offset += n
		log.Debug("Section staged", zap.String("table", t.Name), zap.Int64("rows", sec.rows), zap.Int64("bytes", n))
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return nil, fmt.Errorf("failed to sync payload: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close payload: %w", err)
	}

	for _, sec := range s.sections {
		os.Remove(sec.path)
	}

	return payload, nil
}

// Discard drops every staged section. Safe to call more than once and after Finalize.
func (s *Stager) Discard() error {
	s.closed = true

	var errs []error
	for _, sec := range s.sections {
		if sec.file != nil {
			sec.file.Close()
			sec.file = nil
		}
		if err := os.Remove(sec.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(filepath.Join(s.dir, payloadName)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (sec *section) close() error {
	if err := sec.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s section: %w", sec.table.Name, err)
	}
	if err := sec.file.Close(); err != nil {
		return fmt.Errorf("failed to close %s section: %w", sec.table.Name, err)
	}
	sec.file = nil
	return nil
}

func appendFile(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}
