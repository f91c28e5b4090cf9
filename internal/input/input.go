package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
)

// Source can be traversed any number of times
type Source interface {
	Open(ctx context.Context) (osm.Scanner, error)
	Name() string
}

// Format of an input file
type Format int

const (
	FormatUnknown Format = iota
	FormatPBF
	FormatXML
)

// Compression of an XML input file
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

// Detect guesses the format of a file from its name
func Detect(path string) (Format, Compression) {
	name := strings.ToLower(filepath.Base(path))

	comp := CompressionNone
	switch {
	case strings.HasSuffix(name, ".gz"):
		comp = CompressionGzip
		name = strings.TrimSuffix(name, ".gz")
	case strings.HasSuffix(name, ".zst"):
		comp = CompressionZstd
		name = strings.TrimSuffix(name, ".zst")
	}

	switch {
	case strings.HasSuffix(name, ".pbf"):
		return FormatPBF, comp
	case strings.HasSuffix(name, ".osm"), strings.HasSuffix(name, ".xml"), strings.HasSuffix(name, ".osc"):
		return FormatXML, comp
	}
	return FormatUnknown, comp
}

// File is an OSM file on disk: .osm.pbf, or .osm XML optionally compressed
// with gzip or zstd
type File struct {
	Path  string
	Procs int // pbf decoders, defaults to the number of CPUs
}

func (f File) Name() string {
	return f.Path
}

// Open starts a traversal of the file. Closing the scanner closes the file.
func (f File) Open(ctx context.Context) (osm.Scanner, error) {
	format, comp := Detect(f.Path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unrecognized input format: %s", f.Path)
	}
	if format == FormatPBF && comp != CompressionNone {
		return nil, fmt.Errorf("compressed pbf files are not supported: %s", f.Path)
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}

	if format == FormatPBF {
		procs := f.Procs
		if procs < 1 {
			procs = runtime.NumCPU()
		}
		return &closingScanner{Scanner: osmpbf.New(ctx, file, procs), closers: []io.Closer{file}}, nil
	}

	var r io.Reader = file
	closers := []io.Closer{file}
	switch comp {
	case CompressionGzip:
		gz, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		r = gz
		closers = append([]io.Closer{gz}, closers...)
	case CompressionZstd:
		zr, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		r = zr
		closers = append([]io.Closer{zstdCloser{zr}}, closers...)
	}

	return &closingScanner{Scanner: osmxml.New(ctx, r), closers: closers}, nil
}

type zstdCloser struct{ *zstd.Decoder }

func (z zstdCloser) Close() error {
	z.Decoder.Close()
	return nil
}

// closingScanner closes the underlying readers along with the scanner
type closingScanner struct {
	osm.Scanner
	closers []io.Closer
}

func (s *closingScanner) Close() error {
	errs := []error{s.Scanner.Close()}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Objects is a Source backed by elements held in memory
type Objects osm.Objects

func (o Objects) Name() string {
	return "memory"
}

func (o Objects) Open(ctx context.Context) (osm.Scanner, error) {
	return &objectScanner{ctx: ctx, objects: o, pos: -1}, nil
}

type objectScanner struct {
	ctx     context.Context
	objects Objects
	pos     int
	err     error
}

func (s *objectScanner) Scan() bool {
	if s.err != nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	return s.pos < len(s.objects)
}

func (s *objectScanner) Object() osm.Object {
	return s.objects[s.pos]
}

func (s *objectScanner) Err() error {
	return s.err
}

func (s *objectScanner) Close() error {
	return nil
}
