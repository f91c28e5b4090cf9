package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osm2apidb-go/internal/alloc"
	"github.com/wegman-software/osm2apidb-go/internal/section"
)

// MemoryTarget is the target name of the in-process store
const MemoryTarget = "memory:"

// Execution is one payload applied to a Memory store
type Execution struct {
	Tables    map[string][][]section.Field
	Sequences []SequenceUpdate
}

// Memory is an in-process Store. It keeps the loaded rows and the sequence
// state so a session can be inspected without a database. Safe for
// concurrent use, so several writers can share one instance.
type Memory struct {
	mu           sync.Mutex
	sequences    map[osm.Type]int64
	reservations []map[osm.Type]alloc.Range
	executions   []Execution

	// Fail* make the matching operation return the error when set
	FailReserve   error
	FailChangeset error
	FailExecute   error

	// RejectNullReferences makes the store behave like the rails schema
	RejectNullReferences bool
}

// NewMemory creates an empty store
func NewMemory() *Memory {
	return &Memory{sequences: make(map[osm.Type]int64)}
}

// Seed pretends IDs up to max of kind are already in use
func (m *Memory) Seed(kind osm.Type, max int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max > m.sequences[kind] {
		m.sequences[kind] = max
	}
}

func (m *Memory) MaxAssignedID(_ context.Context, kind osm.Type) (int64, error) {
	if _, err := SequenceName(kind); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[kind], nil
}

func (m *Memory) ReserveIDRanges(_ context.Context, counts map[osm.Type]int64) (map[osm.Type]alloc.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReserve != nil {
		return nil, m.FailReserve
	}

	ranges := make(map[osm.Type]alloc.Range, len(alloc.Kinds))
	for _, kind := range alloc.Kinds {
		first := m.sequences[kind] + 1
		n := counts[kind]
		ranges[kind] = alloc.Range{First: first, Limit: first + n}
		m.sequences[kind] += n
	}
	m.reservations = append(m.reservations, ranges)
	return ranges, nil
}

func (m *Memory) NewChangesetID(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailChangeset != nil {
		return 0, m.FailChangeset
	}
	m.sequences[osm.TypeChangeset]++
	return m.sequences[osm.TypeChangeset], nil
}

// Execute parses every section back into rows
func (m *Memory) Execute(_ context.Context, payload *section.Payload, sequences []SequenceUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailExecute != nil {
		return m.FailExecute
	}

	exec := Execution{
		Tables:    make(map[string][][]section.Field, len(payload.Sections)),
		Sequences: append([]SequenceUpdate(nil), sequences...),
	}
	for _, sec := range payload.Sections {
		rows, err := payload.ReadSection(sec.Table.Name)
		if err != nil {
			return fmt.Errorf("failed to read %s section: %w", sec.Table.Name, err)
		}
		exec.Tables[sec.Table.Name] = rows
	}
	for _, u := range sequences {
		if _, err := SequenceName(u.Kind); err != nil {
			return err
		}
	}

	for _, u := range sequences {
		m.advance(u.Kind, u.Max)
	}
	m.executions = append(m.executions, exec)
	return nil
}

func (m *Memory) AdvanceSequence(_ context.Context, kind osm.Type, max int64) error {
	if _, err := SequenceName(kind); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance(kind, max)
	return nil
}

func (m *Memory) advance(kind osm.Type, max int64) {
	if max > m.sequences[kind] {
		m.sequences[kind] = max
	}
}

// Sequence returns the last value of the ID sequence of kind
func (m *Memory) Sequence(kind osm.Type) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sequences[kind]
}

// Reservations returns every range set handed out, in order
func (m *Memory) Reservations() []map[osm.Type]alloc.Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[osm.Type]alloc.Range(nil), m.reservations...)
}

// Executions returns every payload applied, in order
func (m *Memory) Executions() []Execution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Execution(nil), m.executions...)
}

// Rows returns every row loaded into table across all executions
func (m *Memory) Rows(table string) [][]section.Field {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows [][]section.Field
	for _, e := range m.executions {
		rows = append(rows, e.Tables[table]...)
	}
	return rows
}

// AcceptsNullReferences is true unless RejectNullReferences is set
func (m *Memory) AcceptsNullReferences() bool {
	return !m.RejectNullReferences
}

func (m *Memory) Close() error {
	return nil
}
