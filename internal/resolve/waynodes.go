package resolve

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/wegman-software/osm2apidb-go/internal/idmap"
)

// WayNodeRef is a position inside a way waiting for its node to be mapped
type WayNodeRef struct {
	WayID int64 // target ID of the way
	Seq   int   // 1-based position of the node in the way
}

// WayNodeTable holds unresolved way-node references keyed by node source ID
type WayNodeTable interface {
	// Add appends ref to the refs waiting for nodeID
	Add(nodeID int64, ref WayNodeRef) error
	// Take removes and returns every ref waiting for nodeID, in insertion order
	Take(nodeID int64) ([]WayNodeRef, error)
	// Drain calls fn for every remaining node ID in ascending order and empties the table
	Drain(fn func(nodeID int64, refs []WayNodeRef) error) error
	// Len returns the number of pending refs
	Len() int64
	Close() error
}

// MemoryWayNodes is a WayNodeTable kept in a Go map
type MemoryWayNodes struct {
	refs  map[int64][]WayNodeRef
	count int64
}

// NewMemoryWayNodes creates an empty in-memory table
func NewMemoryWayNodes() *MemoryWayNodes {
	return &MemoryWayNodes{refs: make(map[int64][]WayNodeRef)}
}

func (m *MemoryWayNodes) Add(nodeID int64, ref WayNodeRef) error {
	m.refs[nodeID] = append(m.refs[nodeID], ref)
	m.count++
	return nil
}

func (m *MemoryWayNodes) Take(nodeID int64) ([]WayNodeRef, error) {
	refs, ok := m.refs[nodeID]
	if !ok {
		return nil, nil
	}
	delete(m.refs, nodeID)
	m.count -= int64(len(refs))
	return refs, nil
}

func (m *MemoryWayNodes) Drain(fn func(nodeID int64, refs []WayNodeRef) error) error {
	ids := make([]int64, 0, len(m.refs))
	for id := range m.refs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		refs, _ := m.Take(id)
		if err := fn(id, refs); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryWayNodes) Len() int64 {
	return m.count
}

func (m *MemoryWayNodes) Close() error {
	m.refs = nil
	return nil
}

// LevelDBWayNodes is a WayNodeTable stored on disk. Each node key holds the
// varint-encoded (way, seq) pairs waiting for it.
type LevelDBWayNodes struct {
	path  string
	db    *leveldb.DB
	count int64
}

// NewLevelDBWayNodes creates an empty on-disk table at path
func NewLevelDBWayNodes(path string) (*LevelDBWayNodes, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear pending way node directory: %w", err)
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		NoSync:      true,
		WriteBuffer: 32 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pending way node database: %w", err)
	}
	return &LevelDBWayNodes{path: path, db: db}, nil
}

func (l *LevelDBWayNodes) Add(nodeID int64, ref WayNodeRef) error {
	var kbuf [8]byte
	key := idmap.EncodeKey(kbuf[:], nodeID)

	data, err := l.db.Get(key, nil)
	if err != nil && !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("pending way nodes get %d: %w", nodeID, err)
	}

	data = binary.AppendVarint(data, ref.WayID)
	data = binary.AppendUvarint(data, uint64(ref.Seq))
	if err := l.db.Put(key, data, nil); err != nil {
		return fmt.Errorf("pending way nodes put %d: %w", nodeID, err)
	}
	l.count++
	return nil
}

func (l *LevelDBWayNodes) Take(nodeID int64) ([]WayNodeRef, error) {
	var kbuf [8]byte
	key := idmap.EncodeKey(kbuf[:], nodeID)

	data, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending way nodes get %d: %w", nodeID, err)
	}

	refs, err := decodeWayNodeRefs(data)
	if err != nil {
		return nil, fmt.Errorf("pending way nodes %d: %w", nodeID, err)
	}
	if err := l.db.Delete(key, nil); err != nil {
		return nil, fmt.Errorf("pending way nodes delete %d: %w", nodeID, err)
	}
	l.count -= int64(len(refs))
	return refs, nil
}

func (l *LevelDBWayNodes) Drain(fn func(nodeID int64, refs []WayNodeRef) error) error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		nodeID := idmap.DecodeKey(iter.Key())
		refs, err := decodeWayNodeRefs(iter.Value())
		if err != nil {
			return fmt.Errorf("pending way nodes %d: %w", nodeID, err)
		}
		if err := fn(nodeID, refs); err != nil {
			return err
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		l.count -= int64(len(refs))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("pending way nodes iterate: %w", err)
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDBWayNodes) Len() int64 {
	return l.count
}

// Close closes the database and removes its directory
func (l *LevelDBWayNodes) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	os.RemoveAll(l.path)
	return err
}

func decodeWayNodeRefs(data []byte) ([]WayNodeRef, error) {
	var refs []WayNodeRef
	for len(data) > 0 {
		way, n := binary.Varint(data)
		if n <= 0 {
			return nil, errors.New("corrupt way id")
		}
		data = data[n:]
		seq, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, errors.New("corrupt sequence index")
		}
		data = data[n:]
		refs = append(refs, WayNodeRef{WayID: way, Seq: int(seq)})
	}
	return refs, nil
}
