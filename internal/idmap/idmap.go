package idmap

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrZeroValue is returned when storing 0, which every backend reserves for "absent"
var ErrZeroValue = errors.New("idmap: zero value cannot be stored")

// Map is an append-only associative container keyed by a 64-bit integer.
// It remembers which target ID was assigned to a source element ID.
type Map interface {
	// Get returns the value stored for key
	Get(key int64) (value int64, ok bool, err error)
	// Put stores value for key, replacing any previous value
	Put(key, value int64) error
	// Len returns the number of distinct keys stored
	Len() int64
	// Flush persists buffered writes
	Flush() error
	// Close releases the map's resources and deletes its backing files
	Close() error
}

// Backend selects a Map implementation
type Backend string

const (
	BackendMemory  Backend = "memory"
	BackendMmap    Backend = "mmap"
	BackendLevelDB Backend = "leveldb"
)

// Valid reports whether b names a known backend
func (b Backend) Valid() bool {
	switch b {
	case BackendMemory, BackendMmap, BackendLevelDB:
		return true
	}
	return false
}

// Open creates an empty map named name below dir using backend
func Open(backend Backend, dir, name string) (Map, error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendMmap:
		return NewMmap(filepath.Join(dir, name+".idx"))
	case BackendLevelDB:
		return NewLevelDB(filepath.Join(dir, name+".ldb"))
	default:
		return nil, fmt.Errorf("unknown id map backend %q", backend)
	}
}
