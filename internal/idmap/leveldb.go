package idmap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Writes are batched until this many bytes are pending
const batchBytes = 128 << 10

// LevelDB is a Map persisted in a LevelDB database. Puts are batched; Get
// consults the pending batch first so reads always observe earlier writes.
type LevelDB struct {
	path    string
	db      *leveldb.DB
	batch   leveldb.Batch
	pending map[int64]int64
	size    int
	count   int64
}

// NewLevelDB creates an empty LevelDB map at path, removing any previous database
func NewLevelDB(path string) (*LevelDB, error) {
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear id map directory: %w", err)
	}

	db, err := leveldb.OpenFile(path, &opt.Options{
		NoSync:             true,
		WriteBuffer:        16 * opt.MiB,
		BlockCacheCapacity: 32 * opt.MiB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open id map database: %w", err)
	}

	return &LevelDB{
		path:    path,
		db:      db,
		pending: make(map[int64]int64),
	}, nil
}

// EncodeKey encodes a signed ID so that byte order matches numeric order
func EncodeKey(buf []byte, key int64) []byte {
	binary.BigEndian.PutUint64(buf[:8], uint64(key)^(1<<63))
	return buf[:8]
}

// DecodeKey reverses EncodeKey
func DecodeKey(buf []byte) int64 {
	return int64(binary.BigEndian.Uint64(buf) ^ (1 << 63))
}

func (l *LevelDB) Get(key int64) (int64, bool, error) {
	if v, ok := l.pending[key]; ok {
		return v, true, nil
	}

	var kbuf [8]byte
	data, err := l.db.Get(EncodeKey(kbuf[:], key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("id map get %d: %w", key, err)
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("id map get %d: corrupt value of %d bytes", key, len(data))
	}
	return int64(binary.LittleEndian.Uint64(data)), true, nil
}

func (l *LevelDB) Put(key, value int64) error {
	if value == 0 {
		return ErrZeroValue
	}

	_, known, err := l.Get(key)
	if err != nil {
		return err
	}
	if !known {
		l.count++
	}

	var kbuf, vbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], uint64(value))
	l.batch.Put(EncodeKey(kbuf[:], key), vbuf[:])
	l.pending[key] = value
	l.size += 16

	if l.size > batchBytes {
		return l.Flush()
	}
	return nil
}

func (l *LevelDB) Len() int64 {
	return l.count
}

// Flush writes the pending batch to the database
func (l *LevelDB) Flush() error {
	if l.batch.Len() == 0 {
		return nil
	}
	if err := l.db.Write(&l.batch, nil); err != nil {
		return fmt.Errorf("id map flush: %w", err)
	}
	l.batch.Reset()
	l.pending = make(map[int64]int64)
	l.size = 0
	return nil
}

// Close closes the database and removes its directory
func (l *LevelDB) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	os.RemoveAll(l.path)
	return err
}
