package idmap

import (
	"errors"
	"testing"
)

func TestBackends(t *testing.T) {
	for _, backend := range []Backend{BackendMemory, BackendMmap, BackendLevelDB} {
		t.Run(string(backend), func(t *testing.T) {
			m, err := Open(backend, t.TempDir(), "nodes")
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			defer m.Close()

			entries := map[int64]int64{
				1:         101,
				-1:        102,
				-12345:    103,
				7_000_000: 104, // forces the mmap file to grow
				0:         105,
			}
			for k, v := range entries {
				if err := m.Put(k, v); err != nil {
					t.Fatalf("Put(%d) failed: %v", k, err)
				}
			}

			// overwrite does not change the key count
			if err := m.Put(1, 101); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
			if m.Len() != int64(len(entries)) {
				t.Errorf("Len = %d, want %d", m.Len(), len(entries))
			}

			if err := m.Flush(); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}

			for k, want := range entries {
				got, ok, err := m.Get(k)
				if err != nil {
					t.Fatalf("Get(%d) failed: %v", k, err)
				}
				if !ok || got != want {
					t.Errorf("Get(%d) = %d, %v; want %d", k, got, ok, want)
				}
			}

			if _, ok, _ := m.Get(2); ok {
				t.Error("Get(2) found a value that was never stored")
			}
			if _, ok, _ := m.Get(1 << 40); ok {
				t.Error("Get beyond the mapped range found a value")
			}

			if err := m.Put(3, 0); !errors.Is(err, ErrZeroValue) {
				t.Errorf("Put zero = %v, want ErrZeroValue", err)
			}
		})
	}
}

func TestLevelDBReadsPendingBatch(t *testing.T) {
	m, err := NewLevelDB(t.TempDir() + "/ways.ldb")
	if err != nil {
		t.Fatalf("NewLevelDB failed: %v", err)
	}
	defer m.Close()

	if err := m.Put(42, 4200); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// not flushed yet
	v, ok, err := m.Get(42)
	if err != nil || !ok || v != 4200 {
		t.Errorf("Get before flush = %d, %v, %v", v, ok, err)
	}
}

func TestKeyEncodingOrder(t *testing.T) {
	keys := []int64{-1 << 62, -5, -1, 0, 1, 5, 1 << 62}
	var prev []byte
	for _, k := range keys {
		buf := EncodeKey(make([]byte, 8), k)
		if DecodeKey(buf) != k {
			t.Errorf("DecodeKey(EncodeKey(%d)) = %d", k, DecodeKey(buf))
		}
		if prev != nil && string(prev) >= string(buf) {
			t.Errorf("encoding of %d does not sort after its predecessor", k)
		}
		prev = buf
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open("btree", t.TempDir(), "x"); err == nil {
		t.Error("expected error for unknown backend")
	}
	if Backend("btree").Valid() {
		t.Error("btree reported as valid backend")
	}
}
