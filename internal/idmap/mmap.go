package idmap

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

const (
	// Each slot holds one target ID as little-endian uint64, 0 = absent
	slotSize = 8
	// The file grows in pages of this many slots (1 MiB)
	pageSlots = 1 << 17
	// Largest addressable slot: 2^36 slots = 512 GiB of sparse address space
	maxSlots = 1 << 36
)

// Mmap is a Map stored as a sparse file of fixed-size slots. The slot for a
// key is its zigzag encoding, so small negative IDs stay close to the start
// of the file. The file is extended and remapped as larger keys arrive.
type Mmap struct {
	path  string
	file  *os.File
	data  mmap.MMap
	slots int64
	count int64
}

// NewMmap creates a new empty mmap map at path, truncating any existing file
func NewMmap(path string) (*Mmap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create id map file: %w", err)
	}

	m := &Mmap{path: path, file: f}
	if err := m.grow(pageSlots); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return m, nil
}

func slotFor(key int64) uint64 {
	return uint64(key<<1) ^ uint64(key>>63)
}

// grow extends the file to hold at least minSlots slots and remaps it
func (m *Mmap) grow(minSlots int64) error {
	slots := m.slots
	if slots == 0 {
		slots = pageSlots
	}
	for slots < minSlots {
		slots *= 2
	}

	if m.data != nil {
		if err := m.data.Flush(); err != nil {
			return fmt.Errorf("failed to flush id map: %w", err)
		}
		if err := m.data.Unmap(); err != nil {
			return fmt.Errorf("failed to unmap id map: %w", err)
		}
		m.data = nil
	}

	// Sparse on Linux: only written pages take disk space
	if err := m.file.Truncate(slots * slotSize); err != nil {
		return fmt.Errorf("failed to extend id map file: %w", err)
	}

	data, err := mmap.Map(m.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to mmap id map file: %w", err)
	}

	m.data = data
	m.slots = slots
	return nil
}

func (m *Mmap) Get(key int64) (int64, bool, error) {
	slot := slotFor(key)
	if slot >= uint64(m.slots) {
		return 0, false, nil
	}

	off := slot * slotSize
	v := int64(binary.LittleEndian.Uint64(m.data[off:]))
	if v == 0 {
		return 0, false, nil
	}
	return v, true, nil
}

func (m *Mmap) Put(key, value int64) error {
	if value == 0 {
		return ErrZeroValue
	}

	slot := slotFor(key)
	if slot >= maxSlots {
		return fmt.Errorf("key %d out of range for mmap id map", key)
	}
	if slot >= uint64(m.slots) {
		if err := m.grow(int64(slot) + 1); err != nil {
			return err
		}
	}

	off := slot * slotSize
	if binary.LittleEndian.Uint64(m.data[off:]) == 0 {
		m.count++
	}
	binary.LittleEndian.PutUint64(m.data[off:], uint64(value))
	return nil
}

func (m *Mmap) Len() int64 {
	return m.count
}

// Flush writes dirty pages back to the file
func (m *Mmap) Flush() error {
	if m.data == nil {
		return nil
	}
	return m.data.Flush()
}

// Close unmaps and removes the backing file
func (m *Mmap) Close() error {
	var err error
	if m.data != nil {
		err = m.data.Unmap()
		m.data = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
		m.file = nil
		os.Remove(m.path)
	}
	return err
}
