package idmap

// Memory is a Map backed by a Go map
type Memory struct {
	m map[int64]int64
}

// NewMemory creates an empty in-memory map
func NewMemory() *Memory {
	return &Memory{m: make(map[int64]int64)}
}

func (m *Memory) Get(key int64) (int64, bool, error) {
	v, ok := m.m[key]
	return v, ok, nil
}

func (m *Memory) Put(key, value int64) error {
	if value == 0 {
		return ErrZeroValue
	}
	m.m[key] = value
	return nil
}

func (m *Memory) Len() int64 {
	return int64(len(m.m))
}

func (m *Memory) Flush() error {
	return nil
}

func (m *Memory) Close() error {
	m.m = nil
	return nil
}
