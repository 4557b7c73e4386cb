package chronochat

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage is a Storage that forgets everything on exit.
type MemoryStorage struct {
	mu      sync.Mutex
	records map[Name]Record
	order   []Name // insertion order breaks timestamp ties
	closed  bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[Name]Record)}
}

func (m *MemoryStorage) Store(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errStorageClosed
	}
	if _, ok := m.records[rec.Name]; ok {
		return nil
	}
	rec.Content = append([]byte(nil), rec.Content...)
	m.records[rec.Name] = rec
	m.order = append(m.order, rec.Name)
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, name Name) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, false, errStorageClosed
	}
	rec, ok := m.records[name]
	return rec, ok, nil
}

func (m *MemoryStorage) LoadAll(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errStorageClosed
	}
	out := make([]Record, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.records[name])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len is the number of stored records.
func (m *MemoryStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
