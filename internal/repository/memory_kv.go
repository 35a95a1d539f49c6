package repository

import (
	"context"
	"sync"
)

type memoryRecord struct {
	value    []byte
	revision uint64
}

// MemoryKV is a process-local KV used for single-node runs and tests.
type MemoryKV struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

// NewMemoryKV returns an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{records: make(map[string]memoryRecord)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), rec.value...), rec.revision, nil
}

func (m *MemoryKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[key]; ok {
		return 0, ErrAlreadyExists
	}
	m.records[key] = memoryRecord{value: append([]byte(nil), value...), revision: 1}
	return 1, nil
}

func (m *MemoryKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return 0, ErrNotFound
	}
	if rec.revision != revision {
		return 0, ErrConflict
	}
	next := rec.revision + 1
	m.records[key] = memoryRecord{value: append([]byte(nil), value...), revision: next}
	return next, nil
}
