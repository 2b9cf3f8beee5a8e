package storage

import (
	"context"
	"sync"
)

// MemoryUploader keeps objects in process memory.
type MemoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int

	// FailFn, when set, is consulted before each put.
	FailFn func(obj Object) error
}

func NewMemoryUploader() *MemoryUploader {
	return &MemoryUploader{objects: make(map[string][]byte)}
}

func (m *MemoryUploader) Name() string {
	return "memory"
}

func (m *MemoryUploader) Put(_ context.Context, obj Object) (Stored, error) {
	if m.FailFn != nil {
		if err := m.FailFn(obj); err != nil {
			return Stored{}, err
		}
	}
	id := newObjectID()
	key := KeyFor("", obj.DraftID, id, obj.Name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), obj.Data...)
	m.puts++
	return Stored{StorageKey: key, Backend: m.Name()}, nil
}

// Object returns a stored object's bytes.
func (m *MemoryUploader) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return append([]byte(nil), b...), ok
}

// Puts reports how many objects were stored.
func (m *MemoryUploader) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
