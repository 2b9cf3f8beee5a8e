package devserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by stores for missing documents.
var ErrNotFound = errors.New("not found")

// Store persists drafts, temp files and requests.
type Store interface {
	PutDraft(ctx context.Context, d Draft) error
	GetDraft(ctx context.Context, id string) (Draft, error)
	DeleteDraft(ctx context.Context, id string) error

	PutTempFile(ctx context.Context, f TempFile) error
	GetTempFile(ctx context.Context, id string) (TempFile, error)
	GetTempFileByKey(ctx context.Context, key string) (TempFile, error)

	PutRequest(ctx context.Context, r Request) error
	// PutRequests writes every request or none of them.
	PutRequests(ctx context.Context, rs []Request) error
	GetRequest(ctx context.Context, id string) (Request, error)
	// ListRequests returns the user's requests created at or after since,
	// newest first.
	ListRequests(ctx context.Context, userID string, since time.Time) ([]Request, error)

	Close()
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	drafts   map[string]Draft
	files    map[string]TempFile
	requests map[string]Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts:   make(map[string]Draft),
		files:    make(map[string]TempFile),
		requests: make(map[string]Request),
	}
}

func (m *MemoryStore) PutDraft(_ context.Context, d Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drafts[d.ID] = cloneDraft(d)
	return nil
}

func (m *MemoryStore) GetDraft(_ context.Context, id string) (Draft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drafts[id]
	if !ok {
		return Draft{}, ErrNotFound
	}
	return cloneDraft(d), nil
}

func (m *MemoryStore) DeleteDraft(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drafts[id]; !ok {
		return ErrNotFound
	}
	delete(m.drafts, id)
	return nil
}

func (m *MemoryStore) PutTempFile(_ context.Context, f TempFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[f.ID] = f
	return nil
}

func (m *MemoryStore) GetTempFile(_ context.Context, id string) (TempFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return TempFile{}, ErrNotFound
	}
	return f, nil
}

func (m *MemoryStore) GetTempFileByKey(_ context.Context, key string) (TempFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.Key == key {
			return f, nil
		}
	}
	return TempFile{}, ErrNotFound
}

func (m *MemoryStore) PutRequest(_ context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) PutRequests(_ context.Context, rs []Request) error {
	for i, r := range rs {
		if r.ID == "" {
			return fmt.Errorf("request %d has no id", i)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rs {
		m.requests[r.ID] = r
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, userID string, since time.Time) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Request
	for _, r := range m.requests {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Close() {}

func cloneDraft(d Draft) Draft {
	out := d
	out.CaseInfos = append(out.CaseInfos[:0:0], d.CaseInfos...)
	return out
}
