package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type memStore struct {
	mu    sync.Mutex
	items map[string]json.RawMessage
}

// NewMemory returns an in-memory Store used by tests and local runs.
// Transactions hold the store lock for their whole body, which gives the
// same single-writer guarantees the production store provides per
// transaction.
func NewMemory() Store {
	return &memStore{items: make(map[string]json.RawMessage)}
}

type memOps struct {
	items map[string]json.RawMessage
}

func (m *memOps) Get(_ context.Context, key *Key, dest any) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.Path())
	}

	data, ok := m.items[key.Path()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchEntity, key)
	}

	return json.Unmarshal(data, dest)
}

func (m *memOps) Put(_ context.Context, key *Key, doc any) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.Path())
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}

	m.items[key.Path()] = data

	return nil
}

func (m *memOps) Create(ctx context.Context, key *Key, doc any) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key.Path())
	}

	if _, ok := m.items[key.Path()]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}

	return m.Put(ctx, key, doc)
}

func (m *memOps) Delete(_ context.Context, key *Key) error {
	delete(m.items, key.Path())

	return nil
}

func (m *memOps) DeleteMulti(ctx context.Context, keys []*Key) error {
	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			return err
		}
	}

	return nil
}

func (m *memOps) Query(_ context.Context, kind string, ancestor *Key) ([]Record, error) {
	var paths []string

	prefix := ""
	if ancestor != nil {
		prefix = ancestor.Path() + "/"
	}

	for path := range m.items {
		key, err := ParseKey(path)
		if err != nil {
			continue
		}

		if key.Kind != kind {
			continue
		}

		if prefix != "" && !strings.HasPrefix(path, prefix) {
			continue
		}

		paths = append(paths, path)
	}

	sort.Strings(paths)

	ans := make([]Record, 0, len(paths))

	for _, path := range paths {
		key, _ := ParseKey(path)
		ans = append(ans, Record{Key: key, Data: m.items[path]})
	}

	return ans, nil
}

func (s *memStore) ops() *memOps {
	return &memOps{items: s.items}
}

func (s *memStore) Get(ctx context.Context, key *Key, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ops().Get(ctx, key, dest)
}

func (s *memStore) Put(ctx context.Context, key *Key, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ops().Put(ctx, key, doc)
}

func (s *memStore) Create(ctx context.Context, key *Key, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ops().Create(ctx, key, doc)
}

func (s *memStore) Delete(ctx context.Context, key *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ops().Delete(ctx, key)
}

func (s *memStore) DeleteMulti(ctx context.Context, keys []*Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ops().DeleteMulti(ctx, keys)
}

func (s *memStore) Query(ctx context.Context, kind string, ancestor *Key) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ops().Query(ctx, kind, ancestor)
}

func (s *memStore) RunInTransaction(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Buffer writes so a failing fn leaves the store untouched.
	staged := make(map[string]json.RawMessage, len(s.items))
	for k, v := range s.items {
		staged[k] = v
	}

	if err := fn(&memOps{items: staged}); err != nil {
		return err
	}

	s.items = staged

	return nil
}

func (s *memStore) Close() error {
	return nil
}
