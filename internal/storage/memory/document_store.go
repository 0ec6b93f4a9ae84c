package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/media-validator/internal/validation"
)

// DocumentStore is an in-memory keyed-document collection with partial updates.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{collections: make(map[string]map[string]map[string]any)}
}

// Put inserts or replaces a document.
func (s *DocumentStore) Put(collection, id string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]map[string]any)
		s.collections[collection] = docs
	}
	docs[id] = deepCopyMap(data)
}

// Get returns a copy of a document.
func (s *DocumentStore) Get(collection, id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, false
	}
	return deepCopyMap(doc), true
}

// Count returns the number of documents in collection.
func (s *DocumentStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

// List returns up to limit documents starting at offset, ordered by ID.
func (s *DocumentStore) List(_ context.Context, collection string, offset, limit int) ([]validation.Document, error) {
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("list %s: %w: offset %d limit %d", collection, validation.ErrInvalidRequest, offset, limit)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.collections[collection]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return []validation.Document{}, nil
	}
	end := min(offset+limit, len(ids))
	out := make([]validation.Document, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, validation.Document{ID: id, Data: deepCopyMap(docs[id])})
	}
	return out, nil
}

// GetField reads the value at path.
func (s *DocumentStore) GetField(_ context.Context, ref validation.DocumentRef, path validation.FieldPath) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.collections[ref.Collection][ref.DocumentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", ref, validation.ErrNotFound)
	}
	v, ok := path.Get(doc)
	if !ok {
		return nil, fmt.Errorf("field %s of %s: %w", path, ref, validation.ErrNotFound)
	}
	return deepCopy(v), nil
}

// UpdateField sets path to value only while it still holds expected.
func (s *DocumentStore) UpdateField(
	_ context.Context,
	ref validation.DocumentRef,
	path validation.FieldPath,
	expected, value string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.collections[ref.Collection][ref.DocumentID]
	if !ok {
		return fmt.Errorf("document %s: %w", ref, validation.ErrNotFound)
	}
	current, ok := path.Get(doc)
	if !ok {
		return fmt.Errorf("field %s of %s: %w", path, ref, validation.ErrNotFound)
	}
	if cur, isString := current.(string); !isString || cur != expected {
		return fmt.Errorf("field %s of %s: %w", path, ref, validation.ErrPreconditionFailed)
	}
	if err := path.Set(doc, value); err != nil {
		return fmt.Errorf("set %s of %s: %w", path, ref, err)
	}
	return nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
