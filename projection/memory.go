package projection

import (
	"context"
	"sort"
	"sync"
)

// MemoryIndex is an in-process Index for tests and local runs.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

func docKey(kind, id string) string { return kind + "|" + id }

// Get returns the indexed document or nil.
func (m *MemoryIndex) Get(ctx context.Context, kind, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[docKey(kind, id)]
	if !ok {
		return nil, nil
	}
	doc.State = doc.State.Clone()
	return &doc, nil
}

// Upsert replaces the stored document.
func (m *MemoryIndex) Upsert(ctx context.Context, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc.State = doc.State.Clone()
	m.docs[docKey(doc.Kind, doc.ID)] = doc
	return nil
}

// List returns matching documents of a kind ordered by id.
func (m *MemoryIndex) List(ctx context.Context, kind, query string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Document{}
	for _, doc := range m.docs {
		if doc.Kind != kind {
			continue
		}
		if !matches(doc, query) {
			continue
		}
		doc.State = doc.State.Clone()
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
