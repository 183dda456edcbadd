package query

import (
	"context"
	"fmt"
	"sync"
)

// SourceFunc produces the records of one entity matching the given
// filters. Sources typically close over a store or a static dataset.
type SourceFunc func(ctx context.Context, filters map[string]interface{}) ([]interface{}, error)

// Memory is a Graph over per-entity sources registered in-process. It
// handles pagination and leaves filter semantics to each source.
type Memory struct {
	mu      sync.RWMutex
	sources map[string]SourceFunc
}

// NewMemory creates an empty Memory graph.
func NewMemory() *Memory {
	return &Memory{sources: make(map[string]SourceFunc)}
}

// Register binds the source for an entity, replacing any previous one.
func (m *Memory) Register(entity string, source SourceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[entity] = source
}

// Seed registers a static dataset for an entity, filtered by equality on
// the record maps returned by keyFn.
func Seed[T any](m *Memory, entity string, records []T, keyFn func(record T) map[string]interface{}) {
	m.Register(entity, func(ctx context.Context, filters map[string]interface{}) ([]interface{}, error) {
		var out []interface{}
		for _, record := range records {
			keys := keyFn(record)
			if matchesFilters(keys, filters) {
				out = append(out, record)
			}
		}
		return out, nil
	})
}

func matchesFilters(keys, filters map[string]interface{}) bool {
	for name, want := range filters {
		got, ok := keys[name]
		if !ok {
			return false
		}
		// A slice filter matches any of its values.
		if values, isSlice := want.([]string); isSlice {
			str, _ := got.(string)
			found := false
			for _, v := range values {
				if v == str {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

// Graph executes a query against the registered source for req.Entity.
func (m *Memory) Graph(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	m.mu.RLock()
	source, ok := m.sources[req.Entity]
	m.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("query: no source registered for entity %q", req.Entity)
	}

	records, err := source(ctx, req.Filters)
	if err != nil {
		return Result{}, fmt.Errorf("query %s: %w", req.Entity, err)
	}

	metadata := Metadata{Count: len(records)}
	if p := req.Pagination; p != nil {
		metadata.Skip = p.Skip
		metadata.Take = p.Take
		if p.Skip >= len(records) {
			records = nil
		} else {
			records = records[p.Skip:]
		}
		if p.Take > 0 && p.Take < len(records) {
			records = records[:p.Take]
		}
	}

	return Result{Data: records, Metadata: metadata}, nil
}
