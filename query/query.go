// Package query is the remote query facility read-only workflow steps use
// to fetch entity state without knowing which module owns it. Callers treat
// it as a black box that may fail; a failed read surfaces as a forward
// failure of the calling step.
package query

import (
	"context"
	"fmt"
)

// ServiceName is the container key the query facility is registered under.
const ServiceName = "query"

// Pagination bounds a query result.
type Pagination struct {
	Skip int
	Take int
}

// Request describes one entity query. Filters are matched by the entity's
// registered source; Fields is advisory for remote backends.
type Request struct {
	Entity     string
	Fields     []string
	Filters    map[string]interface{}
	Pagination *Pagination
}

// Metadata describes the full result set a page was cut from.
type Metadata struct {
	Count int
	Skip  int
	Take  int
}

// Result is the outcome of a query.
type Result struct {
	Data     []interface{}
	Metadata Metadata
}

// Graph executes entity queries.
type Graph interface {
	Graph(ctx context.Context, req Request) (Result, error)
}

// NotFoundError is returned by One when a required record is missing.
type NotFoundError struct {
	Entity  string
	Filters map[string]interface{}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("query: no %s record matches %v", e.Entity, e.Filters)
}

// One runs a query expected to yield exactly one record of type T.
func One[T any](ctx context.Context, g Graph, req Request) (T, error) {
	var zero T
	result, err := g.Graph(ctx, req)
	if err != nil {
		return zero, err
	}
	if len(result.Data) == 0 {
		return zero, &NotFoundError{Entity: req.Entity, Filters: req.Filters}
	}
	record, ok := result.Data[0].(T)
	if !ok {
		return zero, fmt.Errorf("query: %s record is %T, not %T", req.Entity, result.Data[0], zero)
	}
	return record, nil
}

// All runs a query and asserts every record to type T.
func All[T any](ctx context.Context, g Graph, req Request) ([]T, error) {
	result, err := g.Graph(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(result.Data))
	for _, raw := range result.Data {
		record, ok := raw.(T)
		if !ok {
			return nil, fmt.Errorf("query: %s record is %T, not %T", req.Entity, raw, record)
		}
		out = append(out, record)
	}
	return out, nil
}
