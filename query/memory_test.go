package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type variant struct {
	ID        string
	SKU       string
	ProductID string
}

func seededGraph() *Memory {
	m := NewMemory()
	Seed(m, "product_variants", []variant{
		{ID: "var_1", SKU: "SHIRT-S", ProductID: "prod_shirt"},
		{ID: "var_2", SKU: "PANTS-M", ProductID: "prod_pants"},
		{ID: "var_3", SKU: "SHIRT-L", ProductID: "prod_shirt"},
	}, func(v variant) map[string]interface{} {
		return map[string]interface{}{"id": v.ID, "sku": v.SKU, "product_id": v.ProductID}
	})
	return m
}

func TestMemoryGraphFilters(t *testing.T) {
	ctx := context.Background()
	m := seededGraph()

	t.Run("Equality filter", func(t *testing.T) {
		result, err := m.Graph(ctx, Request{
			Entity:  "product_variants",
			Filters: map[string]interface{}{"id": "var_2"},
		})
		require.NoError(t, err)
		require.Len(t, result.Data, 1)
		assert.Equal(t, "prod_pants", result.Data[0].(variant).ProductID)
	})

	t.Run("Slice filter matches any value", func(t *testing.T) {
		result, err := m.Graph(ctx, Request{
			Entity:  "product_variants",
			Filters: map[string]interface{}{"sku": []string{"SHIRT-S", "PANTS-M"}},
		})
		require.NoError(t, err)
		assert.Len(t, result.Data, 2)
	})

	t.Run("No filters returns everything", func(t *testing.T) {
		result, err := m.Graph(ctx, Request{Entity: "product_variants"})
		require.NoError(t, err)
		assert.Len(t, result.Data, 3)
		assert.Equal(t, 3, result.Metadata.Count)
	})

	t.Run("Unknown entity", func(t *testing.T) {
		_, err := m.Graph(ctx, Request{Entity: "unknown"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no source registered")
	})
}

func TestMemoryGraphPagination(t *testing.T) {
	ctx := context.Background()
	m := seededGraph()

	result, err := m.Graph(ctx, Request{
		Entity:     "product_variants",
		Pagination: &Pagination{Skip: 1, Take: 1},
	})
	require.NoError(t, err)
	assert.Len(t, result.Data, 1)
	assert.Equal(t, 3, result.Metadata.Count)
	assert.Equal(t, 1, result.Metadata.Skip)
	assert.Equal(t, 1, result.Metadata.Take)

	// Skipping past the end yields an empty page, not an error.
	result, err = m.Graph(ctx, Request{
		Entity:     "product_variants",
		Pagination: &Pagination{Skip: 10, Take: 5},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Data)
	assert.Equal(t, 3, result.Metadata.Count)
}

func TestOne(t *testing.T) {
	ctx := context.Background()
	m := seededGraph()

	got, err := One[variant](ctx, m, Request{
		Entity:  "product_variants",
		Filters: map[string]interface{}{"id": "var_1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "prod_shirt", got.ProductID)

	_, err = One[variant](ctx, m, Request{
		Entity:  "product_variants",
		Filters: map[string]interface{}{"id": "var_missing"},
	})
	require.Error(t, err)
	var nfe *NotFoundError
	assert.True(t, errors.As(err, &nfe))
	assert.Equal(t, "product_variants", nfe.Entity)
}

func TestAll(t *testing.T) {
	ctx := context.Background()
	m := seededGraph()

	got, err := All[variant](ctx, m, Request{
		Entity:  "product_variants",
		Filters: map[string]interface{}{"product_id": "prod_shirt"},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Wrong type assertion is an error, not a panic.
	_, err = All[int](ctx, m, Request{Entity: "product_variants"})
	require.Error(t, err)
}

func TestMemoryGraphSourceError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Register("broken", func(ctx context.Context, filters map[string]interface{}) ([]interface{}, error) {
		return nil, errors.New("backend down")
	})

	_, err := m.Graph(ctx, Request{Entity: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
}

func TestMemoryGraphCanceledContext(t *testing.T) {
	m := seededGraph()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Graph(ctx, Request{Entity: "product_variants"})
	assert.ErrorIs(t, err, context.Canceled)
}
