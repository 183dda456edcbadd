package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/commerce-workflows/types"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(generator.NewSnowflake(time.Now().Add(-1*time.Second), 1))
}

func TestMemoryStoreReviews(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t.Run("CreateReviews assigns IDs and timestamps", func(t *testing.T) {
		created, err := store.CreateReviews(ctx, []types.Review{
			{VariantSKU: "SKU-1", ProductID: "prod_1", Title: "Good", Content: "Liked it", Rating: 4},
			{VariantSKU: "SKU-2", ProductID: "prod_2", Title: "Bad", Content: "Broke", Rating: 1},
		})
		require.NoError(t, err)
		require.Len(t, created, 2)
		for _, review := range created {
			assert.NotEmpty(t, review.ID)
			assert.NotZero(t, review.CreatedAt)
		}
		assert.NotEqual(t, created[0].ID, created[1].ID)
	})

	t.Run("ListReviews filters", func(t *testing.T) {
		bySKU, err := store.ListReviews(ctx, ReviewFilter{VariantSKUs: []string{"SKU-1"}})
		require.NoError(t, err)
		require.Len(t, bySKU, 1)
		assert.Equal(t, "prod_1", bySKU[0].ProductID)

		byProduct, err := store.ListReviews(ctx, ReviewFilter{ProductID: "prod_2"})
		require.NoError(t, err)
		require.Len(t, byProduct, 1)

		all, err := store.ListReviews(ctx, ReviewFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("DeleteReviews ignores missing IDs", func(t *testing.T) {
		all, err := store.ListReviews(ctx, ReviewFilter{})
		require.NoError(t, err)

		ids := []string{all[0].ID, "rev_does_not_exist"}
		require.NoError(t, store.DeleteReviews(ctx, ids))
		// Retrying the same delete must also succeed.
		require.NoError(t, store.DeleteReviews(ctx, ids))

		remaining, err := store.ListReviews(ctx, ReviewFilter{})
		require.NoError(t, err)
		assert.Len(t, remaining, 1)
	})

	t.Run("Canceled context", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.ListReviews(canceled, ReviewFilter{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestMemoryStoreRelatedProducts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateRelatedProduct(ctx, types.RelatedProduct{
		QueryProductID:      "prod_a",
		CandidateProductID:  "prod_b",
		CopurchaseFrequency: 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	t.Run("FindPair is directional", func(t *testing.T) {
		found, err := store.FindPair(ctx, "prod_a", "prod_b")
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)

		_, err = store.FindPair(ctx, "prod_b", "prod_a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("IncrementFrequency is atomic under concurrency", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.IncrementFrequency(ctx, created.ID, 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		rp, err := store.GetRelatedProduct(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(51), rp.CopurchaseFrequency)
	})

	t.Run("IncrementFrequency negative delta undoes", func(t *testing.T) {
		before, err := store.GetRelatedProduct(ctx, created.ID)
		require.NoError(t, err)
		value, err := store.IncrementFrequency(ctx, created.ID, -1)
		require.NoError(t, err)
		assert.Equal(t, before.CopurchaseFrequency-1, value)
	})

	t.Run("Update rewrites the record", func(t *testing.T) {
		rp, err := store.GetRelatedProduct(ctx, created.ID)
		require.NoError(t, err)
		rp.CopurchaseFrequency = 7
		updated, err := store.UpdateRelatedProduct(ctx, rp)
		require.NoError(t, err)
		assert.Equal(t, int64(7), updated.CopurchaseFrequency)
	})

	t.Run("Delete clears the pair index", func(t *testing.T) {
		require.NoError(t, store.DeleteRelatedProduct(ctx, created.ID))
		_, err := store.FindPair(ctx, "prod_a", "prod_b")
		assert.ErrorIs(t, err, ErrNotFound)
		// Deleting again is a no-op.
		require.NoError(t, store.DeleteRelatedProduct(ctx, created.ID))
	})

	t.Run("ListRelatedProducts by query product", func(t *testing.T) {
		_, err := store.CreateRelatedProduct(ctx, types.RelatedProduct{QueryProductID: "prod_x", CandidateProductID: "prod_y", CopurchaseFrequency: 1})
		require.NoError(t, err)
		_, err = store.CreateRelatedProduct(ctx, types.RelatedProduct{QueryProductID: "prod_x", CandidateProductID: "prod_z", CopurchaseFrequency: 1})
		require.NoError(t, err)

		listed, err := store.ListRelatedProducts(ctx, "prod_x")
		require.NoError(t, err)
		assert.Len(t, listed, 2)
	})
}

func TestMemoryStoreOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	order, err := store.SaveOrder(ctx, types.Order{
		Version: 1,
		Items:   []types.OrderItem{{ID: "item_1", Title: "Shirt", Quantity: 2}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, order.ID)

	got, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 1)

	// Saving with an existing ID overwrites.
	got.Version = 2
	saved, err := store.SaveOrder(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, order.ID, saved.ID)
	assert.Equal(t, 2, saved.Version)

	_, err = store.GetOrder(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ret, err := store.SaveReturn(ctx, types.Return{OrderID: "order_1", Status: types.ReturnStatusOpen})
	require.NoError(t, err)
	require.NotEmpty(t, ret.ID)

	ret.Status = types.ReturnStatusRequested
	saved, err := store.SaveReturn(ctx, ret)
	require.NoError(t, err)
	assert.Equal(t, ret.ID, saved.ID)

	got, err := store.GetReturn(ctx, ret.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReturnStatusRequested, got.Status)

	_, err = store.GetReturn(ctx, "ret_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnItems(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateReturnItems(ctx, []types.ReturnItem{
		{ReturnID: "ret_1", ItemID: "item_1", Quantity: 1},
		{ReturnID: "ret_1", ItemID: "item_2", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)

	listed, err := store.ListReturnItems(ctx, "ret_1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, store.DeleteReturnItems(ctx, []string{created[0].ID, created[1].ID}))
	listed, err = store.ListReturnItems(ctx, "ret_1")
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestMemoryStoreFulfillmentsAndLinks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	f, err := store.CreateFulfillment(ctx, types.Fulfillment{
		LocationID: "loc_1",
		ProviderID: "manual",
		Items:      []types.FulfillmentItem{{LineItemID: "item_1", SKU: "SKU-1", Quantity: 1}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, f.ID)

	require.NoError(t, store.CancelFulfillment(ctx, f.ID))
	canceled, err := store.GetFulfillment(ctx, f.ID)
	require.NoError(t, err)
	assert.NotZero(t, canceled.CanceledAt)

	err = store.CancelFulfillment(ctx, "ful_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	link, err := store.CreateLink(ctx, types.Link{ReturnID: "ret_1", FulfillmentID: f.ID})
	require.NoError(t, err)
	links, err := store.ListLinks(ctx, "ret_1")
	require.NoError(t, err)
	require.Len(t, links, 1)

	require.NoError(t, store.DeleteLink(ctx, link.ID))
	links, err = store.ListLinks(ctx, "ret_1")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestMemoryStorePaymentCollections(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.UpsertPaymentCollection(ctx, "order_1")
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	// Upsert is idempotent per order.
	second, err := store.UpsertPaymentCollection(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := store.UpsertPaymentCollection(ctx, "order_2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestMemoryStoreErrNotFoundWrapping(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetRelatedProduct(ctx, "repr_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}
