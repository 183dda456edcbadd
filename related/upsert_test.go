package related

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/commerce-workflows/events"
	"github.com/commercekit/commerce-workflows/query"
	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

func newTestUpserter(t *testing.T) (*Upserter, *storage.MemoryStore, *query.Memory) {
	t.Helper()
	store := storage.NewMemoryStore(generator.NewSnowflake(time.Now().Add(-1*time.Second), 1))
	graph := query.NewMemory()

	container := workflow.NewContainer()
	container.Register(ServiceName, storage.RelatedProductStore(store))
	container.Register(query.ServiceName, query.Graph(graph))

	engine := workflow.NewEngine()
	return NewUpserter(engine, workflow.NewScope(container)), store, graph
}

func TestUpsertPair(t *testing.T) {
	ctx := context.Background()
	upserter, store, _ := newTestUpserter(t)

	t.Run("first observation creates with frequency 1", func(t *testing.T) {
		require.NoError(t, upserter.UpsertPair(ctx, "prod_a", "prod_b"))

		created, err := store.FindPair(ctx, "prod_a", "prod_b")
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.CopurchaseFrequency)

		// The reverse direction is a separate record.
		_, err = store.FindPair(ctx, "prod_b", "prod_a")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("subsequent observations increment", func(t *testing.T) {
		require.NoError(t, upserter.UpsertPair(ctx, "prod_a", "prod_b"))
		require.NoError(t, upserter.UpsertPair(ctx, "prod_a", "prod_b"))

		rp, err := store.FindPair(ctx, "prod_a", "prod_b")
		require.NoError(t, err)
		assert.Equal(t, int64(3), rp.CopurchaseFrequency)
	})
}

func TestUpsertPairAtomicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	upserter, store, _ := newTestUpserter(t)
	upserter.Atomic = true

	// Seed the record so every concurrent upsert takes the increment path.
	require.NoError(t, upserter.UpsertPair(ctx, "prod_x", "prod_y"))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, upserter.UpsertPair(ctx, "prod_x", "prod_y"))
		}()
	}
	wg.Wait()

	rp, err := store.FindPair(ctx, "prod_x", "prod_y")
	require.NoError(t, err)
	assert.Equal(t, int64(31), rp.CopurchaseFrequency)
}

func TestUpsertAll(t *testing.T) {
	ctx := context.Background()
	upserter, store, _ := newTestUpserter(t)

	upserter.UpsertAll(ctx, []string{"prod_1", "prod_2", "prod_3"})

	// Both directions of each unordered pair: 3 pairs, 6 records.
	for _, pair := range [][2]string{
		{"prod_1", "prod_2"}, {"prod_2", "prod_1"},
		{"prod_1", "prod_3"}, {"prod_3", "prod_1"},
		{"prod_2", "prod_3"}, {"prod_3", "prod_2"},
	} {
		rp, err := store.FindPair(ctx, pair[0], pair[1])
		require.NoError(t, err, "pair %s->%s", pair[0], pair[1])
		assert.Equal(t, int64(1), rp.CopurchaseFrequency)
	}

	// A product is never paired with itself.
	_, err := store.FindPair(ctx, "prod_1", "prod_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func seedDelivery(t *testing.T, ctx context.Context, store *storage.MemoryStore, graph *query.Memory, skus []string, variants []types.ProductVariant) string {
	t.Helper()
	items := make([]types.FulfillmentItem, len(skus))
	for i, sku := range skus {
		items[i] = types.FulfillmentItem{LineItemID: "item", SKU: sku, Quantity: 1}
	}
	delivered, err := store.CreateFulfillment(ctx, types.Fulfillment{LocationID: "loc_1", ProviderID: "manual", Items: items})
	require.NoError(t, err)

	graph.Register("fulfillments", func(ctx context.Context, filters map[string]interface{}) ([]interface{}, error) {
		id, _ := filters["id"].(string)
		f, err := store.GetFulfillment(ctx, id)
		if err != nil {
			return nil, err
		}
		return []interface{}{f}, nil
	})
	query.Seed(graph, "product_variants", variants, func(v types.ProductVariant) map[string]interface{} {
		return map[string]interface{}{"id": v.ID, "sku": v.SKU}
	})
	return delivered.ID
}

func TestHandleDeliveryCreated(t *testing.T) {
	ctx := context.Background()

	t.Run("two products update both directions", func(t *testing.T) {
		upserter, store, graph := newTestUpserter(t)
		fulfillmentID := seedDelivery(t, ctx, store, graph,
			[]string{"SHIRT-S", "PANTS-M"},
			[]types.ProductVariant{
				{ID: "var_1", SKU: "SHIRT-S", ProductID: "prod_shirt"},
				{ID: "var_2", SKU: "PANTS-M", ProductID: "prod_pants"},
			})

		err := upserter.HandleDeliveryCreated(ctx, events.Event{
			Name:    EventDeliveryCreated,
			Payload: map[string]interface{}{"id": fulfillmentID},
		})
		require.NoError(t, err)

		forward, err := store.FindPair(ctx, "prod_shirt", "prod_pants")
		require.NoError(t, err)
		assert.Equal(t, int64(1), forward.CopurchaseFrequency)
		backward, err := store.FindPair(ctx, "prod_pants", "prod_shirt")
		require.NoError(t, err)
		assert.Equal(t, int64(1), backward.CopurchaseFrequency)
	})

	t.Run("single product delivery is skipped", func(t *testing.T) {
		upserter, store, graph := newTestUpserter(t)
		fulfillmentID := seedDelivery(t, ctx, store, graph,
			[]string{"SHIRT-S", "SHIRT-L"},
			[]types.ProductVariant{
				{ID: "var_1", SKU: "SHIRT-S", ProductID: "prod_shirt"},
				{ID: "var_3", SKU: "SHIRT-L", ProductID: "prod_shirt"},
			})

		err := upserter.HandleDeliveryCreated(ctx, events.Event{
			Name:    EventDeliveryCreated,
			Payload: map[string]interface{}{"id": fulfillmentID},
		})
		require.NoError(t, err)

		records, err := store.ListRelatedProducts(ctx, "prod_shirt")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("missing fulfillment id", func(t *testing.T) {
		upserter, _, _ := newTestUpserter(t)
		err := upserter.HandleDeliveryCreated(ctx, events.Event{Name: EventDeliveryCreated, Payload: map[string]interface{}{}})
		require.Error(t, err)
		assert.True(t, workflow.IsKind(err, workflow.KindValidation))
	})
}

func TestSubscribeDeliveryCreated(t *testing.T) {
	ctx := context.Background()
	upserter, store, graph := newTestUpserter(t)
	fulfillmentID := seedDelivery(t, ctx, store, graph,
		[]string{"SHIRT-S", "PANTS-M"},
		[]types.ProductVariant{
			{ID: "var_1", SKU: "SHIRT-S", ProductID: "prod_shirt"},
			{ID: "var_2", SKU: "PANTS-M", ProductID: "prod_pants"},
		})

	bus := events.NewEventBus()
	defer bus.Stop()
	upserter.Subscribe(bus)

	require.NoError(t, bus.Publish(ctx, events.Event{
		Name:    EventDeliveryCreated,
		Payload: map[string]interface{}{"id": fulfillmentID},
	}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.FindPair(ctx, "prod_shirt", "prod_pants"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("copurchase record was not created from the delivery event")
}

func TestUpdateRelatedProductCompensationRestoresPriorState(t *testing.T) {
	ctx := context.Background()
	upserter, store, _ := newTestUpserter(t)
	require.NoError(t, upserter.UpsertPair(ctx, "prod_a", "prod_b"))
	existing, err := store.FindPair(ctx, "prod_a", "prod_b")
	require.NoError(t, err)

	// A workflow that updates the counter and then fails must leave the
	// counter exactly as it was.
	def := workflow.NewDefinition("update-then-fail").
		Then(updateRelatedProductStep(), nil).
		Then(workflow.NewReadStep("fail", func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			return nil, workflow.NewError(workflow.KindRemoteCall, "downstream unavailable")
		}), nil)

	_, err = upserter.Engine.Run(ctx, def, UpdateInput{ID: existing.ID, CopurchaseFrequency: 99}, upserter.Scope)
	require.Error(t, err)

	after, err := store.GetRelatedProduct(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, existing.CopurchaseFrequency, after.CopurchaseFrequency)
}

func TestTrainRecommendationModels(t *testing.T) {
	ctx := context.Background()
	engine := workflow.NewEngine()

	t.Run("calls the training endpoint", func(t *testing.T) {
		var calledPath string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calledPath = r.URL.Path
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		container := workflow.NewContainer()
		container.Register(RecommendationName, NewRecommendationClient(server.URL))

		_, err := engine.Run(ctx, TrainRecommendationModelsWorkflow(), nil, workflow.NewScope(container))
		require.NoError(t, err)
		assert.Equal(t, "/train-recommendation-models", calledPath)
	})

	t.Run("non-2xx is a remote call failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		container := workflow.NewContainer()
		container.Register(RecommendationName, NewRecommendationClient(server.URL))

		_, err := engine.Run(ctx, TrainRecommendationModelsWorkflow(), nil, workflow.NewScope(container))
		require.Error(t, err)
		assert.True(t, workflow.IsKind(err, workflow.KindRemoteCall))
	})
}
