package review

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

func newTestScope(t *testing.T) (*workflow.Scope, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore(generator.NewSnowflake(time.Now().Add(-1*time.Second), 1))
	container := workflow.NewContainer()
	container.Register(ServiceName, storage.ReviewStore(store))
	return workflow.NewScope(container), store
}

func validInput() CreateReviewInput {
	return CreateReviewInput{
		VariantSKU:   "SHIRT-S",
		ProductID:    "prod_shirt",
		Title:        "Great fit",
		Content:      "Wore it all week.",
		Rating:       5,
		CustomerName: "Sam",
		CustomerID:   "cus_1",
	}
}

func TestValidateCreateReview(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*CreateReviewInput)
		ok     bool
	}{
		{"valid", func(in *CreateReviewInput) {}, true},
		{"missing sku", func(in *CreateReviewInput) { in.VariantSKU = "" }, false},
		{"missing product", func(in *CreateReviewInput) { in.ProductID = "" }, false},
		{"missing title", func(in *CreateReviewInput) { in.Title = "" }, false},
		{"missing content", func(in *CreateReviewInput) { in.Content = "" }, false},
		{"rating too low", func(in *CreateReviewInput) { in.Rating = 0 }, false},
		{"rating too high", func(in *CreateReviewInput) { in.Rating = 5.5 }, false},
		{"rating lower bound", func(in *CreateReviewInput) { in.Rating = 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			err := ValidateCreateReview(in)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, workflow.IsKind(err, workflow.KindValidation))
			}
		})
	}
}

func TestCreateReview(t *testing.T) {
	ctx := context.Background()
	engine := workflow.NewEngine()

	t.Run("creates and returns the review", func(t *testing.T) {
		scope, store := newTestScope(t)

		created, err := Create(ctx, engine, scope, validInput())
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "prod_shirt", created.ProductID)
		assert.NotZero(t, created.CreatedAt)

		persisted, err := store.ListReviews(ctx, storage.ReviewFilter{})
		require.NoError(t, err)
		assert.Len(t, persisted, 1)
	})

	t.Run("skips moderation when no client is registered", func(t *testing.T) {
		scope, _ := newTestScope(t)
		_, err := Create(ctx, engine, scope, validInput())
		assert.NoError(t, err)
	})

	t.Run("validation failure runs no workflow", func(t *testing.T) {
		scope, store := newTestScope(t)
		in := validInput()
		in.Rating = 0

		_, err := Create(ctx, engine, scope, in)
		require.Error(t, err)
		assert.True(t, workflow.IsKind(err, workflow.KindValidation))

		persisted, err := store.ListReviews(ctx, storage.ReviewFilter{})
		require.NoError(t, err)
		assert.Empty(t, persisted)
	})
}

// failingReviewStore rejects every insert.
type failingReviewStore struct {
	storage.ReviewStore
}

func (s failingReviewStore) CreateReviews(ctx context.Context, reviews []types.Review) ([]types.Review, error) {
	return nil, errors.New("insert timeout")
}

func TestCreateReviewStoreFailure(t *testing.T) {
	ctx := context.Background()
	engine := workflow.NewEngine()
	scope, store := newTestScope(t)
	scope.Container.Register(ServiceName, storage.ReviewStore(failingReviewStore{store}))

	_, err := Create(ctx, engine, scope, validInput())
	require.Error(t, err)
	assert.True(t, workflow.IsKind(err, workflow.KindRemoteCall))

	// Nothing was persisted, and listing afterwards shows no review.
	persisted, listErr := store.ListReviews(ctx, storage.ReviewFilter{})
	require.NoError(t, listErr)
	assert.Empty(t, persisted)
}

func TestCreateReviewModeration(t *testing.T) {
	ctx := context.Background()
	engine := workflow.NewEngine()

	t.Run("accepted content is created", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		scope, store := newTestScope(t)
		scope.Container.Register(ModerationName, NewModerationClient(server.URL))

		_, err := Create(ctx, engine, scope, validInput())
		require.NoError(t, err)

		persisted, err := store.ListReviews(ctx, storage.ReviewFilter{})
		require.NoError(t, err)
		assert.Len(t, persisted, 1)
	})

	t.Run("rejected content creates nothing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		scope, store := newTestScope(t)
		scope.Container.Register(ModerationName, NewModerationClient(server.URL))

		_, err := Create(ctx, engine, scope, validInput())
		require.Error(t, err)
		assert.True(t, workflow.IsKind(err, workflow.KindRemoteCall))

		persisted, err := store.ListReviews(ctx, storage.ReviewFilter{})
		require.NoError(t, err)
		assert.Empty(t, persisted)
	})

	t.Run("unreachable provider creates nothing", func(t *testing.T) {
		scope, store := newTestScope(t)
		scope.Container.Register(ModerationName, NewModerationClient("http://127.0.0.1:1"))

		_, err := Create(ctx, engine, scope, validInput())
		require.Error(t, err)

		persisted, err := store.ListReviews(ctx, storage.ReviewFilter{})
		require.NoError(t, err)
		assert.Empty(t, persisted)
	})
}

func TestCreateReviewsBatch(t *testing.T) {
	ctx := context.Background()
	engine := workflow.NewEngine()
	scope, store := newTestScope(t)

	inputs := []CreateReviewInput{validInput(), validInput()}
	inputs[1].VariantSKU = "PANTS-M"
	inputs[1].ProductID = "prod_pants"

	resp, err := engine.Run(ctx, CreateReviewsWorkflow(), inputs, scope)
	require.NoError(t, err)

	created := resp.Result.([]types.Review)
	require.Len(t, created, 2)
	assert.NotEqual(t, created[0].ID, created[1].ID)

	persisted, err := store.ListReviews(ctx, storage.ReviewFilter{})
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}
