package related

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

func batchInputs() []CreateInput {
	return []CreateInput{
		{QueryProductID: "prod_a", CandidateProductID: "prod_b", CopurchaseFrequency: 1},
		{QueryProductID: "prod_b", CandidateProductID: "prod_a", CopurchaseFrequency: 1},
		{QueryProductID: "prod_a", CandidateProductID: "prod_c", CopurchaseFrequency: 2},
	}
}

func TestCreateRelatedProductsBatch(t *testing.T) {
	ctx := context.Background()
	upserter, store, _ := newTestUpserter(t)

	resp, err := upserter.Engine.Run(ctx, CreateRelatedProductsWorkflow(), batchInputs(), upserter.Scope)
	require.NoError(t, err)

	created := resp.Result.([]types.RelatedProduct)
	require.Len(t, created, 3)
	assert.NotEqual(t, created[0].ID, created[1].ID)

	// Every record is findable through its pair index.
	rp, err := store.FindPair(ctx, "prod_a", "prod_c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rp.CopurchaseFrequency)
}

func TestCreateRelatedProductsBatchUnwind(t *testing.T) {
	ctx := context.Background()
	upserter, store, _ := newTestUpserter(t)

	// A failure after the batch lands must delete every created record.
	def := workflow.NewDefinition("create-batch-then-fail").
		Then(createRelatedProductsStep(), nil).
		Then(workflow.NewReadStep("fail", func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			return nil, workflow.NewError(workflow.KindRemoteCall, "downstream unavailable")
		}), nil)

	_, err := upserter.Engine.Run(ctx, def, batchInputs(), upserter.Scope)
	require.Error(t, err)

	for _, pair := range [][2]string{{"prod_a", "prod_b"}, {"prod_b", "prod_a"}, {"prod_a", "prod_c"}} {
		_, err := store.FindPair(ctx, pair[0], pair[1])
		assert.ErrorIs(t, err, storage.ErrNotFound, "pair %s->%s", pair[0], pair[1])
	}
}
