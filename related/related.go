// Package related maintains directed co-purchase counters between
// products: created on first co-delivery, incremented on each subsequent
// one, and consumed by the recommendation engine.
package related

import (
	"context"

	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

// ServiceName is the container key for the RelatedProductStore.
const ServiceName = "related-product"

// CreateInput creates a co-purchase record for a directed pair.
type CreateInput struct {
	QueryProductID      string `json:"query_product_id"`
	CandidateProductID  string `json:"candidate_product_id"`
	CopurchaseFrequency int64  `json:"copurchase_frequency"`
}

// UpdateInput rewrites an existing co-purchase record.
type UpdateInput struct {
	ID                  string `json:"id"`
	CopurchaseFrequency int64  `json:"copurchase_frequency"`
}

// createRelatedProductStep creates one record; compensation deletes it.
func createRelatedProductStep() workflow.Step {
	return workflow.NewStep("create-related-product",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			in := input.(CreateInput)
			created, err := store.CreateRelatedProduct(ctx, types.RelatedProduct{
				QueryProductID:      in.QueryProductID,
				CandidateProductID:  in.CandidateProductID,
				CopurchaseFrequency: in.CopurchaseFrequency,
			})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "create related product")
			}
			return &workflow.StepResponse{Output: created, CompensateInput: created.ID}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			id, _ := input.(string)
			if id == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return err
			}
			return store.DeleteRelatedProduct(ctx, id)
		})
}

// createRelatedProductsStep creates a batch of records in one call;
// compensation deletes every created ID.
func createRelatedProductsStep() workflow.Step {
	return workflow.NewStep("create-related-products",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			inputs := input.([]CreateInput)
			records := make([]types.RelatedProduct, len(inputs))
			for i, in := range inputs {
				records[i] = types.RelatedProduct{
					QueryProductID:      in.QueryProductID,
					CandidateProductID:  in.CandidateProductID,
					CopurchaseFrequency: in.CopurchaseFrequency,
				}
			}
			created, err := store.CreateRelatedProducts(ctx, records)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "create related products")
			}
			ids := make([]string, len(created))
			for i, rp := range created {
				ids[i] = rp.ID
			}
			return &workflow.StepResponse{Output: created, CompensateInput: ids}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			ids, _ := input.([]string)
			if len(ids) == 0 {
				return nil
			}
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return err
			}
			for _, id := range ids {
				if err := store.DeleteRelatedProduct(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
}

// updateRelatedProductStep reads the current record, writes the new state,
// and hands the prior state back as compensation input so a failure later
// in the workflow restores exactly what was there before.
func updateRelatedProductStep() workflow.Step {
	return workflow.NewStep("update-related-product",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			in := input.(UpdateInput)

			before, err := store.GetRelatedProduct(ctx, in.ID)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNotFound, err, "related product %s", in.ID)
			}

			next := before
			next.CopurchaseFrequency = in.CopurchaseFrequency
			updated, err := store.UpdateRelatedProduct(ctx, next)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "update related product %s", in.ID)
			}
			return &workflow.StepResponse{Output: updated, CompensateInput: before}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			before, ok := input.(types.RelatedProduct)
			if !ok || before.ID == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return err
			}
			_, err = store.UpdateRelatedProduct(ctx, before)
			return err
		})
}

// incrementCopurchaseStep bumps the counter atomically at the storage
// layer; compensation decrements by the same delta. This variant removes
// the read-then-write race of update-related-product under concurrent
// deliveries touching the same pair.
func incrementCopurchaseStep() workflow.Step {
	return workflow.NewStep("increment-copurchase",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			id := input.(string)
			value, err := store.IncrementFrequency(ctx, id, 1)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "increment copurchase %s", id)
			}
			return &workflow.StepResponse{Output: value, CompensateInput: id}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			id, _ := input.(string)
			if id == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.RelatedProductStore](scope.Container, ServiceName)
			if err != nil {
				return err
			}
			_, err = store.IncrementFrequency(ctx, id, -1)
			return err
		})
}

// CreateRelatedProductWorkflow creates a co-purchase record.
func CreateRelatedProductWorkflow() *workflow.Definition {
	return workflow.NewDefinition("create-related-product-workflow").
		Then(createRelatedProductStep(), nil).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("create-related-product")
		})
}

// CreateRelatedProductsWorkflow creates a batch of co-purchase records as
// one atomic step.
func CreateRelatedProductsWorkflow() *workflow.Definition {
	return workflow.NewDefinition("create-related-products-workflow").
		Then(createRelatedProductsStep(), nil).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("create-related-products")
		})
}

// UpdateRelatedProductWorkflow rewrites a co-purchase record with
// restore-prior-state compensation.
func UpdateRelatedProductWorkflow() *workflow.Definition {
	return workflow.NewDefinition("update-related-product-workflow").
		Then(updateRelatedProductStep(), nil).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("update-related-product")
		})
}

// IncrementCopurchaseWorkflow bumps a counter atomically.
func IncrementCopurchaseWorkflow() *workflow.Definition {
	return workflow.NewDefinition("increment-copurchase-workflow").
		Then(incrementCopurchaseStep(), nil).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("increment-copurchase")
		})
}
