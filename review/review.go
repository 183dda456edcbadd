// Package review holds the review creation workflows: a moderation check
// against an external provider followed by a compensable create.
package review

import (
	"context"

	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

// Container keys the review steps resolve.
const (
	ServiceName    = "review"
	ModerationName = "moderation"
)

// CreateReviewInput is the caller-provided review payload.
type CreateReviewInput struct {
	VariantSKU   string  `json:"variant_sku"`
	ProductID    string  `json:"product_id"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Rating       float64 `json:"rating"`
	CustomerName string  `json:"customer_name"`
	CustomerID   string  `json:"customer_id"`
}

// ValidateCreateReview checks the payload before any workflow runs.
func ValidateCreateReview(in CreateReviewInput) error {
	if in.VariantSKU == "" || in.ProductID == "" || in.Title == "" || in.Content == "" {
		return workflow.NewError(workflow.KindValidation, "variant_sku, product_id, title and content are required")
	}
	if in.Rating < 1 || in.Rating > 5 {
		return workflow.NewError(workflow.KindValidation, "rating must be between 1 and 5, got %v", in.Rating)
	}
	return nil
}

func (in CreateReviewInput) record() types.Review {
	return types.Review{
		VariantSKU:   in.VariantSKU,
		ProductID:    in.ProductID,
		Title:        in.Title,
		Content:      in.Content,
		Rating:       in.Rating,
		CustomerName: in.CustomerName,
		CustomerID:   in.CustomerID,
	}
}

// moderateReviewStep checks the review content against the moderation
// provider when one is registered. Read-only, nothing to undo.
func moderateReviewStep() workflow.Step {
	return workflow.NewReadStep("moderate-review",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			if !scope.Container.Has(ModerationName) {
				return nil, nil
			}
			client, err := workflow.Resolve[*ModerationClient](scope.Container, ModerationName)
			if err != nil {
				return nil, err
			}
			in := input.(CreateReviewInput)
			if err := client.Check(ctx, in.Content); err != nil {
				return nil, err
			}
			return nil, nil
		})
}

// createReviewStep creates one review; compensation deletes it by ID.
func createReviewStep() workflow.Step {
	return workflow.NewStep("create-review",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.ReviewStore](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			in := input.(CreateReviewInput)
			created, err := store.CreateReviews(ctx, []types.Review{in.record()})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "create review")
			}
			return &workflow.StepResponse{Output: created[0], CompensateInput: created[0].ID}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			id, _ := input.(string)
			if id == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.ReviewStore](scope.Container, ServiceName)
			if err != nil {
				return err
			}
			return store.DeleteReviews(ctx, []string{id})
		})
}

// createReviewsStep creates a batch of reviews in one call; compensation
// deletes every created ID.
func createReviewsStep() workflow.Step {
	return workflow.NewStep("create-reviews",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.ReviewStore](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			inputs := input.([]CreateReviewInput)
			records := make([]types.Review, len(inputs))
			for i, in := range inputs {
				records[i] = in.record()
			}
			created, err := store.CreateReviews(ctx, records)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "create reviews")
			}
			ids := make([]string, len(created))
			for i, review := range created {
				ids[i] = review.ID
			}
			return &workflow.StepResponse{Output: created, CompensateInput: ids}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			ids, _ := input.([]string)
			if len(ids) == 0 {
				return nil
			}
			store, err := workflow.Resolve[storage.ReviewStore](scope.Container, ServiceName)
			if err != nil {
				return err
			}
			return store.DeleteReviews(ctx, ids)
		})
}

// CreateReviewWorkflow creates a single review.
func CreateReviewWorkflow() *workflow.Definition {
	return workflow.NewDefinition("create-review-workflow").
		Then(moderateReviewStep(), nil).
		Then(createReviewStep(), nil).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("create-review")
		})
}

// CreateReviewsWorkflow creates a batch of reviews as one atomic step.
func CreateReviewsWorkflow() *workflow.Definition {
	return workflow.NewDefinition("create-reviews-workflow").
		Then(createReviewsStep(), nil).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("create-reviews")
		})
}

// Create validates the input and runs the create-review workflow.
func Create(ctx context.Context, engine *workflow.Engine, scope *workflow.Scope, in CreateReviewInput) (types.Review, error) {
	if err := ValidateCreateReview(in); err != nil {
		return types.Review{}, err
	}
	resp, err := engine.Run(ctx, CreateReviewWorkflow(), in, scope)
	if err != nil {
		return types.Review{}, err
	}
	return resp.Result.(types.Review), nil
}
