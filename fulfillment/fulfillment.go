// Package fulfillment holds the return-fulfillment creation workflow,
// composed as a sub-workflow step by the return confirmation flow.
package fulfillment

import (
	"context"

	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

// ServiceName is the container key for the FulfillmentStore.
const ServiceName = "fulfillment"

// CreateReturnFulfillmentInput describes the inbound shipment to create.
type CreateReturnFulfillmentInput struct {
	LocationID       string                  `json:"location_id"`
	ProviderID       string                  `json:"provider_id"`
	ShippingOptionID string                  `json:"shipping_option_id"`
	OrderID          string                  `json:"order_id"`
	Items            []types.FulfillmentItem `json:"items"`
	DeliveryAddress  map[string]interface{}  `json:"delivery_address"`
}

// createReturnFulfillmentStep creates the fulfillment record; compensation
// cancels it.
func createReturnFulfillmentStep() workflow.Step {
	return workflow.NewStep("create-return-fulfillment-record",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.FulfillmentStore](scope.Container, ServiceName)
			if err != nil {
				return nil, err
			}
			in := input.(CreateReturnFulfillmentInput)
			created, err := store.CreateFulfillment(ctx, types.Fulfillment{
				LocationID:       in.LocationID,
				ProviderID:       in.ProviderID,
				ShippingOptionID: in.ShippingOptionID,
				OrderID:          in.OrderID,
				Items:            in.Items,
				DeliveryAddress:  in.DeliveryAddress,
			})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "create return fulfillment")
			}
			return &workflow.StepResponse{Output: created, CompensateInput: created.ID}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			id, _ := input.(string)
			if id == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.FulfillmentStore](scope.Container, ServiceName)
			if err != nil {
				return err
			}
			return store.CancelFulfillment(ctx, id)
		})
}

// CreateReturnFulfillmentWorkflow creates an inbound return shipment.
func CreateReturnFulfillmentWorkflow() *workflow.Definition {
	return workflow.NewDefinition("create-return-fulfillment-workflow").
		Then(createReturnFulfillmentStep(), nil).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("create-return-fulfillment-record")
		})
}
