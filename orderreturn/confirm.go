// Package orderreturn holds the return-request confirmation workflow: the
// widest composition in the codebase, covering remote reads, a validation
// gate, a conditional fulfillment sub-workflow, a parallel commit stage,
// and a detached payment-collection follow-up.
package orderreturn

import (
	"context"
	"time"

	"github.com/commercekit/commerce-workflows/events"
	"github.com/commercekit/commerce-workflows/fulfillment"
	"github.com/commercekit/commerce-workflows/query"
	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

// Container keys the return steps resolve.
const (
	ReturnServiceName     = "return"
	OrderChangeName       = "order-change"
	ReturnItemName        = "return-item"
	LinkName              = "link"
	PaymentCollectionName = "payment-collection"
)

// EventReturnRequested is emitted once a return request is confirmed.
const EventReturnRequested = "order.return_requested"

// ConfirmReturnRequestInput identifies the return to confirm.
type ConfirmReturnRequestInput struct {
	ReturnID    string `json:"return_id"`
	ConfirmedBy string `json:"confirmed_by,omitempty"`
}

func queryReturnStep() workflow.Step {
	return workflow.NewReadStep("return-query",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			graph, err := workflow.Resolve[query.Graph](scope.Container, query.ServiceName)
			if err != nil {
				return nil, err
			}
			in := input.(ConfirmReturnRequestInput)
			ret, err := query.One[types.Return](ctx, graph, query.Request{
				Entity:  "returns",
				Fields:  []string{"id", "status", "order_id", "location_id", "canceled_at"},
				Filters: map[string]interface{}{"id": in.ReturnID},
			})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNotFound, err, "return %s", in.ReturnID)
			}
			return &workflow.StepResponse{Output: ret}, nil
		})
}

func queryOrderStep() workflow.Step {
	return workflow.NewReadStep("order-query",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			graph, err := workflow.Resolve[query.Graph](scope.Container, query.ServiceName)
			if err != nil {
				return nil, err
			}
			orderID := input.(string)
			order, err := query.One[types.Order](ctx, graph, query.Request{
				Entity:  "orders",
				Fields:  []string{"id", "version", "canceled_at", "items"},
				Filters: map[string]interface{}{"id": orderID},
			})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNotFound, err, "order %s", orderID)
			}
			return &workflow.StepResponse{Output: order}, nil
		})
}

func queryOrderChangeStep() workflow.Step {
	return workflow.NewReadStep("order-change-query",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			graph, err := workflow.Resolve[query.Graph](scope.Container, query.ServiceName)
			if err != nil {
				return nil, err
			}
			ret := input.(types.Return)
			change, err := query.One[types.OrderChange](ctx, graph, query.Request{
				Entity: "order_changes",
				Fields: []string{"id", "status", "actions"},
				Filters: map[string]interface{}{
					"order_id":  ret.OrderID,
					"return_id": ret.ID,
					"status":    []string{types.OrderChangeStatusPending, types.OrderChangeStatusRequested},
				},
			})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNotFound, err, "active order change for return %s", ret.ID)
			}
			return &workflow.StepResponse{Output: change}, nil
		})
}

// validateConfirmReturnRequestStep rejects the run before any side effect
// when the order or return is canceled or the change is no longer active.
func validateConfirmReturnRequestStep() workflow.Step {
	return workflow.NewReadStep("validate-confirm-return-request",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			r := input.(*workflow.Run)
			order := r.Output("order-query").(types.Order)
			ret := r.Output("return-query").(types.Return)
			change := r.Output("order-change-query").(types.OrderChange)

			if order.CanceledAt != 0 {
				return nil, workflow.NewError(workflow.KindConflict, "order %s is canceled", order.ID)
			}
			if ret.CanceledAt != 0 {
				return nil, workflow.NewError(workflow.KindConflict, "return %s is canceled", ret.ID)
			}
			if change.Status != types.OrderChangeStatusPending && change.Status != types.OrderChangeStatusRequested {
				return nil, workflow.NewError(workflow.KindConflict,
					"order change %s is in status %q, expected %q or %q",
					change.ID, change.Status, types.OrderChangeStatusPending, types.OrderChangeStatusRequested)
			}
			return nil, nil
		})
}

type createReturnItemsInput struct {
	ReturnID string
	Actions  []types.OrderChangeAction
}

// createReturnItemsStep materializes return line items from the pending
// RETURN_ITEM actions; compensation deletes them.
func createReturnItemsStep() workflow.Step {
	return workflow.NewStep("create-return-items",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.ReturnItemStore](scope.Container, ReturnItemName)
			if err != nil {
				return nil, err
			}
			in := input.(createReturnItemsInput)
			items := make([]types.ReturnItem, len(in.Actions))
			for i, action := range in.Actions {
				items[i] = types.ReturnItem{
					ReturnID: in.ReturnID,
					ItemID:   action.ReferenceID,
					Quantity: action.Quantity,
				}
			}
			created, err := store.CreateReturnItems(ctx, items)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "create return items")
			}
			ids := make([]string, len(created))
			for i, item := range created {
				ids[i] = item.ID
			}
			return &workflow.StepResponse{Output: created, CompensateInput: ids}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			ids, _ := input.([]string)
			if len(ids) == 0 {
				return nil
			}
			store, err := workflow.Resolve[storage.ReturnItemStore](scope.Container, ReturnItemName)
			if err != nil {
				return err
			}
			return store.DeleteReturnItems(ctx, ids)
		})
}

func confirmReturnItemsPresentStep() workflow.Step {
	return workflow.NewReadStep("confirm-return-items-present",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			items := input.([]types.ReturnItem)
			if len(items) == 0 {
				return nil, workflow.NewError(workflow.KindValidation, "return request should have at least 1 item")
			}
			return nil, nil
		})
}

func queryShippingOptionStep() workflow.Step {
	return workflow.NewReadStep("return-shipping-option-query",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			graph, err := workflow.Resolve[query.Graph](scope.Container, query.ServiceName)
			if err != nil {
				return nil, err
			}
			optionID := input.(string)
			option, err := query.One[types.ShippingOption](ctx, graph, query.Request{
				Entity:  "shipping_options",
				Fields:  []string{"id", "provider_id", "location_id", "address"},
				Filters: map[string]interface{}{"id": optionID},
			})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNotFound, err, "shipping option %s", optionID)
			}
			return &workflow.StepResponse{Output: option}, nil
		})
}

type createLinkInput struct {
	ReturnID      string
	FulfillmentID string
}

// createLinkStep records the return-to-fulfillment association;
// compensation deletes it.
func createLinkStep() workflow.Step {
	return workflow.NewStep("create-return-fulfillment-link",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.LinkStore](scope.Container, LinkName)
			if err != nil {
				return nil, err
			}
			in := input.(createLinkInput)
			link, err := store.CreateLink(ctx, types.Link{
				ReturnID:      in.ReturnID,
				FulfillmentID: in.FulfillmentID,
			})
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "create return fulfillment link")
			}
			return &workflow.StepResponse{Output: link, CompensateInput: link.ID}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			id, _ := input.(string)
			if id == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.LinkStore](scope.Container, LinkName)
			if err != nil {
				return err
			}
			return store.DeleteLink(ctx, id)
		})
}

// updateReturnStep moves the return to requested; compensation writes the
// prior record back.
func updateReturnStep() workflow.Step {
	return workflow.NewStep("update-return",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.ReturnStore](scope.Container, ReturnServiceName)
			if err != nil {
				return nil, err
			}
			returnID := input.(string)

			before, err := store.GetReturn(ctx, returnID)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNotFound, err, "return %s", returnID)
			}

			next := before
			next.Status = types.ReturnStatusRequested
			next.RequestedAt = time.Now().UnixMilli()
			updated, err := store.SaveReturn(ctx, next)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "update return %s", returnID)
			}
			return &workflow.StepResponse{Output: updated, CompensateInput: before}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			before, ok := input.(types.Return)
			if !ok || before.ID == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.ReturnStore](scope.Container, ReturnServiceName)
			if err != nil {
				return err
			}
			_, err = store.SaveReturn(ctx, before)
			return err
		})
}

type confirmOrderChangeInput struct {
	ChangeID    string
	ConfirmedBy string
}

// confirmOrderChangeStep marks the change confirmed; compensation restores
// the prior record.
func confirmOrderChangeStep() workflow.Step {
	return workflow.NewStep("confirm-order-change",
		func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.OrderChangeStore](scope.Container, OrderChangeName)
			if err != nil {
				return nil, err
			}
			in := input.(confirmOrderChangeInput)

			before, err := store.GetOrderChange(ctx, in.ChangeID)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindNotFound, err, "order change %s", in.ChangeID)
			}

			next := before
			next.Status = types.OrderChangeStatusConfirmed
			next.ConfirmedBy = in.ConfirmedBy
			updated, err := store.SaveOrderChange(ctx, next)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "confirm order change %s", in.ChangeID)
			}
			return &workflow.StepResponse{Output: updated, CompensateInput: before}, nil
		},
		func(ctx context.Context, input interface{}, scope *workflow.Scope) error {
			before, ok := input.(types.OrderChange)
			if !ok || before.ID == "" {
				return nil
			}
			store, err := workflow.Resolve[storage.OrderChangeStore](scope.Container, OrderChangeName)
			if err != nil {
				return err
			}
			_, err = store.SaveOrderChange(ctx, before)
			return err
		})
}

type emitEventInput struct {
	Name    string
	Payload map[string]interface{}
}

// emitEventStep publishes a domain event. There is no undo for an emitted
// event: the step is non-compensable by design, and duplicate events on a
// retried confirmation are an accepted possibility.
func emitEventStep(name string) workflow.Step {
	return workflow.Step{
		Name: name,
		Kind: workflow.StepNonCompensable,
		Forward: func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			bus, err := workflow.Resolve[*events.EventBus](scope.Container, events.ServiceName)
			if err != nil {
				return nil, err
			}
			in := input.(emitEventInput)
			if err := bus.Publish(ctx, events.Event{Name: in.Name, Payload: in.Payload}); err != nil && err != events.ErrNoHandler {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "emit %s", in.Name)
			}
			return nil, nil
		},
	}
}

// upsertPaymentCollectionStep is detached from the compensation chain: the
// return stays confirmed even if payment bookkeeping lags.
func upsertPaymentCollectionStep() workflow.Step {
	return workflow.Step{
		Name: "upsert-payment-collection",
		Kind: workflow.StepBestEffort,
		Forward: func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			store, err := workflow.Resolve[storage.PaymentCollectionStore](scope.Container, PaymentCollectionName)
			if err != nil {
				return nil, err
			}
			orderID := input.(string)
			pc, err := store.UpsertPaymentCollection(ctx, orderID)
			if err != nil {
				return nil, workflow.WrapError(workflow.KindRemoteCall, err, "upsert payment collection for order %s", orderID)
			}
			return &workflow.StepResponse{Output: pc}, nil
		},
	}
}

func returnShippingOptionID(change types.OrderChange, returnID string) string {
	for _, action := range change.Actions {
		if action.Action == types.ActionShippingAdd && action.ReturnID == returnID {
			return action.ReferenceID
		}
	}
	return ""
}

func prepareFulfillmentInput(order types.Order, items []types.ReturnItem, option types.ShippingOption) fulfillment.CreateReturnFulfillmentInput {
	orderItems := make(map[string]types.OrderItem, len(order.Items))
	for _, item := range order.Items {
		orderItems[item.ID] = item
	}

	fulfillmentItems := make([]types.FulfillmentItem, len(items))
	for i, item := range items {
		orderItem := orderItems[item.ItemID]
		title := orderItem.VariantTitle
		if title == "" {
			title = orderItem.Title
		}
		fulfillmentItems[i] = types.FulfillmentItem{
			LineItemID: item.ItemID,
			Title:      title,
			SKU:        orderItem.VariantSKU,
			Barcode:    orderItem.VariantBarcode,
			Quantity:   item.Quantity,
		}
	}

	// The delivery address is the stock location address.
	return fulfillment.CreateReturnFulfillmentInput{
		LocationID:       option.LocationID,
		ProviderID:       option.ProviderID,
		ShippingOptionID: option.ID,
		OrderID:          order.ID,
		Items:            fulfillmentItems,
		DeliveryAddress:  option.Address,
	}
}

// ConfirmReturnRequestWorkflow confirms a requested return. On any failure
// every committed effect, including the fulfillment sub-workflow's, is
// compensated and the return never reaches requested status.
func ConfirmReturnRequestWorkflow() *workflow.Definition {
	return workflow.NewDefinition("confirm-return-request").
		Then(queryReturnStep(), nil).
		Then(queryOrderStep(), func(r *workflow.Run) interface{} {
			return r.Output("return-query").(types.Return).OrderID
		}).
		Then(queryOrderChangeStep(), func(r *workflow.Run) interface{} {
			return r.Output("return-query")
		}).
		Then(validateConfirmReturnRequestStep(), func(r *workflow.Run) interface{} {
			return r
		}).
		Transform("order-preview", func(r *workflow.Run) (interface{}, error) {
			order := r.Output("order-query").(types.Order)
			change := r.Output("order-change-query").(types.OrderChange)
			return types.OrderPreview{Order: order, Actions: change.Actions}, nil
		}).
		Transform("return-item-actions", func(r *workflow.Run) (interface{}, error) {
			change := r.Output("order-change-query").(types.OrderChange)
			var actions []types.OrderChangeAction
			for _, action := range change.Actions {
				if action.Action == types.ActionReturnItem {
					actions = append(actions, action)
				}
			}
			return actions, nil
		}).
		Then(createReturnItemsStep(), func(r *workflow.Run) interface{} {
			actions, _ := r.Output("return-item-actions").([]types.OrderChangeAction)
			return createReturnItemsInput{
				ReturnID: r.Output("return-query").(types.Return).ID,
				Actions:  actions,
			}
		}).
		Then(confirmReturnItemsPresentStep(), func(r *workflow.Run) interface{} {
			items, _ := r.Output("create-return-items").([]types.ReturnItem)
			return items
		}).
		Transform("return-shipping-option-id", func(r *workflow.Run) (interface{}, error) {
			change := r.Output("order-change-query").(types.OrderChange)
			ret := r.Output("return-query").(types.Return)
			return returnShippingOptionID(change, ret.ID), nil
		}).
		WhenExpr(`outputs["return-shipping-option-id"] != ""`, func(n *workflow.Definition) {
			n.Then(queryShippingOptionStep(), func(r *workflow.Run) interface{} {
				return r.Output("return-shipping-option-id")
			})
			n.Transform("fulfillment-input", func(r *workflow.Run) (interface{}, error) {
				return prepareFulfillmentInput(
					r.Output("order-query").(types.Order),
					r.Output("create-return-items").([]types.ReturnItem),
					r.Output("return-shipping-option-query").(types.ShippingOption),
				), nil
			})
			n.Then(fulfillment.CreateReturnFulfillmentWorkflow().AsStep("create-return-fulfillment"), func(r *workflow.Run) interface{} {
				return r.Output("fulfillment-input")
			})
			n.Then(createLinkStep(), func(r *workflow.Run) interface{} {
				return createLinkInput{
					ReturnID:      r.Output("return-query").(types.Return).ID,
					FulfillmentID: r.Output("create-return-fulfillment").(types.Fulfillment).ID,
				}
			})
		}).
		Parallel(
			workflow.Invoke(updateReturnStep(), func(r *workflow.Run) interface{} {
				return r.Output("return-query").(types.Return).ID
			}),
			workflow.Invoke(confirmOrderChangeStep(), func(r *workflow.Run) interface{} {
				return confirmOrderChangeInput{
					ChangeID:    r.Output("order-change-query").(types.OrderChange).ID,
					ConfirmedBy: r.Input.(ConfirmReturnRequestInput).ConfirmedBy,
				}
			}),
			workflow.Invoke(emitEventStep(EventReturnRequested), func(r *workflow.Run) interface{} {
				return emitEventInput{
					Name: EventReturnRequested,
					Payload: map[string]interface{}{
						"order_id":  r.Output("order-query").(types.Order).ID,
						"return_id": r.Output("return-query").(types.Return).ID,
					},
				}
			}),
		).
		Then(upsertPaymentCollectionStep(), func(r *workflow.Run) interface{} {
			return r.Output("order-query").(types.Order).ID
		}).
		Returns(func(r *workflow.Run) interface{} {
			return r.Output("order-preview")
		})
}

// Confirm runs the confirm-return-request workflow and returns the order
// preview.
func Confirm(ctx context.Context, engine *workflow.Engine, scope *workflow.Scope, in ConfirmReturnRequestInput) (types.OrderPreview, error) {
	if in.ReturnID == "" {
		return types.OrderPreview{}, workflow.NewError(workflow.KindValidation, "return_id is required")
	}
	resp, err := engine.Run(ctx, ConfirmReturnRequestWorkflow(), in, scope)
	if err != nil {
		return types.OrderPreview{}, err
	}
	return resp.Result.(types.OrderPreview), nil
}
