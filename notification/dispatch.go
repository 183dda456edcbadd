package notification

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/commercekit/commerce-workflows/events"
	"github.com/commercekit/commerce-workflows/query"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

// Dispatcher turns domain events into notification workflow runs. Orders
// without an email address are skipped with a log line rather than failed,
// so a missing address never poisons the event stream.
type Dispatcher struct {
	Engine *workflow.Engine
	Scope  *workflow.Scope
	Logger *log.Logger
}

// NewDispatcher creates a Dispatcher over an engine and scope.
func NewDispatcher(engine *workflow.Engine, scope *workflow.Scope) *Dispatcher {
	return &Dispatcher{Engine: engine, Scope: scope, Logger: log.Default()}
}

// HandleOrderPlaced looks up the placed order and emails its confirmation.
func (d *Dispatcher) HandleOrderPlaced(ctx context.Context, event events.Event) error {
	orderID, _ := event.Payload["id"].(string)
	if orderID == "" {
		return workflow.NewError(workflow.KindValidation, "order placed event has no order id")
	}

	graph, err := workflow.Resolve[query.Graph](d.Scope.Container, query.ServiceName)
	if err != nil {
		return err
	}

	order, err := query.One[types.Order](ctx, graph, query.Request{
		Entity:  "orders",
		Fields:  []string{"id", "email", "items"},
		Filters: map[string]interface{}{"id": orderID},
	})
	if err != nil {
		return err
	}

	if order.Email == "" {
		d.Logger.Warn("order has no email address, skipping confirmation", "order_id", orderID)
		return nil
	}

	_, err = d.Engine.Run(ctx, SendNotificationWorkflow(), SendInput{
		To:       order.Email,
		Template: TemplateOrderPlaced,
		Data:     map[string]interface{}{"order": order},
	}, d.Scope)
	if err != nil {
		return err
	}
	d.Logger.Info("sent order confirmation", "order_id", orderID, "to", order.Email)
	return nil
}

// HandleCustomerCreated emails a welcome message to a new customer. The
// event payload carries the address, there is no customer entity to read.
func (d *Dispatcher) HandleCustomerCreated(ctx context.Context, event events.Event) error {
	customerID, _ := event.Payload["customerId"].(string)
	if customerID == "" {
		return workflow.NewError(workflow.KindValidation, "customer created event has no customer id")
	}

	email, _ := event.Payload["email"].(string)
	if email == "" {
		d.Logger.Warn("customer has no email address, skipping welcome", "customer_id", customerID)
		return nil
	}

	_, err := d.Engine.Run(ctx, SendNotificationWorkflow(), SendInput{
		To:       email,
		Template: TemplateCustomerCreated,
		Data:     map[string]interface{}{"customer_id": customerID},
	}, d.Scope)
	if err != nil {
		return err
	}
	d.Logger.Info("sent welcome email", "customer_id", customerID, "to", email)
	return nil
}

// Subscribe registers both event handlers on the bus.
func (d *Dispatcher) Subscribe(bus *events.EventBus) {
	bus.SubscribeFunc(EventOrderPlaced, d.HandleOrderPlaced)
	bus.SubscribeFunc(EventCustomerCreated, d.HandleCustomerCreated)
}
