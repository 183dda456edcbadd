package related

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/commercekit/commerce-workflows/events"
	"github.com/commercekit/commerce-workflows/query"
	"github.com/commercekit/commerce-workflows/storage"
	"github.com/commercekit/commerce-workflows/types"
	"github.com/commercekit/commerce-workflows/workflow"
)

// EventDeliveryCreated is the domain event the upserter subscribes to.
const EventDeliveryCreated = "delivery.created"

// Upserter maintains co-purchase counters for delivered shipments. Each
// directed pair is looked up and either created with frequency 1 or
// incremented by 1. Per-pair failures are logged and the loop continues.
//
// Replaying the same delivery event double-counts; the event source is
// assumed at-most-once per real delivery and no deduplication happens
// here. Without Atomic, two concurrent deliveries touching the same pair
// can race on read-then-increment.
type Upserter struct {
	Engine *workflow.Engine
	Scope  *workflow.Scope
	Logger *log.Logger

	// Atomic routes increments through the storage layer's atomic
	// counter instead of the read-then-write update workflow.
	Atomic bool
}

// NewUpserter creates an Upserter over an engine and scope.
func NewUpserter(engine *workflow.Engine, scope *workflow.Scope) *Upserter {
	return &Upserter{Engine: engine, Scope: scope, Logger: log.Default()}
}

// UpsertPair records one co-purchase observation for a directed pair.
func (u *Upserter) UpsertPair(ctx context.Context, queryProductID, candidateProductID string) error {
	store, err := workflow.Resolve[storage.RelatedProductStore](u.Scope.Container, ServiceName)
	if err != nil {
		return err
	}

	existing, err := store.FindPair(ctx, queryProductID, candidateProductID)
	switch {
	case err == nil:
		if u.Atomic {
			_, err = u.Engine.Run(ctx, IncrementCopurchaseWorkflow(), existing.ID, u.Scope)
		} else {
			_, err = u.Engine.Run(ctx, UpdateRelatedProductWorkflow(), UpdateInput{
				ID:                  existing.ID,
				CopurchaseFrequency: existing.CopurchaseFrequency + 1,
			}, u.Scope)
		}
		if err != nil {
			return err
		}
		u.Logger.Info("incremented copurchase counter",
			"query", queryProductID, "candidate", candidateProductID)
		return nil

	case errors.Is(err, storage.ErrNotFound):
		_, err = u.Engine.Run(ctx, CreateRelatedProductWorkflow(), CreateInput{
			QueryProductID:      queryProductID,
			CandidateProductID:  candidateProductID,
			CopurchaseFrequency: 1,
		}, u.Scope)
		if err != nil {
			return err
		}
		u.Logger.Info("created copurchase record",
			"query", queryProductID, "candidate", candidateProductID)
		return nil

	default:
		return err
	}
}

// UpsertAll records both directions of every unordered pair of distinct
// products. Errors are logged per pair so one bad pair does not starve
// the rest.
func (u *Upserter) UpsertAll(ctx context.Context, productIDs []string) {
	for i := 0; i < len(productIDs); i++ {
		for j := i + 1; j < len(productIDs); j++ {
			a, b := productIDs[i], productIDs[j]
			if err := u.UpsertPair(ctx, a, b); err != nil {
				u.Logger.Error("upsert copurchase failed", "query", a, "candidate", b, "err", err)
			}
			if err := u.UpsertPair(ctx, b, a); err != nil {
				u.Logger.Error("upsert copurchase failed", "query", b, "candidate", a, "err", err)
			}
		}
	}
}

// HandleDeliveryCreated resolves the delivered fulfillment's distinct
// products and updates their co-purchase counters.
func (u *Upserter) HandleDeliveryCreated(ctx context.Context, event events.Event) error {
	fulfillmentID, _ := event.Payload["id"].(string)
	if fulfillmentID == "" {
		return workflow.NewError(workflow.KindValidation, "delivery event has no fulfillment id")
	}

	graph, err := workflow.Resolve[query.Graph](u.Scope.Container, query.ServiceName)
	if err != nil {
		return err
	}

	u.Logger.Info("retrieving fulfillment record", "fulfillment_id", fulfillmentID)
	fulfillmentRecord, err := query.One[types.Fulfillment](ctx, graph, query.Request{
		Entity:  "fulfillments",
		Fields:  []string{"id", "items"},
		Filters: map[string]interface{}{"id": fulfillmentID},
	})
	if err != nil {
		return err
	}

	skus := make([]string, 0, len(fulfillmentRecord.Items))
	for _, item := range fulfillmentRecord.Items {
		skus = append(skus, item.SKU)
	}

	variants, err := query.All[types.ProductVariant](ctx, graph, query.Request{
		Entity:  "product_variants",
		Fields:  []string{"sku", "product_id"},
		Filters: map[string]interface{}{"sku": skus},
	})
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var productIDs []string
	for _, variant := range variants {
		if variant.ProductID != "" && !seen[variant.ProductID] {
			seen[variant.ProductID] = true
			productIDs = append(productIDs, variant.ProductID)
		}
	}

	if len(productIDs) < 2 {
		u.Logger.Info("fewer than two distinct products delivered, skipping copurchase update")
		return nil
	}

	u.Logger.Info("updating copurchase frequency", "product_ids", productIDs)
	u.UpsertAll(ctx, productIDs)
	u.Logger.Info("finished updating copurchase frequency")
	return nil
}

// Subscribe registers the delivery handler on the bus.
func (u *Upserter) Subscribe(bus *events.EventBus) {
	bus.SubscribeFunc(EventDeliveryCreated, u.HandleDeliveryCreated)
}
