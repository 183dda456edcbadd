package storage

import (
	"context"
	"errors"

	"github.com/commercekit/commerce-workflows/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ReviewFilter narrows review listings. Zero-valued fields are ignored.
type ReviewFilter struct {
	IDs         []string
	VariantSKUs []string
	ProductID   string
}

// ReviewStore persists reviews. CreateReviews is all-or-nothing: a batch
// step relies on every created ID being returned so compensation can
// delete the whole batch.
type ReviewStore interface {
	CreateReviews(ctx context.Context, reviews []types.Review) ([]types.Review, error)
	ListReviews(ctx context.Context, filter ReviewFilter) ([]types.Review, error)
	DeleteReviews(ctx context.Context, ids []string) error
}

// RelatedProductStore persists directed co-purchase counters.
// IncrementFrequency is atomic at the storage layer, so callers can bump a
// counter without the read-then-write race of Update. CreateRelatedProducts
// is all-or-nothing like ReviewStore.CreateReviews: the batch step deletes
// every returned ID on compensation.
type RelatedProductStore interface {
	CreateRelatedProduct(ctx context.Context, rp types.RelatedProduct) (types.RelatedProduct, error)
	CreateRelatedProducts(ctx context.Context, rps []types.RelatedProduct) ([]types.RelatedProduct, error)
	GetRelatedProduct(ctx context.Context, id string) (types.RelatedProduct, error)
	FindPair(ctx context.Context, queryProductID, candidateProductID string) (types.RelatedProduct, error)
	UpdateRelatedProduct(ctx context.Context, rp types.RelatedProduct) (types.RelatedProduct, error)
	DeleteRelatedProduct(ctx context.Context, id string) error
	IncrementFrequency(ctx context.Context, id string, delta int64) (int64, error)
	ListRelatedProducts(ctx context.Context, queryProductID string) ([]types.RelatedProduct, error)
}

// OrderStore persists the order projection read by return workflows.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (types.Order, error)
	SaveOrder(ctx context.Context, order types.Order) (types.Order, error)
}

// ReturnStore persists return requests.
type ReturnStore interface {
	GetReturn(ctx context.Context, id string) (types.Return, error)
	SaveReturn(ctx context.Context, ret types.Return) (types.Return, error)
}

// OrderChangeStore persists order changes.
type OrderChangeStore interface {
	GetOrderChange(ctx context.Context, id string) (types.OrderChange, error)
	SaveOrderChange(ctx context.Context, change types.OrderChange) (types.OrderChange, error)
}

// ReturnItemStore persists return line items.
type ReturnItemStore interface {
	CreateReturnItems(ctx context.Context, items []types.ReturnItem) ([]types.ReturnItem, error)
	DeleteReturnItems(ctx context.Context, ids []string) error
	ListReturnItems(ctx context.Context, returnID string) ([]types.ReturnItem, error)
}

// FulfillmentStore persists fulfillment records.
type FulfillmentStore interface {
	CreateFulfillment(ctx context.Context, f types.Fulfillment) (types.Fulfillment, error)
	GetFulfillment(ctx context.Context, id string) (types.Fulfillment, error)
	CancelFulfillment(ctx context.Context, id string) error
}

// LinkStore persists cross-module link records.
type LinkStore interface {
	CreateLink(ctx context.Context, link types.Link) (types.Link, error)
	DeleteLink(ctx context.Context, id string) error
	ListLinks(ctx context.Context, returnID string) ([]types.Link, error)
}

// PaymentCollectionStore upserts payment bookkeeping per order.
type PaymentCollectionStore interface {
	UpsertPaymentCollection(ctx context.Context, orderID string) (types.PaymentCollection, error)
}

// withContext is a shared helper gating store operations on ctx.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError is withContext for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
