package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/commercekit/commerce-workflows/types"
)

// MemoryStore is an in-memory implementation of every store interface,
// suitable for tests and single-process deployments. Record IDs are
// prefixed snowflakes.
type MemoryStore struct {
	mu                 sync.RWMutex
	generate           generator.Generator
	reviews            map[string]types.Review
	relatedProducts    map[string]types.RelatedProduct
	pairIndex          map[string]string // "query|candidate" -> related product ID
	orders             map[string]types.Order
	returns            map[string]types.Return
	orderChanges       map[string]types.OrderChange
	returnItems        map[string]types.ReturnItem
	fulfillments       map[string]types.Fulfillment
	links              map[string]types.Link
	paymentCollections map[string]types.PaymentCollection // keyed by order ID
}

// NewMemoryStore creates a MemoryStore using generate for record IDs.
func NewMemoryStore(generate generator.Generator) *MemoryStore {
	return &MemoryStore{
		generate:           generate,
		reviews:            make(map[string]types.Review),
		relatedProducts:    make(map[string]types.RelatedProduct),
		pairIndex:          make(map[string]string),
		orders:             make(map[string]types.Order),
		returns:            make(map[string]types.Return),
		orderChanges:       make(map[string]types.OrderChange),
		returnItems:        make(map[string]types.ReturnItem),
		fulfillments:       make(map[string]types.Fulfillment),
		links:              make(map[string]types.Link),
		paymentCollections: make(map[string]types.PaymentCollection),
	}
}

func (s *MemoryStore) nextID(prefix string) (string, error) {
	id, err := s.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return fmt.Sprintf("%s_%d", prefix, id), nil
}

func pairKey(queryProductID, candidateProductID string) string {
	return queryProductID + "|" + candidateProductID
}

// CreateReviews creates all reviews or none: ID generation happens before
// any write so a failure leaves the store untouched.
func (s *MemoryStore) CreateReviews(ctx context.Context, reviews []types.Review) ([]types.Review, error) {
	return withContext(ctx, func() ([]types.Review, error) {
		now := time.Now().UnixMilli()
		created := make([]types.Review, len(reviews))
		for i, review := range reviews {
			id, err := s.nextID("rev")
			if err != nil {
				return nil, err
			}
			review.ID = id
			review.CreatedAt = now
			review.UpdatedAt = now
			created[i] = review
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for _, review := range created {
			s.reviews[review.ID] = review
		}
		return created, nil
	})
}

func matchesReview(review types.Review, filter ReviewFilter) bool {
	if len(filter.IDs) > 0 && !contains(filter.IDs, review.ID) {
		return false
	}
	if len(filter.VariantSKUs) > 0 && !contains(filter.VariantSKUs, review.VariantSKU) {
		return false
	}
	if filter.ProductID != "" && review.ProductID != filter.ProductID {
		return false
	}
	return true
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// ListReviews returns reviews matching the filter.
func (s *MemoryStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]types.Review, error) {
	return withContext(ctx, func() ([]types.Review, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Review
		for _, review := range s.reviews {
			if matchesReview(review, filter) {
				out = append(out, review)
			}
		}
		return out, nil
	})
}

// DeleteReviews removes reviews by ID. Missing IDs are ignored so a
// compensation pass can be retried safely.
func (s *MemoryStore) DeleteReviews(ctx context.Context, ids []string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range ids {
			delete(s.reviews, id)
		}
		return nil
	})
}

// CreateRelatedProduct creates a co-purchase record and indexes its pair.
func (s *MemoryStore) CreateRelatedProduct(ctx context.Context, rp types.RelatedProduct) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		id, err := s.nextID("repr")
		if err != nil {
			return types.RelatedProduct{}, err
		}
		rp.ID = id

		s.mu.Lock()
		defer s.mu.Unlock()
		s.relatedProducts[rp.ID] = rp
		s.pairIndex[pairKey(rp.QueryProductID, rp.CandidateProductID)] = rp.ID
		return rp, nil
	})
}

// CreateRelatedProducts creates all records or none: ID generation happens
// before any write so a failure leaves the store untouched.
func (s *MemoryStore) CreateRelatedProducts(ctx context.Context, rps []types.RelatedProduct) ([]types.RelatedProduct, error) {
	return withContext(ctx, func() ([]types.RelatedProduct, error) {
		created := make([]types.RelatedProduct, len(rps))
		for i, rp := range rps {
			id, err := s.nextID("repr")
			if err != nil {
				return nil, err
			}
			rp.ID = id
			created[i] = rp
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for _, rp := range created {
			s.relatedProducts[rp.ID] = rp
			s.pairIndex[pairKey(rp.QueryProductID, rp.CandidateProductID)] = rp.ID
		}
		return created, nil
	})
}

// GetRelatedProduct retrieves a record by ID.
func (s *MemoryStore) GetRelatedProduct(ctx context.Context, id string) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		rp, ok := s.relatedProducts[id]
		if !ok {
			return types.RelatedProduct{}, fmt.Errorf("%w: related product %s", ErrNotFound, id)
		}
		return rp, nil
	})
}

// FindPair looks up the record for a directed product pair.
func (s *MemoryStore) FindPair(ctx context.Context, queryProductID, candidateProductID string) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.pairIndex[pairKey(queryProductID, candidateProductID)]
		if !ok {
			return types.RelatedProduct{}, fmt.Errorf("%w: pair %s->%s", ErrNotFound, queryProductID, candidateProductID)
		}
		return s.relatedProducts[id], nil
	})
}

// UpdateRelatedProduct writes the full record back.
func (s *MemoryStore) UpdateRelatedProduct(ctx context.Context, rp types.RelatedProduct) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.relatedProducts[rp.ID]; !ok {
			return types.RelatedProduct{}, fmt.Errorf("%w: related product %s", ErrNotFound, rp.ID)
		}
		s.relatedProducts[rp.ID] = rp
		return rp, nil
	})
}

// DeleteRelatedProduct removes a record and its pair index entry.
func (s *MemoryStore) DeleteRelatedProduct(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rp, ok := s.relatedProducts[id]
		if !ok {
			return nil
		}
		delete(s.relatedProducts, id)
		delete(s.pairIndex, pairKey(rp.QueryProductID, rp.CandidateProductID))
		return nil
	})
}

// IncrementFrequency atomically adjusts a counter and returns the new value.
func (s *MemoryStore) IncrementFrequency(ctx context.Context, id string, delta int64) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rp, ok := s.relatedProducts[id]
		if !ok {
			return 0, fmt.Errorf("%w: related product %s", ErrNotFound, id)
		}
		rp.CopurchaseFrequency += delta
		s.relatedProducts[id] = rp
		return rp.CopurchaseFrequency, nil
	})
}

// ListRelatedProducts returns all records for a query product.
func (s *MemoryStore) ListRelatedProducts(ctx context.Context, queryProductID string) ([]types.RelatedProduct, error) {
	return withContext(ctx, func() ([]types.RelatedProduct, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.RelatedProduct
		for _, rp := range s.relatedProducts {
			if rp.QueryProductID == queryProductID {
				out = append(out, rp)
			}
		}
		return out, nil
	})
}

// GetOrder retrieves an order by ID.
func (s *MemoryStore) GetOrder(ctx context.Context, id string) (types.Order, error) {
	return withContext(ctx, func() (types.Order, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		order, ok := s.orders[id]
		if !ok {
			return types.Order{}, fmt.Errorf("%w: order %s", ErrNotFound, id)
		}
		return order, nil
	})
}

// SaveOrder writes an order record.
func (s *MemoryStore) SaveOrder(ctx context.Context, order types.Order) (types.Order, error) {
	return withContext(ctx, func() (types.Order, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if order.ID == "" {
			id, err := s.nextID("ord")
			if err != nil {
				return types.Order{}, err
			}
			order.ID = id
		}
		s.orders[order.ID] = order
		return order, nil
	})
}

// GetReturn retrieves a return by ID.
func (s *MemoryStore) GetReturn(ctx context.Context, id string) (types.Return, error) {
	return withContext(ctx, func() (types.Return, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ret, ok := s.returns[id]
		if !ok {
			return types.Return{}, fmt.Errorf("%w: return %s", ErrNotFound, id)
		}
		return ret, nil
	})
}

// SaveReturn writes a return record.
func (s *MemoryStore) SaveReturn(ctx context.Context, ret types.Return) (types.Return, error) {
	return withContext(ctx, func() (types.Return, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ret.ID == "" {
			id, err := s.nextID("ret")
			if err != nil {
				return types.Return{}, err
			}
			ret.ID = id
		}
		s.returns[ret.ID] = ret
		return ret, nil
	})
}

// GetOrderChange retrieves an order change by ID.
func (s *MemoryStore) GetOrderChange(ctx context.Context, id string) (types.OrderChange, error) {
	return withContext(ctx, func() (types.OrderChange, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		change, ok := s.orderChanges[id]
		if !ok {
			return types.OrderChange{}, fmt.Errorf("%w: order change %s", ErrNotFound, id)
		}
		return change, nil
	})
}

// SaveOrderChange writes an order change record.
func (s *MemoryStore) SaveOrderChange(ctx context.Context, change types.OrderChange) (types.OrderChange, error) {
	return withContext(ctx, func() (types.OrderChange, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if change.ID == "" {
			id, err := s.nextID("ordch")
			if err != nil {
				return types.OrderChange{}, err
			}
			change.ID = id
		}
		s.orderChanges[change.ID] = change
		return change, nil
	})
}

// CreateReturnItems creates all items or none.
func (s *MemoryStore) CreateReturnItems(ctx context.Context, items []types.ReturnItem) ([]types.ReturnItem, error) {
	return withContext(ctx, func() ([]types.ReturnItem, error) {
		created := make([]types.ReturnItem, len(items))
		for i, item := range items {
			id, err := s.nextID("reti")
			if err != nil {
				return nil, err
			}
			item.ID = id
			created[i] = item
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for _, item := range created {
			s.returnItems[item.ID] = item
		}
		return created, nil
	})
}

// DeleteReturnItems removes return items by ID.
func (s *MemoryStore) DeleteReturnItems(ctx context.Context, ids []string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range ids {
			delete(s.returnItems, id)
		}
		return nil
	})
}

// ListReturnItems returns the items attached to a return.
func (s *MemoryStore) ListReturnItems(ctx context.Context, returnID string) ([]types.ReturnItem, error) {
	return withContext(ctx, func() ([]types.ReturnItem, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.ReturnItem
		for _, item := range s.returnItems {
			if item.ReturnID == returnID {
				out = append(out, item)
			}
		}
		return out, nil
	})
}

// CreateFulfillment creates a fulfillment record.
func (s *MemoryStore) CreateFulfillment(ctx context.Context, f types.Fulfillment) (types.Fulfillment, error) {
	return withContext(ctx, func() (types.Fulfillment, error) {
		id, err := s.nextID("ful")
		if err != nil {
			return types.Fulfillment{}, err
		}
		f.ID = id

		s.mu.Lock()
		defer s.mu.Unlock()
		s.fulfillments[f.ID] = f
		return f, nil
	})
}

// GetFulfillment retrieves a fulfillment by ID.
func (s *MemoryStore) GetFulfillment(ctx context.Context, id string) (types.Fulfillment, error) {
	return withContext(ctx, func() (types.Fulfillment, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		f, ok := s.fulfillments[id]
		if !ok {
			return types.Fulfillment{}, fmt.Errorf("%w: fulfillment %s", ErrNotFound, id)
		}
		return f, nil
	})
}

// CancelFulfillment marks a fulfillment canceled.
func (s *MemoryStore) CancelFulfillment(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		f, ok := s.fulfillments[id]
		if !ok {
			return fmt.Errorf("%w: fulfillment %s", ErrNotFound, id)
		}
		f.CanceledAt = time.Now().UnixMilli()
		s.fulfillments[id] = f
		return nil
	})
}

// CreateLink creates a cross-module link record.
func (s *MemoryStore) CreateLink(ctx context.Context, link types.Link) (types.Link, error) {
	return withContext(ctx, func() (types.Link, error) {
		id, err := s.nextID("link")
		if err != nil {
			return types.Link{}, err
		}
		link.ID = id

		s.mu.Lock()
		defer s.mu.Unlock()
		s.links[link.ID] = link
		return link, nil
	})
}

// DeleteLink removes a link record.
func (s *MemoryStore) DeleteLink(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.links, id)
		return nil
	})
}

// ListLinks returns the links attached to a return.
func (s *MemoryStore) ListLinks(ctx context.Context, returnID string) ([]types.Link, error) {
	return withContext(ctx, func() ([]types.Link, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Link
		for _, link := range s.links {
			if link.ReturnID == returnID {
				out = append(out, link)
			}
		}
		return out, nil
	})
}

// UpsertPaymentCollection creates or refreshes the payment collection for
// an order.
func (s *MemoryStore) UpsertPaymentCollection(ctx context.Context, orderID string) (types.PaymentCollection, error) {
	return withContext(ctx, func() (types.PaymentCollection, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if pc, ok := s.paymentCollections[orderID]; ok {
			return pc, nil
		}
		id, err := s.nextID("paycol")
		if err != nil {
			return types.PaymentCollection{}, err
		}
		pc := types.PaymentCollection{ID: id, OrderID: orderID}
		s.paymentCollections[orderID] = pc
		return pc, nil
	})
}
