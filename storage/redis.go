package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/gkit/generator"

	"github.com/commercekit/commerce-workflows/types"
)

const (
	reviewKeyPrefix  = "review:"
	relatedKeyPrefix = "related:"
	pairIndexPrefix  = "related:pair:"
)

// RedisStore is a Redis-backed implementation of ReviewStore and
// RelatedProductStore. Records are stored as hashes so the co-purchase
// counter can be bumped with HINCRBY, making the increment atomic at the
// storage layer instead of a read-then-write inside a step.
type RedisStore struct {
	client   *redis.Client
	generate generator.Generator
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts RedisOptions, generate generator.Generator) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, generate: generate}, nil
}

func (s *RedisStore) nextID(prefix string) (string, error) {
	id, err := s.generate.NextID()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return fmt.Sprintf("%s_%d", prefix, id), nil
}

func reviewFields(review types.Review) map[string]interface{} {
	return map[string]interface{}{
		"id":            review.ID,
		"variant_sku":   review.VariantSKU,
		"product_id":    review.ProductID,
		"customer_id":   review.CustomerID,
		"customer_name": review.CustomerName,
		"title":         review.Title,
		"content":       review.Content,
		"rating":        review.Rating,
		"created_at":    review.CreatedAt,
		"updated_at":    review.UpdatedAt,
	}
}

func reviewFromFields(fields map[string]string) (types.Review, error) {
	rating, err := strconv.ParseFloat(fields["rating"], 64)
	if err != nil {
		return types.Review{}, fmt.Errorf("parse rating: %w", err)
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return types.Review{
		ID:           fields["id"],
		VariantSKU:   fields["variant_sku"],
		ProductID:    fields["product_id"],
		CustomerID:   fields["customer_id"],
		CustomerName: fields["customer_name"],
		Title:        fields["title"],
		Content:      fields["content"],
		Rating:       rating,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

// CreateReviews writes all reviews in one pipeline.
func (s *RedisStore) CreateReviews(ctx context.Context, reviews []types.Review) ([]types.Review, error) {
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

		pipe := s.client.TxPipeline()
		for _, review := range created {
			pipe.HSet(ctx, reviewKeyPrefix+review.ID, reviewFields(review))
			pipe.SAdd(ctx, reviewKeyPrefix+"all", review.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("create reviews: %w", err)
		}
		return created, nil
	})
}

// ListReviews scans all reviews and filters client-side.
func (s *RedisStore) ListReviews(ctx context.Context, filter ReviewFilter) ([]types.Review, error) {
	return withContext(ctx, func() ([]types.Review, error) {
		ids := filter.IDs
		if len(ids) == 0 {
			var err error
			ids, err = s.client.SMembers(ctx, reviewKeyPrefix+"all").Result()
			if err != nil {
				return nil, fmt.Errorf("list review ids: %w", err)
			}
		}

		var out []types.Review
		for _, id := range ids {
			fields, err := s.client.HGetAll(ctx, reviewKeyPrefix+id).Result()
			if err != nil {
				return nil, fmt.Errorf("get review %s: %w", id, err)
			}
			if len(fields) == 0 {
				continue
			}
			review, err := reviewFromFields(fields)
			if err != nil {
				return nil, err
			}
			if matchesReview(review, filter) {
				out = append(out, review)
			}
		}
		return out, nil
	})
}

// DeleteReviews removes reviews by ID.
func (s *RedisStore) DeleteReviews(ctx context.Context, ids []string) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, reviewKeyPrefix+id)
			pipe.SRem(ctx, reviewKeyPrefix+"all", id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("delete reviews: %w", err)
		}
		return nil
	})
}

func relatedFields(rp types.RelatedProduct) map[string]interface{} {
	return map[string]interface{}{
		"id":                   rp.ID,
		"query_product_id":     rp.QueryProductID,
		"candidate_product_id": rp.CandidateProductID,
		"copurchase_frequency": rp.CopurchaseFrequency,
	}
}

func relatedFromFields(fields map[string]string) (types.RelatedProduct, error) {
	frequency, err := strconv.ParseInt(fields["copurchase_frequency"], 10, 64)
	if err != nil {
		return types.RelatedProduct{}, fmt.Errorf("parse copurchase_frequency: %w", err)
	}
	return types.RelatedProduct{
		ID:                  fields["id"],
		QueryProductID:      fields["query_product_id"],
		CandidateProductID:  fields["candidate_product_id"],
		CopurchaseFrequency: frequency,
	}, nil
}

func redisPairKey(queryProductID, candidateProductID string) string {
	return pairIndexPrefix + queryProductID + "|" + candidateProductID
}

// CreateRelatedProduct writes the record hash and its pair index key.
func (s *RedisStore) CreateRelatedProduct(ctx context.Context, rp types.RelatedProduct) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		id, err := s.nextID("repr")
		if err != nil {
			return types.RelatedProduct{}, err
		}
		rp.ID = id

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, relatedKeyPrefix+rp.ID, relatedFields(rp))
		pipe.Set(ctx, redisPairKey(rp.QueryProductID, rp.CandidateProductID), rp.ID, 0)
		pipe.SAdd(ctx, relatedKeyPrefix+"by-query:"+rp.QueryProductID, rp.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return types.RelatedProduct{}, fmt.Errorf("create related product: %w", err)
		}
		return rp, nil
	})
}

// CreateRelatedProducts writes every record in one transactional pipeline
// so the batch lands atomically.
func (s *RedisStore) CreateRelatedProducts(ctx context.Context, rps []types.RelatedProduct) ([]types.RelatedProduct, error) {
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

		pipe := s.client.TxPipeline()
		for _, rp := range created {
			pipe.HSet(ctx, relatedKeyPrefix+rp.ID, relatedFields(rp))
			pipe.Set(ctx, redisPairKey(rp.QueryProductID, rp.CandidateProductID), rp.ID, 0)
			pipe.SAdd(ctx, relatedKeyPrefix+"by-query:"+rp.QueryProductID, rp.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("create related products: %w", err)
		}
		return created, nil
	})
}

func (s *RedisStore) getRelated(ctx context.Context, id string) (types.RelatedProduct, error) {
	fields, err := s.client.HGetAll(ctx, relatedKeyPrefix+id).Result()
	if err != nil {
		return types.RelatedProduct{}, fmt.Errorf("get related product %s: %w", id, err)
	}
	if len(fields) == 0 {
		return types.RelatedProduct{}, fmt.Errorf("%w: related product %s", ErrNotFound, id)
	}
	return relatedFromFields(fields)
}

// GetRelatedProduct retrieves a record by ID.
func (s *RedisStore) GetRelatedProduct(ctx context.Context, id string) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		return s.getRelated(ctx, id)
	})
}

// FindPair looks up the record for a directed product pair.
func (s *RedisStore) FindPair(ctx context.Context, queryProductID, candidateProductID string) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		id, err := s.client.Get(ctx, redisPairKey(queryProductID, candidateProductID)).Result()
		if errors.Is(err, redis.Nil) {
			return types.RelatedProduct{}, fmt.Errorf("%w: pair %s->%s", ErrNotFound, queryProductID, candidateProductID)
		} else if err != nil {
			return types.RelatedProduct{}, fmt.Errorf("find pair: %w", err)
		}
		return s.getRelated(ctx, id)
	})
}

// UpdateRelatedProduct writes the full record back.
func (s *RedisStore) UpdateRelatedProduct(ctx context.Context, rp types.RelatedProduct) (types.RelatedProduct, error) {
	return withContext(ctx, func() (types.RelatedProduct, error) {
		if _, err := s.getRelated(ctx, rp.ID); err != nil {
			return types.RelatedProduct{}, err
		}
		if err := s.client.HSet(ctx, relatedKeyPrefix+rp.ID, relatedFields(rp)).Err(); err != nil {
			return types.RelatedProduct{}, fmt.Errorf("update related product %s: %w", rp.ID, err)
		}
		return rp, nil
	})
}

// DeleteRelatedProduct removes the record, its pair index, and its
// query-product set entry.
func (s *RedisStore) DeleteRelatedProduct(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		rp, err := s.getRelated(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, relatedKeyPrefix+id)
		pipe.Del(ctx, redisPairKey(rp.QueryProductID, rp.CandidateProductID))
		pipe.SRem(ctx, relatedKeyPrefix+"by-query:"+rp.QueryProductID, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("delete related product %s: %w", id, err)
		}
		return nil
	})
}

// IncrementFrequency bumps the counter with HINCRBY, atomic in Redis.
func (s *RedisStore) IncrementFrequency(ctx context.Context, id string, delta int64) (int64, error) {
	return withContext(ctx, func() (int64, error) {
		if _, err := s.getRelated(ctx, id); err != nil {
			return 0, err
		}
		value, err := s.client.HIncrBy(ctx, relatedKeyPrefix+id, "copurchase_frequency", delta).Result()
		if err != nil {
			return 0, fmt.Errorf("increment frequency %s: %w", id, err)
		}
		return value, nil
	})
}

// ListRelatedProducts returns all records for a query product.
func (s *RedisStore) ListRelatedProducts(ctx context.Context, queryProductID string) ([]types.RelatedProduct, error) {
	return withContext(ctx, func() ([]types.RelatedProduct, error) {
		ids, err := s.client.SMembers(ctx, relatedKeyPrefix+"by-query:"+queryProductID).Result()
		if err != nil {
			return nil, fmt.Errorf("list related products: %w", err)
		}
		out := make([]types.RelatedProduct, 0, len(ids))
		for _, id := range ids {
			rp, err := s.getRelated(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			out = append(out, rp)
		}
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
