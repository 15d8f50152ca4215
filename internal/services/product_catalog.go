package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/ZenLearnPayments/internal/infrastructure/redis"
	"github.com/honeynil/ZenLearnPayments/internal/models"
	"github.com/honeynil/ZenLearnPayments/internal/repository"
)

const productCacheTTL = 24 * time.Hour

// productCatalog is a read-through Redis cache in front of the product table.
type productCatalog struct {
	repo  repository.ProductRepository
	redis redis.RedisClient
}

func newProductCatalog(repo repository.ProductRepository, redisClient redis.RedisClient) *productCatalog {
	return &productCatalog{repo: repo, redis: redisClient}
}

func (c *productCatalog) Get(ctx context.Context, id int64) (*models.Product, error) {
	key := fmt.Sprintf("product:%d", id)

	cached, err := c.redis.Get(ctx, key)
	if err == nil {
		var product models.Product
		if err := json.Unmarshal([]byte(cached), &product); err == nil {
			return &product, nil
		}
		slog.Warn("failed to unmarshal cached product", "product_id", id)
	} else if !errors.Is(err, redis.ErrKeyNotFound) {
		slog.Warn("failed to get product from Redis", "product_id", id, "error", err)
	}

	product, err := c.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(product); err == nil {
		if err := c.redis.Set(ctx, key, string(raw), productCacheTTL); err != nil {
			slog.Error("failed to cache product", "product_id", id, "error", err)
		}
	}
	return product, nil
}
