package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"checkout-svc/circuitbreaker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Product is the slice of the catalog entry the order flow snapshots.
type Product struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	SKU  string `json:"sku"`
}

// Client resolves products from the product service, with a Redis
// read-through cache in front of the HTTP call.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	redisClient    *redis.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

const cacheTTL = 5 * time.Minute

func NewClient(redisClient *redis.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL: getEnv("PRODUCT_SERVICE_URL", "http://localhost:8081"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		redisClient:    redisClient,
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:         logger,
	}
}

func (c *Client) GetProduct(ctx context.Context, id string) (*Product, error) {
	key := fmt.Sprintf("product:%s", id)

	if c.redisClient != nil {
		if data, err := c.redisClient.Get(ctx, key).Bytes(); err == nil {
			var product Product
			if err := json.Unmarshal(data, &product); err == nil {
				return &product, nil
			}
		}
	}

	var product Product
	err := c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/products/%s", c.baseURL, id), nil)
		if err != nil {
			return fmt.Errorf("failed to build product request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("product request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("product %s not found", id)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("product service returned status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&product); err != nil {
			return fmt.Errorf("failed to decode product response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.redisClient != nil {
		data, err := json.Marshal(product)
		if err == nil {
			if err := c.redisClient.Set(ctx, key, data, cacheTTL).Err(); err != nil {
				c.logger.Warn("Failed to cache product", zap.String("product_id", id), zap.Error(err))
			}
		}
	}

	return &product, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
