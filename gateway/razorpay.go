package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"checkout-svc/circuitbreaker"

	"go.uber.org/zap"
)

// Client talks to a Razorpay-compatible payment gateway. The key pair is
// server-held; only the key id ever reaches the browser.
type Client struct {
	keyID          string
	keySecret      string
	baseURL        string
	httpClient     *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

type orderRequest struct {
	Amount   int64  `json:"amount"` // minor currency units (paise)
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func NewClient(logger *zap.Logger) *Client {
	return &Client{
		keyID:     getEnv("RAZORPAY_KEY_ID", "rzp_test_key"),
		keySecret: getEnv("RAZORPAY_KEY_SECRET", "rzp_test_secret"),
		baseURL:   getEnv("RAZORPAY_BASE_URL", "https://api.razorpay.com/v1"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		circuitBreaker: circuitbreaker.NewCircuitBreaker(5, 30*time.Second),
		logger:         logger,
	}
}

// KeyID returns the publishable key id for client-side checkout.
func (c *Client) KeyID() string {
	return c.keyID
}

// CreateOrder mints a gateway-side order for the given amount in minor
// currency units. Non-2xx responses and transport errors count against the
// circuit breaker.
func (c *Client) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*GatewayOrder, error) {
	reqBody, err := json.Marshal(orderRequest{
		Amount:   amountMinor,
		Currency: currency,
		Receipt:  receipt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order request: %w", err)
	}

	var gatewayOrder GatewayOrder
	err = c.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("failed to build gateway request: %w", err)
		}
		req.SetBasicAuth(c.keyID, c.keySecret)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("gateway request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			c.logger.Error("Gateway order creation rejected",
				zap.Int("status", resp.StatusCode),
				zap.ByteString("body", body),
			)
			return fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(&gatewayOrder); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if gatewayOrder.ID == "" {
		return nil, fmt.Errorf("gateway response missing order id")
	}

	c.logger.Info("Gateway order created",
		zap.String("gateway_order_id", gatewayOrder.ID),
		zap.Int64("amount", gatewayOrder.Amount),
		zap.String("currency", gatewayOrder.Currency),
	)
	return &gatewayOrder, nil
}

// VerifySignature checks the HMAC-SHA256 signature the gateway computes over
// "order_id|payment_id" with the shared secret. Comparison is constant-time.
func (c *Client) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.keySecret))
	mac.Write([]byte(gatewayOrderID + "|" + gatewayPaymentID))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
