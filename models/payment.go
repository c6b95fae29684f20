package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSuccess   PaymentStatus = "success"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

type Payment struct {
	ID               int           `json:"id"`
	OrderID          int           `json:"order_id"`
	UserID           string        `json:"user_id"`
	Amount           float64       `json:"amount"`
	Currency         string        `json:"currency"`
	Status           PaymentStatus `json:"status"`
	GatewayOrderID   *string       `json:"gateway_order_id,omitempty"`
	GatewayPaymentID *string       `json:"gateway_payment_id,omitempty"`
	GatewaySignature *string       `json:"gateway_signature,omitempty"`
	PaymentMethod    *string       `json:"payment_method,omitempty"`
	GatewayResponse  *string       `json:"gateway_response,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type InitiatePaymentRequest struct {
	OrderID int `json:"order_id" binding:"required"`
}

// InitiatePaymentResponse is the client-facing checkout payload. Key is the
// gateway's publishable key id, never the secret.
type InitiatePaymentResponse struct {
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"` // minor currency units
	Currency       string `json:"currency"`
	Key            string `json:"key"`
}

type VerifyPaymentRequest struct {
	GatewayOrderID   string `json:"gateway_order_id" binding:"required"`
	GatewayPaymentID string `json:"gateway_payment_id" binding:"required"`
	GatewaySignature string `json:"gateway_signature" binding:"required"`
}

type PaymentEvent struct {
	PaymentID      int           `json:"payment_id"`
	OrderID        int           `json:"order_id"`
	UserID         string        `json:"user_id"`
	Amount         float64       `json:"amount"`
	Status         PaymentStatus `json:"status"`
	EventType      string        `json:"event_type"` // payment_success, payment_failed
	GatewayOrderID string        `json:"gateway_order_id,omitempty"`
}
