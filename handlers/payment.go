package handlers

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"net/http"

	"checkout-svc/gateway"
	"checkout-svc/kafka"
	"checkout-svc/middleware"
	"checkout-svc/models"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentGateway is the external payment API surface the coordinator needs.
type PaymentGateway interface {
	CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*gateway.GatewayOrder, error)
	VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool
	KeyID() string
}

type PaymentHandler struct {
	db       *sql.DB
	producer sarama.SyncProducer
	gateway  PaymentGateway
	logger   *zap.Logger
}

func NewPaymentHandler(
	db *sql.DB,
	producer sarama.SyncProducer,
	paymentGateway PaymentGateway,
	logger *zap.Logger,
) *PaymentHandler {
	return &PaymentHandler{
		db:       db,
		producer: producer,
		gateway:  paymentGateway,
		logger:   logger,
	}
}

// The gateway bills in minor currency units (paise). Round to the nearest
// integer, matching the gateway's own rounding of decimal amounts.
func amountMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-svc").Start(c.Request.Context(), "InitiatePayment")
	defer span.End()

	userID := middleware.CurrentUserID(c)

	var req models.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Int("order.id", req.OrderID),
	)

	var orderNumber string
	var orderStatus models.OrderStatus
	var totalAmount float64
	var currency string
	err := h.db.QueryRowContext(
		ctx,
		"SELECT order_number, status, total_amount, currency FROM orders WHERE id = $1 AND user_id = $2",
		req.OrderID, userID,
	).Scan(&orderNumber, &orderStatus, &totalAmount, &currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if orderStatus != models.OrderStatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": "Order is not payable"})
		return
	}

	// Retried checkouts reuse the in-flight attempt instead of minting a
	// second gateway order.
	var existingGatewayOrderID sql.NullString
	err = h.db.QueryRowContext(
		ctx,
		"SELECT gateway_order_id FROM payments WHERE order_id = $1 AND status = 'pending'",
		req.OrderID,
	).Scan(&existingGatewayOrderID)
	if err == nil && existingGatewayOrderID.Valid {
		c.JSON(http.StatusOK, models.InitiatePaymentResponse{
			GatewayOrderID: existingGatewayOrderID.String,
			Amount:         amountMinorUnits(totalAmount),
			Currency:       currency,
			Key:            h.gateway.KeyID(),
		})
		return
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		span.RecordError(err)
		h.logger.Error("Failed to check pending payments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	gatewayOrder, err := h.gateway.CreateOrder(ctx, amountMinorUnits(totalAmount), currency, orderNumber)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Gateway order creation failed", zap.Int("order_id", req.OrderID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment gateway unavailable"})
		return
	}

	span.SetAttributes(attribute.String("gateway.order_id", gatewayOrder.ID))

	var paymentID int
	err = h.db.QueryRowContext(
		ctx,
		"INSERT INTO payments (order_id, user_id, amount, currency, status, gateway_order_id) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		req.OrderID, userID, totalAmount, currency, models.PaymentStatusPending, gatewayOrder.ID,
	).Scan(&paymentID)
	if err != nil {
		// Lost the race against a concurrent initiate on the same order; the
		// partial unique index guarantees a single pending payment, so hand
		// back the winner's gateway handle.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			var winnerGatewayOrderID sql.NullString
			raceErr := h.db.QueryRowContext(
				ctx,
				"SELECT gateway_order_id FROM payments WHERE order_id = $1 AND status = 'pending'",
				req.OrderID,
			).Scan(&winnerGatewayOrderID)
			if raceErr == nil && winnerGatewayOrderID.Valid {
				c.JSON(http.StatusOK, models.InitiatePaymentResponse{
					GatewayOrderID: winnerGatewayOrderID.String,
					Amount:         amountMinorUnits(totalAmount),
					Currency:       currency,
					Key:            h.gateway.KeyID(),
				})
				return
			}
		}
		span.RecordError(err)
		h.logger.Error("Failed to create payment record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Payment initiated",
		zap.Int("payment_id", paymentID),
		zap.Int("order_id", req.OrderID),
		zap.String("gateway_order_id", gatewayOrder.ID),
	)
	c.JSON(http.StatusOK, models.InitiatePaymentResponse{
		GatewayOrderID: gatewayOrder.ID,
		Amount:         gatewayOrder.Amount,
		Currency:       gatewayOrder.Currency,
		Key:            h.gateway.KeyID(),
	})
}

func (h *PaymentHandler) VerifyPayment(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-svc").Start(c.Request.Context(), "VerifyPayment")
	defer span.End()

	userID := middleware.CurrentUserID(c)

	var req models.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("gateway.order_id", req.GatewayOrderID),
	)

	var paymentID, orderID int
	var amount float64
	err := h.db.QueryRowContext(
		ctx,
		"SELECT id, order_id, amount FROM payments WHERE gateway_order_id = $1 AND user_id = $2 AND status = 'pending'",
		req.GatewayOrderID, userID,
	).Scan(&paymentID, &orderID, &amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Same response as a bad signature so callers can't probe which
			// handles exist.
			h.logger.Warn("No pending payment for gateway order",
				zap.String("gateway_order_id", req.GatewayOrderID),
			)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Payment verification failed"})
			return
		}
		span.RecordError(err)
		h.logger.Error("Failed to look up payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if !h.gateway.VerifySignature(req.GatewayOrderID, req.GatewayPaymentID, req.GatewaySignature) {
		span.SetAttributes(attribute.Bool("signature.valid", false))
		h.logger.Warn("Payment signature mismatch",
			zap.Int("payment_id", paymentID),
			zap.String("gateway_order_id", req.GatewayOrderID),
		)
		middleware.RecordPaymentProcessed("failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payment verification failed"})
		return
	}

	// Payment and order flip together or not at all.
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to begin transaction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	result, err := tx.ExecContext(
		ctx,
		"UPDATE payments SET status = $1, gateway_payment_id = $2, gateway_signature = $3, payment_method = $4, updated_at = CURRENT_TIMESTAMP WHERE id = $5 AND status = 'pending'",
		models.PaymentStatusSuccess, req.GatewayPaymentID, req.GatewaySignature, "razorpay", paymentID,
	)
	if err != nil {
		tx.Rollback()
		span.RecordError(err)
		h.logger.Error("Failed to update payment", zap.Int("payment_id", paymentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		span.RecordError(err)
		h.logger.Error("Failed to read update result", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	if rowsAffected == 0 {
		// Another request already settled this payment.
		tx.Rollback()
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payment verification failed"})
		return
	}

	if _, err := tx.ExecContext(
		ctx,
		"UPDATE orders SET status = $1, payment_status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $3",
		models.OrderStatusConfirmed, models.OrderPaymentStatusPaid, orderID,
	); err != nil {
		tx.Rollback()
		span.RecordError(err)
		h.logger.Error("Failed to update order", zap.Int("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to commit payment verification", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	middleware.RecordPaymentProcessed("success")

	event := models.PaymentEvent{
		PaymentID:      paymentID,
		OrderID:        orderID,
		UserID:         userID,
		Amount:         amount,
		Status:         models.PaymentStatusSuccess,
		EventType:      "payment_success",
		GatewayOrderID: req.GatewayOrderID,
	}
	if h.producer != nil {
		if err := kafka.PublishEvent(ctx, h.producer, "order_events", event, h.logger); err != nil {
			h.logger.Error("Failed to publish payment_success event", zap.Error(err))
			// Don't fail the request, but log the error
		}
	}

	h.logger.Info("Payment verified",
		zap.Int("payment_id", paymentID),
		zap.Int("order_id", orderID),
		zap.String("gateway_payment_id", req.GatewayPaymentID),
	)
	c.JSON(http.StatusOK, gin.H{"status": "success", "order_id": orderID})
}
