package handlers

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"checkout-svc/catalog"
	"checkout-svc/kafka"
	"checkout-svc/middleware"
	"checkout-svc/models"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ProductCatalog resolves product display data for order item snapshots.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id string) (*catalog.Product, error)
}

type OrderHandler struct {
	db       *sql.DB
	producer sarama.SyncProducer
	catalog  ProductCatalog
	logger   *zap.Logger
}

func NewOrderHandler(
	db *sql.DB,
	producer sarama.SyncProducer,
	productCatalog ProductCatalog,
	logger *zap.Logger,
) *OrderHandler {
	return &OrderHandler{
		db:       db,
		producer: producer,
		catalog:  productCatalog,
		logger:   logger,
	}
}

// generateOrderNumber builds a human-readable order number. The random suffix
// keeps numbers unique when checkouts land on the same millisecond.
func generateOrderNumber(userID string) string {
	prefix := userID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("ORD-%d-%s-%s", time.Now().UnixMilli(), prefix, hex.EncodeToString(suffix))
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-svc").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	userID := middleware.CurrentUserID(c)

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.Float64("total_amount", req.TotalAmount),
		attribute.Int("item_count", len(req.Items)),
	)

	// The checkout flow sends only the grand total, so the subtotal carries
	// the full amount and the tax/shipping/discount components stay zero.
	order := models.Order{
		UserID:        userID,
		OrderNumber:   generateOrderNumber(userID),
		Status:        models.OrderStatusPending,
		PaymentStatus: models.OrderPaymentStatusPending,
		Subtotal:      req.TotalAmount,
		TotalAmount:   req.TotalAmount,
		Currency:      "INR",
	}

	err := h.db.QueryRowContext(
		ctx,
		"INSERT INTO orders (user_id, order_number, status, payment_status, subtotal, total_amount, currency) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at",
		order.UserID,
		order.OrderNumber,
		order.Status,
		order.PaymentStatus,
		order.Subtotal,
		order.TotalAmount,
		order.Currency,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)

	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	span.SetAttributes(attribute.Int("order.id", order.ID))

	for _, reqItem := range req.Items {
		item := models.OrderItem{
			OrderID:     order.ID,
			ProductID:   reqItem.ProductID,
			ProductName: "Unknown Product",
			Quantity:    reqItem.Quantity,
			UnitPrice:   reqItem.Price,
			TotalPrice:  reqItem.Price * float64(reqItem.Quantity),
		}

		// Best-effort snapshot: a missing catalog entry never aborts the order.
		if product, err := h.catalog.GetProduct(ctx, reqItem.ProductID); err == nil {
			item.ProductName = product.Name
			item.ProductSKU = product.SKU
		} else {
			h.logger.Warn("Product lookup failed, using placeholder snapshot",
				zap.String("product_id", reqItem.ProductID),
				zap.Error(err),
			)
		}

		err := h.db.QueryRowContext(
			ctx,
			"INSERT INTO order_items (order_id, product_id, product_name, product_sku, quantity, unit_price, total_price) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at",
			item.OrderID,
			item.ProductID,
			item.ProductName,
			item.ProductSKU,
			item.Quantity,
			item.UnitPrice,
			item.TotalPrice,
		).Scan(&item.ID, &item.CreatedAt)

		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to store order item",
				zap.Int("order_id", order.ID),
				zap.String("product_id", item.ProductID),
				zap.Error(err),
			)
			continue
		}

		order.Items = append(order.Items, item)
	}

	event := models.OrderEvent{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
		Status:      order.Status,
		EventType:   "order_created",
	}
	if h.producer != nil {
		if err := kafka.PublishEvent(ctx, h.producer, "order_events", event, h.logger); err != nil {
			h.logger.Error("Failed to publish order_created event", zap.Error(err))
			// Don't fail the request, but log the error
		}
	}

	middleware.RecordOrderCreated()

	h.logger.Info("Order created",
		zap.Int("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int("items", len(order.Items)),
	)
	c.JSON(http.StatusCreated, order)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-svc").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	userID := middleware.CurrentUserID(c)

	orderID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	span.SetAttributes(attribute.Int("order.id", orderID))

	order, err := h.scanOrder(h.db.QueryRowContext(
		ctx,
		selectOrderColumns+" FROM orders WHERE id = $1 AND user_id = $2",
		orderID, userID,
	))
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

	if err := h.attachOrderDetails(ctx, order); err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to load order details", zap.Int("order_id", order.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) ListOrders(c *gin.Context) {
	ctx, span := otel.Tracer("checkout-svc").Start(c.Request.Context(), "ListOrders")
	defer span.End()

	userID := middleware.CurrentUserID(c)
	span.SetAttributes(attribute.String("user_id", userID))

	rows, err := h.db.QueryContext(
		ctx,
		selectOrderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID,
	)
	if err != nil {
		span.RecordError(err)
		h.logger.Error("Failed to fetch orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	orders := []*models.Order{}
	for rows.Next() {
		order, err := h.scanOrder(rows)
		if err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to scan order", zap.Error(err))
			continue
		}
		orders = append(orders, order)
	}

	for _, order := range orders {
		if err := h.attachOrderDetails(ctx, order); err != nil {
			span.RecordError(err)
			h.logger.Error("Failed to load order details", zap.Int("order_id", order.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
	}

	span.SetAttributes(attribute.Int("orders.count", len(orders)))
	c.JSON(http.StatusOK, orders)
}

const selectOrderColumns = "SELECT id, user_id, order_number, status, payment_status, subtotal, tax_amount, shipping_amount, discount_amount, total_amount, currency, shipping_address, billing_address, notes, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func (h *OrderHandler) scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var shippingAddress, billingAddress, notes sql.NullString
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.OrderNumber,
		&order.Status,
		&order.PaymentStatus,
		&order.Subtotal,
		&order.TaxAmount,
		&order.ShippingAmount,
		&order.DiscountAmount,
		&order.TotalAmount,
		&order.Currency,
		&shippingAddress,
		&billingAddress,
		&notes,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.ShippingAddress = nullableString(shippingAddress)
	order.BillingAddress = nullableString(billingAddress)
	order.Notes = nullableString(notes)
	return &order, nil
}

// attachOrderDetails loads the item and payment children for an order.
func (h *OrderHandler) attachOrderDetails(ctx context.Context, order *models.Order) error {
	itemRows, err := h.db.QueryContext(
		ctx,
		"SELECT id, order_id, product_id, product_name, product_sku, quantity, unit_price, total_price, created_at FROM order_items WHERE order_id = $1 ORDER BY id",
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to fetch order items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var item models.OrderItem
		if err := itemRows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.ProductSKU,
			&item.Quantity,
			&item.UnitPrice,
			&item.TotalPrice,
			&item.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}

	paymentRows, err := h.db.QueryContext(
		ctx,
		"SELECT id, order_id, user_id, amount, currency, status, gateway_order_id, gateway_payment_id, gateway_signature, payment_method, gateway_response, created_at, updated_at FROM payments WHERE order_id = $1 ORDER BY id",
		order.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to fetch payments: %w", err)
	}
	defer paymentRows.Close()

	for paymentRows.Next() {
		var payment models.Payment
		var gatewayOrderID, gatewayPaymentID, gatewaySignature, paymentMethod, gatewayResponse sql.NullString
		if err := paymentRows.Scan(
			&payment.ID,
			&payment.OrderID,
			&payment.UserID,
			&payment.Amount,
			&payment.Currency,
			&payment.Status,
			&gatewayOrderID,
			&gatewayPaymentID,
			&gatewaySignature,
			&paymentMethod,
			&gatewayResponse,
			&payment.CreatedAt,
			&payment.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to scan payment: %w", err)
		}
		payment.GatewayOrderID = nullableString(gatewayOrderID)
		payment.GatewayPaymentID = nullableString(gatewayPaymentID)
		payment.GatewaySignature = nullableString(gatewaySignature)
		payment.PaymentMethod = nullableString(paymentMethod)
		payment.GatewayResponse = nullableString(gatewayResponse)
		order.Payments = append(order.Payments, payment)
	}

	return nil
}

func nullableString(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}
