package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"checkout-svc/gateway"
	"checkout-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Mock payment gateway for testing.
type mockGateway struct {
	createOrderFunc func(ctx context.Context, amountMinor int64, currency, receipt string) (*gateway.GatewayOrder, error)
	signatureValid  bool
}

func (m *mockGateway) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (*gateway.GatewayOrder, error) {
	if m.createOrderFunc != nil {
		return m.createOrderFunc(ctx, amountMinor, currency, receipt)
	}
	return &gateway.GatewayOrder{ID: "gw_1", Amount: amountMinor, Currency: currency}, nil
}

func (m *mockGateway) VerifySignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return m.signatureValid
}

func (m *mockGateway) KeyID() string {
	return "rzp_test_key"
}

func setupPaymentTest(t *testing.T, gw PaymentGateway) (*PaymentHandler, sqlmock.Sqlmock, *gin.Engine) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	handler := NewPaymentHandler(db, nil, gw, logger)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(testIdentity("user-1234-abcd"))
	router.POST("/payments/initiate", handler.InitiatePayment)
	router.POST("/payments/verify", handler.VerifyPayment)

	return handler, mock, router
}

func initiateRequest(router *gin.Engine, orderID int) *httptest.ResponseRecorder {
	body, _ := json.Marshal(models.InitiatePaymentRequest{OrderID: orderID})
	req := httptest.NewRequest("POST", "/payments/initiate", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func verifyRequest(router *gin.Engine, body models.VerifyPaymentRequest) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", "/payments/verify", bytes.NewBuffer(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPaymentHandler_InitiatePayment_Success(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_number, status, total_amount, currency FROM orders").
		WithArgs(1, "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"order_number", "status", "total_amount", "currency"}).
			AddRow("ORD-1", "pending", 200.0, "INR"))

	mock.ExpectQuery("SELECT gateway_order_id FROM payments").
		WithArgs(1).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectQuery("INSERT INTO payments").
		WithArgs(1, "user-1234-abcd", 200.0, "INR", "pending", "gw_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	w := initiateRequest(router, 1)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.InitiatePaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.GatewayOrderID != "gw_1" {
		t.Errorf("Expected gateway_order_id gw_1, got %s", resp.GatewayOrderID)
	}
	if resp.Amount != 20000 {
		t.Errorf("Expected amount 20000 minor units, got %d", resp.Amount)
	}
	if resp.Key != "rzp_test_key" {
		t.Errorf("Expected publishable key, got %s", resp.Key)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_InitiatePayment_ReusesPendingPayment(t *testing.T) {
	gw := &mockGateway{
		createOrderFunc: func(ctx context.Context, amountMinor int64, currency, receipt string) (*gateway.GatewayOrder, error) {
			t.Error("Gateway should not be called when a pending payment exists")
			return nil, fmt.Errorf("unexpected call")
		},
	}
	handler, mock, router := setupPaymentTest(t, gw)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_number, status, total_amount, currency FROM orders").
		WithArgs(1, "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"order_number", "status", "total_amount", "currency"}).
			AddRow("ORD-1", "pending", 200.0, "INR"))

	mock.ExpectQuery("SELECT gateway_order_id FROM payments").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"gateway_order_id"}).AddRow("gw_existing"))

	w := initiateRequest(router, 1)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.InitiatePaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.GatewayOrderID != "gw_existing" {
		t.Errorf("Expected existing gateway handle gw_existing, got %s", resp.GatewayOrderID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_InitiatePayment_InsertRaceReturnsWinner(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_number, status, total_amount, currency FROM orders").
		WithArgs(1, "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"order_number", "status", "total_amount", "currency"}).
			AddRow("ORD-1", "pending", 200.0, "INR"))

	mock.ExpectQuery("SELECT gateway_order_id FROM payments").
		WithArgs(1).
		WillReturnError(sql.ErrNoRows)

	// A concurrent initiate wins the insert; the partial unique index rejects
	// this one and the handler hands back the winner's gateway handle.
	mock.ExpectQuery("INSERT INTO payments").
		WithArgs(1, "user-1234-abcd", 200.0, "INR", "pending", "gw_1").
		WillReturnError(&pq.Error{Code: "23505"})

	mock.ExpectQuery("SELECT gateway_order_id FROM payments").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"gateway_order_id"}).AddRow("gw_winner"))

	w := initiateRequest(router, 1)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var resp models.InitiatePaymentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.GatewayOrderID != "gw_winner" {
		t.Errorf("Expected winner's gateway handle gw_winner, got %s", resp.GatewayOrderID)
	}
	if resp.Amount != 20000 {
		t.Errorf("Expected amount 20000 minor units, got %d", resp.Amount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_InitiatePayment_GatewayUnavailable(t *testing.T) {
	gw := &mockGateway{
		createOrderFunc: func(ctx context.Context, amountMinor int64, currency, receipt string) (*gateway.GatewayOrder, error) {
			return nil, fmt.Errorf("gateway returned status 503")
		},
	}
	handler, mock, router := setupPaymentTest(t, gw)
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_number, status, total_amount, currency FROM orders").
		WithArgs(1, "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"order_number", "status", "total_amount", "currency"}).
			AddRow("ORD-1", "pending", 200.0, "INR"))

	mock.ExpectQuery("SELECT gateway_order_id FROM payments").
		WithArgs(1).
		WillReturnError(sql.ErrNoRows)

	// No payment row is created when the gateway is down.
	w := initiateRequest(router, 1)

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected status %d, got %d", http.StatusBadGateway, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_InitiatePayment_OrderNotFound(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_number, status, total_amount, currency FROM orders").
		WithArgs(42, "user-1234-abcd").
		WillReturnError(sql.ErrNoRows)

	w := initiateRequest(router, 42)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_InitiatePayment_OrderNotPending(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT order_number, status, total_amount, currency FROM orders").
		WithArgs(1, "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"order_number", "status", "total_amount", "currency"}).
			AddRow("ORD-1", "confirmed", 200.0, "INR"))

	w := initiateRequest(router, 1)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_VerifyPayment_Success(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{signatureValid: true})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, order_id, amount FROM payments").
		WithArgs("gw_1", "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount"}).AddRow(1, 1, 200.0))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments SET").
		WithArgs("success", "pay_1", "sig", "razorpay", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET").
		WithArgs("confirmed", "paid", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := verifyRequest(router, models.VerifyPaymentRequest{
		GatewayOrderID:   "gw_1",
		GatewayPaymentID: "pay_1",
		GatewaySignature: "sig",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_VerifyPayment_BadSignature(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{signatureValid: false})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, order_id, amount FROM payments").
		WithArgs("gw_1", "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount"}).AddRow(1, 1, 200.0))

	// No transaction: payment and order stay untouched.
	w := verifyRequest(router, models.VerifyPaymentRequest{
		GatewayOrderID:   "gw_1",
		GatewayPaymentID: "pay_1",
		GatewaySignature: "tampered",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_VerifyPayment_NoPendingPayment(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{signatureValid: true})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, order_id, amount FROM payments").
		WithArgs("gw_unknown", "user-1234-abcd").
		WillReturnError(sql.ErrNoRows)

	w := verifyRequest(router, models.VerifyPaymentRequest{
		GatewayOrderID:   "gw_unknown",
		GatewayPaymentID: "pay_1",
		GatewaySignature: "sig",
	})

	// Indistinguishable from a signature mismatch.
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	if body := w.Body.String(); body != `{"error":"Payment verification failed"}` {
		t.Errorf("Unexpected body: %s", body)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_VerifyPayment_OrderUpdateFailureRollsBack(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{signatureValid: true})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, order_id, amount FROM payments").
		WithArgs("gw_1", "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount"}).AddRow(1, 1, 200.0))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payments SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE orders SET").
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	w := verifyRequest(router, models.VerifyPaymentRequest{
		GatewayOrderID:   "gw_1",
		GatewayPaymentID: "pay_1",
		GatewaySignature: "sig",
	})

	// A fault between the two writes leaves neither applied.
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}

func TestPaymentHandler_VerifyPayment_ReplayFailsCleanly(t *testing.T) {
	handler, mock, router := setupPaymentTest(t, &mockGateway{signatureValid: true})
	defer handler.db.Close()

	mock.ExpectQuery("SELECT id, order_id, amount FROM payments").
		WithArgs("gw_1", "user-1234-abcd").
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount"}).AddRow(1, 1, 200.0))

	mock.ExpectBegin()
	// A concurrent verify settled the payment first; zero rows affected.
	mock.ExpectExec("UPDATE payments SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	w := verifyRequest(router, models.VerifyPaymentRequest{
		GatewayOrderID:   "gw_1",
		GatewayPaymentID: "pay_1",
		GatewaySignature: "sig",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Database expectations were not met: %v", err)
	}
}
