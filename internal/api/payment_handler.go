package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"upibridge/internal/intent"
	"upibridge/internal/model"
	"upibridge/internal/orchestrator"
	"upibridge/internal/quote"
)

// PaymentService is the orchestrator surface the handlers need.
type PaymentService interface {
	Accept(ctx context.Context, intentURI, payerAddress string) (*orchestrator.Quote, error)
	Order(orderID string) (*model.PaymentOrder, error)
}

// PaymentHandler handles the payment-facing API endpoints
type PaymentHandler struct {
	service PaymentService
	logger  *zap.Logger
}

func NewPaymentHandler(service PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: service, logger: logger}
}

// ProcessUPI handles POST /process-upi
func (h *PaymentHandler) ProcessUPI(w http.ResponseWriter, r *http.Request) {
	var req ProcessUPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_request_body", "Invalid JSON in request body")
		return
	}

	if req.PaymentIntentURI == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_payment_intent_uri", "Payment intent URI is required")
		return
	}

	if req.PayerAddress == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_payer_address", "Payer address is required")
		return
	}

	quoted, err := h.service.Accept(r.Context(), req.PaymentIntentURI, req.PayerAddress)
	if err != nil {
		switch {
		case errors.Is(err, intent.ErrMalformedIntent):
			h.writeErrorResponse(w, http.StatusBadRequest, model.ErrKindMalformedIntent, err.Error())
		case errors.Is(err, quote.ErrInvalidAmount):
			h.writeErrorResponse(w, http.StatusBadRequest, model.ErrKindInvalidAmount, err.Error())
		case errors.Is(err, quote.ErrRateUnavailable):
			h.writeErrorResponse(w, http.StatusBadGateway, model.ErrKindRateUnavailable, err.Error())
		default:
			h.logger.Error("Failed to accept payment request", zap.Error(err))
			h.writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Failed to process payment request")
		}
		return
	}

	response := ProcessUPIResponse{
		OrderID:          quoted.OrderID,
		Status:           quoted.Status,
		TokenAmount:      quoted.TokenAmount,
		RecipientAddress: quoted.RecipientAddress,
		FiatAmount:       quoted.FiatAmount,
		Currency:         quoted.Currency,
	}

	h.writeJSONResponse(w, http.StatusAccepted, response)
}

// GetPayment handles GET /payments/{order_id}
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orderID := vars["order_id"]

	if orderID == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_order_id", "Order ID is required")
		return
	}

	order, err := h.service.Order(orderID)
	if err != nil {
		h.logger.Error("Failed to get payment order", zap.String("order_id", orderID), zap.Error(err))
		h.writeErrorResponse(w, http.StatusInternalServerError, "database_error", "Failed to retrieve payment order")
		return
	}

	if order == nil {
		h.writeErrorResponse(w, http.StatusNotFound, "order_not_found", "Payment order not found")
		return
	}

	response := PaymentResponse{
		OrderID:          order.OrderID,
		Status:           order.Status,
		PayerAddress:     order.PayerAddress,
		RecipientVPA:     order.RecipientVPA,
		FiatAmount:       order.FiatAmount,
		Currency:         order.Currency,
		TokenAmount:      order.TokenAmount,
		RecipientAddress: order.CustodyAddress,
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
	if order.DepositTxHash != nil {
		response.DepositTxHash = *order.DepositTxHash
	}
	if order.ProviderRef != nil {
		response.ProviderRef = *order.ProviderRef
	}
	if order.ErrorKind != nil {
		response.ErrorKind = *order.ErrorKind
	}
	if order.ErrorReason != nil {
		response.ErrorReason = *order.ErrorReason
	}

	h.writeJSONResponse(w, http.StatusOK, response)
}

// UPIRedirect handles GET /upi-redir?uri=<encoded>
func (h *PaymentHandler) UPIRedirect(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("uri")
	if target == "" {
		h.writeErrorResponse(w, http.StatusBadRequest, "missing_uri", "uri query parameter is required")
		return
	}

	// Only forward to UPI deep links; anything else would make this an open
	// redirect.
	parsed, err := url.Parse(target)
	if err != nil || !strings.EqualFold(parsed.Scheme, "upi") {
		h.writeErrorResponse(w, http.StatusBadRequest, "invalid_uri", "uri must be a upi: link")
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// writeJSONResponse writes a JSON response with the specified status code
func (h *PaymentHandler) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func (h *PaymentHandler) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	h.writeJSONResponse(w, statusCode, errorResponse)
}
