package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/Mekazstan/school-payments/internal/payment"
	"github.com/shopspring/decimal"
)

const maxWebhookBody = 1 << 20

// paymentService is the part of *payment.Service the handlers call.
type paymentService interface {
	InitializePayment(ctx context.Context, req payment.PaymentRequest) (*payment.InitializeResponse, error)
	VerifyPayment(ctx context.Context, reference string) (*payment.VerifyResponse, error)
	ProcessRefund(ctx context.Context, transactionID int64, amount decimal.Decimal, reason string) (*payment.RefundResult, error)
	CanRefund(ctx context.Context, transactionID int64) (*payment.RefundEligibility, error)
	AvailableGateways(ctx context.Context, schoolID *int64, testMode bool) []payment.Provider
	InvalidateGateway(provider payment.Provider, schoolID *int64)
	SignatureHeader(provider payment.Provider) (string, bool)
	ProcessWebhook(ctx context.Context, provider payment.Provider, body []byte, signature string) (payment.WebhookResult, error)
}

type apiConfig struct {
	payments       paymentService
	jwtSecret      string
	appURL         string
	testMode       bool
	trustedProxies []netip.Prefix
}

func (cfg *apiConfig) initializePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req payment.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    "INVALID_REQUEST",
			Message: "Invalid request body",
		})
		return
	}
	req.TestMode = cfg.testMode

	res, err := cfg.payments.InitializePayment(r.Context(), req)
	if err != nil {
		respondWithPaymentError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, ApiResponse{
		Success: true,
		Message: "Payment initialized",
		Data:    res,
	})
}

func (cfg *apiConfig) verifyPaymentHandler(w http.ResponseWriter, r *http.Request) {
	res, err := cfg.payments.VerifyPayment(r.Context(), r.PathValue("reference"))
	if err != nil {
		respondWithPaymentError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data:    res,
	})
}

// paymentCallbackHandler is where providers send the payer after checkout.
// It verifies the payment and redirects to the frontend result page.
func (cfg *apiConfig) paymentCallbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reference := firstNonEmpty(q.Get("reference"), q.Get("trxref"), q.Get("tx_ref"))
	if reference == "" {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    "MISSING_REFERENCE",
			Message: "Payment reference is required",
		})
		return
	}

	var status string
	res, err := cfg.payments.VerifyPayment(r.Context(), reference)
	if err != nil {
		log.Printf("Callback verification for %s failed: %v", reference, err)
		status = "error"
	} else {
		status = string(res.Status)
	}

	target := strings.TrimRight(cfg.appURL, "/") + "/payments/result?" + url.Values{
		"reference": {reference},
		"status":    {status},
	}.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}

func (cfg *apiConfig) refundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	type parameters struct {
		Amount *decimal.Decimal `json:"amount"`
		Reason string           `json:"reason"`
	}

	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	var params parameters
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && err != io.EOF {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    "INVALID_REQUEST",
			Message: "Invalid request body",
		})
		return
	}

	amount := decimal.Zero
	if params.Amount != nil {
		amount = *params.Amount
	}

	userID, _ := GetUserID(r.Context())
	log.Printf("Refund of transaction %d requested by %s", id, userID)

	res, err := cfg.payments.ProcessRefund(r.Context(), id, amount, params.Reason)
	if err != nil {
		respondWithPaymentError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Message: "Refund processed",
		Data:    res,
	})
}

func (cfg *apiConfig) refundEligibilityHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}

	res, err := cfg.payments.CanRefund(r.Context(), id)
	if err != nil {
		respondWithPaymentError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data:    res,
	})
}

func (cfg *apiConfig) listGatewaysHandler(w http.ResponseWriter, r *http.Request) {
	schoolID, ok := schoolIDParam(w, r)
	if !ok {
		return
	}

	testMode := cfg.testMode
	if raw := r.URL.Query().Get("test_mode"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			testMode = v
		}
	}

	respondWithJSON(w, http.StatusOK, ApiResponse{
		Success: true,
		Data: map[string]interface{}{
			"gateways":  cfg.payments.AvailableGateways(r.Context(), schoolID, testMode),
			"test_mode": testMode,
		},
	})
}

// invalidateGatewayHandler is called by the school admin after rotating
// gateway credentials, so the next request builds a fresh adapter.
func (cfg *apiConfig) invalidateGatewayHandler(w http.ResponseWriter, r *http.Request) {
	provider, err := payment.ParseProvider(r.PathValue("provider"))
	if err != nil {
		respondWithPaymentError(w, err)
		return
	}
	schoolID, ok := schoolIDParam(w, r)
	if !ok {
		return
	}

	cfg.payments.InvalidateGateway(provider, schoolID)
	w.WriteHeader(http.StatusNoContent)
}

// webhookHandler answers 200 for everything except processing failures, so
// providers stop retrying deliveries that can never succeed.
func (cfg *apiConfig) webhookHandler(w http.ResponseWriter, r *http.Request) {
	provider := payment.Provider(strings.ToLower(r.PathValue("provider")))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    "INVALID_PAYLOAD",
			Message: "Failed to read request body",
		})
		return
	}

	var signature string
	if header, ok := cfg.payments.SignatureHeader(provider); ok {
		signature = r.Header.Get(header)
	}

	result, err := cfg.payments.ProcessWebhook(r.Context(), provider, body, signature)
	if err != nil {
		log.Printf("Webhook from %s failed: %v", provider, err)
		respondWithError(w, http.StatusInternalServerError, ApiError{
			Code:    "WEBHOOK_FAILED",
			Message: "Webhook could not be processed",
		})
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"status": "received",
		"result": result,
	})
}

func transactionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    "INVALID_TRANSACTION_ID",
			Message: "Invalid transaction ID",
		})
		return 0, false
	}
	return id, true
}

// schoolIDParam reads the optional school_id query parameter. Absent means
// the platform-level gateway.
func schoolIDParam(w http.ResponseWriter, r *http.Request) (*int64, bool) {
	raw := r.URL.Query().Get("school_id")
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    "INVALID_SCHOOL_ID",
			Message: "school_id must be a positive integer",
		})
		return nil, false
	}
	return &id, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
