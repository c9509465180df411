package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/Mekazstan/school-payments/internal/payment"
)

type ApiResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type ApiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ErrorResponse struct {
	Success bool     `json:"success"`
	Error   ApiError `json:"error"`
}

func respondWithError(w http.ResponseWriter, code int, apiErr ApiError) {
	if code >= 500 {
		log.Printf("Responding with 5XX error: %s - %s", apiErr.Code, apiErr.Message)
	}

	response := ErrorResponse{
		Success: false,
		Error:   apiErr,
	}

	respondWithJSON(w, code, response)
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshalling JSON: %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		fallbackError := ErrorResponse{
			Success: false,
			Error: ApiError{
				Code:    "INTERNAL_ERROR",
				Message: "Failed to generate response",
			},
		}
		json.NewEncoder(w).Encode(fallbackError)
		return
	}

	w.WriteHeader(code)
	w.Write(data)
}

// respondWithPaymentError maps payment errors to status codes. Unknown
// errors are reported as 500 without their text.
func respondWithPaymentError(w http.ResponseWriter, err error) {
	var (
		validationErr *payment.ValidationError
		refundErr     *payment.RefundIneligibleError
		gatewayErr    *payment.GatewayError
	)

	switch {
	case errors.As(err, &validationErr):
		respondWithError(w, http.StatusBadRequest, ApiError{
			Code:    "VALIDATION_ERROR",
			Message: validationErr.Message,
			Details: map[string]string{"field": validationErr.Field},
		})
	case errors.As(err, &refundErr):
		respondWithError(w, http.StatusUnprocessableEntity, ApiError{
			Code:    "REFUND_NOT_ALLOWED",
			Message: refundErr.Reason,
		})
	case errors.Is(err, payment.ErrNotFound):
		respondWithError(w, http.StatusNotFound, ApiError{
			Code:    "TRANSACTION_NOT_FOUND",
			Message: "Transaction not found",
		})
	case errors.Is(err, payment.ErrConfiguration):
		respondWithError(w, http.StatusServiceUnavailable, ApiError{
			Code:    "GATEWAY_NOT_CONFIGURED",
			Message: "The selected payment gateway is not available",
		})
	case errors.As(err, &gatewayErr):
		respondWithError(w, http.StatusBadGateway, ApiError{
			Code:    "GATEWAY_ERROR",
			Message: gatewayErr.Message,
			Details: map[string]interface{}{"provider": gatewayErr.Provider},
		})
	default:
		log.Printf("Unhandled payment error: %v", err)
		respondWithError(w, http.StatusInternalServerError, ApiError{
			Code:    "INTERNAL_ERROR",
			Message: "An unexpected error occurred",
		})
	}
}
