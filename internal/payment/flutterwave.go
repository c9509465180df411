package payment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const flutterwaveBaseURL = "https://api.flutterwave.com/v3"

// FlutterwaveSignatureHeader carries the secret hash configured on the
// Flutterwave dashboard, sent verbatim with every delivery.
const FlutterwaveSignatureHeader = "verif-hash"

// FlutterwaveGateway talks to the v3 API. Amounts travel in the major unit.
type FlutterwaveGateway struct {
	cfg      GatewayConfig
	client   *GatewayClient
	handlers map[string]eventHandler
}

func NewFlutterwaveGateway(cfg GatewayConfig, client *GatewayClient) (Gateway, error) {
	if client == nil {
		client = NewGatewayClient(ProviderFlutterwave)
	}
	g := &FlutterwaveGateway{cfg: cfg, client: client}
	g.handlers = map[string]eventHandler{
		"charge.completed":   verifyOnWebhook,
		"transfer.completed": acknowledgeWebhook("transfer acknowledged"),
		"refund.completed":   g.logRefund,
	}
	return g, nil
}

func (f *FlutterwaveGateway) Provider() Provider {
	return ProviderFlutterwave
}

type flutterwaveEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type flutterwaveCustomer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type flutterwaveCustomizations struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type flutterwavePaymentParams struct {
	TxRef          string                    `json:"tx_ref"`
	Amount         json.Number               `json:"amount"`
	Currency       string                    `json:"currency"`
	RedirectURL    string                    `json:"redirect_url,omitempty"`
	Customer       flutterwaveCustomer       `json:"customer"`
	Meta           map[string]any            `json:"meta,omitempty"`
	Customizations flutterwaveCustomizations `json:"customizations"`
}

type flutterwaveTransaction struct {
	ID                int64       `json:"id"`
	TxRef             string      `json:"tx_ref"`
	Status            string      `json:"status"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	PaymentType       string      `json:"payment_type"`
	CreatedAt         time.Time   `json:"created_at"`
	ProcessorResponse string      `json:"processor_response"`
}

func (f *FlutterwaveGateway) call(ctx context.Context, method, path string, payload any) (*flutterwaveEnvelope, *HTTPResult, error) {
	res, err := f.client.Do(ctx, method, f.client.URL(flutterwaveBaseURL, path), BearerHeaders(f.cfg.SecretKey), payload)
	if err != nil {
		return nil, nil, err
	}

	var env flutterwaveEnvelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		if !res.OK() {
			return nil, res, gatewayFailure(ProviderFlutterwave, res, "")
		}
		return nil, res, &GatewayError{Provider: ProviderFlutterwave, HTTPStatus: res.HTTPStatus, Message: "failed to parse response", Err: err}
	}
	if !res.OK() || env.Status != "success" {
		return nil, res, gatewayFailure(ProviderFlutterwave, res, env.Message)
	}
	return &env, res, nil
}

func (f *FlutterwaveGateway) InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if err := ValidateRequiredFields(req.Amount, req.Email); err != nil {
		return nil, err
	}

	params := flutterwavePaymentParams{
		TxRef:       req.Reference,
		Amount:      majorUnitNumber(req.Amount),
		Currency:    strings.ToUpper(req.Currency),
		RedirectURL: req.CallbackURL,
		Customer:    flutterwaveCustomer{Email: req.Email, Name: req.Name},
		Meta:        req.Metadata,
		Customizations: flutterwaveCustomizations{
			Title:       "School payment",
			Description: req.Description,
		},
	}

	env, res, err := f.call(ctx, http.MethodPost, "/payments", params)
	if err != nil {
		return nil, err
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Link == "" {
		return nil, &GatewayError{Provider: ProviderFlutterwave, HTTPStatus: res.HTTPStatus, Message: "response carried no payment link", Err: err}
	}

	return &InitializeResult{
		PaymentURL: data.Link,
		Reference:  req.Reference,
		Raw:        res.Body,
	}, nil
}

func (f *FlutterwaveGateway) VerifyPayment(ctx context.Context, reference string) (*Verification, error) {
	path := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	env, res, err := f.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var data flutterwaveTransaction
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &GatewayError{Provider: ProviderFlutterwave, HTTPStatus: res.HTTPStatus, Message: "failed to parse verification data", Err: err}
	}

	v := &Verification{
		Reference:     reference,
		TransactionID: fmt.Sprintf("%d", data.ID),
		PaidAmount:    parseAmount(data.Amount),
		Currency:      strings.ToUpper(data.Currency),
		PaidAt:        data.CreatedAt,
		Channel:       data.PaymentType,
		Message:       data.ProcessorResponse,
		Raw:           res.Body,
	}
	switch data.Status {
	case "successful":
		v.Status = VerificationSuccess
	case "failed", "cancelled":
		v.Status = VerificationFailed
	default:
		v.Status = VerificationPending
	}
	return v, nil
}

func (f *FlutterwaveGateway) RefundPayment(ctx context.Context, req RefundRequest) (*RefundOutcome, error) {
	payload := map[string]any{
		"amount":   majorUnitNumber(req.Amount),
		"comments": req.Reason,
	}

	path := "/transactions/" + url.PathEscape(req.TransactionID) + "/refund"
	env, res, err := f.call(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}

	var data struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &GatewayError{Provider: ProviderFlutterwave, HTTPStatus: res.HTTPStatus, Message: "failed to parse refund data", Err: err}
	}
	return &RefundOutcome{Status: data.Status, RefundID: fmt.Sprintf("%d", data.ID), Raw: res.Body}, nil
}

func (f *FlutterwaveGateway) SupportedCurrencies() []string {
	return []string{"NGN", "GHS", "KES", "UGX", "TZS", "RWF", "ZAR", "XAF", "XOF", "USD", "EUR", "GBP"}
}

// ValidateWebhook compares the verif-hash header with the configured secret
// hash. Flutterwave does not sign the body, so there is nothing to recompute.
func (f *FlutterwaveGateway) ValidateWebhook(_ []byte, signature string) bool {
	if f.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(f.cfg.WebhookSecret)) == 1
}

func (f *FlutterwaveGateway) ProcessWebhook(ctx context.Context, event WebhookEvent) WebhookResult {
	return routeWebhook(ctx, f.handlers, event)
}

func (f *FlutterwaveGateway) logRefund(_ context.Context, event WebhookEvent) WebhookResult {
	f.client.Logger().Printf("[flutterwave] %s for transaction %s", event.Type, event.Reference)
	return WebhookResult{Status: WebhookProcessed, Reference: event.Reference, Message: "refund event logged"}
}

func (f *FlutterwaveGateway) IsAvailable() bool {
	return f.cfg.SecretKey != "" && f.cfg.PublicKey != ""
}

// ParseFlutterwaveWebhook reads {event, data}; the reference is data.tx_ref.
func ParseFlutterwaveWebhook(payload []byte) (*WebhookEvent, error) {
	var raw struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}
	var data struct {
		TxRef string `json:"tx_ref"`
	}
	_ = json.Unmarshal(raw.Data, &data)
	return &WebhookEvent{Provider: ProviderFlutterwave, Type: raw.Event, Reference: data.TxRef, Data: raw.Data}, nil
}
