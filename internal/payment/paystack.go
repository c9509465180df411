package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const paystackBaseURL = "https://api.paystack.co"

// PaystackSignatureHeader carries the hex HMAC-SHA512 of the raw body.
const PaystackSignatureHeader = "X-Paystack-Signature"

type PaystackGateway struct {
	cfg      GatewayConfig
	client   *GatewayClient
	handlers map[string]eventHandler
}

func NewPaystackGateway(cfg GatewayConfig, client *GatewayClient) (Gateway, error) {
	if client == nil {
		client = NewGatewayClient(ProviderPaystack)
	}
	g := &PaystackGateway{cfg: cfg, client: client}
	g.handlers = map[string]eventHandler{
		"charge.success":    verifyOnWebhook,
		"transfer.success":  acknowledgeWebhook("transfer acknowledged"),
		"transfer.failed":   acknowledgeWebhook("transfer failure acknowledged"),
		"transfer.reversed": acknowledgeWebhook("transfer reversal acknowledged"),
		"refund.processed":  g.logRefund,
		"refund.failed":     g.logRefund,
		"refund.pending":    g.logRefund,
	}
	return g, nil
}

func (p *PaystackGateway) Provider() Provider {
	return ProviderPaystack
}

type paystackInitializeParams struct {
	Email       string         `json:"email"`
	Amount      int64          `json:"amount"`
	Currency    string         `json:"currency,omitempty"`
	Reference   string         `json:"reference"`
	CallbackURL string         `json:"callback_url,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackTransactionData struct {
	ID              int64     `json:"id"`
	Status          string    `json:"status"`
	Reference       string    `json:"reference"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	Channel         string    `json:"channel"`
	GatewayResponse string    `json:"gateway_response"`
	PaidAt          time.Time `json:"paid_at"`
}

type paystackRefundData struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func (p *PaystackGateway) call(ctx context.Context, method, path string, payload any) (*paystackEnvelope, *HTTPResult, error) {
	res, err := p.client.Do(ctx, method, p.client.URL(paystackBaseURL, path), BearerHeaders(p.cfg.SecretKey), payload)
	if err != nil {
		return nil, nil, err
	}

	var env paystackEnvelope
	if err := json.Unmarshal(res.Body, &env); err != nil {
		if !res.OK() {
			return nil, res, gatewayFailure(ProviderPaystack, res, "")
		}
		return nil, res, &GatewayError{Provider: ProviderPaystack, HTTPStatus: res.HTTPStatus, Message: "failed to parse response", Err: err}
	}
	if !res.OK() || !env.Status {
		return nil, res, gatewayFailure(ProviderPaystack, res, env.Message)
	}
	return &env, res, nil
}

func (p *PaystackGateway) InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if err := ValidateRequiredFields(req.Amount, req.Email); err != nil {
		return nil, err
	}

	params := paystackInitializeParams{
		Email:       req.Email,
		Amount:      ToMinorUnits(req.Amount, req.Currency),
		Currency:    strings.ToUpper(req.Currency),
		Reference:   req.Reference,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	}

	env, res, err := p.call(ctx, http.MethodPost, "/transaction/initialize", params)
	if err != nil {
		return nil, err
	}

	var data paystackInitializeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &GatewayError{Provider: ProviderPaystack, HTTPStatus: res.HTTPStatus, Message: "failed to parse initialize data", Err: err}
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}

	return &InitializeResult{
		PaymentURL:    data.AuthorizationURL,
		Reference:     data.Reference,
		TransactionID: data.AccessCode,
		Raw:           res.Body,
	}, nil
}

func (p *PaystackGateway) VerifyPayment(ctx context.Context, reference string) (*Verification, error) {
	env, res, err := p.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}

	var data paystackTransactionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &GatewayError{Provider: ProviderPaystack, HTTPStatus: res.HTTPStatus, Message: "failed to parse verification data", Err: err}
	}

	v := &Verification{
		Reference:     reference,
		TransactionID: fmt.Sprintf("%d", data.ID),
		PaidAmount:    FromMinorUnits(data.Amount, data.Currency),
		Currency:      strings.ToUpper(data.Currency),
		PaidAt:        data.PaidAt,
		Channel:       data.Channel,
		Message:       data.GatewayResponse,
		Raw:           res.Body,
	}
	switch data.Status {
	case "success":
		v.Status = VerificationSuccess
	case "failed", "reversed":
		v.Status = VerificationFailed
	default:
		v.Status = VerificationPending
	}
	return v, nil
}

func (p *PaystackGateway) RefundPayment(ctx context.Context, req RefundRequest) (*RefundOutcome, error) {
	payload := map[string]any{
		"transaction":   req.TransactionID,
		"amount":        ToMinorUnits(req.Amount, req.Currency),
		"merchant_note": req.Reason,
	}

	env, res, err := p.call(ctx, http.MethodPost, "/refund", payload)
	if err != nil {
		return nil, err
	}

	var data paystackRefundData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &GatewayError{Provider: ProviderPaystack, HTTPStatus: res.HTTPStatus, Message: "failed to parse refund data", Err: err}
	}
	return &RefundOutcome{
		Status:   data.Status,
		RefundID: fmt.Sprintf("%d", data.ID),
		Raw:      res.Body,
	}, nil
}

func (p *PaystackGateway) SupportedCurrencies() []string {
	return []string{"NGN", "GHS", "ZAR", "KES", "USD"}
}

// ValidateWebhook recomputes the HMAC-SHA512 of the raw body with the secret
// key, which is how Paystack signs deliveries.
func (p *PaystackGateway) ValidateWebhook(payload []byte, signature string) bool {
	if p.cfg.SecretKey == "" || signature == "" {
		return false
	}
	received, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(p.cfg.SecretKey))
	mac.Write(payload)
	return hmac.Equal(received, mac.Sum(nil))
}

func (p *PaystackGateway) ProcessWebhook(ctx context.Context, event WebhookEvent) WebhookResult {
	return routeWebhook(ctx, p.handlers, event)
}

func (p *PaystackGateway) logRefund(_ context.Context, event WebhookEvent) WebhookResult {
	p.client.Logger().Printf("[paystack] %s for transaction %s", event.Type, event.Reference)
	return WebhookResult{Status: WebhookProcessed, Reference: event.Reference, Message: "refund event logged"}
}

func (p *PaystackGateway) IsAvailable() bool {
	return p.cfg.SecretKey != "" && p.cfg.PublicKey != ""
}

type paystackWebhookEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ParsePaystackWebhook reads {event, data}. Refund events carry the original
// transaction reference under data.transaction_reference.
func ParsePaystackWebhook(payload []byte) (*WebhookEvent, error) {
	var raw paystackWebhookEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}
	var data struct {
		Reference            string `json:"reference"`
		TransactionReference string `json:"transaction_reference"`
	}
	_ = json.Unmarshal(raw.Data, &data)

	ref := data.Reference
	if strings.HasPrefix(raw.Event, "refund.") && data.TransactionReference != "" {
		ref = data.TransactionReference
	}
	return &WebhookEvent{Provider: ProviderPaystack, Type: raw.Event, Reference: ref, Data: raw.Data}, nil
}
