package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderPaystack    Provider = "paystack"
	ProviderFlutterwave Provider = "flutterwave"
	ProviderStripe      Provider = "stripe"
)

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderPaystack, ProviderFlutterwave, ProviderStripe:
		return p, nil
	}
	return "", &ValidationError{Field: "provider", Message: fmt.Sprintf("unsupported provider %q", s)}
}

type Mode string

const (
	ModeTest Mode = "test"
	ModeLive Mode = "live"
)

func ModeFor(testMode bool) Mode {
	if testMode {
		return ModeTest
	}
	return ModeLive
}

// Gateway is the contract every provider adapter implements. Amounts are
// always expressed in the major currency unit on this side of the adapter.
type Gateway interface {
	Provider() Provider
	InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	VerifyPayment(ctx context.Context, reference string) (*Verification, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundOutcome, error)
	SupportedCurrencies() []string
	// ValidateWebhook never panics: malformed input or a wrong secret is false.
	ValidateWebhook(payload []byte, signature string) bool
	ProcessWebhook(ctx context.Context, event WebhookEvent) WebhookResult
	IsAvailable() bool
}

type InitializeRequest struct {
	Reference   string
	Amount      decimal.Decimal
	Currency    string
	Email       string
	Name        string
	CallbackURL string
	Description string
	Metadata    map[string]any
}

type InitializeResult struct {
	PaymentURL    string
	Reference     string
	TransactionID string
	Raw           json.RawMessage
}

type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "success"
	VerificationFailed  VerificationStatus = "failed"
	VerificationPending VerificationStatus = "pending"
)

type Verification struct {
	Status        VerificationStatus
	Reference     string
	TransactionID string
	PaidAmount    decimal.Decimal
	Currency      string
	PaidAt        time.Time
	Channel       string
	Message       string
	Raw           json.RawMessage
}

type RefundRequest struct {
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Reason        string
}

type RefundOutcome struct {
	Status   string
	RefundID string
	Raw      json.RawMessage
}

// WebhookEvent is the parsed, provider-agnostic view of a delivery. Reference
// is extracted before the signature is checked and must not be trusted alone.
type WebhookEvent struct {
	Provider  Provider
	Type      string
	Reference string
	Data      json.RawMessage
}

type WebhookStatus string

const (
	WebhookProcessed WebhookStatus = "processed"
	WebhookIgnored   WebhookStatus = "ignored"
	WebhookRejected  WebhookStatus = "rejected"
	WebhookDuplicate WebhookStatus = "duplicate"
)

type WebhookAction int

const (
	ActionNone WebhookAction = iota
	ActionVerify
)

type WebhookResult struct {
	Status    WebhookStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	Event     string        `json:"event,omitempty"`
	Reference string        `json:"reference,omitempty"`
	Action    WebhookAction `json:"-"`
}

// eventHandler maps one provider event name to a result.
type eventHandler func(ctx context.Context, event WebhookEvent) WebhookResult

func routeWebhook(ctx context.Context, handlers map[string]eventHandler, event WebhookEvent) WebhookResult {
	handle, ok := handlers[event.Type]
	if !ok {
		return WebhookResult{
			Status:  WebhookIgnored,
			Event:   event.Type,
			Message: fmt.Sprintf("unhandled %s event %q", event.Provider, event.Type),
		}
	}
	result := handle(ctx, event)
	result.Event = event.Type
	return result
}

func verifyOnWebhook(_ context.Context, event WebhookEvent) WebhookResult {
	if event.Reference == "" {
		return WebhookResult{Status: WebhookIgnored, Message: "event carries no transaction reference"}
	}
	return WebhookResult{
		Status:    WebhookProcessed,
		Reference: event.Reference,
		Action:    ActionVerify,
		Message:   "transaction queued for verification",
	}
}

func acknowledgeWebhook(message string) eventHandler {
	return func(_ context.Context, event WebhookEvent) WebhookResult {
		return WebhookResult{Status: WebhookProcessed, Reference: event.Reference, Message: message}
	}
}
