package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeSignatureHeader carries "t=<unix>,v1=<hex hmac-sha256>".
const StripeSignatureHeader = "Stripe-Signature"

// StripeGateway drives Checkout Sessions. Verification searches payment
// intents by the reference stored in their metadata.
type StripeGateway struct {
	cfg      GatewayConfig
	client   *GatewayClient
	api      *client.API
	handlers map[string]eventHandler
}

func NewStripeGateway(cfg GatewayConfig, gc *GatewayClient) (Gateway, error) {
	if gc == nil {
		gc = NewGatewayClient(ProviderStripe)
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        gc.HTTPClient(),
		MaxNetworkRetries: stripe.Int64(0),
	}
	if base := gc.BaseURLOverride(); base != "" {
		backendCfg.URL = stripe.String(base)
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})

	g := &StripeGateway{cfg: cfg, client: gc, api: api}
	g.handlers = map[string]eventHandler{
		"checkout.session.completed":               verifyOnWebhook,
		"checkout.session.async_payment_succeeded": verifyOnWebhook,
		"payment_intent.succeeded":                 verifyOnWebhook,
		"payment_intent.payment_failed":            verifyOnWebhook,
		"charge.refunded":                          g.logRefund,
		"payout.paid":                              acknowledgeWebhook("payout acknowledged"),
	}
	return g, nil
}

func (s *StripeGateway) Provider() Provider {
	return ProviderStripe
}

func (s *StripeGateway) InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if err := ValidateRequiredFields(req.Amount, req.Email); err != nil {
		return nil, err
	}
	if req.CallbackURL == "" {
		return nil, &ValidationError{Field: "callback_url", Message: "stripe checkout needs a success URL"}
	}

	description := req.Description
	if description == "" {
		description = "School payment"
	}
	meta := stringMetadata(req.Metadata)
	meta["reference"] = req.Reference

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(req.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(description),
						Description: stripe.String("Reference " + req.Reference),
					},
					UnitAmount: stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(withReference(req.CallbackURL, req.Reference)),
		CancelURL:         stripe.String(withReference(req.CallbackURL, req.Reference)),
		CustomerEmail:     stripe.String(req.Email),
		ClientReferenceID: stripe.String(req.Reference),
		Metadata:          meta,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx

	var sess *stripe.CheckoutSession
	err := s.client.Run("checkout session", func() error {
		var err error
		sess, err = s.api.CheckoutSessions.New(params)
		return err
	})
	if err != nil {
		return nil, stripeFailure(err)
	}

	raw, _ := json.Marshal(sess)
	return &InitializeResult{
		PaymentURL:    sess.URL,
		Reference:     req.Reference,
		TransactionID: sess.ID,
		Raw:           raw,
	}, nil
}

// VerifyPayment finds the newest payment intent tagged with reference. Search
// is eventually consistent, so a miss is reported as pending and left for
// reconciliation.
func (s *StripeGateway) VerifyPayment(ctx context.Context, reference string) (*Verification, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Query = fmt.Sprintf("metadata['reference']:'%s'", strings.ReplaceAll(reference, "'", ""))
	params.Context = ctx

	var intent *stripe.PaymentIntent
	err := s.client.Run("payment intent search", func() error {
		iter := s.api.PaymentIntents.Search(params)
		for iter.Next() {
			pi := iter.PaymentIntent()
			if intent == nil || pi.Created > intent.Created {
				intent = pi
			}
		}
		return iter.Err()
	})
	if err != nil {
		return nil, stripeFailure(err)
	}

	if intent == nil {
		return &Verification{
			Status:    VerificationPending,
			Reference: reference,
			Message:   "no payment intent recorded yet",
		}, nil
	}

	raw, _ := json.Marshal(intent)
	currency := strings.ToUpper(string(intent.Currency))
	v := &Verification{
		Reference:     reference,
		TransactionID: intent.ID,
		PaidAmount:    FromMinorUnits(intent.AmountReceived, currency),
		Currency:      currency,
		PaidAt:        time.Unix(intent.Created, 0).UTC(),
		Message:       string(intent.Status),
		Raw:           raw,
	}
	if len(intent.PaymentMethodTypes) > 0 {
		v.Channel = intent.PaymentMethodTypes[0]
	}

	switch {
	case intent.Status == stripe.PaymentIntentStatusSucceeded:
		v.Status = VerificationSuccess
	case intent.Status == stripe.PaymentIntentStatusCanceled:
		v.Status = VerificationFailed
	case intent.Status == stripe.PaymentIntentStatusRequiresPaymentMethod && intent.LastPaymentError != nil:
		v.Status = VerificationFailed
		v.Message = intent.LastPaymentError.Msg
	default:
		v.Status = VerificationPending
	}
	return v, nil
}

func (s *StripeGateway) RefundPayment(ctx context.Context, req RefundRequest) (*RefundOutcome, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Amount:        stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.Context = ctx

	var refund *stripe.Refund
	err := s.client.Run("refund", func() error {
		var err error
		refund, err = s.api.Refunds.New(params)
		return err
	})
	if err != nil {
		return nil, stripeFailure(err)
	}

	raw, _ := json.Marshal(refund)
	return &RefundOutcome{Status: string(refund.Status), RefundID: refund.ID, Raw: raw}, nil
}

func (s *StripeGateway) SupportedCurrencies() []string {
	return []string{"USD", "EUR", "GBP", "CAD", "AUD", "NGN", "GHS", "KES", "ZAR"}
}

// ValidateWebhook checks the Stripe-Signature header against the endpoint
// secret, rejecting timestamps outside the library's default tolerance.
func (s *StripeGateway) ValidateWebhook(payload []byte, signature string) bool {
	if s.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayload(payload, signature, s.cfg.WebhookSecret) == nil
}

func (s *StripeGateway) ProcessWebhook(ctx context.Context, event WebhookEvent) WebhookResult {
	return routeWebhook(ctx, s.handlers, event)
}

func (s *StripeGateway) logRefund(_ context.Context, event WebhookEvent) WebhookResult {
	s.client.Logger().Printf("[stripe] %s for transaction %s", event.Type, event.Reference)
	return WebhookResult{Status: WebhookProcessed, Reference: event.Reference, Message: "refund event logged"}
}

func (s *StripeGateway) IsAvailable() bool {
	return s.cfg.SecretKey != ""
}

// ParseStripeWebhook reads {type, data: {object}}. The reference comes from
// client_reference_id on sessions and metadata.reference elsewhere.
func ParseStripeWebhook(payload []byte) (*WebhookEvent, error) {
	var raw struct {
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse webhook event: %w", err)
	}

	var obj struct {
		ClientReferenceID string            `json:"client_reference_id"`
		Metadata          map[string]string `json:"metadata"`
	}
	_ = json.Unmarshal(raw.Data.Object, &obj)

	ref := obj.ClientReferenceID
	if ref == "" {
		ref = obj.Metadata["reference"]
	}
	return &WebhookEvent{Provider: ProviderStripe, Type: raw.Type, Reference: ref, Data: raw.Data.Object}, nil
}

func stripeFailure(err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return &GatewayError{Provider: ProviderStripe, HTTPStatus: serr.HTTPStatusCode, Message: serr.Msg, Err: err}
	}
	return &GatewayError{Provider: ProviderStripe, Message: err.Error(), Err: err}
}

func stringMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			b, err := json.Marshal(val)
			if err != nil {
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func withReference(callbackURL, reference string) string {
	sep := "?"
	if strings.Contains(callbackURL, "?") {
		sep = "&"
	}
	return callbackURL + sep + "reference=" + reference
}
