package payment

import (
	"context"
	"errors"
	"testing"
	"time"
)

func validRequest() PaymentRequest {
	return PaymentRequest{
		Type:     TypeGeneral,
		Provider: ProviderPaystack,
		Amount:   dec("5000"),
		Currency: "NGN",
		Email:    "parent@example.com",
	}
}

func TestValidatorValidate(t *testing.T) {
	v := NewValidator(newMemStore(), WithMinAmount(dec("100")), WithAllowedCurrencies("NGN", "USD"))

	tests := []struct {
		name   string
		modify func(*PaymentRequest)
		field  string
	}{
		{name: "Valid request", modify: func(r *PaymentRequest) {}},
		{name: "Missing email", modify: func(r *PaymentRequest) { r.Email = "" }, field: "email"},
		{name: "Malformed email", modify: func(r *PaymentRequest) { r.Email = "not-an-email" }, field: "email"},
		{name: "Missing type", modify: func(r *PaymentRequest) { r.Type = "" }, field: "type"},
		{name: "Unknown type", modify: func(r *PaymentRequest) { r.Type = "donation" }, field: "type"},
		{name: "Unknown provider", modify: func(r *PaymentRequest) { r.Provider = "paypal" }, field: "provider"},
		{name: "Zero amount", modify: func(r *PaymentRequest) { r.Amount = dec("0") }, field: "amount"},
		{name: "Below minimum", modify: func(r *PaymentRequest) { r.Amount = dec("99.99") }, field: "amount"},
		{name: "Currency not allowed", modify: func(r *PaymentRequest) { r.Currency = "GHS" }, field: "currency"},
		{name: "Fee payment without invoices", modify: func(r *PaymentRequest) { r.Type = TypeFeePayment }, field: "invoiceids"},
		{name: "Fee payment with invoices", modify: func(r *PaymentRequest) { r.Type = TypeFeePayment; r.InvoiceIDs = []int64{1, 2} }},
		{name: "Bad callback URL", modify: func(r *PaymentRequest) { r.CallbackURL = "::nope" }, field: "callbackurl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.modify(&req)
			err := v.Validate(req)

			if tt.field == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %s, got %s (%v)", tt.field, verr.Field, err)
			}
			if !errors.Is(err, ErrValidation) {
				t.Error("Expected error to match ErrValidation")
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	in := map[string]any{
		"note":  `<script>alert("x")</script>`,
		"count": 3,
		"paid":  true,
		"nested": map[string]any{
			"name": "O'Brien & Sons",
			"tags": []any{"<b>", 7},
		},
	}

	out := Sanitize(in)

	if out["note"] != "&lt;script&gt;alert(&#34;x&#34;)&lt;/script&gt;" {
		t.Errorf("Unexpected escaped note %q", out["note"])
	}
	if out["count"] != 3 || out["paid"] != true {
		t.Error("Non-string values must be left untouched")
	}
	nested := out["nested"].(map[string]any)
	if nested["name"] != "O&#39;Brien &amp; Sons" {
		t.Errorf("Unexpected nested value %q", nested["name"])
	}
	tags := nested["tags"].([]any)
	if tags[0] != "&lt;b&gt;" || tags[1] != 7 {
		t.Errorf("Unexpected slice values %v", tags)
	}
	if in["note"] != `<script>alert("x")</script>` {
		t.Error("Sanitize must not modify its input")
	}
	if Sanitize(nil) != nil {
		t.Error("Expected nil for nil input")
	}
}

func TestCanRefund(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	success := store.add(&Transaction{Reference: "A", Status: StatusSuccess, Amount: dec("5000"), CreatedAt: now.Add(-24 * time.Hour)})
	initiated := store.add(&Transaction{Reference: "B", Status: StatusInitiated, Amount: dec("5000"), CreatedAt: now})
	refunded := store.add(&Transaction{Reference: "C", Status: StatusRefunded, Amount: dec("5000"), CreatedAt: now})
	old := store.add(&Transaction{Reference: "D", Status: StatusSuccess, Amount: dec("5000"), CreatedAt: now.Add(-31 * 24 * time.Hour)})
	failed := store.add(&Transaction{Reference: "E", Status: StatusFailed, Amount: dec("5000"), CreatedAt: now})

	v := NewValidator(store, WithValidatorClock(func() time.Time { return now }))

	tests := []struct {
		name     string
		id       int64
		eligible bool
		reason   string
	}{
		{name: "Successful and recent", id: success.ID, eligible: true},
		{name: "Not found", id: 999, reason: "transaction not found"},
		{name: "Still initiated", id: initiated.ID, reason: "transaction status is initiated"},
		{name: "Already refunded", id: refunded.ID, reason: "transaction already refunded"},
		{name: "Failed", id: failed.ID, reason: "transaction status is failed"},
		{name: "Outside window", id: old.ID, reason: "refund window has expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.CanRefund(context.Background(), tt.id)
			if err != nil {
				t.Fatalf("CanRefund() error = %v", err)
			}
			if got.Eligible != tt.eligible {
				t.Errorf("Expected eligible=%v, got %v", tt.eligible, got.Eligible)
			}
			if got.Reason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, got.Reason)
			}
			if tt.eligible && !got.MaxAmount.Equal(dec("5000")) {
				t.Errorf("Expected max amount 5000, got %s", got.MaxAmount)
			}
		})
	}
}
