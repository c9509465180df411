package payment

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultRefundWindow is how long after creation a payment may be refunded.
const DefaultRefundWindow = 30 * 24 * time.Hour

// PaymentRequest is what collaborators hand to Service.InitializePayment.
// TestMode is never decoded from client input; the host sets it from its
// deployment config.
type PaymentRequest struct {
	Type        PaymentType     `json:"type" validate:"required,oneof=onboarding subscription fee_payment general"`
	Provider    Provider        `json:"provider" validate:"required,oneof=paystack flutterwave stripe"`
	SchoolID    *int64          `json:"school_id,omitempty"`
	ParentID    *int64          `json:"parent_id,omitempty"`
	StudentID   *int64          `json:"student_id,omitempty"`
	InvoiceIDs  []int64         `json:"invoice_ids,omitempty" validate:"required_if=Type fee_payment,dive,gt=0"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,len=3"`
	Email       string          `json:"email" validate:"required,email"`
	Name        string          `json:"name,omitempty" validate:"max=255"`
	CallbackURL string          `json:"callback_url,omitempty" validate:"omitempty,url"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	TestMode    bool            `json:"-"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type RefundEligibility struct {
	Eligible  bool            `json:"eligible"`
	Reason    string          `json:"reason,omitempty"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

type Validator struct {
	store        TransactionReader
	minAmount    decimal.Decimal
	currencies   map[string]bool
	refundWindow time.Duration
	now          func() time.Time
}

type ValidatorOption func(*Validator)

func WithMinAmount(min decimal.Decimal) ValidatorOption {
	return func(v *Validator) { v.minAmount = min }
}

// WithAllowedCurrencies replaces the default allow-list.
func WithAllowedCurrencies(codes ...string) ValidatorOption {
	return func(v *Validator) {
		v.currencies = make(map[string]bool, len(codes))
		for _, c := range codes {
			v.currencies[strings.ToUpper(strings.TrimSpace(c))] = true
		}
	}
}

func WithRefundWindow(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.refundWindow = d }
}

func WithValidatorClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

func NewValidator(store TransactionReader, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:        store,
		minAmount:    decimal.NewFromInt(1),
		refundWindow: DefaultRefundWindow,
		now:          time.Now,
	}
	WithAllowedCurrencies("NGN", "USD", "GHS", "KES", "ZAR", "GBP", "EUR")(v)
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate runs the struct tag checks first, then the business rules that
// depend on configuration. The first failure is returned.
func (v *Validator) Validate(req PaymentRequest) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &ValidationError{Message: err.Error()}
	}

	if !req.Amount.IsPositive() {
		return &ValidationError{Field: "amount", Message: "amount must be greater than zero"}
	}
	if req.Amount.LessThan(v.minAmount) {
		return &ValidationError{Field: "amount", Message: fmt.Sprintf("amount must be at least %s", v.minAmount.String())}
	}
	if !v.currencies[strings.ToUpper(req.Currency)] {
		return &ValidationError{Field: "currency", Message: fmt.Sprintf("currency %s is not accepted", strings.ToUpper(req.Currency))}
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required", "required_if":
		return &ValidationError{Field: field, Message: field + " is required"}
	case "email":
		return &ValidationError{Field: field, Message: "email is not a valid address"}
	case "oneof":
		return &ValidationError{Field: field, Message: fmt.Sprintf("%s must be one of: %s", field, fe.Param())}
	case "url":
		return &ValidationError{Field: field, Message: field + " must be a valid URL"}
	}
	return &ValidationError{Field: field, Message: fmt.Sprintf("%s failed %s validation", field, fe.Tag())}
}

// Sanitize HTML-escapes every string leaf of a metadata map, descending into
// nested maps and slices. Other values are kept as they are.
func Sanitize(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = sanitizeValue(val)
	}
	return out
}

func sanitizeValue(val any) any {
	switch t := val.(type) {
	case string:
		return html.EscapeString(t)
	case map[string]any:
		return Sanitize(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = html.EscapeString(s)
		}
		return out
	}
	return val
}

// CanRefund reports whether the transaction may still be refunded and, if so,
// the most that can be returned.
func (v *Validator) CanRefund(ctx context.Context, transactionID int64) (*RefundEligibility, error) {
	tx, err := v.store.GetTransactionByID(ctx, transactionID)
	if errors.Is(err, ErrNotFound) {
		return &RefundEligibility{Reason: "transaction not found"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction %d: %w", transactionID, err)
	}

	switch {
	case tx.Status == StatusRefunded:
		return &RefundEligibility{Reason: "transaction already refunded"}, nil
	case tx.Status != StatusSuccess:
		return &RefundEligibility{Reason: fmt.Sprintf("transaction status is %s", tx.Status)}, nil
	case v.now().Sub(tx.CreatedAt) > v.refundWindow:
		return &RefundEligibility{Reason: "refund window has expired"}, nil
	}

	return &RefundEligibility{Eligible: true, MaxAmount: tx.Amount}, nil
}
