package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentType string

const (
	TypeOnboarding   PaymentType = "onboarding"
	TypeSubscription PaymentType = "subscription"
	TypeFeePayment   PaymentType = "fee_payment"
	TypeGeneral      PaymentType = "general"
)

type Status string

const (
	StatusInitiated Status = "initiated"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// CanTransition reports whether the ledger allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusInitiated:
		return next == StatusSuccess || next == StatusFailed
	case StatusSuccess:
		return next == StatusRefunded
	}
	return false
}

func (s Status) Resolved() bool {
	return s != StatusInitiated
}

// Transaction is the ledger row for one payment attempt.
type Transaction struct {
	ID                   int64
	SchoolID             *int64
	GatewayID            int64
	Provider             Provider
	Mode                 Mode
	Reference            string
	Type                 PaymentType
	Amount               decimal.Decimal
	Currency             string
	PayerEmail           string
	PayerName            string
	Status               Status
	Metadata             map[string]any
	GatewayResponse      json.RawMessage
	GatewayTransactionID string
	PaymentMethod        string
	RefundReason         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	VerifiedAt           *time.Time
	RefundedAt           *time.Time
}

// GatewayConfig holds one provider's credentials for a mode. A nil SchoolID
// marks the platform-wide default.
type GatewayConfig struct {
	ID            int64
	SchoolID      *int64
	Provider      Provider
	Mode          Mode
	PublicKey     string
	SecretKey     string
	EncryptionKey string
	WebhookSecret string
	IsActive      bool
}

type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
)

// BatchPayment groups the invoices settled by one fee-payment transaction.
type BatchPayment struct {
	ID          int64
	SchoolID    *int64
	ParentID    *int64
	StudentID   *int64
	Reference   string
	TotalAmount decimal.Decimal
	InvoiceIDs  []int64
	Status      BatchStatus
	Metadata    map[string]any
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// TransactionUpdate lists the columns a verification or refund may write.
// Zero values leave the stored column untouched.
type TransactionUpdate struct {
	Status               Status
	GatewayResponse      json.RawMessage
	GatewayTransactionID string
	PaymentMethod        string
	RefundReason         string
	VerifiedAt           *time.Time
	RefundedAt           *time.Time
	UpdatedAt            time.Time
}

// Fulfillment is the single downstream side effect attached to a successful
// verification. It is applied in the same database transaction as the
// status change so it runs at most once per reference.
type Fulfillment struct {
	Type               PaymentType
	Reference          string
	SchoolID           *int64
	InvoiceIDs         []int64
	SubscriptionMonths int
	At                 time.Time
}

type TransactionReader interface {
	GetTransactionByID(ctx context.Context, id int64) (*Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)
}

// Store is the persistence surface of the payment core. Implementations must
// return ErrNotFound for unknown rows and must enforce the from-status guard
// of TransitionTransaction as a conditional update.
type Store interface {
	TransactionReader
	ConfigSource

	InsertTransaction(ctx context.Context, tx *Transaction, batch *BatchPayment) error
	UpdateTransactionByReference(ctx context.Context, reference string, upd TransactionUpdate) error
	TransitionTransaction(ctx context.Context, reference string, from Status, upd TransactionUpdate, effect *Fulfillment) (bool, error)
	ListStaleTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error)
	GetBatchPaymentByReference(ctx context.Context, reference string) (*BatchPayment, error)
}

// ConfigSource resolves the active gateway credentials for a tenant, falling
// back to the platform default when the school has none.
type ConfigSource interface {
	ResolveGatewayConfig(ctx context.Context, provider Provider, mode Mode, schoolID *int64) (*GatewayConfig, error)
}
