package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type PaymentGateway struct {
	ID            int64
	SchoolID      pgtype.Int8
	Provider      string
	Mode          string
	PublicKey     string
	SecretKey     string
	EncryptionKey string
	WebhookSecret string
	IsActive      bool
}

type PaymentTransaction struct {
	ID                   int64
	SchoolID             pgtype.Int8
	PaymentGatewayID     int64
	Provider             string
	Mode                 string
	TransactionReference string
	PaymentType          string
	Amount               pgtype.Numeric
	Currency             string
	PayerEmail           string
	PayerName            pgtype.Text
	Status               string
	Metadata             []byte
	GatewayResponse      []byte
	GatewayTransactionID pgtype.Text
	PaymentMethod        pgtype.Text
	RefundReason         pgtype.Text
	CreatedAt            pgtype.Timestamptz
	UpdatedAt            pgtype.Timestamptz
	VerifiedAt           pgtype.Timestamptz
	RefundedAt           pgtype.Timestamptz
}

type BatchPayment struct {
	ID             int64
	SchoolID       pgtype.Int8
	ParentID       pgtype.Int8
	StudentID      pgtype.Int8
	BatchReference string
	TotalAmount    pgtype.Numeric
	Status         string
	Metadata       []byte
	CreatedAt      pgtype.Timestamptz
	CompletedAt    pgtype.Timestamptz
}

const resolvePaymentGateway = `-- name: ResolvePaymentGateway :one
SELECT id, school_id, provider, mode, public_key, secret_key, encryption_key, webhook_secret, is_active
FROM payment_gateways
WHERE provider = $1 AND mode = $2 AND is_active
  AND (school_id = $3 OR school_id IS NULL)
ORDER BY school_id IS NULL, id DESC
LIMIT 1
`

type ResolvePaymentGatewayParams struct {
	Provider string
	Mode     string
	SchoolID pgtype.Int8
}

// ResolvePaymentGateway prefers the school's own row and falls back to the
// platform row. A NULL school id only ever matches the platform row.
func (q *Queries) ResolvePaymentGateway(ctx context.Context, arg ResolvePaymentGatewayParams) (PaymentGateway, error) {
	row := q.db.QueryRow(ctx, resolvePaymentGateway, arg.Provider, arg.Mode, arg.SchoolID)
	var i PaymentGateway
	err := row.Scan(
		&i.ID,
		&i.SchoolID,
		&i.Provider,
		&i.Mode,
		&i.PublicKey,
		&i.SecretKey,
		&i.EncryptionKey,
		&i.WebhookSecret,
		&i.IsActive,
	)
	return i, err
}

const createPaymentGateway = `-- name: CreatePaymentGateway :one
INSERT INTO payment_gateways (school_id, provider, mode, public_key, secret_key, encryption_key, webhook_secret, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id
`

type CreatePaymentGatewayParams struct {
	SchoolID      pgtype.Int8
	Provider      string
	Mode          string
	PublicKey     string
	SecretKey     string
	EncryptionKey string
	WebhookSecret string
	IsActive      bool
}

func (q *Queries) CreatePaymentGateway(ctx context.Context, arg CreatePaymentGatewayParams) (int64, error) {
	row := q.db.QueryRow(ctx, createPaymentGateway,
		arg.SchoolID,
		arg.Provider,
		arg.Mode,
		arg.PublicKey,
		arg.SecretKey,
		arg.EncryptionKey,
		arg.WebhookSecret,
		arg.IsActive,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const createPaymentTransaction = `-- name: CreatePaymentTransaction :one
INSERT INTO payment_transactions (
    school_id, payment_gateway_id, transaction_reference, payment_type, amount, currency,
    payer_email, payer_name, status, metadata, gateway_response, gateway_transaction_id,
    created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id
`

type CreatePaymentTransactionParams struct {
	SchoolID             pgtype.Int8
	PaymentGatewayID     int64
	TransactionReference string
	PaymentType          string
	Amount               pgtype.Numeric
	Currency             string
	PayerEmail           string
	PayerName            pgtype.Text
	Status               string
	Metadata             []byte
	GatewayResponse      []byte
	GatewayTransactionID pgtype.Text
	CreatedAt            pgtype.Timestamptz
	UpdatedAt            pgtype.Timestamptz
}

func (q *Queries) CreatePaymentTransaction(ctx context.Context, arg CreatePaymentTransactionParams) (int64, error) {
	row := q.db.QueryRow(ctx, createPaymentTransaction,
		arg.SchoolID,
		arg.PaymentGatewayID,
		arg.TransactionReference,
		arg.PaymentType,
		arg.Amount,
		arg.Currency,
		arg.PayerEmail,
		arg.PayerName,
		arg.Status,
		arg.Metadata,
		arg.GatewayResponse,
		arg.GatewayTransactionID,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const createBatchPayment = `-- name: CreateBatchPayment :one
INSERT INTO batch_payments (school_id, parent_id, student_id, batch_reference, total_amount, status, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id
`

type CreateBatchPaymentParams struct {
	SchoolID       pgtype.Int8
	ParentID       pgtype.Int8
	StudentID      pgtype.Int8
	BatchReference string
	TotalAmount    pgtype.Numeric
	Status         string
	Metadata       []byte
	CreatedAt      pgtype.Timestamptz
}

func (q *Queries) CreateBatchPayment(ctx context.Context, arg CreateBatchPaymentParams) (int64, error) {
	row := q.db.QueryRow(ctx, createBatchPayment,
		arg.SchoolID,
		arg.ParentID,
		arg.StudentID,
		arg.BatchReference,
		arg.TotalAmount,
		arg.Status,
		arg.Metadata,
		arg.CreatedAt,
	)
	var id int64
	err := row.Scan(&id)
	return id, err
}

const selectPaymentTransaction = `
SELECT t.id, t.school_id, t.payment_gateway_id, g.provider, g.mode, t.transaction_reference,
       t.payment_type, t.amount, t.currency, t.payer_email, t.payer_name, t.status, t.metadata,
       t.gateway_response, t.gateway_transaction_id, t.payment_method, t.refund_reason,
       t.created_at, t.updated_at, t.verified_at, t.refunded_at
FROM payment_transactions t
JOIN payment_gateways g ON g.id = t.payment_gateway_id
`

const getPaymentTransactionByID = `-- name: GetPaymentTransactionByID :one
` + selectPaymentTransaction + `WHERE t.id = $1`

const getPaymentTransactionByReference = `-- name: GetPaymentTransactionByReference :one
` + selectPaymentTransaction + `WHERE t.transaction_reference = $1`

const listStalePaymentTransactions = `-- name: ListStalePaymentTransactions :many
` + selectPaymentTransaction + `WHERE t.status = 'initiated' AND t.created_at < $1
ORDER BY t.created_at ASC
LIMIT $2`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaymentTransaction(row rowScanner) (PaymentTransaction, error) {
	var i PaymentTransaction
	err := row.Scan(
		&i.ID,
		&i.SchoolID,
		&i.PaymentGatewayID,
		&i.Provider,
		&i.Mode,
		&i.TransactionReference,
		&i.PaymentType,
		&i.Amount,
		&i.Currency,
		&i.PayerEmail,
		&i.PayerName,
		&i.Status,
		&i.Metadata,
		&i.GatewayResponse,
		&i.GatewayTransactionID,
		&i.PaymentMethod,
		&i.RefundReason,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.VerifiedAt,
		&i.RefundedAt,
	)
	return i, err
}

func (q *Queries) GetPaymentTransactionByID(ctx context.Context, id int64) (PaymentTransaction, error) {
	return scanPaymentTransaction(q.db.QueryRow(ctx, getPaymentTransactionByID, id))
}

func (q *Queries) GetPaymentTransactionByReference(ctx context.Context, reference string) (PaymentTransaction, error) {
	return scanPaymentTransaction(q.db.QueryRow(ctx, getPaymentTransactionByReference, reference))
}

type ListStalePaymentTransactionsParams struct {
	CreatedBefore pgtype.Timestamptz
	Limit         int32
}

func (q *Queries) ListStalePaymentTransactions(ctx context.Context, arg ListStalePaymentTransactionsParams) ([]PaymentTransaction, error) {
	rows, err := q.db.Query(ctx, listStalePaymentTransactions, arg.CreatedBefore, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PaymentTransaction
	for rows.Next() {
		i, err := scanPaymentTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updatePaymentTransaction = `-- name: UpdatePaymentTransaction :execrows
UPDATE payment_transactions
SET status                 = COALESCE(NULLIF($2, ''), status),
    gateway_response       = COALESCE($3, gateway_response),
    gateway_transaction_id = COALESCE(NULLIF($4, ''), gateway_transaction_id),
    payment_method         = COALESCE(NULLIF($5, ''), payment_method),
    refund_reason          = COALESCE(NULLIF($6, ''), refund_reason),
    verified_at            = COALESCE($7, verified_at),
    refunded_at            = COALESCE($8, refunded_at),
    updated_at             = $9
WHERE transaction_reference = $1
  AND (NULLIF($10, '') IS NULL OR status = $10)
`

type UpdatePaymentTransactionParams struct {
	TransactionReference string
	Status               string
	GatewayResponse      []byte
	GatewayTransactionID string
	PaymentMethod        string
	RefundReason         string
	VerifiedAt           pgtype.Timestamptz
	RefundedAt           pgtype.Timestamptz
	UpdatedAt            pgtype.Timestamptz
	// FromStatus, when set, makes the update conditional on the current status.
	FromStatus string
}

func (q *Queries) UpdatePaymentTransaction(ctx context.Context, arg UpdatePaymentTransactionParams) (int64, error) {
	result, err := q.db.Exec(ctx, updatePaymentTransaction,
		arg.TransactionReference,
		arg.Status,
		arg.GatewayResponse,
		arg.GatewayTransactionID,
		arg.PaymentMethod,
		arg.RefundReason,
		arg.VerifiedAt,
		arg.RefundedAt,
		arg.UpdatedAt,
		arg.FromStatus,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const getBatchPaymentByReference = `-- name: GetBatchPaymentByReference :one
SELECT id, school_id, parent_id, student_id, batch_reference, total_amount, status, metadata, created_at, completed_at
FROM batch_payments
WHERE batch_reference = $1
`

func (q *Queries) GetBatchPaymentByReference(ctx context.Context, reference string) (BatchPayment, error) {
	row := q.db.QueryRow(ctx, getBatchPaymentByReference, reference)
	var i BatchPayment
	err := row.Scan(
		&i.ID,
		&i.SchoolID,
		&i.ParentID,
		&i.StudentID,
		&i.BatchReference,
		&i.TotalAmount,
		&i.Status,
		&i.Metadata,
		&i.CreatedAt,
		&i.CompletedAt,
	)
	return i, err
}

const completeBatchPayment = `-- name: CompleteBatchPayment :execrows
UPDATE batch_payments
SET status = 'completed', completed_at = $2
WHERE batch_reference = $1 AND status = 'pending'
`

func (q *Queries) CompleteBatchPayment(ctx context.Context, reference string, at pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, completeBatchPayment, reference, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const activateSchool = `-- name: ActivateSchool :execrows
UPDATE schools
SET is_active = TRUE, activated_at = COALESCE(activated_at, $2)
WHERE id = $1
`

func (q *Queries) ActivateSchool(ctx context.Context, schoolID int64, at pgtype.Timestamptz) (int64, error) {
	result, err := q.db.Exec(ctx, activateSchool, schoolID, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const markInvoicesPaid = `-- name: MarkInvoicesPaid :execrows
UPDATE invoices
SET status = 'paid', paid_at = $2, payment_reference = $3
WHERE id = ANY($1::bigint[]) AND status <> 'paid'
`

type MarkInvoicesPaidParams struct {
	InvoiceIDs       []int64
	PaidAt           pgtype.Timestamptz
	PaymentReference string
}

func (q *Queries) MarkInvoicesPaid(ctx context.Context, arg MarkInvoicesPaidParams) (int64, error) {
	result, err := q.db.Exec(ctx, markInvoicesPaid, arg.InvoiceIDs, arg.PaidAt, arg.PaymentReference)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const extendSubscription = `-- name: ExtendSubscription :one
INSERT INTO subscriptions (school_id, expires_at, last_payment_reference, updated_at)
VALUES ($1, $2::timestamptz + make_interval(months => $3::int), $4, $2)
ON CONFLICT (school_id) DO UPDATE
SET expires_at = GREATEST(subscriptions.expires_at, $2::timestamptz) + make_interval(months => $3::int),
    last_payment_reference = $4,
    updated_at = $2
RETURNING expires_at
`

type ExtendSubscriptionParams struct {
	SchoolID         int64
	From             pgtype.Timestamptz
	Months           int32
	PaymentReference string
}

// ExtendSubscription adds Months to whichever is later: the current expiry
// or From. A lapsed subscription restarts from From.
func (q *Queries) ExtendSubscription(ctx context.Context, arg ExtendSubscriptionParams) (pgtype.Timestamptz, error) {
	row := q.db.QueryRow(ctx, extendSubscription, arg.SchoolID, arg.From, arg.Months, arg.PaymentReference)
	var expiresAt pgtype.Timestamptz
	err := row.Scan(&expiresAt)
	return expiresAt, err
}
