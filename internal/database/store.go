package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mekazstan/school-payments/internal/payment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements payment.Store on Postgres. Status changes and their
// fulfillment writes share one database transaction.
type Store struct {
	pool Pool
	q    *Queries
}

func NewStore(pool Pool) *Store {
	return &Store{pool: pool, q: New(pool)}
}

func (s *Store) Queries() *Queries {
	return s.q
}

func (s *Store) ResolveGatewayConfig(ctx context.Context, provider payment.Provider, mode payment.Mode, schoolID *int64) (*payment.GatewayConfig, error) {
	row, err := s.q.ResolvePaymentGateway(ctx, ResolvePaymentGatewayParams{
		Provider: string(provider),
		Mode:     string(mode),
		SchoolID: int8From(schoolID),
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s gateway: %w", provider, mode, payment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gateway: %w", err)
	}

	return &payment.GatewayConfig{
		ID:            row.ID,
		SchoolID:      int8Ptr(row.SchoolID),
		Provider:      payment.Provider(row.Provider),
		Mode:          payment.Mode(row.Mode),
		PublicKey:     row.PublicKey,
		SecretKey:     row.SecretKey,
		EncryptionKey: row.EncryptionKey,
		WebhookSecret: row.WebhookSecret,
		IsActive:      row.IsActive,
	}, nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx *payment.Transaction, batch *payment.BatchPayment) error {
	amount, err := decimalToPgNumeric(tx.Amount)
	if err != nil {
		return fmt.Errorf("failed to convert amount: %w", err)
	}
	metadata, err := marshalMap(tx.Metadata)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(dbTx pgx.Tx) error {
		q := s.q.WithTx(dbTx)
		id, err := q.CreatePaymentTransaction(ctx, CreatePaymentTransactionParams{
			SchoolID:             int8From(tx.SchoolID),
			PaymentGatewayID:     tx.GatewayID,
			TransactionReference: tx.Reference,
			PaymentType:          string(tx.Type),
			Amount:               amount,
			Currency:             tx.Currency,
			PayerEmail:           tx.PayerEmail,
			PayerName:            textFrom(tx.PayerName),
			Status:               string(tx.Status),
			Metadata:             metadata,
			GatewayResponse:      rawOrNil(tx.GatewayResponse),
			GatewayTransactionID: textFrom(tx.GatewayTransactionID),
			CreatedAt:            timestamptz(tx.CreatedAt),
			UpdatedAt:            timestamptz(tx.UpdatedAt),
		})
		if err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", tx.Reference, err)
		}
		tx.ID = id

		if batch == nil {
			return nil
		}
		total, err := decimalToPgNumeric(batch.TotalAmount)
		if err != nil {
			return fmt.Errorf("failed to convert batch total: %w", err)
		}
		meta := make(map[string]any, len(batch.Metadata)+1)
		for k, v := range batch.Metadata {
			meta[k] = v
		}
		meta["invoice_ids"] = batch.InvoiceIDs
		batchMeta, err := marshalMap(meta)
		if err != nil {
			return err
		}

		batchID, err := q.CreateBatchPayment(ctx, CreateBatchPaymentParams{
			SchoolID:       int8From(batch.SchoolID),
			ParentID:       int8From(batch.ParentID),
			StudentID:      int8From(batch.StudentID),
			BatchReference: batch.Reference,
			TotalAmount:    total,
			Status:         string(batch.Status),
			Metadata:       batchMeta,
			CreatedAt:      timestamptz(batch.CreatedAt),
		})
		if err != nil {
			return fmt.Errorf("failed to insert batch %s: %w", batch.Reference, err)
		}
		batch.ID = batchID
		return nil
	})
}

func (s *Store) GetTransactionByID(ctx context.Context, id int64) (*payment.Transaction, error) {
	row, err := s.q.GetPaymentTransactionByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %d: %w", id, payment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	return toTransaction(row)
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (*payment.Transaction, error) {
	row, err := s.q.GetPaymentTransactionByReference(ctx, reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", reference, payment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", reference, err)
	}
	return toTransaction(row)
}

func (s *Store) UpdateTransactionByReference(ctx context.Context, reference string, upd payment.TransactionUpdate) error {
	n, err := s.q.UpdatePaymentTransaction(ctx, updateParams(reference, "", upd))
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", reference, err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %s: %w", reference, payment.ErrNotFound)
	}
	return nil
}

// TransitionTransaction moves reference out of from and, when the move
// happened, applies effect in the same database transaction. It reports
// false without error when another writer changed the row first.
func (s *Store) TransitionTransaction(ctx context.Context, reference string, from payment.Status, upd payment.TransactionUpdate, effect *payment.Fulfillment) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, s.pool, func(dbTx pgx.Tx) error {
		q := s.q.WithTx(dbTx)
		n, err := q.UpdatePaymentTransaction(ctx, updateParams(reference, string(from), upd))
		if err != nil {
			return fmt.Errorf("failed to transition %s: %w", reference, err)
		}
		if n == 0 {
			return nil
		}
		applied = true
		if effect == nil {
			return nil
		}
		return fulfill(ctx, q, effect)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func fulfill(ctx context.Context, q *Queries, f *payment.Fulfillment) error {
	at := timestamptz(f.At)

	switch f.Type {
	case payment.TypeOnboarding:
		if f.SchoolID == nil {
			return nil
		}
		if _, err := q.ActivateSchool(ctx, *f.SchoolID, at); err != nil {
			return fmt.Errorf("failed to activate school %d: %w", *f.SchoolID, err)
		}
	case payment.TypeFeePayment:
		if len(f.InvoiceIDs) > 0 {
			if _, err := q.MarkInvoicesPaid(ctx, MarkInvoicesPaidParams{
				InvoiceIDs:       f.InvoiceIDs,
				PaidAt:           at,
				PaymentReference: f.Reference,
			}); err != nil {
				return fmt.Errorf("failed to mark invoices paid for %s: %w", f.Reference, err)
			}
		}
		if _, err := q.CompleteBatchPayment(ctx, f.Reference, at); err != nil {
			return fmt.Errorf("failed to complete batch %s: %w", f.Reference, err)
		}
	case payment.TypeSubscription:
		if f.SchoolID == nil {
			return nil
		}
		months := f.SubscriptionMonths
		if months <= 0 {
			months = 1
		}
		if _, err := q.ExtendSubscription(ctx, ExtendSubscriptionParams{
			SchoolID:         *f.SchoolID,
			From:             at,
			Months:           int32(months),
			PaymentReference: f.Reference,
		}); err != nil {
			return fmt.Errorf("failed to extend subscription for school %d: %w", *f.SchoolID, err)
		}
	}
	return nil
}

func (s *Store) ListStaleTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]*payment.Transaction, error) {
	rows, err := s.q.ListStalePaymentTransactions(ctx, ListStalePaymentTransactionsParams{
		CreatedBefore: timestamptz(createdBefore),
		Limit:         int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	out := make([]*payment.Transaction, 0, len(rows))
	for _, row := range rows {
		tx, err := toTransaction(row)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) GetBatchPaymentByReference(ctx context.Context, reference string) (*payment.BatchPayment, error) {
	row, err := s.q.GetBatchPaymentByReference(ctx, reference)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", reference, payment.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch %s: %w", reference, err)
	}

	var meta struct {
		InvoiceIDs []int64 `json:"invoice_ids"`
	}
	metadata, err := unmarshalMap(row.Metadata)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(row.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode batch metadata: %w", err)
	}

	return &payment.BatchPayment{
		ID:          row.ID,
		SchoolID:    int8Ptr(row.SchoolID),
		ParentID:    int8Ptr(row.ParentID),
		StudentID:   int8Ptr(row.StudentID),
		Reference:   row.BatchReference,
		TotalAmount: pgNumericToDecimal(row.TotalAmount),
		InvoiceIDs:  meta.InvoiceIDs,
		Status:      payment.BatchStatus(row.Status),
		Metadata:    metadata,
		CreatedAt:   row.CreatedAt.Time,
		CompletedAt: timePtr(row.CompletedAt),
	}, nil
}

func toTransaction(row PaymentTransaction) (*payment.Transaction, error) {
	metadata, err := unmarshalMap(row.Metadata)
	if err != nil {
		return nil, err
	}
	return &payment.Transaction{
		ID:                   row.ID,
		SchoolID:             int8Ptr(row.SchoolID),
		GatewayID:            row.PaymentGatewayID,
		Provider:             payment.Provider(row.Provider),
		Mode:                 payment.Mode(row.Mode),
		Reference:            row.TransactionReference,
		Type:                 payment.PaymentType(row.PaymentType),
		Amount:               pgNumericToDecimal(row.Amount),
		Currency:             row.Currency,
		PayerEmail:           row.PayerEmail,
		PayerName:            row.PayerName.String,
		Status:               payment.Status(row.Status),
		Metadata:             metadata,
		GatewayResponse:      row.GatewayResponse,
		GatewayTransactionID: row.GatewayTransactionID.String,
		PaymentMethod:        row.PaymentMethod.String,
		RefundReason:         row.RefundReason.String,
		CreatedAt:            row.CreatedAt.Time,
		UpdatedAt:            row.UpdatedAt.Time,
		VerifiedAt:           timePtr(row.VerifiedAt),
		RefundedAt:           timePtr(row.RefundedAt),
	}, nil
}

func updateParams(reference, from string, upd payment.TransactionUpdate) UpdatePaymentTransactionParams {
	return UpdatePaymentTransactionParams{
		TransactionReference: reference,
		Status:               string(upd.Status),
		GatewayResponse:      rawOrNil(upd.GatewayResponse),
		GatewayTransactionID: upd.GatewayTransactionID,
		PaymentMethod:        upd.PaymentMethod,
		RefundReason:         upd.RefundReason,
		VerifiedAt:           timestamptzPtr(upd.VerifiedAt),
		RefundedAt:           timestamptzPtr(upd.RefundedAt),
		UpdatedAt:            timestamptz(upd.UpdatedAt),
		FromStatus:           from,
	}
}

func decimalToPgNumeric(d decimal.Decimal) (pgtype.Numeric, error) {
	num := pgtype.Numeric{}
	err := num.Scan(d.String())
	return num, err
}

func pgNumericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid || n.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n.Int, n.Exp)
}

func int8From(v *int64) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *v, Valid: true}
}

func int8Ptr(v pgtype.Int8) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func textFrom(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		t = time.Now()
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func timestamptzPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return m, nil
}
