package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Mekazstan/school-payments/internal/payment"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// TestStoreIntegration exercises the store against a real Postgres.
// Run with: TEST_DATABASE_URL=postgres://... go test ./internal/database
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	store := NewStore(pool)

	var schoolID int64
	if err := pool.QueryRow(ctx, `INSERT INTO schools (name) VALUES ('Integration Academy') RETURNING id`).Scan(&schoolID); err != nil {
		t.Fatalf("Failed to seed school: %v", err)
	}
	defer pool.Exec(ctx, `DELETE FROM schools WHERE id = $1`, schoolID)

	platformID, err := store.Queries().CreatePaymentGateway(ctx, CreatePaymentGatewayParams{
		Provider:  "paystack",
		Mode:      "test",
		PublicKey: "pk_test_platform",
		SecretKey: "sk_test_platform",
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("CreatePaymentGateway() error = %v", err)
	}
	defer pool.Exec(ctx, `DELETE FROM payment_gateways WHERE id = $1`, platformID)

	t.Run("ResolveFallsBackToPlatform", func(t *testing.T) {
		cfg, err := store.ResolveGatewayConfig(ctx, payment.ProviderPaystack, payment.ModeTest, &schoolID)
		if err != nil {
			t.Fatalf("ResolveGatewayConfig() error = %v", err)
		}
		if cfg.SchoolID != nil {
			t.Errorf("Expected platform config, got school %d", *cfg.SchoolID)
		}
	})

	t.Run("ResolvePrefersSchool", func(t *testing.T) {
		id, err := store.Queries().CreatePaymentGateway(ctx, CreatePaymentGatewayParams{
			SchoolID:  pgtype.Int8{Int64: schoolID, Valid: true},
			Provider:  "paystack",
			Mode:      "test",
			PublicKey: "pk_test_school",
			SecretKey: "sk_test_school",
			IsActive:  true,
		})
		if err != nil {
			t.Fatalf("CreatePaymentGateway() error = %v", err)
		}
		defer pool.Exec(ctx, `DELETE FROM payment_gateways WHERE id = $1`, id)

		cfg, err := store.ResolveGatewayConfig(ctx, payment.ProviderPaystack, payment.ModeTest, &schoolID)
		if err != nil {
			t.Fatalf("ResolveGatewayConfig() error = %v", err)
		}
		if cfg.SecretKey != "sk_test_school" {
			t.Errorf("Expected school secret, got '%s'", cfg.SecretKey)
		}
	})

	t.Run("ResolveMissing", func(t *testing.T) {
		_, err := store.ResolveGatewayConfig(ctx, payment.ProviderStripe, payment.ModeLive, nil)
		if !errors.Is(err, payment.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})

	t.Run("TransitionAppliesFulfillmentOnce", func(t *testing.T) {
		ref, err := payment.NewReference(fmt.Sprintf("ONB_%d", schoolID))
		if err != nil {
			t.Fatalf("NewReference() error = %v", err)
		}
		tx := &payment.Transaction{
			SchoolID:   &schoolID,
			GatewayID:  platformID,
			Reference:  ref,
			Type:       payment.TypeOnboarding,
			Amount:     decimal.NewFromInt(25000),
			Currency:   "NGN",
			PayerEmail: "bursar@school.test",
			Status:     payment.StatusInitiated,
			Metadata:   map[string]any{"school_id": schoolID},
		}
		if err := store.InsertTransaction(ctx, tx, nil); err != nil {
			t.Fatalf("InsertTransaction() error = %v", err)
		}
		defer pool.Exec(ctx, `DELETE FROM payment_transactions WHERE id = $1`, tx.ID)

		now := time.Now().UTC()
		upd := payment.TransactionUpdate{Status: payment.StatusSuccess, VerifiedAt: &now, UpdatedAt: now}
		effect := &payment.Fulfillment{Type: payment.TypeOnboarding, Reference: ref, SchoolID: &schoolID, At: now}

		var wg sync.WaitGroup
		var mu sync.Mutex
		applied := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.TransitionTransaction(ctx, ref, payment.StatusInitiated, upd, effect)
				if err != nil {
					t.Errorf("TransitionTransaction() error = %v", err)
					return
				}
				if ok {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if applied != 1 {
			t.Errorf("Expected exactly 1 applied transition, got %d", applied)
		}

		got, err := store.GetTransactionByReference(ctx, ref)
		if err != nil {
			t.Fatalf("GetTransactionByReference() error = %v", err)
		}
		if got.Status != payment.StatusSuccess {
			t.Errorf("Expected status success, got %s", got.Status)
		}
		if got.Provider != payment.ProviderPaystack || got.Mode != payment.ModeTest {
			t.Errorf("Expected paystack/test, got %s/%s", got.Provider, got.Mode)
		}

		var active bool
		if err := pool.QueryRow(ctx, `SELECT is_active FROM schools WHERE id = $1`, schoolID).Scan(&active); err != nil {
			t.Fatalf("Failed to read school: %v", err)
		}
		if !active {
			t.Error("Expected school to be activated")
		}
	})

	t.Run("FeePaymentBatch", func(t *testing.T) {
		var invoiceID int64
		if err := pool.QueryRow(ctx, `INSERT INTO invoices (school_id, amount) VALUES ($1, 5000) RETURNING id`, schoolID).Scan(&invoiceID); err != nil {
			t.Fatalf("Failed to seed invoice: %v", err)
		}
		defer pool.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)

		ref, _ := payment.NewReference(fmt.Sprintf("FEE_%d", schoolID))
		tx := &payment.Transaction{
			SchoolID:   &schoolID,
			GatewayID:  platformID,
			Reference:  ref,
			Type:       payment.TypeFeePayment,
			Amount:     decimal.NewFromInt(5000),
			Currency:   "NGN",
			PayerEmail: "parent@school.test",
			Status:     payment.StatusInitiated,
		}
		batch := &payment.BatchPayment{
			SchoolID:    &schoolID,
			Reference:   ref,
			TotalAmount: tx.Amount,
			InvoiceIDs:  []int64{invoiceID},
			Status:      payment.BatchPending,
		}
		if err := store.InsertTransaction(ctx, tx, batch); err != nil {
			t.Fatalf("InsertTransaction() error = %v", err)
		}
		defer pool.Exec(ctx, `DELETE FROM payment_transactions WHERE id = $1`, tx.ID)
		defer pool.Exec(ctx, `DELETE FROM batch_payments WHERE id = $1`, batch.ID)

		gotBatch, err := store.GetBatchPaymentByReference(ctx, ref)
		if err != nil {
			t.Fatalf("GetBatchPaymentByReference() error = %v", err)
		}
		if len(gotBatch.InvoiceIDs) != 1 || gotBatch.InvoiceIDs[0] != invoiceID {
			t.Errorf("Expected invoice ids [%d], got %v", invoiceID, gotBatch.InvoiceIDs)
		}

		now := time.Now().UTC()
		ok, err := store.TransitionTransaction(ctx, ref, payment.StatusInitiated,
			payment.TransactionUpdate{Status: payment.StatusSuccess, VerifiedAt: &now, UpdatedAt: now},
			&payment.Fulfillment{Type: payment.TypeFeePayment, Reference: ref, InvoiceIDs: gotBatch.InvoiceIDs, At: now})
		if err != nil || !ok {
			t.Fatalf("TransitionTransaction() = %v, %v", ok, err)
		}

		var status string
		pool.QueryRow(ctx, `SELECT status FROM invoices WHERE id = $1`, invoiceID).Scan(&status)
		if status != "paid" {
			t.Errorf("Expected invoice paid, got '%s'", status)
		}
		pool.QueryRow(ctx, `SELECT status FROM batch_payments WHERE id = $1`, batch.ID).Scan(&status)
		if status != "completed" {
			t.Errorf("Expected batch completed, got '%s'", status)
		}
	})

	t.Run("UnknownReference", func(t *testing.T) {
		_, err := store.GetTransactionByReference(ctx, "NOPE_0_0_00000000")
		if !errors.Is(err, payment.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}
