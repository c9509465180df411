package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Mekazstan/school-payments/internal/payment"
	"golang.org/x/sync/errgroup"
)

type StaleLister interface {
	ListStaleTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]*payment.Transaction, error)
}

type Verifier interface {
	VerifyPayment(ctx context.Context, reference string) (*payment.VerifyResponse, error)
}

// Reconciler re-verifies transactions that are still initiated long after
// checkout, for payers whose webhook never arrived.
type Reconciler struct {
	lister      StaleLister
	verifier    Verifier
	logger      *log.Logger
	olderThan   time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
}

type ReconcilerOption func(*Reconciler)

func WithOlderThan(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.olderThan = d
		}
	}
}

func WithBatchSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithLogger(l *log.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func NewReconciler(lister StaleLister, verifier Verifier, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		lister:      lister,
		verifier:    verifier,
		logger:      log.Default(),
		olderThan:   30 * time.Minute,
		batchSize:   100,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type ReconcileReport struct {
	Checked   int
	Succeeded int
	Failed    int
	Pending   int
	Errors    int
}

func (r ReconcileReport) String() string {
	return fmt.Sprintf("checked=%d succeeded=%d failed=%d pending=%d errors=%d",
		r.Checked, r.Succeeded, r.Failed, r.Pending, r.Errors)
}

// Run verifies one batch of stale transactions. A failure on one reference
// is counted and logged; only a failure to list the batch is returned.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	cutoff := r.now().Add(-r.olderThan)
	stale, err := r.lister.ListStaleTransactions(ctx, cutoff, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	if len(stale) == 0 {
		return report, nil
	}

	r.logger.Printf("[reconcile] verifying %d transactions initiated before %s", len(stale), cutoff.UTC().Format(time.RFC3339))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, tx := range stale {
		reference := tx.Reference
		g.Go(func() error {
			res, err := r.verifier.VerifyPayment(gctx, reference)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			if err != nil {
				report.Errors++
				r.logger.Printf("[reconcile] %s: %v", reference, err)
				return nil
			}
			switch res.Status {
			case payment.StatusSuccess:
				report.Succeeded++
			case payment.StatusFailed:
				report.Failed++
			case payment.StatusInitiated:
				report.Pending++
			}
			return nil
		})
	}
	g.Wait()

	r.logger.Printf("[reconcile] done: %s", report)
	return report, nil
}
