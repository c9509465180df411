package payment

import (
	"context"
	"time"
)

// Ledger wraps a Store with the timestamping rules for transaction rows.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

func (l *Ledger) InsertTransaction(ctx context.Context, tx *Transaction, batch *BatchPayment) error {
	now := l.now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if batch != nil {
		batch.CreatedAt = now
	}
	return l.store.InsertTransaction(ctx, tx, batch)
}

func (l *Ledger) UpdateTransactionByReference(ctx context.Context, reference string, upd TransactionUpdate) error {
	upd.UpdatedAt = l.now().UTC()
	return l.store.UpdateTransactionByReference(ctx, reference, upd)
}

// Transition applies upd only while the row is still in from.
func (l *Ledger) Transition(ctx context.Context, reference string, from Status, upd TransactionUpdate, effect *Fulfillment) (bool, error) {
	upd.UpdatedAt = l.now().UTC()
	return l.store.TransitionTransaction(ctx, reference, from, upd, effect)
}
