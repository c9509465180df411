package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// GatewayResolver is the part of Factory the processor needs.
type GatewayResolver interface {
	Resolve(ctx context.Context, provider Provider, schoolID *int64, testMode bool) (*Instance, error)
}

type EventType string

const (
	EventPaymentSucceeded EventType = "payment.succeeded"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentRefunded  EventType = "payment.refunded"
)

// Event is published after a transaction changes state.
type Event struct {
	Type          EventType       `json:"type"`
	TransactionID int64           `json:"transaction_id"`
	Reference     string          `json:"reference"`
	SchoolID      *int64          `json:"school_id,omitempty"`
	PaymentType   PaymentType     `json:"payment_type"`
	Provider      Provider        `json:"provider"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

type ReceiptKind string

const (
	ReceiptPayment ReceiptKind = "payment"
	ReceiptRefund  ReceiptKind = "refund"
)

type Receipt struct {
	Kind      ReceiptKind
	Email     string
	Name      string
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Provider  Provider
	Reason    string
	At        time.Time
}

type Notifier interface {
	SendReceipt(ctx context.Context, receipt Receipt) error
}

type InitializeResponse struct {
	PaymentURL           string          `json:"payment_url"`
	Reference            string          `json:"reference"`
	TransactionID        int64           `json:"transaction_id"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	Provider             Provider        `json:"provider"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
}

type VerifyResponse struct {
	Reference        string          `json:"reference"`
	Status           Status          `json:"status"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	Currency         string          `json:"currency"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	Message          string          `json:"message,omitempty"`
	AlreadyProcessed bool            `json:"already_processed"`
	Transaction      *Transaction    `json:"-"`
}

type RefundResult struct {
	TransactionID int64           `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        string          `json:"status"`
	RefundID      string          `json:"refund_id,omitempty"`
	RefundedAt    time.Time       `json:"refunded_at"`
}

// Processor moves transactions through initiated -> success|failed -> refunded.
type Processor struct {
	ledger    *Ledger
	store     Store
	validator *Validator
	gateways  GatewayResolver
	events    EventPublisher
	notifier  Notifier
	logger    *log.Logger
	now       func() time.Time
	inflight  singleflight.Group
}

func NewProcessor(store Store, validator *Validator, gateways GatewayResolver, logger *log.Logger, now func() time.Time) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Processor{
		ledger:    NewLedger(store, now),
		store:     store,
		validator: validator,
		gateways:  gateways,
		logger:    logger,
		now:       now,
	}
}

func (p *Processor) SetEventPublisher(ep EventPublisher) { p.events = ep }

func (p *Processor) SetNotifier(n Notifier) { p.notifier = n }

// Initiate opens a payment with the provider and records it. Nothing is
// stored when the provider call fails.
func (p *Processor) Initiate(ctx context.Context, inst *Instance, req PaymentRequest) (*InitializeResponse, error) {
	reference, err := NewReference(referencePrefix(req))
	if err != nil {
		return nil, err
	}

	currency := strings.ToUpper(req.Currency)
	metadata := Sanitize(req.Metadata)
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata["payment_type"] = string(req.Type)
	if req.SchoolID != nil {
		metadata["school_id"] = *req.SchoolID
	}
	if req.ParentID != nil {
		metadata["parent_id"] = *req.ParentID
	}
	if req.StudentID != nil {
		metadata["student_id"] = *req.StudentID
	}
	if len(req.InvoiceIDs) > 0 {
		metadata["invoice_ids"] = req.InvoiceIDs
	}

	res, err := inst.Gateway.InitializePayment(ctx, InitializeRequest{
		Reference:   reference,
		Amount:      req.Amount,
		Currency:    currency,
		Email:       req.Email,
		Name:        req.Name,
		CallbackURL: req.CallbackURL,
		Description: req.Description,
		Metadata:    metadata,
	})
	if err != nil {
		p.logger.Printf("[processor] initialize %s via %s failed: %v", reference, inst.Gateway.Provider(), err)
		return nil, err
	}

	tx := &Transaction{
		SchoolID:             req.SchoolID,
		GatewayID:            inst.Config.ID,
		Provider:             inst.Gateway.Provider(),
		Mode:                 inst.Config.Mode,
		Reference:            reference,
		Type:                 req.Type,
		Amount:               req.Amount,
		Currency:             currency,
		PayerEmail:           req.Email,
		PayerName:            req.Name,
		Status:               StatusInitiated,
		Metadata:             metadata,
		GatewayResponse:      res.Raw,
		GatewayTransactionID: res.TransactionID,
	}

	var batch *BatchPayment
	if req.Type == TypeFeePayment {
		batch = &BatchPayment{
			SchoolID:    req.SchoolID,
			ParentID:    req.ParentID,
			StudentID:   req.StudentID,
			Reference:   reference,
			TotalAmount: req.Amount,
			InvoiceIDs:  req.InvoiceIDs,
			Status:      BatchPending,
			Metadata:    map[string]any{"invoice_count": len(req.InvoiceIDs)},
		}
	}

	if err := p.ledger.InsertTransaction(ctx, tx, batch); err != nil {
		p.logger.Printf("[processor] %s accepted by %s but not recorded: %v", reference, tx.Provider, err)
		return nil, fmt.Errorf("failed to record transaction %s: %w", reference, err)
	}
	p.logger.Printf("[processor] initiated %s %s %s %s via %s", reference, req.Type, req.Amount.StringFixed(2), currency, tx.Provider)

	return &InitializeResponse{
		PaymentURL:           res.PaymentURL,
		Reference:            reference,
		TransactionID:        tx.ID,
		GatewayTransactionID: res.TransactionID,
		Provider:             tx.Provider,
		Amount:               req.Amount,
		Currency:             currency,
	}, nil
}

// verifyTimeout bounds a shared verification: one provider round trip plus
// the settle transaction.
const verifyTimeout = DefaultTimeout + 15*time.Second

// Verify asks the provider for the outcome of reference and applies it.
// Concurrent calls for the same reference in this process share one run;
// across processes the conditional transition decides the single winner.
// The shared run is detached from any single caller, so one disconnecting
// client does not fail the others waiting on it.
func (p *Processor) Verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	ch := p.inflight.DoChan(reference, func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), verifyTimeout)
		defer cancel()
		return p.verify(runCtx, reference)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*VerifyResponse), nil
	}
}

func (p *Processor) verify(ctx context.Context, reference string) (*VerifyResponse, error) {
	tx, err := p.store.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	var ver *Verification
	inst, err := p.gateways.Resolve(ctx, tx.Provider, tx.SchoolID, tx.Mode == ModeTest)
	if err == nil {
		ver, err = inst.Gateway.VerifyPayment(ctx, reference)
	}
	if err != nil {
		p.logger.Printf("[processor] verify %s via %s failed: %v", reference, tx.Provider, err)
		if tx.Status.Resolved() {
			return storedResult(tx, "transaction already processed"), nil
		}
		return nil, err
	}

	if tx.Status.Resolved() {
		if err := p.ledger.UpdateTransactionByReference(ctx, reference, TransactionUpdate{GatewayResponse: ver.Raw}); err != nil {
			p.logger.Printf("[processor] refresh of %s payload failed: %v", reference, err)
		}
		return storedResult(tx, "transaction already processed"), nil
	}

	status := ver.Status
	message := ver.Message
	if status == VerificationSuccess {
		if reason := mismatch(tx, ver); reason != "" {
			p.logger.Printf("[processor] %s marked failed: %s", reference, reason)
			status, message = VerificationFailed, reason
		}
	}

	switch status {
	case VerificationPending:
		if err := p.ledger.UpdateTransactionByReference(ctx, reference, TransactionUpdate{GatewayResponse: ver.Raw}); err != nil {
			p.logger.Printf("[processor] refresh of %s payload failed: %v", reference, err)
		}
		return &VerifyResponse{
			Reference:   reference,
			Status:      StatusInitiated,
			Currency:    tx.Currency,
			Message:     "payment not completed yet",
			Transaction: tx,
		}, nil
	case VerificationSuccess:
		return p.settle(ctx, tx, ver, StatusSuccess, message)
	default:
		return p.settle(ctx, tx, ver, StatusFailed, message)
	}
}

func (p *Processor) settle(ctx context.Context, tx *Transaction, ver *Verification, next Status, message string) (*VerifyResponse, error) {
	now := p.now().UTC()
	upd := TransactionUpdate{
		Status:               next,
		GatewayResponse:      ver.Raw,
		GatewayTransactionID: ver.TransactionID,
		PaymentMethod:        ver.Channel,
		VerifiedAt:           &now,
	}

	var effect *Fulfillment
	if next == StatusSuccess {
		var err error
		if effect, err = p.fulfillment(ctx, tx, now); err != nil {
			return nil, err
		}
	}

	applied, err := p.ledger.Transition(ctx, tx.Reference, StatusInitiated, upd, effect)
	if err != nil {
		return nil, fmt.Errorf("failed to settle %s: %w", tx.Reference, err)
	}
	if !applied {
		current, err := p.store.GetTransactionByReference(ctx, tx.Reference)
		if err != nil {
			return nil, err
		}
		return storedResult(current, "transaction already processed"), nil
	}

	tx.Status = next
	tx.VerifiedAt = &now
	tx.GatewayTransactionID = ver.TransactionID
	tx.PaymentMethod = ver.Channel
	p.logger.Printf("[processor] %s -> %s", tx.Reference, next)

	eventType := EventPaymentFailed
	if next == StatusSuccess {
		eventType = EventPaymentSucceeded
		p.sendReceipt(ctx, tx, ReceiptPayment, tx.Amount, "", now)
	}
	p.publish(ctx, tx, eventType, now)

	resp := &VerifyResponse{
		Reference:   tx.Reference,
		Status:      next,
		PaidAmount:  ver.PaidAmount,
		Currency:    tx.Currency,
		Message:     message,
		Transaction: tx,
	}
	if !ver.PaidAt.IsZero() {
		paidAt := ver.PaidAt
		resp.PaidAt = &paidAt
	}
	return resp, nil
}

// mismatch reports why a provider success must not be honoured.
func mismatch(tx *Transaction, ver *Verification) string {
	if ver.Currency != "" && !strings.EqualFold(ver.Currency, tx.Currency) {
		return fmt.Sprintf("paid in %s, expected %s", ver.Currency, tx.Currency)
	}
	if ver.PaidAmount.LessThan(tx.Amount) {
		return fmt.Sprintf("paid %s, expected %s", ver.PaidAmount.StringFixed(2), tx.Amount.StringFixed(2))
	}
	return ""
}

func storedResult(tx *Transaction, message string) *VerifyResponse {
	resp := &VerifyResponse{
		Reference:        tx.Reference,
		Status:           tx.Status,
		Currency:         tx.Currency,
		PaidAt:           tx.VerifiedAt,
		Message:          message,
		AlreadyProcessed: true,
		Transaction:      tx,
	}
	if tx.Status == StatusSuccess || tx.Status == StatusRefunded {
		resp.PaidAmount = tx.Amount
	}
	return resp
}

func (p *Processor) fulfillment(ctx context.Context, tx *Transaction, at time.Time) (*Fulfillment, error) {
	f := &Fulfillment{Type: tx.Type, Reference: tx.Reference, SchoolID: tx.SchoolID, At: at}

	switch tx.Type {
	case TypeOnboarding:
		if tx.SchoolID == nil {
			p.logger.Printf("[processor] onboarding payment %s has no school", tx.Reference)
			return nil, nil
		}
	case TypeFeePayment:
		batch, err := p.store.GetBatchPaymentByReference(ctx, tx.Reference)
		switch {
		case err == nil:
			f.InvoiceIDs = batch.InvoiceIDs
		case errors.Is(err, ErrNotFound):
			f.InvoiceIDs = int64List(tx.Metadata["invoice_ids"])
		default:
			return nil, fmt.Errorf("failed to load batch %s: %w", tx.Reference, err)
		}
	case TypeSubscription:
		if tx.SchoolID == nil {
			p.logger.Printf("[processor] subscription payment %s has no school", tx.Reference)
			return nil, nil
		}
		f.SubscriptionMonths = 1
		if n := intValue(tx.Metadata["subscription_months"]); n > 0 {
			f.SubscriptionMonths = n
		}
	default:
		return nil, nil
	}
	return f, nil
}

// Refund returns up to the original amount to the payer. A zero amount means
// a full refund. Provider failures leave the transaction untouched.
func (p *Processor) Refund(ctx context.Context, transactionID int64, amount decimal.Decimal, reason string) (*RefundResult, error) {
	if amount.IsNegative() {
		return nil, &ValidationError{Field: "amount", Message: "refund amount cannot be negative"}
	}

	elig, err := p.validator.CanRefund(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !elig.Eligible {
		return nil, &RefundIneligibleError{Reason: elig.Reason}
	}
	if amount.IsZero() {
		amount = elig.MaxAmount
	}
	if amount.GreaterThan(elig.MaxAmount) {
		return nil, &RefundIneligibleError{Reason: "exceeds transaction amount"}
	}

	tx, err := p.store.GetTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	inst, err := p.gateways.Resolve(ctx, tx.Provider, tx.SchoolID, tx.Mode == ModeTest)
	if err != nil {
		return nil, err
	}

	providerID := tx.GatewayTransactionID
	if providerID == "" {
		providerID = tx.Reference
	}
	outcome, err := inst.Gateway.RefundPayment(ctx, RefundRequest{
		TransactionID: providerID,
		Amount:        amount,
		Currency:      tx.Currency,
		Reason:        reason,
	})
	if err != nil {
		p.logger.Printf("[processor] refund of %s via %s failed: %v", tx.Reference, tx.Provider, err)
		return nil, err
	}

	now := p.now().UTC()
	applied, err := p.ledger.Transition(ctx, tx.Reference, StatusSuccess, TransactionUpdate{
		Status:       StatusRefunded,
		RefundReason: reason,
		RefundedAt:   &now,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("refund %s accepted by provider but not recorded: %w", outcome.RefundID, err)
	}
	if !applied {
		p.logger.Printf("[processor] refund %s for %s accepted by provider but transaction left success first", outcome.RefundID, tx.Reference)
		return nil, &RefundIneligibleError{Reason: "transaction changed while refunding"}
	}

	tx.Status = StatusRefunded
	tx.RefundReason = reason
	tx.RefundedAt = &now
	p.logger.Printf("[processor] %s refunded %s %s", tx.Reference, amount.StringFixed(2), tx.Currency)

	p.publish(ctx, tx, EventPaymentRefunded, now)
	p.sendReceipt(ctx, tx, ReceiptRefund, amount, reason, now)

	return &RefundResult{
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		Amount:        amount,
		Currency:      tx.Currency,
		Status:        outcome.Status,
		RefundID:      outcome.RefundID,
		RefundedAt:    now,
	}, nil
}

func (p *Processor) publish(ctx context.Context, tx *Transaction, t EventType, at time.Time) {
	if p.events == nil {
		return
	}
	err := p.events.Publish(ctx, Event{
		Type:          t,
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		SchoolID:      tx.SchoolID,
		PaymentType:   tx.Type,
		Provider:      tx.Provider,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		OccurredAt:    at,
	})
	if err != nil {
		p.logger.Printf("[processor] publish %s for %s failed: %v", t, tx.Reference, err)
	}
}

func (p *Processor) sendReceipt(ctx context.Context, tx *Transaction, kind ReceiptKind, amount decimal.Decimal, reason string, at time.Time) {
	if p.notifier == nil || tx.PayerEmail == "" {
		return
	}
	r := Receipt{
		Kind:      kind,
		Email:     tx.PayerEmail,
		Name:      tx.PayerName,
		Reference: tx.Reference,
		Amount:    amount,
		Currency:  tx.Currency,
		Provider:  tx.Provider,
		Reason:    reason,
		At:        at,
	}
	if err := p.notifier.SendReceipt(ctx, r); err != nil {
		p.logger.Printf("[processor] receipt for %s failed: %v", tx.Reference, err)
	}
}

// int64List reads invoice ids back out of decoded JSON metadata.
func int64List(v any) []int64 {
	switch t := v.(type) {
	case []int64:
		return t
	case []any:
		out := make([]int64, 0, len(t))
		for _, item := range t {
			if n := intValue(item); n > 0 {
				out = append(out, int64(n))
			}
		}
		return out
	}
	return nil
}

func intValue(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}
