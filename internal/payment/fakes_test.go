package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var quietLogger = log.New(io.Discard, "", 0)

func int64Ptr(v int64) *int64 { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// memStore is an in-memory Store with the same conditional-update semantics
// as the Postgres implementation.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	byRef       map[string]*Transaction
	batches     map[string]*BatchPayment
	configs     []GatewayConfig
	effects     []Fulfillment
	configCalls int
	insertErr   error
}

func newMemStore(configs ...GatewayConfig) *memStore {
	return &memStore{
		byRef:   make(map[string]*Transaction),
		batches: make(map[string]*BatchPayment),
		configs: configs,
	}
}

func (m *memStore) add(tx *Transaction) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tx.ID = m.nextID
	m.byRef[tx.Reference] = tx
	return tx
}

func (m *memStore) GetTransactionByID(_ context.Context, id int64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.byRef {
		if tx.ID == id {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("transaction %d: %w", id, ErrNotFound)
}

func (m *memStore) GetTransactionByReference(_ context.Context, ref string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", ref, ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

func (m *memStore) ResolveGatewayConfig(_ context.Context, p Provider, mode Mode, schoolID *int64) (*GatewayConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configCalls++
	var platform *GatewayConfig
	for i := range m.configs {
		c := m.configs[i]
		if c.Provider != p || c.Mode != mode || !c.IsActive {
			continue
		}
		if c.SchoolID == nil {
			platform = &c
			continue
		}
		if schoolID != nil && *c.SchoolID == *schoolID {
			return &c, nil
		}
	}
	if platform != nil {
		return platform, nil
	}
	return nil, ErrNotFound
}

func (m *memStore) InsertTransaction(_ context.Context, tx *Transaction, batch *BatchPayment) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byRef[tx.Reference]; ok {
		return fmt.Errorf("duplicate reference %s", tx.Reference)
	}
	m.nextID++
	tx.ID = m.nextID
	cp := *tx
	m.byRef[tx.Reference] = &cp
	if batch != nil {
		b := *batch
		m.batches[batch.Reference] = &b
	}
	return nil
}

func (m *memStore) UpdateTransactionByReference(_ context.Context, ref string, upd TransactionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byRef[ref]
	if !ok {
		return ErrNotFound
	}
	apply(tx, upd)
	return nil
}

func (m *memStore) TransitionTransaction(_ context.Context, ref string, from Status, upd TransactionUpdate, effect *Fulfillment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byRef[ref]
	if !ok || tx.Status != from {
		return false, nil
	}
	apply(tx, upd)
	if effect != nil {
		m.effects = append(m.effects, *effect)
		if b, ok := m.batches[ref]; ok && effect.Type == TypeFeePayment {
			b.Status = BatchCompleted
		}
	}
	return true, nil
}

func (m *memStore) ListStaleTransactions(_ context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, tx := range m.byRef {
		if tx.Status == StatusInitiated && tx.CreatedAt.Before(before) && len(out) < limit {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) GetBatchPaymentByReference(_ context.Context, ref string) (*BatchPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[ref]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) effectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.effects)
}

// racingStore lets another worker settle the row after it has been read but
// before this process transitions it.
type racingStore struct {
	*memStore
	once sync.Once
}

func (r *racingStore) TransitionTransaction(ctx context.Context, ref string, from Status, upd TransactionUpdate, effect *Fulfillment) (bool, error) {
	r.once.Do(func() {
		r.memStore.TransitionTransaction(ctx, ref, from, upd, effect)
	})
	return r.memStore.TransitionTransaction(ctx, ref, from, upd, effect)
}

func apply(tx *Transaction, upd TransactionUpdate) {
	if upd.Status != "" {
		tx.Status = upd.Status
	}
	if len(upd.GatewayResponse) > 0 {
		tx.GatewayResponse = upd.GatewayResponse
	}
	if upd.GatewayTransactionID != "" {
		tx.GatewayTransactionID = upd.GatewayTransactionID
	}
	if upd.PaymentMethod != "" {
		tx.PaymentMethod = upd.PaymentMethod
	}
	if upd.RefundReason != "" {
		tx.RefundReason = upd.RefundReason
	}
	if upd.VerifiedAt != nil {
		tx.VerifiedAt = upd.VerifiedAt
	}
	if upd.RefundedAt != nil {
		tx.RefundedAt = upd.RefundedAt
	}
	tx.UpdatedAt = upd.UpdatedAt
}

// stubGateway is a scriptable adapter registered in place of a real one.
type stubGateway struct {
	mu          sync.Mutex
	provider    Provider
	initErr     error
	verifyErr   error
	verify      Verification
	verifyDelay time.Duration
	verifyCalls int
	verifyStart chan struct{}
	refundErr   error
	refunds     []RefundRequest
	lastInit    InitializeRequest
}

func (s *stubGateway) Provider() Provider { return s.provider }

func (s *stubGateway) InitializePayment(_ context.Context, req InitializeRequest) (*InitializeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastInit = req
	if s.initErr != nil {
		return nil, s.initErr
	}
	return &InitializeResult{
		PaymentURL:    "https://pay.example.com/" + req.Reference,
		Reference:     req.Reference,
		TransactionID: "stub_" + req.Reference,
		Raw:           json.RawMessage(`{"ok":true}`),
	}, nil
}

func (s *stubGateway) VerifyPayment(ctx context.Context, ref string) (*Verification, error) {
	if s.verifyStart != nil {
		select {
		case s.verifyStart <- struct{}{}:
		default:
		}
	}
	if s.verifyDelay > 0 {
		time.Sleep(s.verifyDelay)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifyCalls++
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	v := s.verify
	v.Reference = ref
	return &v, nil
}

func (s *stubGateway) RefundPayment(_ context.Context, req RefundRequest) (*RefundOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refundErr != nil {
		return nil, s.refundErr
	}
	s.refunds = append(s.refunds, req)
	return &RefundOutcome{Status: "processed", RefundID: "rf_1"}, nil
}

func (s *stubGateway) SupportedCurrencies() []string { return []string{"NGN", "USD"} }

func (s *stubGateway) ValidateWebhook(_ []byte, sig string) bool { return sig == "ok" }

func (s *stubGateway) ProcessWebhook(ctx context.Context, event WebhookEvent) WebhookResult {
	return routeWebhook(ctx, map[string]eventHandler{"charge.success": verifyOnWebhook}, event)
}

func (s *stubGateway) IsAvailable() bool { return true }

// stubRegistry registers gw under its provider, reusing the Paystack parser.
func stubRegistry(gw *stubGateway) *Registry {
	r := NewRegistry()
	r.Register(gw.provider, Registration{
		New:             func(GatewayConfig, *GatewayClient) (Gateway, error) { return gw, nil },
		ParseWebhook:    ParsePaystackWebhook,
		SignatureHeader: PaystackSignatureHeader,
	})
	return r
}

func platformConfig(p Provider, mode Mode) GatewayConfig {
	return GatewayConfig{ID: 1, Provider: p, Mode: mode, PublicKey: "pk", SecretKey: "sk", WebhookSecret: "whsec", IsActive: true}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingPublisher) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	receipts []Receipt
}

func (r *recordingNotifier) SendReceipt(_ context.Context, rc Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts = append(r.receipts, rc)
	return nil
}

type memGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (g *memGuard) FirstDelivery(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = make(map[string]bool)
	}
	if g.seen[key] {
		return false, nil
	}
	g.seen[key] = true
	return true, nil
}

func (g *memGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, key)
	return nil
}
