package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryGuard filters repeated webhook deliveries before they reach the
// processor. The database transition remains the authoritative guard.
type DeliveryGuard interface {
	FirstDelivery(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Service is the entry point used by the rest of the platform.
type Service struct {
	store     Store
	factory   *Factory
	validator *Validator
	processor *Processor
	guard     DeliveryGuard
	logger    *log.Logger

	defaultProvider Provider
	testMode        bool
}

type ServiceOption func(*serviceSettings)

type serviceSettings struct {
	factoryOpts     []FactoryOption
	validatorOpts   []ValidatorOption
	events          EventPublisher
	notifier        Notifier
	guard           DeliveryGuard
	logger          *log.Logger
	now             func() time.Time
	defaultProvider Provider
	testMode        bool
}

func WithFactoryOptions(opts ...FactoryOption) ServiceOption {
	return func(s *serviceSettings) { s.factoryOpts = append(s.factoryOpts, opts...) }
}

func WithValidatorOptions(opts ...ValidatorOption) ServiceOption {
	return func(s *serviceSettings) { s.validatorOpts = append(s.validatorOpts, opts...) }
}

func WithEventPublisher(ep EventPublisher) ServiceOption {
	return func(s *serviceSettings) { s.events = ep }
}

func WithNotifier(n Notifier) ServiceOption {
	return func(s *serviceSettings) { s.notifier = n }
}

func WithDeliveryGuard(g DeliveryGuard) ServiceOption {
	return func(s *serviceSettings) { s.guard = g }
}

func WithServiceLogger(l *log.Logger) ServiceOption {
	return func(s *serviceSettings) { s.logger = l }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *serviceSettings) { s.now = now }
}

// WithDefaultProvider is used when a request names no provider.
func WithDefaultProvider(p Provider) ServiceOption {
	return func(s *serviceSettings) { s.defaultProvider = p }
}

// WithTestMode selects the credential set used for webhooks that cannot be
// matched to a stored transaction.
func WithTestMode(test bool) ServiceOption {
	return func(s *serviceSettings) { s.testMode = test }
}

func NewService(store Store, opts ...ServiceOption) *Service {
	st := serviceSettings{
		logger:          log.Default(),
		now:             time.Now,
		defaultProvider: ProviderPaystack,
	}
	for _, opt := range opts {
		opt(&st)
	}

	factoryOpts := append([]FactoryOption{WithFactoryLogger(st.logger)}, st.factoryOpts...)
	validatorOpts := append([]ValidatorOption{WithValidatorClock(st.now)}, st.validatorOpts...)

	factory := NewFactory(store, factoryOpts...)
	validator := NewValidator(store, validatorOpts...)
	processor := NewProcessor(store, validator, factory, st.logger, st.now)
	processor.SetEventPublisher(st.events)
	processor.SetNotifier(st.notifier)

	return &Service{
		store:           store,
		factory:         factory,
		validator:       validator,
		processor:       processor,
		guard:           st.guard,
		logger:          st.logger,
		defaultProvider: st.defaultProvider,
		testMode:        st.testMode,
	}
}

func (s *Service) Factory() *Factory {
	return s.factory
}

func (s *Service) InitializePayment(ctx context.Context, req PaymentRequest) (*InitializeResponse, error) {
	if req.Provider == "" {
		req.Provider = s.defaultProvider
	}
	if req.Type == "" {
		req.Type = TypeGeneral
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	req.Email = strings.TrimSpace(req.Email)

	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	inst, err := s.factory.Resolve(ctx, req.Provider, req.SchoolID, req.TestMode)
	if err != nil {
		return nil, err
	}
	if !inst.Gateway.IsAvailable() {
		return nil, configurationError("%s gateway credentials are incomplete", req.Provider)
	}
	if !slices.Contains(inst.Gateway.SupportedCurrencies(), req.Currency) {
		return nil, &ValidationError{Field: "currency", Message: fmt.Sprintf("%s does not accept %s", req.Provider, req.Currency)}
	}

	return s.processor.Initiate(ctx, inst, req)
}

func (s *Service) VerifyPayment(ctx context.Context, reference string) (*VerifyResponse, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, &ValidationError{Field: "reference", Message: "reference is required"}
	}
	return s.processor.Verify(ctx, reference)
}

func (s *Service) ProcessRefund(ctx context.Context, transactionID int64, amount decimal.Decimal, reason string) (*RefundResult, error) {
	return s.processor.Refund(ctx, transactionID, amount, strings.TrimSpace(reason))
}

func (s *Service) CanRefund(ctx context.Context, transactionID int64) (*RefundEligibility, error) {
	return s.validator.CanRefund(ctx, transactionID)
}

func (s *Service) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return s.store.GetTransactionByID(ctx, id)
}

func (s *Service) AvailableGateways(ctx context.Context, schoolID *int64, testMode bool) []Provider {
	return s.factory.ListAvailable(ctx, schoolID, testMode)
}

// InvalidateGateway drops cached adapters after credentials change.
func (s *Service) InvalidateGateway(provider Provider, schoolID *int64) {
	s.factory.Cache().Invalidate(provider, schoolID)
}

// SignatureHeader names the request header a provider signs deliveries with.
func (s *Service) SignatureHeader(provider Provider) (string, bool) {
	reg, ok := s.factory.Registry().Lookup(provider)
	if !ok {
		return "", false
	}
	return reg.SignatureHeader, true
}

// ProcessWebhook authenticates and applies one provider delivery. Rejections
// and unknown events come back as results; the error is reserved for
// failures the provider should retry.
func (s *Service) ProcessWebhook(ctx context.Context, provider Provider, body []byte, signature string) (WebhookResult, error) {
	reg, ok := s.factory.Registry().Lookup(provider)
	if !ok {
		return WebhookResult{Status: WebhookRejected, Message: fmt.Sprintf("unknown provider %q", provider)}, nil
	}

	event, err := reg.ParseWebhook(body)
	if err != nil {
		s.logger.Printf("[webhook] %s payload rejected: %v", provider, err)
		return WebhookResult{Status: WebhookRejected, Message: "malformed payload"}, nil
	}

	// The reference is untrusted until the signature checks out; it only
	// selects which tenant's secret to check against.
	schoolID, testMode := (*int64)(nil), s.testMode
	if event.Reference != "" {
		tx, err := s.store.GetTransactionByReference(ctx, event.Reference)
		switch {
		case err == nil:
			schoolID, testMode = tx.SchoolID, tx.Mode == ModeTest
		case !errors.Is(err, ErrNotFound):
			return WebhookResult{}, fmt.Errorf("failed to look up %s: %w", event.Reference, err)
		}
	}

	inst, err := s.factory.Resolve(ctx, provider, schoolID, testMode)
	if errors.Is(err, ErrConfiguration) {
		s.logger.Printf("[webhook] %s delivery for %s rejected: %v", provider, event.Reference, err)
		return WebhookResult{Status: WebhookRejected, Event: event.Type, Message: "gateway not configured"}, nil
	}
	if err != nil {
		return WebhookResult{}, err
	}

	if !inst.Gateway.ValidateWebhook(body, signature) {
		s.logger.Printf("[webhook] %s %s for %s: %v", provider, event.Type, event.Reference, ErrSignature)
		return WebhookResult{Status: WebhookRejected, Event: event.Type, Message: ErrSignature.Error()}, nil
	}

	key := deliveryKey(provider, body)
	if s.guard != nil {
		first, err := s.guard.FirstDelivery(ctx, key)
		if err != nil {
			s.logger.Printf("[webhook] dedupe lookup failed, continuing: %v", err)
		} else if !first {
			return WebhookResult{Status: WebhookDuplicate, Event: event.Type, Reference: event.Reference, Message: "delivery already handled"}, nil
		}
	}

	result := inst.Gateway.ProcessWebhook(ctx, *event)
	if result.Action == ActionVerify {
		ver, err := s.processor.Verify(ctx, result.Reference)
		switch {
		case errors.Is(err, ErrNotFound):
			result.Status = WebhookIgnored
			result.Message = "unknown transaction reference"
		case err != nil:
			s.release(ctx, key)
			return result, fmt.Errorf("failed to verify %s: %w", result.Reference, err)
		default:
			result.Message = fmt.Sprintf("transaction %s", ver.Status)
		}
	}

	s.logger.Printf("[webhook] %s %s -> %s", provider, event.Type, result.Status)
	return result, nil
}

func (s *Service) release(ctx context.Context, key string) {
	if s.guard == nil {
		return
	}
	if err := s.guard.Release(ctx, key); err != nil {
		s.logger.Printf("[webhook] failed to release %s: %v", key, err)
	}
}

func deliveryKey(provider Provider, body []byte) string {
	sum := sha256.Sum256(body)
	return string(provider) + ":" + hex.EncodeToString(sum[:])
}
