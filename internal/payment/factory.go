package payment

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Constructor builds an adapter from resolved credentials.
type Constructor func(cfg GatewayConfig, client *GatewayClient) (Gateway, error)

// Registration describes everything the service needs to know about one
// provider without holding a configured instance.
type Registration struct {
	New             Constructor
	ParseWebhook    func(payload []byte) (*WebhookEvent, error)
	SignatureHeader string
}

type Registry struct {
	mu      sync.RWMutex
	entries map[Provider]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Provider]Registration)}
}

// DefaultRegistry knows the three built-in adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(ProviderPaystack, Registration{
		New:             NewPaystackGateway,
		ParseWebhook:    ParsePaystackWebhook,
		SignatureHeader: PaystackSignatureHeader,
	})
	r.Register(ProviderFlutterwave, Registration{
		New:             NewFlutterwaveGateway,
		ParseWebhook:    ParseFlutterwaveWebhook,
		SignatureHeader: FlutterwaveSignatureHeader,
	})
	r.Register(ProviderStripe, Registration{
		New:             NewStripeGateway,
		ParseWebhook:    ParseStripeWebhook,
		SignatureHeader: StripeSignatureHeader,
	})
	return r
}

func (r *Registry) Register(p Provider, reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p] = reg
}

func (r *Registry) Lookup(p Provider) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[p]
	return reg, ok
}

// Providers returns the registered providers in a stable order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Instance is a constructed adapter together with the config it was built from.
type Instance struct {
	Gateway Gateway
	Config  GatewayConfig
}

// InstanceCache holds constructed adapters keyed by provider|school|mode.
type InstanceCache struct {
	mu    sync.RWMutex
	items map[string]*Instance
}

func NewInstanceCache() *InstanceCache {
	return &InstanceCache{items: make(map[string]*Instance)}
}

func cacheKey(p Provider, schoolID *int64, mode Mode) string {
	school := "platform"
	if schoolID != nil {
		school = strconv.FormatInt(*schoolID, 10)
	}
	return fmt.Sprintf("%s|%s|%s", p, school, mode)
}

func (c *InstanceCache) Get(key string) (*Instance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.items[key]
	return inst, ok
}

// Put stores inst unless another caller got there first, and returns
// whichever instance is now cached.
func (c *InstanceCache) Put(key string, inst *Instance) *Instance {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.items[key]; ok {
		return existing
	}
	c.items[key] = inst
	return inst
}

// Invalidate drops cached adapters for a provider and school, in every mode.
// A nil school means the platform config changed, so schools that fell back
// to it are dropped too.
func (c *InstanceCache) Invalidate(p Provider, schoolID *int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mode := range []Mode{ModeTest, ModeLive} {
		delete(c.items, cacheKey(p, schoolID, mode))
	}
	if schoolID != nil {
		return
	}
	prefix := string(p) + "|"
	for key, inst := range c.items {
		if strings.HasPrefix(key, prefix) && inst.Config.SchoolID == nil {
			delete(c.items, key)
		}
	}
}

func (c *InstanceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

type Factory struct {
	configs       ConfigSource
	registry      *Registry
	cache         *InstanceCache
	clientOptions map[Provider][]ClientOption
	logger        *log.Logger
}

type FactoryOption func(*Factory)

func WithRegistry(r *Registry) FactoryOption {
	return func(f *Factory) { f.registry = r }
}

// WithClientOptions applies options to every GatewayClient built for p.
func WithClientOptions(p Provider, opts ...ClientOption) FactoryOption {
	return func(f *Factory) { f.clientOptions[p] = append(f.clientOptions[p], opts...) }
}

func WithFactoryLogger(l *log.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

func NewFactory(configs ConfigSource, opts ...FactoryOption) *Factory {
	f := &Factory{
		configs:       configs,
		registry:      DefaultRegistry(),
		cache:         NewInstanceCache(),
		clientOptions: make(map[Provider][]ClientOption),
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Registry() *Registry {
	return f.registry
}

func (f *Factory) Cache() *InstanceCache {
	return f.cache
}

// Resolve returns the adapter for a tenant, building and caching it on first
// use. A school without its own active config uses the platform config.
func (f *Factory) Resolve(ctx context.Context, provider Provider, schoolID *int64, testMode bool) (*Instance, error) {
	mode := ModeFor(testMode)
	key := cacheKey(provider, schoolID, mode)
	if inst, ok := f.cache.Get(key); ok {
		return inst, nil
	}

	reg, ok := f.registry.Lookup(provider)
	if !ok {
		return nil, configurationError("no adapter registered for %s", provider)
	}

	cfg, err := f.configs.ResolveGatewayConfig(ctx, provider, mode, schoolID)
	if errors.Is(err, ErrNotFound) || (err == nil && (cfg == nil || !cfg.IsActive)) {
		return nil, configurationError("no active %s gateway in %s mode", provider, mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s gateway config: %w", provider, err)
	}

	opts := append([]ClientOption{WithLogger(f.logger)}, f.clientOptions[provider]...)
	gw, err := reg.New(*cfg, NewGatewayClient(provider, opts...))
	if err != nil {
		return nil, configurationError("failed to build %s adapter: %v", provider, err)
	}

	return f.cache.Put(key, &Instance{Gateway: gw, Config: *cfg}), nil
}

// Providers that fail to resolve, or panic while being checked, are left out.
// Providers that fail to resolve or panic while checked are left out.
func (f *Factory) ListAvailable(ctx context.Context, schoolID *int64, testMode bool) []Provider {
	var out []Provider
	for _, p := range f.registry.Providers() {
		if f.canServe(ctx, p, schoolID, testMode) {
			out = append(out, p)
		}
	}
	return out
}

func (f *Factory) canServe(ctx context.Context, p Provider, schoolID *int64, testMode bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Printf("[factory] %s availability check panicked: %v", p, r)
			ok = false
		}
	}()
	inst, err := f.Resolve(ctx, p, schoolID, testMode)
	if err != nil {
		return false
	}
	return inst.Gateway.IsAvailable()
}
