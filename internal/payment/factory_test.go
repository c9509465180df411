package payment

import (
	"context"
	"errors"
	"testing"
)

func TestFactoryResolveFallback(t *testing.T) {
	school := GatewayConfig{ID: 20, SchoolID: int64Ptr(42), Provider: ProviderPaystack, Mode: ModeLive, PublicKey: "pk_s", SecretKey: "sk_s", IsActive: true}
	platform := GatewayConfig{ID: 10, Provider: ProviderPaystack, Mode: ModeLive, PublicKey: "pk_p", SecretKey: "sk_p", IsActive: true}
	inactive := GatewayConfig{ID: 30, SchoolID: int64Ptr(7), Provider: ProviderPaystack, Mode: ModeLive, SecretKey: "sk_7", IsActive: false}

	f := NewFactory(newMemStore(school, platform, inactive), WithFactoryLogger(quietLogger))

	tests := []struct {
		name     string
		schoolID *int64
		expected int64
	}{
		{name: "School specific config", schoolID: int64Ptr(42), expected: 20},
		{name: "School without config", schoolID: int64Ptr(5), expected: 10},
		{name: "Inactive school config", schoolID: int64Ptr(7), expected: 10},
		{name: "Platform request", schoolID: nil, expected: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := f.Resolve(context.Background(), ProviderPaystack, tt.schoolID, false)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if inst.Config.ID != tt.expected {
				t.Errorf("Expected config %d, got %d", tt.expected, inst.Config.ID)
			}
		})
	}
}

func TestFactoryResolveMissingConfig(t *testing.T) {
	f := NewFactory(newMemStore(platformConfig(ProviderPaystack, ModeLive)), WithFactoryLogger(quietLogger))

	_, err := f.Resolve(context.Background(), ProviderPaystack, nil, true)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for missing test-mode config, got %v", err)
	}

	_, err = f.Resolve(context.Background(), Provider("paypal"), nil, false)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for unregistered provider, got %v", err)
	}
}

func TestFactoryCache(t *testing.T) {
	store := newMemStore(platformConfig(ProviderFlutterwave, ModeTest))
	f := NewFactory(store, WithFactoryLogger(quietLogger))
	ctx := context.Background()

	first, err := f.Resolve(ctx, ProviderFlutterwave, int64Ptr(1), true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, _ := f.Resolve(ctx, ProviderFlutterwave, int64Ptr(1), true)
	if first != second {
		t.Error("Expected the cached instance on second resolve")
	}
	if store.configCalls != 1 {
		t.Errorf("Expected 1 config lookup, got %d", store.configCalls)
	}

	if _, err := f.Resolve(ctx, ProviderFlutterwave, int64Ptr(2), true); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if f.Cache().Len() != 2 {
		t.Errorf("Expected a cache entry per school, got %d", f.Cache().Len())
	}

	f.Cache().Invalidate(ProviderFlutterwave, int64Ptr(1))
	third, _ := f.Resolve(ctx, ProviderFlutterwave, int64Ptr(1), true)
	if third == first {
		t.Error("Expected a fresh instance after invalidation")
	}
	if store.configCalls != 3 {
		t.Errorf("Expected 3 config lookups, got %d", store.configCalls)
	}
}

func TestFactoryListAvailable(t *testing.T) {
	noPublic := platformConfig(ProviderFlutterwave, ModeTest)
	noPublic.PublicKey = ""
	store := newMemStore(platformConfig(ProviderPaystack, ModeTest), noPublic, platformConfig(ProviderStripe, ModeTest))

	reg := DefaultRegistry()
	reg.Register(Provider("broken"), Registration{
		New: func(GatewayConfig, *GatewayClient) (Gateway, error) { panic("boom") },
	})
	store.configs = append(store.configs, GatewayConfig{ID: 9, Provider: "broken", Mode: ModeTest, IsActive: true})

	f := NewFactory(store, WithRegistry(reg), WithFactoryLogger(quietLogger))
	got := f.ListAvailable(context.Background(), nil, true)

	expected := []Provider{ProviderPaystack, ProviderStripe}
	if len(got) != len(expected) {
		t.Fatalf("Expected %v, got %v", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("Expected %v, got %v", expected, got)
		}
	}

	if live := f.ListAvailable(context.Background(), nil, false); len(live) != 0 {
		t.Errorf("Expected no live gateways, got %v", live)
	}
}
