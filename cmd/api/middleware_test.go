package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/Mekazstan/school-payments/internal/auth"
	"github.com/Mekazstan/school-payments/internal/cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestAuthMiddleware(t *testing.T) {
	secret := "test-secret"
	userID := uuid.New()
	validToken, _ := auth.MakeJWT(userID, secret, time.Hour)

	middleware := AuthMiddleware(secret)

	tests := []struct {
		name           string
		authHeader     string
		expectedStatus int
	}{
		{
			name:           "Valid token",
			authHeader:     "Bearer " + validToken,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "Missing auth header",
			authHeader:     "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Invalid format",
			authHeader:     "InvalidFormat",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Invalid token",
			authHeader:     "Bearer invalid.token.here",
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			rr := httptest.NewRecorder()

			handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, ok := GetUserID(r.Context())
				if !ok || got != userID {
					t.Errorf("Expected user %s in context, got %s", userID, got)
				}
				w.WriteHeader(http.StatusOK)
			}))

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/test", nil)
	rr := httptest.NewRecorder()

	handler := middlewareCors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Preflight should not reach the handler")
	}))

	handler.ServeHTTP(rr, req)

	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header not set correctly")
	}

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, _ := r.Context().Value(requestIDKey).(string); id == "" {
			t.Error("Expected request ID in context")
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))
	if _, err := uuid.Parse(rr.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("Expected UUID request ID, got '%s'", rr.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("X-Request-ID") != "upstream-123" {
		t.Errorf("Expected upstream request ID to be kept, got '%s'", rr.Header().Get("X-Request-ID"))
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rr.Code)
	}
}

type counterClient struct {
	counts map[string]int64
}

func (c *counterClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func (c *counterClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return redis.NewIntResult(0, nil)
}

func (c *counterClient) Incr(ctx context.Context, key string) *redis.IntCmd {
	c.counts[key]++
	return redis.NewIntResult(c.counts[key], nil)
}

func (c *counterClient) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := cache.NewRateLimiter(&counterClient{counts: map[string]int64{}}, 2)
	handler := RateLimitMiddleware(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, status := range want {
		req := httptest.NewRequest("POST", "/api/v1/payments/initialize", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != status {
			t.Errorf("Request %d: expected status %d, got %d", i+1, status, rr.Code)
		}
	}
}

func TestRateLimitMiddlewareDisabled(t *testing.T) {
	called := false
	handler := RateLimitMiddleware(nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	if !called {
		t.Error("Expected request to pass through without a limiter")
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		trusted    []netip.Prefix
		expected   string
	}{
		{"Direct peer", "198.51.100.7:5000", "", trusted, "198.51.100.7"},
		{"Untrusted peer cannot spoof", "198.51.100.7:5000", "203.0.113.1", trusted, "198.51.100.7"},
		{"No proxies configured", "10.0.0.2:5000", "203.0.113.1", nil, "10.0.0.2"},
		{"Trusted proxy", "10.0.0.2:5000", "203.0.113.1", trusted, "203.0.113.1"},
		{"Spoofed left hop ignored", "10.0.0.2:5000", "1.2.3.4, 203.0.113.1", trusted, "203.0.113.1"},
		{"Chain of trusted proxies", "10.0.0.2:5000", "203.0.113.1, 10.0.0.9", trusted, "203.0.113.1"},
		{"All hops trusted", "10.0.0.2:5000", "10.0.0.5", trusted, "10.0.0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req, tt.trusted); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	limiter := cache.NewRateLimiter(&counterClient{counts: map[string]int64{}}, 1)
	handler := RateLimitMiddleware(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	want := []int{http.StatusOK, http.StatusTooManyRequests}
	for i, status := range want {
		req := httptest.NewRequest("POST", "/api/v1/payments/initialize", nil)
		req.RemoteAddr = "203.0.113.9:4242"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("192.0.2.%d", i+1))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != status {
			t.Errorf("Request %d: expected status %d, got %d", i+1, status, rr.Code)
		}
	}
}
