package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mekazstan/school-payments/internal/app"
	"github.com/Mekazstan/school-payments/internal/cache"
	"github.com/Mekazstan/school-payments/internal/config"
	"github.com/Mekazstan/school-payments/internal/database"
	"github.com/Mekazstan/school-payments/internal/payment"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Unable to ping database: %v", err)
	}
	if err := database.Migrate(ctx, pool); err != nil {
		log.Fatalf("Unable to migrate database: %v", err)
	}
	log.Println("Connected to database successfully")

	store := database.NewStore(pool)

	rt, err := app.NewRuntime(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build payment runtime: %v", err)
	}
	defer rt.Close()
	opts := rt.Options

	// Redis backs webhook dedupe and rate limiting; both degrade to off.
	var limiter *cache.RateLimiter
	redisClient, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Printf("Warning: %v; webhook dedupe and rate limiting disabled", err)
	} else {
		defer redisClient.Close()
		log.Println("Connected to Redis successfully")
		opts = append(opts, payment.WithDeliveryGuard(cache.NewDeliveryGuard(redisClient, cfg.WebhookDedupeTTL)))
		limiter = cache.NewRateLimiter(redisClient, cfg.RateLimit)
	}

	service := payment.NewService(store, opts...)
	log.Printf("Payment gateways registered: %v", service.Factory().Registry().Providers())

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatalf("Invalid proxy configuration: %v", err)
	}

	api := &apiConfig{
		payments:       service,
		jwtSecret:      cfg.JWTSecret,
		appURL:         cfg.AppURL,
		testMode:       cfg.PaymentTestMode,
		trustedProxies: trusted,
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.routes(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func (cfg *apiConfig) routes(limiter *cache.RateLimiter) http.Handler {
	mux := http.NewServeMux()

	rateLimit := RateLimitMiddleware(limiter, cfg.trustedProxies)
	authMiddleware := AuthMiddleware(cfg.jwtSecret)

	// Public payment routes
	mux.Handle("POST /api/v1/payments/initialize", rateLimit(http.HandlerFunc(cfg.initializePaymentHandler)))
	mux.Handle("GET /api/v1/payments/{reference}/verify", rateLimit(http.HandlerFunc(cfg.verifyPaymentHandler)))
	mux.HandleFunc("GET /api/v1/payments/callback", cfg.paymentCallbackHandler)
	mux.HandleFunc("GET /api/v1/gateways", cfg.listGatewaysHandler)

	// Admin routes (require JWT)
	mux.Handle("POST /api/v1/payments/{id}/refund", authMiddleware(http.HandlerFunc(cfg.refundPaymentHandler)))
	mux.Handle("GET /api/v1/payments/{id}/refund-eligibility", authMiddleware(http.HandlerFunc(cfg.refundEligibilityHandler)))
	mux.Handle("DELETE /api/v1/gateways/{provider}/cache", authMiddleware(http.HandlerFunc(cfg.invalidateGatewayHandler)))

	// Webhook routes (no auth - verified by signature)
	mux.HandleFunc("POST /api/v1/webhooks/{provider}", cfg.webhookHandler)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	var handler http.Handler = mux
	handler = middlewareCors(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}
