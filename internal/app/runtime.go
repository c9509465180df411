package app

import (
	"fmt"
	"log"
	"net/http"

	"github.com/Mekazstan/school-payments/internal/config"
	"github.com/Mekazstan/school-payments/internal/email"
	"github.com/Mekazstan/school-payments/internal/events"
	"github.com/Mekazstan/school-payments/internal/payment"
)

// Runtime carries the payment service options every binary shares, along
// with the optional event and receipt sinks behind them.
type Runtime struct {
	Options   []payment.ServiceOption
	Publisher *events.KafkaPublisher
	Mailer    *email.EmailService
}

// NewRuntime builds the options for payment.NewService from cfg. Kafka events
// and receipt emails are only wired when enabled and configured.
func NewRuntime(cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	rt := &Runtime{
		Options: []payment.ServiceOption{
			payment.WithServiceLogger(logger),
			payment.WithTestMode(cfg.PaymentTestMode),
			payment.WithDefaultProvider(payment.Provider(cfg.DefaultProvider)),
			payment.WithValidatorOptions(
				payment.WithMinAmount(cfg.PaymentMinAmount),
				payment.WithAllowedCurrencies(cfg.AllowedCurrencies...),
				payment.WithRefundWindow(cfg.RefundWindow()),
			),
		},
	}

	httpClient := &http.Client{Timeout: cfg.GatewayTimeout}
	for _, p := range []payment.Provider{payment.ProviderPaystack, payment.ProviderFlutterwave, payment.ProviderStripe} {
		rt.Options = append(rt.Options, payment.WithFactoryOptions(
			payment.WithClientOptions(p, payment.WithHTTPClient(httpClient), payment.WithLogger(logger)),
		))
	}

	if cfg.EnablePaymentEvents && cfg.KafkaBrokers != "" {
		rt.Publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		rt.Options = append(rt.Options, payment.WithEventPublisher(rt.Publisher))
		logger.Printf("Publishing payment events to %s", cfg.KafkaTopic)
	}

	if cfg.EnableReceiptEmails && cfg.SMTPEnabled() {
		mailer, err := email.NewEmailService(email.Settings{
			SMTPHost:     cfg.SMTPHost,
			SMTPPort:     cfg.SMTPPort,
			SMTPUsername: cfg.SMTPUsername,
			SMTPPassword: cfg.SMTPPassword,
			FromEmail:    cfg.FromEmail,
			FromName:     cfg.FromName,
			AppURL:       cfg.AppURL,
		}, logger)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to initialize email service: %w", err)
		}
		rt.Mailer = mailer
		rt.Options = append(rt.Options, payment.WithNotifier(mailer))
	}

	return rt, nil
}

// Close waits for queued receipts, then flushes the event writer.
func (rt *Runtime) Close() {
	if rt.Mailer != nil {
		rt.Mailer.Wait()
	}
	if rt.Publisher != nil {
		if err := rt.Publisher.Close(); err != nil {
			log.Printf("Failed to close event publisher: %v", err)
		}
	}
}
