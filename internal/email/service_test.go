package email

import (
	"context"
	"errors"
	"io"
	"log"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mekazstan/school-payments/internal/payment"
	"github.com/shopspring/decimal"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

type mailRecorder struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *mailRecorder) send(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
	return nil
}

func testSettings() Settings {
	return Settings{
		SMTPHost:     "smtp.gmail.com",
		SMTPPort:     "587",
		SMTPUsername: "test@example.com",
		SMTPPassword: "password",
		FromEmail:    "noreply@example.com",
		FromName:     "Test School",
		AppURL:       "https://pay.example.com",
	}
}

func newTestService(t *testing.T, rec *mailRecorder) *EmailService {
	t.Helper()
	service, err := NewEmailService(testSettings(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewEmailService() error = %v", err)
	}
	service.send = rec.send
	return service
}

func TestEmailServiceCreation(t *testing.T) {
	service, err := NewEmailService(testSettings(), nil)
	if err != nil {
		t.Fatalf("NewEmailService() error = %v", err)
	}

	if service == nil {
		t.Fatal("NewEmailService() returned nil")
	}

	if service.settings.SMTPHost != "smtp.gmail.com" {
		t.Errorf("Expected smtpHost 'smtp.gmail.com', got '%s'", service.settings.SMTPHost)
	}

	if len(service.templates) != 2 {
		t.Errorf("Expected 2 templates, got %d", len(service.templates))
	}
}

func TestSendReceipt(t *testing.T) {
	tests := []struct {
		name        string
		receipt     payment.Receipt
		wantSubject string
		wantBody    string
	}{
		{
			name: "Payment receipt",
			receipt: payment.Receipt{
				Kind:      payment.ReceiptPayment,
				Email:     "parent@example.com",
				Name:      "Ada",
				Reference: "FEE_7_1760000000_0a1b2c3d",
				Amount:    decimal.NewFromInt(5000),
				Currency:  "NGN",
				Provider:  payment.ProviderPaystack,
				At:        time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
			},
			wantSubject: "Subject: Payment received - FEE_7_1760000000_0a1b2c3d",
			wantBody:    "NGN 5000.00",
		},
		{
			name: "Refund receipt",
			receipt: payment.Receipt{
				Kind:      payment.ReceiptRefund,
				Email:     "parent@example.com",
				Reference: "FEE_7_1760000000_0a1b2c3d",
				Amount:    decimal.RequireFromString("1250.5"),
				Currency:  "NGN",
				Reason:    "Duplicate <payment>",
			},
			wantSubject: "Subject: Refund processed - FEE_7_1760000000_0a1b2c3d",
			wantBody:    "Reason: Duplicate &lt;payment&gt;",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mailRecorder{}
			service := newTestService(t, rec)

			if err := service.SendReceipt(context.Background(), tt.receipt); err != nil {
				t.Fatalf("SendReceipt() error = %v", err)
			}
			service.Wait()

			if len(rec.sent) != 1 {
				t.Fatalf("Expected 1 email, got %d", len(rec.sent))
			}
			mail := rec.sent[0]
			if mail.addr != "smtp.gmail.com:587" {
				t.Errorf("Expected addr 'smtp.gmail.com:587', got '%s'", mail.addr)
			}
			if !strings.Contains(mail.msg, tt.wantSubject) {
				t.Errorf("Expected subject %q in message", tt.wantSubject)
			}
			if !strings.Contains(mail.msg, tt.wantBody) {
				t.Errorf("Expected %q in message body", tt.wantBody)
			}
		})
	}
}

func TestSendReceiptNoRecipient(t *testing.T) {
	service := newTestService(t, &mailRecorder{})
	err := service.SendReceipt(context.Background(), payment.Receipt{Reference: "PAY_1_aa"})
	if err == nil {
		t.Error("Expected error for receipt without email")
	}
}

func TestSendReceiptFailureIsLogged(t *testing.T) {
	rec := &mailRecorder{err: errors.New("connection refused")}
	service := newTestService(t, rec)

	err := service.SendReceipt(context.Background(), payment.Receipt{Email: "a@example.com", Reference: "PAY_1_aa"})
	if err != nil {
		t.Errorf("Expected queued send to succeed, got %v", err)
	}
	service.Wait()
}

func TestSendEmailUnknownTemplate(t *testing.T) {
	service := newTestService(t, &mailRecorder{})
	err := service.SendEmail(EmailData{To: "a@example.com", TemplateKey: "welcome"})
	if err == nil {
		t.Error("Expected error for unknown template")
	}
}
