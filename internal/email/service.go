package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"net/smtp"
	"sync"
	"time"

	"github.com/Mekazstan/school-payments/internal/payment"
)

type Settings struct {
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	FromEmail    string
	FromName     string
	AppURL       string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailService struct {
	settings  Settings
	templates map[string]*template.Template
	send      sendFunc
	logger    *log.Logger
	wg        sync.WaitGroup
}

type EmailData struct {
	To          string
	Subject     string
	TemplateKey string
	Data        interface{}
}

func NewEmailService(settings Settings, logger *log.Logger) (*EmailService, error) {
	if logger == nil {
		logger = log.Default()
	}
	service := &EmailService{
		settings:  settings,
		templates: make(map[string]*template.Template),
		send:      smtp.SendMail,
		logger:    logger,
	}

	if err := service.loadTemplates(); err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	return service, nil
}

func (s *EmailService) loadTemplates() error {
	templates := map[string]string{
		"payment_receipt": paymentReceiptTemplate,
		"refund_receipt":  refundReceiptTemplate,
	}

	for key, body := range templates {
		tmpl, err := template.New(key).Parse(body)
		if err != nil {
			return fmt.Errorf("template %s: %w", key, err)
		}
		s.templates[key] = tmpl
	}

	return nil
}

func (s *EmailService) SendEmail(data EmailData) error {
	tmpl, ok := s.templates[data.TemplateKey]
	if !ok {
		return fmt.Errorf("template %s not found", data.TemplateKey)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, data.Data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	message := fmt.Sprintf("From: %s <%s>\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/html; charset=UTF-8\r\n"+
		"\r\n"+
		"%s", s.settings.FromName, s.settings.FromEmail, data.To, data.Subject, body.String())

	auth := smtp.PlainAuth("", s.settings.SMTPUsername, s.settings.SMTPPassword, s.settings.SMTPHost)
	addr := fmt.Sprintf("%s:%s", s.settings.SMTPHost, s.settings.SMTPPort)

	err := s.send(addr, auth, s.settings.FromEmail, []string{data.To}, []byte(message))
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	return nil
}

type ReceiptData struct {
	Name       string
	Reference  string
	Amount     string
	Currency   string
	Provider   string
	Reason     string
	Date       string
	ReceiptURL string
}

// SendReceipt queues a payment or refund receipt and returns immediately.
// Delivery failures are logged; use Wait to drain pending sends.
func (s *EmailService) SendReceipt(ctx context.Context, receipt payment.Receipt) error {
	if receipt.Email == "" {
		return fmt.Errorf("receipt %s has no recipient", receipt.Reference)
	}

	data := EmailData{
		To:          receipt.Email,
		Subject:     fmt.Sprintf("Payment received - %s", receipt.Reference),
		TemplateKey: "payment_receipt",
		Data:        receiptData(receipt, s.settings.AppURL),
	}
	if receipt.Kind == payment.ReceiptRefund {
		data.Subject = fmt.Sprintf("Refund processed - %s", receipt.Reference)
		data.TemplateKey = "refund_receipt"
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.SendEmail(data); err != nil {
			s.logger.Printf("[email] %s receipt for %s failed: %v", receipt.Kind, receipt.Reference, err)
		}
	}()
	return nil
}

func (s *EmailService) Wait() {
	s.wg.Wait()
}

func receiptData(r payment.Receipt, appURL string) ReceiptData {
	name := r.Name
	if name == "" {
		name = "there"
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	return ReceiptData{
		Name:       name,
		Reference:  r.Reference,
		Amount:     r.Amount.StringFixed(2),
		Currency:   r.Currency,
		Provider:   string(r.Provider),
		Reason:     r.Reason,
		Date:       at.UTC().Format("02 Jan 2006 15:04 MST"),
		ReceiptURL: fmt.Sprintf("%s/payments/%s", appURL, r.Reference),
	}
}

const paymentReceiptTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Payment receipt</title>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <p>We received your payment of <strong>{{.Currency}} {{.Amount}}</strong> on {{.Date}}.</p>
    <p>Reference: {{.Reference}}<br>Paid via: {{.Provider}}</p>
    <p><a href="{{.ReceiptURL}}">View receipt</a></p>
</body>
</html>
`

const refundReceiptTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Refund processed</title>
</head>
<body>
    <p>Hi {{.Name}},</p>
    <p>A refund of <strong>{{.Currency}} {{.Amount}}</strong> for payment {{.Reference}} was processed on {{.Date}}.</p>
    {{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}
    <p>Depending on your bank it can take a few working days to appear.</p>
</body>
</html>
`
