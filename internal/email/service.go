package email

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/google/uuid"
)

// Sender dispatches one email and reports the provider-assigned message id.
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) (string, error)
}

// SMTPSender sends email via SMTP
type SMTPSender struct {
	host string
	port string
	from string
}

// NewSMTPSender creates a new SMTP-backed sender
func NewSMTPSender(host, port, from string) *SMTPSender {
	return &SMTPSender{
		host: host,
		port: port,
		from: from,
	}
}

// Send delivers the message and returns its Message-ID.
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), s.host)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.from, to, subject, messageID, htmlBody)
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	if err := smtp.SendMail(addr, nil, s.from, []string{to}, []byte(msg)); err != nil {
		return "", err
	}
	return messageID, nil
}

// ConfirmationSubject builds the subject line for an order confirmation.
func ConfirmationSubject(orderID string) string {
	return fmt.Sprintf("Order confirmed (#%s)", shortID(orderID))
}

// ShippedSubject builds the subject line for a shipping notice.
func ShippedSubject(orderID string) string {
	return fmt.Sprintf("Your order has shipped (#%s)", shortID(orderID))
}

// DeliveredSubject builds the subject line for a delivery notice.
func DeliveredSubject(orderID string) string {
	return fmt.Sprintf("Your order was delivered (#%s)", shortID(orderID))
}

func shortID(orderID string) string {
	if len(orderID) > 8 {
		return orderID[:8]
	}
	return orderID
}
