package notify

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer sends plain-text mail through a relay host that accepts
// unauthenticated submission from inside the network.
type Mailer struct {
	host string
	from string
}

// NewMailer creates a Mailer using the given relay host ("host:port").
func NewMailer(host, from string) *Mailer {
	return &Mailer{host: host, from: from}
}

// SendEmail sends one message. Multiple recipients are comma-separated in
// to.
func (m *Mailer) SendEmail(subject, body, to string) error {
	recipients := strings.Split(to, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", m.from, to, subject, body)
	if err := smtp.SendMail(m.host, nil, m.from, recipients, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail via %s: %w", m.host, err)
	}
	return nil
}
