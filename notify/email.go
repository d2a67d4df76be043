package notify

import (
	"fmt"
	"net/smtp"

	"github.com/zachbabanov/loadzone/pool"
)

// EmailPublisher mails targeted events to their holder over SMTP.
// Broadcast events are ignored; the push channels carry those.
type EmailPublisher struct {
	host     string
	port     string
	from     string
	password string

	// testRecipient, when set, overrides every recipient (for
	// verifying delivery without mailing real users).
	testRecipient string

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailPublisher creates an email publisher using SMTP plain auth.
func NewEmailPublisher(host, port, username, password, from, testRecipient string) (*EmailPublisher, error) {
	if host == "" || username == "" || password == "" {
		return nil, fmt.Errorf("SMTP configuration incomplete")
	}
	if from == "" {
		from = username
	}
	return &EmailPublisher{
		host:          host,
		port:          port,
		from:          from,
		password:      password,
		testRecipient: testRecipient,
		send:          smtp.SendMail,
	}, nil
}

func (p *EmailPublisher) Publish(ev pool.Event) error {
	if ev.Target == "" {
		return nil
	}
	recipient := ev.Target
	if p.testRecipient != "" {
		recipient = p.testRecipient
	}

	subject := fmt.Sprintf("[LoadZone] %s", ev.Message)
	if ev.ResourceID != "" {
		subject = fmt.Sprintf("[LoadZone] VM %s: %s", ev.ResourceID, ev.Action)
	}

	body := ev.Message + "\n"
	if p.testRecipient != "" && ev.Target != recipient {
		body += fmt.Sprintf("\n[TEST MODE] Original recipient: %s\n", ev.Target)
	}

	message := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s", p.from, recipient, subject, body)

	auth := smtp.PlainAuth("", p.from, p.password, p.host)
	addr := p.host + ":" + p.port

	if err := p.send(addr, auth, p.from, []string{recipient}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", recipient, err)
	}
	return nil
}
