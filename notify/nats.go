package notify

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/zachbabanov/loadzone/pool"
)

// DefaultSubject is where events are pushed when none is configured.
const DefaultSubject = "loadzone.events"

// NATSPublisher pushes every event as JSON on a NATS subject. This is
// the realtime channel frontends subscribe to, standing in for the
// original system's socket broadcast.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("loadzone"),
		nats.RetryOnFailedConnect(true),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ev pool.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	// Targeted events go on a per-holder subject as well, so clients
	// can subscribe to their own stream only.
	if err := p.conn.Publish(p.subject, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if ev.Target != "" {
		if err := p.conn.Publish(p.subject+"."+sanitizeToken(ev.Target), payload); err != nil {
			return fmt.Errorf("publish targeted: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Flush()
		p.conn.Close()
	}
}

// sanitizeToken makes an opaque holder id usable as a NATS token.
func sanitizeToken(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '.', ' ', '*', '>':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
