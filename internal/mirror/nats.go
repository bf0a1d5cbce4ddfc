package mirror

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"relaychat/internal/relay"
)

// publisher is satisfied by *nats.Conn.
type publisher interface {
	Publish(subject string, data []byte) error
}

type NATSConfig struct {
	URL     string
	Subject string
	Name    string
}

// NATSMirror publishes each transition as JSON on <subject>.<userId>.
type NATSMirror struct {
	nc      *nats.Conn
	pub     publisher
	subject string
}

func NewNATSMirror(cfg NATSConfig) (*NATSMirror, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats url missing")
	}
	if cfg.Subject == "" {
		cfg.Subject = "relaychat.presence"
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500 * time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3 * time.Second),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSMirror{nc: nc, pub: nc, subject: cfg.Subject}, nil
}

func (m *NATSMirror) Name() string { return "nats" }

func (m *NATSMirror) Publish(ctx context.Context, event relay.PresenceEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return m.pub.Publish(m.subjectFor(event.UserID), data)
}

func (m *NATSMirror) subjectFor(userID string) string {
	// NATS tokens cannot contain separators or wildcards.
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(userID)
	return m.subject + "." + token
}

// Close flushes pending publishes and closes the connection.
func (m *NATSMirror) Close() error {
	if m.nc == nil {
		return nil
	}
	return m.nc.Drain()
}
