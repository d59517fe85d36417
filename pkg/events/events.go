package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/diagnosis/turnstile/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSEventBus struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSEventBus connects to url. Subjects passed to Publish are prefixed
// with prefix, so several controllers can share one server.
func NewNATSEventBus(url, prefix string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("turnstile"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn, prefix: prefix}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	subject = Subject(n.prefix, subject)
	logger.WithContext(ctx).Debug("Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Nop discards every event. It stands in when no NATS server is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }
func (Nop) Close() error { return nil }

func Subject(prefix, subject string) string {
	if prefix == "" {
		return subject
	}
	return prefix + "." + subject
}

// Event subjects, relative to the bus prefix.
const (
	AccessGranted   = "access.granted"
	EnrollmentStage = "enrollment.stage"
	TemplatesClear  = "templates.cleared"
)

type AccessGrantedEvent struct {
	UserID     int64     `json:"user_id"`
	Name       string    `json:"name"`
	UserType   string    `json:"user_type"`
	Identifier string    `json:"identifier"`
	Period     string    `json:"period"`
	Slot       int       `json:"slot"`
	GrantedAt  time.Time `json:"granted_at"`
}

type EnrollmentStageEvent struct {
	SessionID string    `json:"session_id"`
	UserID    int64     `json:"user_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Slot      *int      `json:"slot,omitempty"`
	At        time.Time `json:"at"`
}

type TemplatesClearedEvent struct {
	ClearedAt time.Time `json:"cleared_at"`
}
