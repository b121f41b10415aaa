package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Iron-Ham/ragents/internal/logging"
)

// DefaultSubjectPrefix is prepended to event types to form NATS subjects,
// e.g. "ragents.events.run.completed".
const DefaultSubjectPrefix = "ragents.events"

// Publisher sends a message to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the wire form of a forwarded event.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Payload   Event     `json:"payload"`
}

// Forwarder republishes every bus event to NATS. Publish failures are
// logged and never reach the engine.
type Forwarder struct {
	bus    *Bus
	pub    Publisher
	prefix string
	logger *logging.Logger
	subID  string
	conn   *nats.Conn // owned connection, nil when pub was injected
}

// ConnectForwarder dials url and forwards bus events to it.
func ConnectForwarder(bus *Bus, url, prefix string, logger *logging.Logger) (*Forwarder, error) {
	conn, err := nats.Connect(url, nats.Name("ragents"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	f := NewForwarder(bus, conn, prefix, logger)
	f.conn = conn
	return f, nil
}

// NewForwarder subscribes pub to all events on bus.
func NewForwarder(bus *Bus, pub Publisher, prefix string, logger *logging.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	f := &Forwarder{bus: bus, pub: pub, prefix: prefix, logger: logger}
	f.subID = bus.SubscribeAll(f.forward)
	return f
}

// Subject returns the subject an event type is published on.
func (f *Forwarder) Subject(eventType string) string {
	return f.prefix + "." + eventType
}

func (f *Forwarder) forward(e Event) {
	data, err := json.Marshal(Envelope{
		Type:      e.EventType(),
		Timestamp: e.Timestamp(),
		RunID:     e.RunID(),
		Payload:   e,
	})
	if err != nil {
		f.logger.Warn("encoding event for NATS", "event_type", e.EventType(), "error", err)
		return
	}
	if err := f.pub.Publish(f.Subject(e.EventType()), data); err != nil {
		f.logger.Warn("publishing event to NATS", "event_type", e.EventType(), "error", err)
	}
}

// Close unsubscribes from the bus and drains an owned connection.
func (f *Forwarder) Close() error {
	f.bus.Unsubscribe(f.subID)
	if f.conn != nil {
		return f.conn.Drain()
	}
	return nil
}
