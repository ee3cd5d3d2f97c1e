// ABOUTME: Mirrors event bus traffic onto NATS subjects for other processes
// ABOUTME: Each event is published as its websocket frame to <prefix>.<event_type>

package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/2389/quill-gateway/internal/eventbus"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "quill.events"

// Subscriber is the part of the event bus the relay needs.
type Subscriber interface {
	SubscribeAll(fn eventbus.Callback) eventbus.Unsubscribe
}

// publisher is satisfied by *nats.Conn.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Stats counts relayed events.
type Stats struct {
	Connected bool   `json:"connected"`
	Published int64  `json:"published"`
	Failed    int64  `json:"failed"`
	Prefix    string `json:"subject_prefix"`
}

// NATSRelay forwards bus events to NATS.
type NATSRelay struct {
	conn   *nats.Conn
	pub    publisher
	prefix string
	logger *slog.Logger

	mu    sync.Mutex
	unsub eventbus.Unsubscribe

	published atomic.Int64
	failed    atomic.Int64
}

// NewNATSRelay connects to url. Reconnects are retried forever.
func NewNATSRelay(url, prefix string, logger *slog.Logger) (*NATSRelay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay")

	nc, err := nats.Connect(url,
		nats.Name("quill-gateway"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	r := newRelay(nc, prefix, logger)
	r.conn = nc
	logger.Info("event relay connected", "url", nc.ConnectedUrl(), "prefix", r.prefix)
	return r, nil
}

func newRelay(pub publisher, prefix string, logger *slog.Logger) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRelay{pub: pub, prefix: prefix, logger: logger}
}

// Subject returns the subject events of type t are published on.
func (r *NATSRelay) Subject(t eventbus.EventType) string {
	return r.prefix + "." + string(t)
}

// Attach subscribes the relay to every event on bus. A second Attach
// replaces the first subscription.
func (r *NATSRelay) Attach(bus Subscriber) {
	unsub := bus.SubscribeAll(r.forward)

	r.mu.Lock()
	prev := r.unsub
	r.unsub = unsub
	r.mu.Unlock()

	if prev != nil {
		prev()
	}
}

func (r *NATSRelay) forward(e eventbus.Event) error {
	data, err := json.Marshal(e.Frame())
	if err != nil {
		r.failed.Add(1)
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := r.pub.Publish(r.Subject(e.Type), data); err != nil {
		r.failed.Add(1)
		return fmt.Errorf("publishing %s: %w", e.Type, err)
	}
	r.published.Add(1)
	return nil
}

// Stats returns relay counters.
func (r *NATSRelay) Stats() Stats {
	return Stats{
		Connected: r.conn == nil || r.conn.IsConnected(),
		Published: r.published.Load(),
		Failed:    r.failed.Load(),
		Prefix:    r.prefix,
	}
}

// Close detaches from the bus and drains the connection.
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	unsub := r.unsub
	r.unsub = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	if err := r.conn.Drain(); err != nil {
		return fmt.Errorf("draining nats: %w", err)
	}
	return nil
}
