package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn used by NATS.
type natsConn interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subj string, data []byte) error
	Servers() []string
	Drain() error
}

// NATS carries topics as NATS subjects. Connections are opened with NoEcho
// so a node never receives its own publications.
type NATS struct {
	conn   natsConn
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]*nats.Subscription
	handler Handler
	closed  bool
}

// ConnectNATS dials url and returns a bus over the connection.
func ConnectNATS(url, name string, logger *slog.Logger) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.NoEcho())
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return NewNATS(nc, logger), nil
}

// NewNATS wraps an existing connection.
func NewNATS(conn natsConn, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{conn: conn, logger: logger, subs: make(map[string]*nats.Subscription)}
}

func (n *NATS) SetHandler(h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.handler != nil {
		return ErrHandlerRegistered
	}
	n.handler = h
	return nil
}

func (n *NATS) Subscribe(topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if _, ok := n.subs[topic]; ok {
		return nil
	}
	sub, err := n.conn.Subscribe(topic, n.deliver)
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}
	n.subs[topic] = sub
	return nil
}

func (n *NATS) Unsubscribe(topic string) error {
	n.mu.Lock()
	sub, ok := n.subs[topic]
	delete(n.subs, topic)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("bus: unsubscribe %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) Publish(_ context.Context, topic string, data []byte) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := n.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	return nil
}

func (n *NATS) deliver(m *nats.Msg) {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h == nil {
		n.logger.Warn("bus: message dropped, no handler", "topic", m.Subject)
		return
	}
	h(context.Background(), m.Subject, m.Data)
}

func (n *NATS) Topics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.subs))
	for t := range n.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Peers lists the servers known to the connection.
func (n *NATS) Peers() []string {
	return n.conn.Servers()
}

// Close drains subscriptions and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()
	if err := n.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
