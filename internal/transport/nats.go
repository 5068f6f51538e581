package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"transactive-network/internal/model"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "tns"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	return c
}

// SignalSubject is the subject a node receives signals on.
func SignalSubject(prefix, node string) string {
	return prefix + ".signal." + node
}

// ActuationSubject is the subject setpoints for an asset are published on.
func ActuationSubject(prefix, owner string) string {
	return prefix + ".actuate." + owner
}

// NATS carries signals over a NATS server, one subject per target node.
type NATS struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func DialNATS(cfg NATSConfig, log zerolog.Logger) (*NATS, error) {
	cfg = cfg.withDefaults()
	t := &NATS{prefix: cfg.SubjectPrefix, log: log}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.conn = conn
	return t, nil
}

// Send publishes msg and waits for the server to acknowledge it until ctx
// ends.
func (t *NATS) Send(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(SignalSubject(t.prefix, msg.Target), payload); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Target, err)
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush to %s: %w", msg.Target, err)
	}
	return nil
}

// Subscribe delivers node's messages to h until ctx ends. Undecodable
// payloads are logged and dropped.
func (t *NATS) Subscribe(ctx context.Context, node string, h Handler) error {
	sub, err := t.conn.Subscribe(SignalSubject(t.prefix, node), func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			t.log.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed signal")
			return
		}
		h(msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// Actuate publishes a setpoint for an external device adapter.
func (t *NATS) Actuate(ctx context.Context, a model.Actuation) error {
	payload, err := encodeJSON(a)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(ActuationSubject(t.prefix, a.Owner), payload); err != nil {
		return fmt.Errorf("publish actuation for %s: %w", a.Owner, err)
	}
	return t.conn.FlushWithContext(ctx)
}

func (t *NATS) IsConnected() bool {
	return t.conn != nil && t.conn.IsConnected()
}

func (t *NATS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	t.subs = nil
	if t.conn != nil {
		return t.conn.Drain()
	}
	return nil
}

var _ Transport = (*NATS)(nil)
