package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/tiercalc/internal/domain"
)

// MetadataReply carries the NATS reply subject of a request.
const MetadataReply = "reply"

// subjectRoot prefixes every subject tiercalc publishes.
const subjectRoot = "tiercalc."

// NATSBus carries events between nodes. Messages travel as JSON envelopes on
// tiercalc.<tenant>.<topic>; the global tenant is the single-token wildcard,
// so one subscription follows every tenant.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSBus connects to cfg.NATSUrl, retrying up to NATSMaxReconnects
// times. The same limit applies to reconnects after a connection drops.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := cfg.NATSReconnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := natsOptions(attempts, wait)
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	conn, err := dialNATS(url, attempts, wait, opts)
	if err != nil {
		return nil, err
	}
	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)

	return &NATSBus{
		conn:       conn,
		queueGroup: cfg.NATSQueueGroup,
		subs:       make(map[*nats.Subscription]struct{}),
	}, nil
}

func natsOptions(maxReconnects int, wait time.Duration) []nats.Option {
	return []nats.Option{
		nats.Name("tiercalc"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{"error", err}
			if sub != nil {
				attrs = append(attrs, "subject", sub.Subject)
			}
			slog.Error("NATS async error", attrs...)
		}),
	}
}

func dialNATS(url string, attempts int, wait time.Duration, opts []nats.Option) (*nats.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := nats.Connect(url, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("failed to connect to NATS at %s after %d attempts: %w", url, attempts, lastErr)
}

func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	data, err := seal(tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(subjectFor(tenantID, topic), data)
}

// Subscribe runs handler for each event on the tenant's topic. With a queue
// group configured, each event goes to one member of the group.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	subject := subjectFor(tenantID, topic)
	onMsg := func(m *nats.Msg) {
		msg, err := open(m)
		if err != nil {
			slog.Error("dropping malformed NATS message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("event handler failed",
				"subject", m.Subject,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var sub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(subject, b.queueGroup, onMsg)
	} else {
		sub, err = b.conn.Subscribe(subject, onMsg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return &natsSubscription{topic: topic, sub: sub, bus: b}, nil
}

// Request publishes on the tenant's topic and waits for one Reply.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	data, err := seal(tenantID, topic, payload)
	if err != nil {
		return nil, err
	}

	resp, err := b.conn.Request(subjectFor(tenantID, topic), data, requestTimeout(ctx))
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", topic, err)
	}
	reply, err := open(resp)
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// Reply answers a request received through Subscribe.
func (b *NATSBus) Reply(msg *domain.Message, payload []byte) error {
	subject := msg.Metadata[MetadataReply]
	if subject == "" {
		return fmt.Errorf("message %s expects no reply", msg.ID)
	}
	data, err := seal(msg.TenantID, msg.Topic, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject, data)
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close unsubscribes everything, then drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	clear(b.subs)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

// seal encodes a payload as a message envelope.
func seal(tenantID, topic string, payload []byte) ([]byte, error) {
	msg, err := stamp(tenantID, topic, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// open decodes a message envelope and records the reply subject.
func open(m *nats.Msg) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if m.Reply != "" {
		if msg.Metadata == nil {
			msg.Metadata = make(map[string]string)
		}
		msg.Metadata[MetadataReply] = m.Reply
	}
	return &msg, nil
}

// subjectFor maps a tenant topic to its NATS subject. The global tenant is
// already the single-token wildcard.
func subjectFor(tenantID, topic string) string {
	return subjectRoot + tenantID + "." + topic
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
	bus   *NATSBus
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}
