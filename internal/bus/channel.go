package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/tiercalc/internal/domain"
)

const defaultChannelBuffer = 1000

// replySuffix names the topic a ChannelBus responder answers on.
const replySuffix = ".reply"

type route struct {
	tenantID string
	topic    string
}

// ChannelBus delivers events inside one process. Each subscriber has its own
// buffered queue and goroutine; a full queue drops the event rather than
// blocking the publisher. Subscribing with domain.GlobalTenantID receives the
// topic for every tenant.
type ChannelBus struct {
	mu      sync.RWMutex
	queue   int
	routes  map[route][]*channelSubscriber
	closed  bool
	dropped atomic.Uint64
}

type channelSubscriber struct {
	id      string
	route   route
	handler domain.MessageHandler
	inbox   chan *domain.Message
	stop    context.CancelFunc
	bus     *ChannelBus
	once    sync.Once
}

// NewChannelBus creates a bus whose subscribers queue up to queueSize events.
func NewChannelBus(queueSize int) *ChannelBus {
	if queueSize <= 0 {
		queueSize = defaultChannelBuffer
	}
	return &ChannelBus{
		queue:  queueSize,
		routes: make(map[route][]*channelSubscriber),
	}
}

// Publish hands msg to every subscriber of the tenant's topic and of the
// global tenant's topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	msg, err := stamp(tenantID, topic, payload)
	if err != nil {
		return err
	}

	// Close waits for the read lock, so no inbox is closed mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	b.deliver(b.routes[route{tenantID, topic}], msg)
	if tenantID != domain.GlobalTenantID {
		b.deliver(b.routes[route{domain.GlobalTenantID, topic}], msg)
	}
	return nil
}

func (b *ChannelBus) deliver(subs []*channelSubscriber, msg *domain.Message) {
	for _, s := range subs {
		select {
		case s.inbox <- msg:
		default:
			b.dropped.Add(1)
			slog.Warn("subscriber queue full, event dropped",
				"topic", msg.Topic,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
			)
		}
	}
}

// Subscribe runs handler for each event on the tenant's topic until the
// subscription or ctx ends.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	runCtx, stop := context.WithCancel(ctx)
	s := &channelSubscriber{
		id:      uuid.NewString(),
		route:   route{tenantID, topic},
		handler: handler,
		inbox:   make(chan *domain.Message, b.queue),
		stop:    stop,
		bus:     b,
	}
	b.routes[s.route] = append(b.routes[s.route], s)

	go s.run(runCtx)
	return s, nil
}

func (s *channelSubscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			if err := s.handler(ctx, msg); err != nil {
				slog.Error("event handler failed",
					"topic", msg.Topic,
					"tenant_id", msg.TenantID,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Request publishes on topic and waits for the first event on topic+".reply".
func (b *ChannelBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	replies := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, tenantID, topic+replySuffix, func(_ context.Context, msg *domain.Message) error {
		select {
		case replies <- msg.Payload:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, tenantID, topic, payload); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, requestTimeout(ctx))
	defer cancel()
	select {
	case reply := <-replies:
		return reply, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("request %s: %w", topic, waitCtx.Err())
	}
}

func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscriber. Later calls fail with ErrClosed.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.routes {
		for _, s := range subs {
			s.stop()
		}
	}
	clear(b.routes)
	return nil
}

// Dropped counts events skipped because a subscriber queue was full.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *ChannelBus) detach(s *channelSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.routes[s.route]
	for i, other := range subs {
		if other.id == s.id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.routes, s.route)
		return
	}
	b.routes[s.route] = subs
}

func (s *channelSubscriber) Unsubscribe() error {
	s.once.Do(func() {
		s.stop()
		s.bus.detach(s)
	})
	return nil
}

func (s *channelSubscriber) Topic() string {
	return s.route.topic
}
