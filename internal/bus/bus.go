// Package bus carries calculation and table events between the API, the
// workers and other nodes, over in-process channels or NATS.
package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tiercalc/internal/domain"
)

var (
	ErrTenantRequired = errors.New("tenantID is required")
	ErrClosed         = errors.New("bus is closed")
)

// defaultRequestTimeout bounds Request when the context has no deadline.
const defaultRequestTimeout = 30 * time.Second

// New builds the bus named by cfg.Type: "channel" (the default) or "nats".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// DecodePayload unmarshals a message payload into v. Numbers inside untyped
// values decode as json.Number so decimals stay exact.
func DecodePayload(msg *domain.Message, v any) error {
	dec := json.NewDecoder(bytes.NewReader(msg.Payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msg.Topic, err)
	}
	return nil
}

// stamp wraps a payload in a new message.
func stamp(tenantID, topic string, payload []byte) (*domain.Message, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	return &domain.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UnixNano(),
	}, nil
}

func requestTimeout(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return defaultRequestTimeout
}
