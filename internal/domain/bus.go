package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Topics published by tiercalc.
const (
	TopicCalculationRequested = "tiercalc.calculation.requested"
	TopicCalculationCompleted = "tiercalc.calculation.completed"
	TopicCalculationBlocked   = "tiercalc.calculation.blocked"
	TopicTableChanged         = "tiercalc.table.changed"
)

// EventBus moves events between the API, workers and other nodes. Every
// event belongs to a tenant; subscribing as GlobalTenantID follows a topic
// across all tenants.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request publishes and waits for a single answer.
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler is called once per delivered event. A returned error is
// logged; the event is not redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope every event travels in.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription ends delivery to one handler.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the bus. Type is "channel" or "nats".
type EventBusConfig struct {
	Type string `mapstructure:"type"`

	// ChannelBufferSize is each in-process subscriber's queue length.
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	NATSUrl           string        `mapstructure:"nats_url"`
	NATSToken         string        `mapstructure:"nats_token"`
	NATSMaxReconnects int           `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait time.Duration `mapstructure:"nats_reconnect_wait"`

	// NATSQueueGroup shares each event among the nodes of a group instead
	// of delivering it to all of them.
	NATSQueueGroup string `mapstructure:"nats_queue_group"`
}

// TableChangedEvent announces that a table was saved, deleted or that a
// tenant's tables were reloaded.
type TableChangedEvent struct {
	TableID string `json:"tableId"`
	Version string `json:"version"`
	Action  string `json:"action"`

	// Changes is the merge patch from the previous version, when there was one.
	Changes json.RawMessage `json:"changes,omitempty"`
}

// CalculationMessage asks a worker to run a calculation and record it.
type CalculationMessage struct {
	CalculationID string             `json:"calculationId"`
	TableID       string             `json:"tableId"`
	SubjectID     string             `json:"subjectId,omitempty"`
	TraceID       string             `json:"traceId,omitempty"`
	Request       CalculationRequest `json:"request"`
	Order         []string           `json:"order,omitempty"`
	Precision     *int32             `json:"precision,omitempty"`
	Rounding      RoundingMode       `json:"rounding,omitempty"`
}
