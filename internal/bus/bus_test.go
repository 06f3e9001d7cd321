package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/tiercalc/internal/domain"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishJSONAndDecode", func(t *testing.T) {
		got := make(chan domain.TableChangedEvent, 1)
		_, err := bus.Subscribe(ctx, tenantID, domain.TopicTableChanged, func(ctx context.Context, msg *domain.Message) error {
			var event domain.TableChangedEvent
			if err := DecodePayload(msg, &event); err != nil {
				return err
			}
			if msg.TenantID != tenantID {
				t.Errorf("expected tenantID %s, got %s", tenantID, msg.TenantID)
			}
			got <- event
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		event := domain.TableChangedEvent{TableID: "dosing", Version: "2", Action: "saved"}
		if err := PublishJSON(ctx, bus, tenantID, domain.TopicTableChanged, event); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case received := <-got:
			if received.TableID != event.TableID || received.Version != event.Version || received.Action != event.Action {
				t.Errorf("expected %+v, got %+v", event, received)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		var received1, received2 atomic.Int32

		bus.Subscribe(ctx, "tenant-001", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, "tenant-002", "isolation.topic", func(ctx context.Context, msg *domain.Message) error {
			received2.Add(1)
			return nil
		})

		bus.Publish(ctx, "tenant-001", "isolation.topic", []byte("msg1"))
		waitFor(t, func() bool { return received1.Load() == 1 })
		time.Sleep(20 * time.Millisecond)

		if received2.Load() != 0 {
			t.Errorf("tenant-002 should receive 0 messages, got %d", received2.Load())
		}
	})

	t.Run("GlobalSubscriberSeesEveryTenant", func(t *testing.T) {
		var count atomic.Int32
		tenants := make(chan string, 2)
		bus.Subscribe(ctx, domain.GlobalTenantID, "global.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			tenants <- msg.TenantID
			return nil
		})

		bus.Publish(ctx, "tenant-a", "global.topic", []byte("a"))
		bus.Publish(ctx, "tenant-b", "global.topic", []byte("b"))
		waitFor(t, func() bool { return count.Load() == 2 })

		seen := map[string]bool{<-tenants: true, <-tenants: true}
		if !seen["tenant-a"] || !seen["tenant-b"] {
			t.Errorf("expected the original tenant on each message, got %v", seen)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		if err := bus.Publish(ctx, "", "topic", []byte("data")); !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
		_, err := bus.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if !errors.Is(err, ErrTenantRequired) {
			t.Errorf("expected ErrTenantRequired, got %v", err)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, _ := bus.Subscribe(ctx, tenantID, "unsub.topic", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg1"))
		waitFor(t, func() bool { return count.Load() == 1 })

		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("unsubscribe failed: %v", err)
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Errorf("second unsubscribe should be a no-op, got %v", err)
		}

		bus.mu.RLock()
		remaining := len(bus.routes[route{tenantID, "unsub.topic"}])
		bus.mu.RUnlock()
		if remaining != 0 {
			t.Errorf("expected subscription to be removed, %d left", remaining)
		}

		bus.Publish(ctx, tenantID, "unsub.topic", []byte("msg2"))
		time.Sleep(20 * time.Millisecond)
		if count.Load() != 1 {
			t.Errorf("expected 1 message after unsubscribe, got %d", count.Load())
		}
	})

	t.Run("MultipleSubscribers", func(t *testing.T) {
		var count1, count2 atomic.Int32
		bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count1.Add(1)
			return nil
		})
		bus.Subscribe(ctx, tenantID, "multi.topic", func(ctx context.Context, msg *domain.Message) error {
			count2.Add(1)
			return nil
		})

		bus.Publish(ctx, tenantID, "multi.topic", []byte("broadcast"))
		waitFor(t, func() bool { return count1.Load() == 1 && count2.Load() == 1 })
	})

	t.Run("RequestReply", func(t *testing.T) {
		bus.Subscribe(ctx, tenantID, "echo", func(ctx context.Context, msg *domain.Message) error {
			return bus.Publish(ctx, msg.TenantID, "echo.reply", append([]byte("re:"), msg.Payload...))
		})

		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		reply, err := bus.Request(reqCtx, tenantID, "echo", []byte("ping"))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if string(reply) != "re:ping" {
			t.Errorf("expected re:ping, got %s", reply)
		}
	})

	t.Run("SubscriptionTopic", func(t *testing.T) {
		sub, _ := bus.Subscribe(ctx, tenantID, "my.topic", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if sub.Topic() != "my.topic" {
			t.Errorf("expected topic 'my.topic', got '%s'", sub.Topic())
		}
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()

	ctx := context.Background()
	release := make(chan struct{})
	bus.Subscribe(ctx, "tenant-001", "slow.topic", func(ctx context.Context, msg *domain.Message) error {
		<-release
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "tenant-001", "slow.topic", []byte("msg")); err != nil {
			t.Fatalf("publish must not block or fail, got %v", err)
		}
	}
	close(release)

	if bus.Dropped() == 0 {
		t.Error("expected at least one dropped delivery")
	}
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(100)

	ctx := context.Background()
	bus.Subscribe(ctx, "tenant-001", "close.topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})

	if err := bus.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}

	if err := bus.Publish(ctx, "tenant-001", "close.topic", []byte("data")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if err := bus.Ping(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ping to fail with ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe(ctx, "tenant-001", "close.topic", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("expected subscribe to fail with ErrClosed, got %v", err)
	}
}

func TestNewBus(t *testing.T) {
	for _, typ := range []string{"", "channel"} {
		b, err := New(domain.EventBusConfig{Type: typ, ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New(%q) failed: %v", typ, err)
		}
		if _, ok := b.(*ChannelBus); !ok {
			t.Errorf("expected ChannelBus for type %q", typ)
		}
		b.Close()
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestSubjectFor(t *testing.T) {
	if got := subjectFor("tenant-001", domain.TopicCalculationCompleted); got != "tiercalc.tenant-001.tiercalc.calculation.completed" {
		t.Errorf("unexpected subject %s", got)
	}
	if got := subjectFor(domain.GlobalTenantID, "x"); got != "tiercalc.*.x" {
		t.Errorf("global tenant should map to the wildcard, got %s", got)
	}
}

func TestChannelBusHighLoad(t *testing.T) {
	bus := NewChannelBus(1000)
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	const messageCount = 100

	bus.Subscribe(ctx, "tenant-load", "load.topic", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		return nil
	})

	for i := 0; i < messageCount; i++ {
		bus.Publish(ctx, "tenant-load", "load.topic", []byte("msg"))
	}

	deadline := time.Now().Add(5 * time.Second)
	for received.Load() < messageCount && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if received.Load() != messageCount {
		t.Fatalf("received %d/%d messages", received.Load(), messageCount)
	}
}
