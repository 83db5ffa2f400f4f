package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"sendimg/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var got *domain.DeliveryReport
	eb.On(EventDeliveryCompleted, func(e Event) {
		got = e.Payload.(*domain.DeliveryReport)
	})

	report := &domain.DeliveryReport{ID: "r1"}
	eb.Emit(Event{Type: EventDeliveryCompleted, Payload: report})

	if got != report {
		t.Fatal("handler did not receive the report")
	}
}

func TestEventBus_WildcardRunsAfterTyped(t *testing.T) {
	eb := NewEventBus(testLogger())

	var order []string
	eb.On("*", func(e Event) { order = append(order, "any:"+e.Type) })
	eb.On(EventDeliveryFailed, func(e Event) { order = append(order, "failed") })

	eb.Emit(Event{Type: EventDeliveryFailed})
	eb.Emit(Event{Type: EventLLMExchange})

	want := []string{"failed", "any:" + EventDeliveryFailed, "any:" + EventLLMExchange}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestEventBus_HandlerPanicIsContained(t *testing.T) {
	eb := NewEventBus(testLogger())

	var after atomic.Int32
	eb.On("x", func(e Event) { panic("boom") })
	eb.On("x", func(e Event) { after.Add(1) })

	eb.Emit(Event{Type: "x"})
	if after.Load() != 1 {
		t.Fatal("later handlers should still run")
	}
}

func TestEventBus_Since(t *testing.T) {
	eb := NewEventBus(testLogger())
	start := time.Now()

	eb.Emit(Event{Type: EventDeliveryCompleted})
	eb.Emit(Event{Type: EventLLMExchange})
	eb.Emit(Event{Type: EventDeliveryCompleted})

	if n := len(eb.Since(start, EventDeliveryCompleted)); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
	if n := len(eb.Since(start, EventDeliveryCompleted, EventLLMExchange)); n != 3 {
		t.Fatalf("expected 3 with both types, got %d", n)
	}
	if n := len(eb.Since(start)); n != 3 {
		t.Fatalf("expected 3 events, got %d", n)
	}
	if n := len(eb.Since(time.Now().Add(time.Hour))); n != 0 {
		t.Fatalf("expected none in the future, got %d", n)
	}
}

func TestEventBus_HistoryWraps(t *testing.T) {
	eb := newEventBus(3, testLogger())
	base := time.Now()
	for i := range 5 {
		eb.Emit(Event{Type: "x", ChatID: string(rune('a' + i)), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}

	got := eb.Since(time.Time{})
	if len(got) != 3 {
		t.Fatalf("expected 3 remembered events, got %d", len(got))
	}
	for i, want := range []string{"c", "d", "e"} {
		if got[i].ChatID != want {
			t.Fatalf("event %d: got %q, want %q", i, got[i].ChatID, want)
		}
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(2, testLogger())

	b.Publish(domain.InboundMessage{Channel: "cli", Content: "#a"})
	b.Close()
	b.Publish(domain.InboundMessage{Channel: "cli", Content: "#b"})

	var got []string
	for m := range b.Subscribe() {
		got = append(got, m.Content)
	}
	if len(got) != 1 || got[0] != "#a" {
		t.Fatalf("expected only the message published before Close, got %v", got)
	}
}
