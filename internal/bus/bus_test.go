package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"sendimg/internal/domain"
	"sendimg/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(4, quietLogger())
	b.Publish(domain.InboundMessage{Channel: "cli", ChatID: "local", Content: "#cat"})

	msg := <-b.Subscribe()
	if msg.Content != "#cat" || msg.Timestamp.IsZero() {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	b := New(1, quietLogger())
	b.wait = 10 * time.Millisecond

	before := metrics.InboundDropped.Value()
	b.Publish(domain.InboundMessage{Content: "first"})
	b.Publish(domain.InboundMessage{Content: "second"})
	if got := metrics.InboundDropped.Value() - before; got != 1 {
		t.Fatalf("dropped counter moved by %d, want 1", got)
	}
	if msg := <-b.Subscribe(); msg.Content != "first" {
		t.Fatalf("expected the first message to survive, got %q", msg.Content)
	}
}

func TestBus_Close(t *testing.T) {
	b := New(1, quietLogger())
	b.Close()
	b.Close()

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("stream should be closed")
	}
	before := metrics.InboundDropped.Value()
	b.Publish(domain.InboundMessage{Content: "late"})
	if metrics.InboundDropped.Value()-before != 1 {
		t.Fatal("publish after close should count as dropped")
	}
}

func TestBus_Outbound(t *testing.T) {
	b := New(1, quietLogger())
	var got []string
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { got = append(got, m.ChatID+":"+m.Content) })

	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	before := metrics.OutboundUnrouted.Value()
	b.SendOutbound(domain.OutboundMessage{Channel: "discord", ChatID: "7", Content: "lost"})
	if metrics.OutboundUnrouted.Value()-before != 1 {
		t.Error("unrouted reply not counted")
	}
	if len(got) != 1 || got[0] != "42:hi" {
		t.Fatalf("unexpected routed messages %v", got)
	}
}

func TestBus_OutboundPanicRecovered(t *testing.T) {
	b := New(1, quietLogger())
	b.OnOutbound("webhook", func(domain.OutboundMessage) { panic("boom") })
	b.SendOutbound(domain.OutboundMessage{Channel: "webhook", ChatID: "x"})
}
