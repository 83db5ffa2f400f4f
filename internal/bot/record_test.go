package bot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"sendimg/internal/bus"
	"sendimg/internal/domain"
	"sendimg/internal/metrics"
	"sendimg/internal/provider"
	"sendimg/internal/store"
)

func TestRecord_WritesStore(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "log.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	events := bus.NewEventBus(testLogger())
	Record(events, st, testLogger())

	now := time.Now()
	report := &domain.DeliveryReport{
		ID:          "d-1",
		AssetPath:   "/img/cat.png",
		ByteSize:    2048,
		Partitioned: true,
		Units: []domain.UnitOutcome{
			{SequenceIndex: 1, SequenceTotal: 2, Encoding: domain.EncodingStream, Size: 1000},
			{SequenceIndex: 2, SequenceTotal: 2, Encoding: domain.EncodingStream, Size: 900, Err: errors.New("x")},
		},
		StartedAt:  now.Add(-time.Second),
		FinishedAt: now,
	}
	before := metrics.DeliveriesPartitioned.Value()
	events.Emit(bus.Event{
		Type:    bus.EventDeliveryCompleted,
		Channel: "telegram",
		ChatID:  "42",
		Payload: Delivery{Keyword: "cat", Report: report},
	})
	events.Emit(bus.Event{
		Type:    bus.EventLLMExchange,
		Channel: "telegram",
		ChatID:  "42",
		Payload: &provider.Exchange{Code: "P1", Question: "q", Reply: "a", Usage: domain.Usage{PromptTokens: 10, CompletionTokens: 5}},
	})
	events.Emit(bus.Event{
		Type:    bus.EventLLMFailed,
		Channel: "telegram",
		ChatID:  "42",
		Payload: &provider.Exchange{Code: "P2", Question: "q"},
		Err:     errors.New("timeout"),
	})

	if got := metrics.DeliveriesPartitioned.Value() - before; got != 1 {
		t.Errorf("partitioned counter moved by %d, want 1", got)
	}

	ctx := context.Background()
	d, err := st.GetDelivery(ctx, "d-1")
	if err != nil || d == nil {
		t.Fatalf("GetDelivery: %v, %v", d, err)
	}
	if d.Keyword != "cat" || d.Channel != "telegram" || d.UnitsTotal != 2 || d.UnitsFailed != 1 {
		t.Errorf("unexpected delivery row %+v", d)
	}

	ex, err := st.RecentExchanges(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ex) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(ex))
	}
	var sawError bool
	for _, e := range ex {
		if e.Code == "P2" && e.Error == "timeout" {
			sawError = true
		}
		if e.Code == "P1" && (e.TokensIn != 10 || e.TokensOut != 5) {
			t.Errorf("unexpected token counts %+v", e)
		}
	}
	if !sawError {
		t.Errorf("failed exchange not recorded: %+v", ex)
	}
}

func TestRecord_MetricsOnly(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	Record(events, nil, testLogger())

	before := metrics.DeliveriesFailed.Value()
	events.Emit(bus.Event{
		Type:    bus.EventDeliveryFailed,
		Payload: Delivery{Keyword: "x", Report: &domain.DeliveryReport{ID: "d-2"}},
		Err:     errors.New("nope"),
	})
	// Foreign payloads are ignored.
	events.Emit(bus.Event{Type: bus.EventDeliveryFailed, Payload: "junk"})

	if got := metrics.DeliveriesFailed.Value() - before; got != 1 {
		t.Errorf("failed counter moved by %d, want 1", got)
	}
}
