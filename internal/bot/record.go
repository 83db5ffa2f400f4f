package bot

import (
	"context"
	"log/slog"
	"time"

	"sendimg/internal/bus"
	"sendimg/internal/domain"
	"sendimg/internal/metrics"
	"sendimg/internal/provider"
	"sendimg/internal/store"
)

const recordTimeout = 5 * time.Second

// DeliveryLog persists deliveries and /ask exchanges.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, channel, chatID, keyword string, r *domain.DeliveryReport, err error) error
	RecordExchange(ctx context.Context, e store.Exchange) error
}

// Record subscribes metrics and, when log is not nil, the delivery log to
// the delivery and LLM events on events.
func Record(events *bus.EventBus, log DeliveryLog, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	onDelivery := func(e bus.Event) {
		d, ok := e.Payload.(Delivery)
		if !ok || d.Report == nil {
			return
		}
		metrics.RecordDelivery(d.Report, e.Err)
		if log == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := log.RecordDelivery(ctx, e.Channel, e.ChatID, d.Keyword, d.Report, e.Err); err != nil {
			logger.Error("record delivery failed", "delivery", d.Report.ID, "err", err)
		}
	}
	events.On(bus.EventDeliveryCompleted, onDelivery)
	events.On(bus.EventDeliveryFailed, onDelivery)

	if log == nil {
		return
	}
	onExchange := func(e bus.Event) {
		ex, ok := e.Payload.(*provider.Exchange)
		if !ok || ex == nil {
			return
		}
		rec := store.Exchange{
			Channel:   e.Channel,
			ChatID:    e.ChatID,
			Code:      ex.Code,
			Question:  ex.Question,
			Reply:     ex.Reply,
			Model:     ex.Model,
			TokensIn:  ex.Usage.PromptTokens,
			TokensOut: ex.Usage.CompletionTokens,
			LatencyMs: ex.LatencyMs,
			CreatedAt: e.Timestamp,
		}
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := log.RecordExchange(ctx, rec); err != nil {
			logger.Error("record exchange failed", "code", ex.Code, "err", err)
		}
	}
	events.On(bus.EventLLMExchange, onExchange)
	events.On(bus.EventLLMFailed, onExchange)
}
