package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sendimg/internal/bus"
	"sendimg/internal/domain"
	"sendimg/internal/keyword"
	"sendimg/internal/media"
	"sendimg/internal/metrics"

	"github.com/dustin/go-humanize"
)

const (
	defaultConcurrency     = 4
	defaultDeliveryTimeout = 5 * time.Minute
	defaultAskBurst        = 3

	failureText     = "Image could not be sent, please try again later."
	rateLimitedText = "Too many questions, please wait a moment."
)

// Deliverer sends the asset at path over a transport.
type Deliverer interface {
	Deliver(ctx context.Context, path string, t domain.MediaTransport) (*domain.DeliveryReport, error)
}

// Capturer renders a web page into a local image file.
type Capturer interface {
	Capture(ctx context.Context, url string) (string, error)
}

// Delivery is the payload of delivery events.
type Delivery struct {
	Keyword string
	Report  *domain.DeliveryReport
}

// Handler turns inbound chat messages into image deliveries, /ask
// exchanges and command replies.
type Handler struct {
	bus         domain.MessageBus
	events      *bus.EventBus
	media       map[string]domain.MediaChannel
	deliverer   Deliverer
	keywords    *keyword.Table
	capturer    Capturer
	asker       Asker
	stats       StatsSource
	prefix      string
	concurrency int
	timeout     time.Duration
	limiters    *chatLimiters
	logger      *slog.Logger
}

// HandlerConfig holds the dependencies of a Handler. Capturer, Asker and
// Stats are optional.
type HandlerConfig struct {
	Bus             domain.MessageBus
	Events          *bus.EventBus
	Channels        []domain.Channel
	Deliverer       Deliverer
	Keywords        *keyword.Table
	Capturer        Capturer
	Asker           Asker
	Stats           StatsSource
	Prefix          string
	Concurrency     int // max messages handled in parallel
	DeliveryTimeout time.Duration
	AskPerMinute    float64
	Logger          *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "#"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = bus.NewEventBus(cfg.Logger)
	}
	mc := make(map[string]domain.MediaChannel)
	for _, ch := range cfg.Channels {
		if m, ok := ch.(domain.MediaChannel); ok {
			mc[ch.Name()] = m
		}
	}
	return &Handler{
		bus:         cfg.Bus,
		events:      cfg.Events,
		media:       mc,
		deliverer:   cfg.Deliverer,
		keywords:    cfg.Keywords,
		capturer:    cfg.Capturer,
		asker:       cfg.Asker,
		stats:       cfg.Stats,
		prefix:      cfg.Prefix,
		concurrency: cfg.Concurrency,
		timeout:     cfg.DeliveryTimeout,
		limiters:    newChatLimiters(defaultAskBurst, cfg.AskPerMinute),
		logger:      cfg.Logger,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus is closed. In-flight messages are waited for before returning.
func (h *Handler) Run(ctx context.Context) {
	h.logger.Info("message handler started", "concurrency", h.concurrency, "media_channels", len(h.media))

	sem := make(chan struct{}, h.concurrency)
	inbound := h.bus.Subscribe()
	defer func() {
		for i := 0; i < cap(sem); i++ {
			sem <- struct{}{}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("message handler stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				h.logger.Info("inbound channel closed, message handler stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				h.Handle(ctx, m)
			}(msg)
		}
	}
}

// Handle processes one message synchronously.
func (h *Handler) Handle(ctx context.Context, msg domain.InboundMessage) {
	metrics.MessagesTotal.Inc()
	content := strings.TrimSpace(msg.Content)

	if cmd := ParseCommand(content); cmd != nil {
		if reply := h.HandleCommand(ctx, cmd, msg); reply != "" {
			h.reply(msg, reply)
		}
		return
	}
	if kw, ok := keyword.Match(content, h.prefix); ok {
		h.deliverKeyword(ctx, msg, kw)
		return
	}
	h.logger.Debug("message ignored", "channel", msg.Channel, "chat_id", msg.ChatID)
}

func (h *Handler) deliverKeyword(ctx context.Context, msg domain.InboundMessage, kw string) {
	log := h.logger.With("channel", msg.Channel, "chat_id", msg.ChatID, "keyword", kw)

	target, ok := h.keywords.Lookup(kw)
	if !ok {
		log.Debug("unknown keyword")
		return
	}
	mc, ok := h.media[msg.Channel]
	if !ok {
		log.Warn("channel cannot deliver images")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	path, err := h.assetPath(ctx, target)
	if err != nil {
		log.Error("resolve image target failed", "target", target.Value, "err", err)
		h.reply(msg, failureText)
		return
	}

	metrics.InFlightDeliveries.Inc()
	report, err := h.deliverer.Deliver(ctx, path, mc.MediaTransport(msg.ChatID))
	metrics.InFlightDeliveries.Dec()

	ev := bus.Event{
		Type:    bus.EventDeliveryCompleted,
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Payload: Delivery{Keyword: kw, Report: report},
		Err:     err,
	}
	if err != nil {
		ev.Type = bus.EventDeliveryFailed
	}
	h.events.Emit(ev)

	switch {
	case errors.Is(err, media.ErrAssetNotFound):
		// The table points at a file that is gone; tell the operator, not the user.
		log.Warn("image file missing", "path", path)
	case errors.Is(err, context.Canceled):
		log.Info("delivery canceled", "sent", report.Succeeded())
	case err != nil:
		h.reply(msg, failureText)
	case report.Partitioned:
		h.reply(msg, PartitionNotice(report))
	case report.Failed() > 0:
		h.reply(msg, failureText)
	}
}

func (h *Handler) assetPath(ctx context.Context, target keyword.Target) (string, error) {
	if !target.IsURL() {
		return h.keywords.Resolve(target)
	}
	if h.capturer == nil {
		return "", fmt.Errorf("page capture disabled for %s", target.Value)
	}
	return h.capturer.Capture(ctx, target.Value)
}

// PartitionNotice is the text sent after an image went out in strips.
func PartitionNotice(r *domain.DeliveryReport) string {
	s := fmt.Sprintf("Image is %s; sent in %d parts.", humanize.Bytes(uint64(r.ByteSize)), len(r.Units))
	if n := r.Failed(); n > 0 {
		s += fmt.Sprintf(" %d of them failed, please try again later.", n)
	}
	return s
}

func (h *Handler) reply(msg domain.InboundMessage, content string) {
	h.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		Format:  "text",
	})
}
