package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sendimg/internal/bus"
	"sendimg/internal/domain"
	"sendimg/internal/metrics"
	"sendimg/internal/provider"
	"sendimg/internal/store"

	"github.com/dustin/go-humanize"
)

const maxListedKeywords = 50

// Asker answers product questions.
type Asker interface {
	Ask(ctx context.Context, code, question string) (*provider.Exchange, error)
}

// StatsSource reports delivery log totals for /status.
type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// ChatCommand is a parsed "/name arg..." message.
type ChatCommand struct {
	Name string
	Args []string
	Raw  string
}

// ParseCommand returns nil if text is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	parts := strings.Fields(text)
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	// Telegram appends the bot name in groups: /help@sendimg_bot
	name, _, _ = strings.Cut(name, "@")
	if name == "" {
		return nil
	}
	return &ChatCommand{Name: name, Args: parts[1:], Raw: text}
}

// HandleCommand runs cmd and returns the reply text.
func (h *Handler) HandleCommand(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) string {
	switch cmd.Name {
	case "help":
		return h.helpText()
	case "status":
		return h.statusText(ctx)
	case "keywords":
		return h.keywordsText()
	case "reload":
		if err := h.keywords.Reload(); err != nil {
			h.logger.Error("keyword reload failed", "err", err)
			return "Reload failed, keeping the previous table."
		}
		h.events.Emit(bus.Event{Type: bus.EventKeywordsReloaded, Channel: msg.Channel, ChatID: msg.ChatID, Payload: h.keywords.Len()})
		return fmt.Sprintf("Reloaded %d keywords.", h.keywords.Len())
	case "ask":
		return h.ask(ctx, cmd, msg)
	}
	return "Unknown command. Type /help for available commands."
}

func (h *Handler) helpText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Send %skeyword to get an image.\n\n", h.prefix)
	b.WriteString("Commands:\n")
	b.WriteString("/keywords - list image keywords\n")
	if h.asker != nil {
		b.WriteString("/ask <code> [question] - ask about a product\n")
	}
	b.WriteString("/status - bot status\n")
	b.WriteString("/reload - reload the keyword table\n")
	b.WriteString("/help - this message")
	return b.String()
}

func (h *Handler) statusText(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sendimg up %s\n", metrics.Collector.Uptime().Round(time.Second))
	fmt.Fprintf(&b, "Keywords: %d\n", h.keywords.Len())
	fmt.Fprintf(&b, "Deliveries in flight: %d", metrics.InFlightDeliveries.Value())
	if h.stats != nil {
		st, err := h.stats.Stats(ctx)
		if err != nil {
			h.logger.Warn("status stats failed", "err", err)
		} else {
			fmt.Fprintf(&b, "\nDelivered: %d (%d split, %d failed), %d parts, %s",
				st.Deliveries, st.Partitioned, st.Failed, st.Units, humanize.Bytes(uint64(st.Bytes)))
			if h.asker != nil {
				fmt.Fprintf(&b, "\nQuestions answered: %d", st.Exchanges)
			}
		}
	}
	return b.String()
}

func (h *Handler) keywordsText() string {
	kws := h.keywords.Keywords()
	if len(kws) == 0 {
		return "No keywords configured."
	}
	shown := kws
	if len(shown) > maxListedKeywords {
		shown = shown[:maxListedKeywords]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Keywords (%d):\n", len(kws))
	for _, k := range shown {
		b.WriteString(h.prefix + k + "\n")
	}
	if n := len(kws) - len(shown); n > 0 {
		fmt.Fprintf(&b, "... and %d more", n)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (h *Handler) ask(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) string {
	if h.asker == nil {
		return "Questions are not enabled."
	}
	if len(cmd.Args) == 0 {
		return "Usage: /ask <code> [question]"
	}
	if !h.limiters.allow(msg.Channel + ":" + msg.ChatID) {
		metrics.RateLimited.Inc()
		return rateLimitedText
	}

	code := cmd.Args[0]
	question := strings.Join(cmd.Args[1:], " ")
	start := time.Now()
	ex, err := h.asker.Ask(ctx, code, question)
	metrics.RecordLLM(time.Since(start), err)

	if err != nil {
		h.events.Emit(bus.Event{
			Type:    bus.EventLLMFailed,
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Payload: &provider.Exchange{Code: code, Question: question},
			Err:     err,
		})
		if errors.Is(err, provider.ErrUnknownProduct) {
			return fmt.Sprintf("Unknown product code %q.", code)
		}
		h.logger.Error("ask failed", "code", code, "err", err)
		return "Sorry, the assistant is unavailable right now."
	}
	h.events.Emit(bus.Event{Type: bus.EventLLMExchange, Channel: msg.Channel, ChatID: msg.ChatID, Payload: ex})
	return ex.Reply
}
