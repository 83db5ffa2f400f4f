package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"sendimg/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.MediaChannel for a Telegram bot using long polling.
type Telegram struct {
	token      string
	allowFrom  []int64 // empty = allow all
	parseMode  string
	maxPayload int64

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	// MaxPayloadBytes is the upload limit reported to the delivery
	// pipeline. Zero means unknown.
	MaxPayloadBytes int64
	Logger          *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:      cfg.Token,
		allowFrom:  allowed,
		parseMode:  cfg.ParseMode,
		maxPayload: cfg.MaxPayloadBytes,
		logger:     cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	bus.OnOutbound(t.Name(), func(msg domain.OutboundMessage) {
		if err := t.Send(ctx, msg.ChatID, msg.Content); err != nil {
			t.logger.Error("telegram reply failed", "chat_id", msg.ChatID, "err", err)
		}
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is canceled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	if t.bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	for _, chunk := range splitMessage(content, telegramMaxMsgLen) {
		if err := t.sendChunk(ctx, id, chunk); err != nil {
			return err
		}
	}
	return nil
}

// MediaTransport returns a transport that uploads photos to chatID.
// Units may be streamed or, since the bot runs on the host holding the
// assets, referenced by path.
func (t *Telegram) MediaTransport(chatID string) domain.MediaTransport {
	return &transport{
		limit: t.maxPayload,
		caps:  domain.MediaCapabilities{Stream: true, LocalReference: true},
		send: func(ctx context.Context, unit domain.DeliveryUnit) error {
			id, err := strconv.ParseInt(chatID, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid chat ID: %w", err)
			}
			return t.sendPhoto(id, unit)
		},
	}
}

func (t *Telegram) sendPhoto(chatID int64, unit domain.DeliveryUnit) error {
	if t.bot == nil {
		return fmt.Errorf("telegram: not connected")
	}
	file, err := telegramFile(unit)
	if err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, file)
	photo.Caption = unit.Caption()
	_, err = t.bot.Send(photo)
	if err == nil {
		return nil
	}

	// Telegram rejects photos with extreme aspect ratios, which narrow
	// strips often have. Documents have no such restriction.
	if !strings.Contains(err.Error(), "PHOTO_INVALID_DIMENSIONS") {
		return fmt.Errorf("telegram sendPhoto: %w", err)
	}
	if unit.Encoding == domain.EncodingStream && !rewind(unit.Reader) {
		return fmt.Errorf("telegram sendPhoto: %w", err)
	}
	t.logger.Warn("photo dimensions rejected, sending as document",
		"chat_id", chatID, "file", unit.Filename)
	if file, err = telegramFile(unit); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(chatID, file)
	doc.Caption = unit.Caption()
	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("telegram sendDocument: %w", err)
	}
	return nil
}

func telegramFile(unit domain.DeliveryUnit) (tgbotapi.RequestFileData, error) {
	switch unit.Encoding {
	case domain.EncodingStream:
		return tgbotapi.FileReader{Name: unit.Filename, Reader: unit.Reader}, nil
	case domain.EncodingReference:
		return tgbotapi.FilePath(unit.Path), nil
	}
	return nil, fmt.Errorf("telegram: %w: %s", errUnsupportedEncoding, unit.Encoding)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", update.Message.From.UserName)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}
	// /start is Telegram's greeting; answer it with the help text.
	if update.Message.IsCommand() && update.Message.Command() == "start" {
		text = "/help"
	}

	t.logger.Debug("telegram message received", "user_id", userID, "chat_id", chatID, "text_len", len(text))

	t.bus.Publish(domain.InboundMessage{
		Channel:   t.Name(),
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || slices.Contains(t.allowFrom, userID)
}

// sendChunk sends one piece of text. Flood-control answers are honoured
// using Telegram's retry_after, markup Telegram cannot parse is resent as
// plain text and other failures are retried with linear backoff.
func (t *Telegram) sendChunk(ctx context.Context, chatID int64, text string) error {
	parseMode := t.parseMode
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = parseMode
		if _, err = t.bot.Send(msg); err == nil {
			return nil
		}

		next := classifyTelegramError(err, attempt)
		if next.plain && parseMode != "" {
			t.logger.Warn("telegram could not parse markup, resending as plain text", "chat_id", chatID, "err", err)
			parseMode = ""
			continue
		}
		if !next.retry {
			break
		}
		t.logger.Warn("telegram send failed, retrying", "chat_id", chatID, "wait", next.wait, "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.wait):
		}
	}
	return fmt.Errorf("telegram sendMessage: %w", err)
}

type telegramRetry struct {
	wait  time.Duration
	retry bool
	plain bool
}

func classifyTelegramError(err error, attempt int) telegramRetry {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RetryAfter > 0:
			return telegramRetry{wait: time.Duration(apiErr.RetryAfter) * time.Second, retry: true}
		case strings.Contains(apiErr.Message, "can't parse entities"):
			return telegramRetry{plain: true}
		case apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429:
			return telegramRetry{}
		}
	}
	return telegramRetry{wait: time.Duration(attempt+1) * time.Second, retry: true}
}
