package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"sendimg/internal/domain"
)

const signatureHeader = "X-Signature-256"

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	// CallbackURL receives replies and images as signed JSON posts.
	// Empty disables outbound delivery.
	CallbackURL     string
	Secret          string // HMAC secret for inbound and outbound signatures
	MaxPayloadBytes int64
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Webhook is a channel driven by HTTP: inbound messages are posted to
// Handler, outbound text and images are posted to the callback URL with
// images inlined as data URIs.
type Webhook struct {
	callbackURL string
	secret      string
	maxPayload  int64
	client      *http.Client
	bus         domain.MessageBus
	logger      *slog.Logger
}

// WebhookPayload is the JSON body of an inbound request.
type WebhookPayload struct {
	ChatID  string `json:"chat_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// CallbackPayload is the JSON body posted to the callback URL.
type CallbackPayload struct {
	Type    string         `json:"type"` // text | image
	ChatID  string         `json:"chat_id"`
	Content string         `json:"content,omitempty"`
	Image   *CallbackImage `json:"image,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

type CallbackImage struct {
	Filename  string                `json:"filename"`
	MimeType  string                `json:"mime_type"`
	Size      int64                 `json:"size"`
	Data      string                `json:"data"`
	Sequence  int                   `json:"sequence"`
	Total     int                   `json:"total"`
	Partition *domain.PartitionSpec `json:"partition,omitempty"`
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		callbackURL: cfg.CallbackURL,
		secret:      cfg.Secret,
		maxPayload:  cfg.MaxPayloadBytes,
		client:      cfg.HTTPClient,
		logger:      cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Start registers the outbound handler and blocks until ctx is done.
// Inbound requests are served by the admin server through Handler.
func (w *Webhook) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus
	bus.OnOutbound(w.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := w.Send(ctx, msg.ChatID, msg.Content); err != nil {
			w.logger.Error("webhook callback failed", "chat_id", msg.ChatID, "err", err)
		}
	})
	w.logger.Info("webhook channel ready", "callback", w.callbackURL != "")
	<-ctx.Done()
	return nil
}

func (w *Webhook) Stop() error { return nil }

func (w *Webhook) Send(ctx context.Context, chatID string, content string) error {
	return w.post(ctx, CallbackPayload{Type: "text", ChatID: chatID, Content: content, SentAt: time.Now().UTC()})
}

// MediaTransport returns a transport that posts each unit to the
// callback URL as an inline data URI.
func (w *Webhook) MediaTransport(chatID string) domain.MediaTransport {
	return &transport{
		limit: w.maxPayload,
		caps:  domain.MediaCapabilities{Inline: true},
		send: func(ctx context.Context, unit domain.DeliveryUnit) error {
			if unit.Encoding != domain.EncodingInline {
				return fmt.Errorf("webhook: %w: %s", errUnsupportedEncoding, unit.Encoding)
			}
			return w.post(ctx, CallbackPayload{
				Type:   "image",
				ChatID: chatID,
				Image: &CallbackImage{
					Filename:  unit.Filename,
					MimeType:  unit.MimeType,
					Size:      unit.Size,
					Data:      unit.Data,
					Sequence:  unit.SequenceIndex,
					Total:     unit.SequenceTotal,
					Partition: unit.Partition,
				},
				SentAt: time.Now().UTC(),
			})
		},
	}
}

func (w *Webhook) post(ctx context.Context, payload CallbackPayload) error {
	if w.callbackURL == "" {
		return fmt.Errorf("webhook: no callback URL configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(signatureHeader, sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook callback: HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// Handler accepts inbound messages.
func (w *Webhook) Handler() http.Handler {
	return http.HandlerFunc(w.handleWebhook)
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	if w.secret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}
	if payload.ChatID == "" {
		payload.ChatID = "webhook-default"
	}
	if payload.UserID == "" {
		payload.UserID = "webhook"
	}
	if w.bus == nil {
		http.Error(rw, "Not ready", http.StatusServiceUnavailable)
		return
	}

	w.logger.Debug("webhook received", "chat_id", payload.ChatID, "user_id", payload.UserID, "content_len", len(payload.Content))
	w.bus.Publish(domain.InboundMessage{
		Channel:   w.Name(),
		ChatID:    payload.ChatID,
		SenderID:  payload.UserID,
		Content:   payload.Content,
		Timestamp: time.Now(),
	})

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted"})
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(sign(body, secret)), []byte(signature))
}
