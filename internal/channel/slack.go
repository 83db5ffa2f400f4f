package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sendimg/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.MediaChannel for Slack using Socket Mode.
type Slack struct {
	botToken   string
	appToken   string
	maxPayload int64
	httpClient *http.Client
	client     *slack.Client
	socket     *socketmode.Client
	bus        domain.MessageBus
	logger     *slog.Logger
	botUID     string
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken        string
	AppToken        string
	MaxPayloadBytes int64
	Logger          *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken:   cfg.BotToken,
		appToken:   cfg.AppToken,
		maxPayload: cfg.MaxPayloadBytes,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects via Socket Mode and blocks until ctx is done.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = api

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = auth.UserID
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound(s.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		s.sendMessage(msg.ChatID, msg.Content)
	})

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				ev, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(ev)
			case socketmode.EventTypeSlashCommand:
				cmd, ok := evt.Data.(slack.SlashCommand)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleSlashCommand(cmd)
			default:
				// Unacknowledged requests make Socket Mode reconnect.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- socketClient.RunContext(ctx) }()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	if s.client == nil {
		return fmt.Errorf("slack: not connected")
	}
	s.sendMessage(chatID, content)
	return nil
}

// MediaTransport returns a transport that uploads units to channelID
// through Slack's external upload flow.
func (s *Slack) MediaTransport(channelID string) domain.MediaTransport {
	return &transport{
		limit: s.maxPayload,
		caps:  domain.MediaCapabilities{Stream: true},
		send: func(ctx context.Context, unit domain.DeliveryUnit) error {
			if unit.Encoding != domain.EncodingStream {
				return fmt.Errorf("slack: %w: %s", errUnsupportedEncoding, unit.Encoding)
			}
			if s.client == nil {
				return fmt.Errorf("slack: not connected")
			}
			return s.upload(ctx, channelID, unit)
		},
	}
}

func (s *Slack) upload(ctx context.Context, channelID string, unit domain.DeliveryUnit) error {
	ticket, err := s.client.GetUploadURLExternalContext(ctx, slack.GetUploadURLExternalParameters{
		FileName: unit.Filename,
		FileSize: int(unit.Size),
	})
	if err != nil {
		return fmt.Errorf("slack upload url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ticket.UploadURL, unit.Reader)
	if err != nil {
		return fmt.Errorf("slack upload request: %w", err)
	}
	req.ContentLength = unit.Size
	req.Header.Set("Content-Type", unit.MimeType)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack upload: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack upload: HTTP %d", resp.StatusCode)
	}

	title := unit.Filename
	if c := unit.Caption(); c != "" {
		title = c + " " + title
	}
	_, err = s.client.CompleteUploadExternalContext(ctx, slack.CompleteUploadExternalParameters{
		Files:   []slack.FileSummary{{ID: ticket.FileID, Title: title}},
		Channel: channelID,
	})
	if err != nil {
		return fmt.Errorf("slack complete upload: %w", err)
	}
	return nil
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Skip our own messages and edits/joins.
		if ev.User == s.botUID || ev.User == "" || ev.SubType != "" {
			return
		}
		s.publish(ev.Channel, ev.User, ev.Text)
	case *slackevents.AppMentionEvent:
		content := ev.Text
		if idx := strings.Index(content, ">"); idx >= 0 {
			content = strings.TrimSpace(content[idx+1:])
		}
		s.publish(ev.Channel, ev.User, content)
	}
}

func (s *Slack) handleSlashCommand(cmd slack.SlashCommand) {
	s.logger.Debug("slack slash command", "command", cmd.Command, "user", cmd.UserID, "channel", cmd.ChannelID)
	s.publish(cmd.ChannelID, cmd.UserID, strings.TrimSpace(cmd.Command+" "+cmd.Text))
}

func (s *Slack) publish(channelID, user, content string) {
	s.bus.Publish(domain.InboundMessage{
		Channel:   s.Name(),
		ChatID:    channelID,
		SenderID:  user,
		Content:   content,
		Timestamp: time.Now(),
	})
}

func (s *Slack) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessage(channelID, slack.MsgOptionText(chunk, false))
		if err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}
