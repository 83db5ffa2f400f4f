package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sendimg/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

// Discord implements domain.MediaChannel for a Discord bot.
type Discord struct {
	token      string
	guildID    string
	prefix     string
	maxPayload int64
	session    *discordgo.Session
	bus        domain.MessageBus
	logger     *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	// Prefix is the image keyword prefix; the /img slash command expands
	// to Prefix+keyword.
	Prefix          string
	MaxPayloadBytes int64
	Logger          *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:      cfg.Token,
		guildID:    cfg.GuildID,
		prefix:     cfg.Prefix,
		maxPayload: cfg.MaxPayloadBytes,
		logger:     cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.Name(), func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		d.sendMessage(msg.ChatID, msg.Content)
	})

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}
		d.logger.Debug("discord message received", "author", m.Author.Username, "channel_id", m.ChannelID)
		bus.Publish(domain.InboundMessage{
			Channel:   d.Name(),
			ChatID:    m.ChannelID,
			SenderID:  m.Author.ID,
			Content:   m.Content,
			Timestamp: time.Now(),
		})
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		content := d.commandContent(i.ApplicationCommandData())
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: content},
		})
		if err != nil {
			d.logger.Warn("discord interaction ack failed", "err", err)
		}

		sender := ""
		if i.Member != nil && i.Member.User != nil {
			sender = i.Member.User.ID
		} else if i.User != nil {
			sender = i.User.ID
		}
		bus.Publish(domain.InboundMessage{
			Channel:   d.Name(),
			ChatID:    i.ChannelID,
			SenderID:  sender,
			Content:   content,
			Timestamp: time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	if d.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	d.sendMessage(chatID, content)
	return nil
}

// MediaTransport returns a transport that attaches each unit as a file
// to a message in channelID.
func (d *Discord) MediaTransport(channelID string) domain.MediaTransport {
	return &transport{
		limit: d.maxPayload,
		caps:  domain.MediaCapabilities{Stream: true},
		send: func(ctx context.Context, unit domain.DeliveryUnit) error {
			if unit.Encoding != domain.EncodingStream {
				return fmt.Errorf("discord: %w: %s", errUnsupportedEncoding, unit.Encoding)
			}
			if d.session == nil {
				return fmt.Errorf("discord: not connected")
			}
			_, err := d.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
				Content: unit.Caption(),
				Files: []*discordgo.File{{
					Name:        unit.Filename,
					ContentType: unit.MimeType,
					Reader:      unit.Reader,
				}},
			}, discordgo.WithContext(ctx))
			if err != nil {
				return fmt.Errorf("discord file send: %w", err)
			}
			return nil
		},
	}
}

// commandContent turns a slash command into the text a user would have typed.
func (d *Discord) commandContent(data discordgo.ApplicationCommandInteractionData) string {
	var args string
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			args += " " + opt.StringValue()
		}
	}
	if data.Name == "img" {
		return d.prefix + strings.TrimSpace(args)
	}
	return "/" + data.Name + args
}

func (d *Discord) sendMessage(channelID, content string) {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

func (d *Discord) registerSlashCommands() {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "img",
			Description: "Send the image for a keyword",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "keyword",
				Description: "Image keyword",
				Required:    true,
			}},
		},
		{
			Name:        "ask",
			Description: "Ask about a product",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "code",
					Description: "Product code",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "question",
					Description: "Your question",
				},
			},
		},
		{Name: "keywords", Description: "List image keywords"},
		{Name: "status", Description: "Show bot status"},
		{Name: "help", Description: "Show available commands"},
	}

	for _, cmd := range commands {
		if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}
