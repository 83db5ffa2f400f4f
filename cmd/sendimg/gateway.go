package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"sendimg/internal/admin"
	"sendimg/internal/bot"
	"sendimg/internal/browser"
	"sendimg/internal/bus"
	"sendimg/internal/channel"
	"sendimg/internal/config"
	"sendimg/internal/domain"
	"sendimg/internal/keyword"
	"sendimg/internal/media"
	"sendimg/internal/provider"
	"sendimg/internal/store"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start all enabled channels and the message handler",
		Long:  "Starts the enabled chat channels (Telegram, Discord, Slack, webhook, and the terminal when attached), the admin server and the delivery pipeline. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(false)
		},
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive terminal session (images are saved to channels.cli.outputDir)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(true)
		},
	}
}

func secondsOf(n int) time.Duration { return time.Duration(n) * time.Second }

// isTerminal reports whether f is attached to a terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newSequencer builds the delivery pipeline from the images section.
func newSequencer(cfg *config.Config, log *slog.Logger) (*media.Sequencer, error) {
	level, err := media.ParseCompression(cfg.Images.Compression)
	if err != nil {
		return nil, err
	}
	return media.NewSequencer(media.SequencerConfig{
		Loader: media.NewLoader(media.FileStorage{}),
		Gate: media.GateConfig{
			StripHeight:            cfg.Images.StripHeight,
			TransportLimitFallback: cfg.Images.TransportLimitFallback,
		},
		Encoder:          media.PNGEncoder{Compression: level},
		StrictSinglePass: cfg.Images.StrictSinglePass,
		Logger:           log,
	}), nil
}

func newCapturer(cfg *config.Config, log *slog.Logger) *browser.Capturer {
	return browser.NewCapturer(browser.CapturerConfig{
		CacheDir:      cfg.Browser.CacheDir,
		ViewportWidth: cfg.Browser.ViewportWidth,
		Timeout:       secondsOf(cfg.Browser.TimeoutSeconds),
		CacheTTL:      time.Duration(cfg.Browser.CacheTTLMin) * time.Minute,
		Logger:        log,
	})
}

func newRelay(cfg *config.Config, log *slog.Logger) *provider.Relay {
	return provider.NewRelay(provider.RelayConfig{
		Provider:          newOpenAI(cfg),
		PromptDir:         cfg.LLM.PromptDir,
		KnowledgeDir:      cfg.LLM.KnowledgeDir,
		Model:             cfg.LLM.Model,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		MinQuestionLength: cfg.LLM.MinQuestionLength,
		Logger:            log,
	})
}

// buildChannels returns the enabled remote channels. The webhook channel
// is returned separately because its inbound side is mounted on the admin
// server.
func buildChannels(cfg *config.Config, log *slog.Logger) ([]domain.Channel, *channel.Webhook) {
	var chans []domain.Channel
	ch := cfg.Channels

	if ch.Telegram.Enabled && ch.Telegram.Token != "" {
		chans = append(chans, channel.NewTelegram(channel.TelegramConfig{
			Token:           ch.Telegram.Token,
			AllowFrom:       ch.Telegram.AllowFrom,
			ParseMode:       ch.Telegram.ParseMode,
			MaxPayloadBytes: ch.Telegram.MaxPayloadBytes,
			Logger:          log,
		}))
	}
	if ch.Discord.Enabled && ch.Discord.Token != "" {
		chans = append(chans, channel.NewDiscord(channel.DiscordConfig{
			Token:           ch.Discord.Token,
			GuildID:         ch.Discord.GuildID,
			Prefix:          cfg.Images.Prefix,
			MaxPayloadBytes: ch.Discord.MaxPayloadBytes,
			Logger:          log,
		}))
	}
	if ch.Slack.Enabled && ch.Slack.BotToken != "" && ch.Slack.AppToken != "" {
		chans = append(chans, channel.NewSlack(channel.SlackConfig{
			BotToken:        ch.Slack.BotToken,
			AppToken:        ch.Slack.AppToken,
			MaxPayloadBytes: ch.Slack.MaxPayloadBytes,
			Logger:          log,
		}))
	}

	var wh *channel.Webhook
	if ch.Webhook.Enabled {
		wh = channel.NewWebhook(channel.WebhookConfig{
			CallbackURL:     ch.Webhook.CallbackURL,
			Secret:          ch.Webhook.Secret,
			MaxPayloadBytes: ch.Webhook.MaxPayloadBytes,
			Logger:          log,
		})
		chans = append(chans, wh)
	}
	return chans, wh
}

// runBot wires the pipeline and runs it until a signal arrives. With
// cliOnly set, only the terminal channel is started and the process exits
// when the session ends.
func runBot(cliOnly bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, closeLog, err := setupLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, log)
	events := bus.NewEventBus(log)

	var (
		deliveryLog bot.DeliveryLog
		stats       bot.StatsSource
		adminLog    admin.DeliveryLog
	)
	if cfg.Store.Enabled {
		st, err := store.NewSQLiteStore(cfg.Store.DBPath, log)
		if err != nil {
			return fmt.Errorf("delivery log: %w", err)
		}
		defer st.Close()
		deliveryLog, stats, adminLog = st, st, st
		go pruneLoop(ctx, st, cfg.Store.RetentionDays, log)
	}
	bot.Record(events, deliveryLog, log)

	seq, err := newSequencer(cfg, log)
	if err != nil {
		return err
	}
	keywords := keyword.Load(cfg.Images.KeywordTable, cfg.Images.BasePath, log)

	var capturer bot.Capturer
	if cfg.Browser.Enabled {
		capturer = newCapturer(cfg, log)
	}
	var asker bot.Asker
	if cfg.LLM.Enabled {
		asker = newRelay(cfg, log)
	}

	var (
		chans []domain.Channel
		wh    *channel.Webhook
	)
	if !cliOnly {
		chans, wh = buildChannels(cfg, log)
	}
	var cli *channel.CLI
	if cliOnly || (cfg.Channels.CLI.Enabled && isTerminal(os.Stdin)) {
		cli = channel.NewCLI(channel.CLIConfig{
			OutputDir:       cfg.Channels.CLI.OutputDir,
			MaxPayloadBytes: cfg.Channels.CLI.MaxPayloadBytes,
			Spinner:         isTerminal(os.Stdout),
			Logger:          log,
		})
		chans = append(chans, cli)
	}
	if len(chans) == 0 {
		return fmt.Errorf("no channels enabled, check the channels section of %s", cfgPath)
	}

	handler := bot.NewHandler(bot.HandlerConfig{
		Bus:          messageBus,
		Events:       events,
		Channels:     chans,
		Deliverer:    seq,
		Keywords:     keywords,
		Capturer:     capturer,
		Asker:        asker,
		Stats:        stats,
		Prefix:       cfg.Images.Prefix,
		Concurrency:  cfg.General.MaxConcurrentMessages,
		AskPerMinute: float64(cfg.LLM.RateLimitPerMinute),
		Logger:       log,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		handler.Run(ctx)
	}()

	for _, c := range chans {
		if c == domain.Channel(cli) {
			continue
		}
		go func(c domain.Channel) {
			if err := c.Start(ctx, messageBus); err != nil {
				log.Error("channel error", "channel", c.Name(), "err", err)
			}
		}(c)
		log.Info("channel enabled", "channel", c.Name())
	}

	if !cliOnly && cfg.Admin.Enabled {
		acfg := admin.Config{
			Host:   cfg.Admin.Host,
			Port:   cfg.Admin.Port,
			APIKey: cfg.Admin.APIKey,
			Log:    adminLog,
			Events: events,
			Logger: log,

			AllowedOrigins: cfg.Admin.AllowedOrigins,
		}
		if wh != nil {
			acfg.Webhook = wh.Handler()
			acfg.WebhookPath = cfg.Channels.Webhook.Path
		}
		srv := admin.New(acfg)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("admin server error", "err", err)
			}
		}()
	} else if wh != nil {
		log.Warn("webhook channel enabled without the admin server, inbound requests will not be received")
	}

	if cli != nil {
		go func() {
			if err := cli.Start(ctx, messageBus); err != nil {
				log.Error("cli channel error", "err", err)
			}
			if cliOnly {
				stop()
			}
		}()
	}

	log.Info("sendimg started", "keywords", keywords.Len(), "channels", len(chans))
	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range chans {
			if err := c.Stop(); err != nil {
				log.Warn("channel stop failed", "channel", c.Name(), "err", err)
			}
		}
		messageBus.Close()
		wg.Wait()
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		log.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

// pruneLoop drops delivery log rows older than the retention window,
// once at startup and then daily.
func pruneLoop(ctx context.Context, st *store.SQLiteStore, retentionDays int, log *slog.Logger) {
	prune := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		n, err := st.Prune(ctx, cutoff)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("prune delivery log failed", "err", err)
			}
			return
		}
		if n > 0 {
			log.Info("pruned delivery log", "rows", n, "before", cutoff.Format(time.DateOnly))
		}
	}
	prune()
	t := time.NewTicker(24 * time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prune()
		}
	}
}
