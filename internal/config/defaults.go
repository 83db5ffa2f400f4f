package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:             "~/.sendimg/workspace",
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
		},
		Images: ImagesConfig{
			BasePath:               "~/.sendimg/images",
			Prefix:                 "#",
			KeywordTable:           "~/.sendimg/keywords.yaml",
			StripHeight:            2048,
			TransportLimitFallback: 1 << 20,
			Compression:            "default",
		},
		LLM: LLMConfig{
			Enabled:            false,
			APIBase:            "https://api.openai.com/v1",
			Model:              "gpt-4o-mini",
			Temperature:        0.6,
			MaxTokens:          4096,
			TimeoutSeconds:     30,
			MaxRetries:         3,
			PromptDir:          "~/.sendimg/prompts",
			KnowledgeDir:       "~/.sendimg/knowledge",
			MinQuestionLength:  6,
			RateLimitPerMinute: 10,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:         false,
				ParseMode:       "Markdown",
				MaxPayloadBytes: 10 << 20, // sendPhoto
			},
			Discord: DiscordConfig{
				MaxPayloadBytes: 8 << 20,
			},
			Slack: SlackConfig{
				MaxPayloadBytes: 0,
			},
			Webhook: WebhookConfig{
				Path:            "/webhook/inbound",
				MaxPayloadBytes: 4 << 20,
			},
			CLI: CLIConfig{
				Enabled:   true,
				OutputDir: "~/.sendimg/outbox",
			},
		},
		Store: StoreConfig{
			Enabled:       true,
			DBPath:        "~/.sendimg/deliveries.db",
			RetentionDays: 90,
		},
		Browser: BrowserConfig{
			Enabled:        false,
			CacheDir:       "~/.sendimg/captures",
			ViewportWidth:  1280,
			TimeoutSeconds: 45,
			CacheTTLMin:    60,
		},
		Admin: AdminConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9090,
		},
	}
}
