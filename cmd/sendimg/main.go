package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"sendimg/internal/config"
	"sendimg/internal/keyword"
	"sendimg/internal/provider"
	"sendimg/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "sendimg",
		Short: "sendimg: keyword image delivery bot",
		Long:  "sendimg answers #keyword messages with images, splitting tall images into strips that fit each chat platform.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.sendimg/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(splitCmd())
	root.AddCommand(askCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns --config, then $SENDIMG_CONFIG, then the default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("SENDIMG_CONFIG"); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

// setupLogger builds the process logger from the general config section.
// The returned closer flushes the log file, if any.
func setupLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.General.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	out := stderr
	closer := func() error { return nil }
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stderr, f)
		closer = f.Close
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closer, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the image directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.General.Workspace, cfg.Images.BasePath, cfg.Channels.CLI.OutputDir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			table := config.ExpandPath(cfg.Images.KeywordTable)
			if _, err := os.Stat(table); os.IsNotExist(err) {
				if err := os.WriteFile(table, []byte(sampleKeywordTable), 0o644); err != nil {
					return fmt.Errorf("write keyword table: %w", err)
				}
			}
			logger.Info("initialized", "config", cfgPath, "images", config.ExpandPath(cfg.Images.BasePath), "keywords", table)
			return nil
		},
	}
}

const sampleKeywordTable = `# keyword: file under images.basePath, or an http(s) URL to capture
# menu: menu.png
# docs: https://example.com/docs
`

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show config, keyword table, delivery log and LLM status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			table := keyword.Load(cfg.Images.KeywordTable, cfg.Images.BasePath, logger)
			logger.Info("keywords", "table", cfg.Images.KeywordTable, "count", table.Len())

			ctx := context.Background()
			if cfg.Store.Enabled {
				if _, err := os.Stat(cfg.Store.DBPath); err != nil {
					logger.Info("delivery log", "path", cfg.Store.DBPath, "exists", false)
				} else if st, err := store.NewSQLiteStore(cfg.Store.DBPath, logger); err != nil {
					logger.Warn("delivery log", "path", cfg.Store.DBPath, "err", err)
				} else {
					stats, err := st.Stats(ctx)
					st.Close()
					if err != nil {
						return fmt.Errorf("read stats: %w", err)
					}
					logger.Info("delivery log",
						"deliveries", stats.Deliveries,
						"failed", stats.Failed,
						"partitioned", stats.Partitioned,
						"units", stats.Units,
						"bytes", humanize.Bytes(uint64(stats.Bytes)),
						"exchanges", stats.Exchanges)
				}
			}

			if cfg.LLM.Enabled {
				p := newOpenAI(cfg)
				if err := p.Healthy(ctx); err != nil {
					logger.Info("llm", "model", cfg.LLM.Model, "healthy", false, "err", err)
				} else {
					logger.Info("llm", "model", cfg.LLM.Model, "healthy", true)
				}
			}
			return nil
		},
	}
}

func newOpenAI(cfg *config.Config) *provider.OpenAI {
	return provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:     cfg.LLM.APIKey,
		APIBase:    cfg.LLM.APIBase,
		Model:      cfg.LLM.Model,
		Timeout:    secondsOf(cfg.LLM.TimeoutSeconds),
		MaxRetries: cfg.LLM.MaxRetries,
		Logger:     logger,
	})
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. images.stripHeight)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. images.stripHeight 1024)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			shown := args[1]
			if isSecretPath(args[0]) {
				shown = "****"
			}
			logger.Info("config updated", "path", args[0], "value", shown, "file", cfgPath)
			return nil
		},
	})

	var flat bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !flat {
				return printJSON(cmd.OutOrStdout(), config.Sanitize(cfg))
			}
			for _, pv := range config.ListPaths(config.Sanitize(cfg)) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", pv.Path, pv.Value)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&flat, "flat", false, "one path = value line per setting")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}

// isSecretPath matches settings whose last segment names a credential.
func isSecretPath(path string) bool {
	last := strings.ToLower(path[strings.LastIndex(path, ".")+1:])
	for _, s := range []string{"token", "key", "secret"} {
		if strings.HasSuffix(last, s) {
			return true
		}
	}
	return false
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
