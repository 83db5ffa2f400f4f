package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"sendimg/internal/config"
	"sendimg/internal/keyword"
	"sendimg/internal/media"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your sendimg installation",
		Long: `Verifies that the configuration, image directory, keyword table,
delivery log and channels are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

type checkList struct {
	w                      io.Writer
	passed, failed, warned int
}

func (c *checkList) pass(check, detail string) {
	c.passed++
	fmt.Fprintf(c.w, "  [PASS] %-20s %s\n", check, detail)
}

func (c *checkList) fail(check, detail string) {
	c.failed++
	fmt.Fprintf(c.w, "  [FAIL] %-20s %s\n", check, detail)
}

func (c *checkList) warn(check, detail string) {
	c.warned++
	fmt.Fprintf(c.w, "  [WARN] %-20s %s\n", check, detail)
}

func runDoctor(w io.Writer, cfgPath string) error {
	fmt.Fprintf(w, "sendimg doctor v%s\n\n", version)
	c := &checkList{w: w}

	if _, err := os.Stat(cfgPath); err != nil {
		c.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(w, "\nRun 'sendimg init' to create a default configuration.\n")
		return fmt.Errorf("config not found")
	}
	c.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		c.fail("Config validation", err.Error())
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	c.pass("Config validation", "valid")

	if info, err := os.Stat(cfg.Images.BasePath); err != nil {
		c.fail("Image directory", fmt.Sprintf("not found: %s", cfg.Images.BasePath))
	} else if !info.IsDir() {
		c.fail("Image directory", fmt.Sprintf("not a directory: %s", cfg.Images.BasePath))
	} else {
		c.pass("Image directory", cfg.Images.BasePath)
	}

	checkKeywords(c, cfg)

	if _, err := media.ParseCompression(cfg.Images.Compression); err != nil {
		c.fail("Compression", err.Error())
	} else {
		c.pass("Pipeline", fmt.Sprintf("strip height %d, fallback limit %d bytes", cfg.Images.StripHeight, cfg.Images.TransportLimitFallback))
	}

	if cfg.Store.Enabled {
		if err := checkDatabase(cfg.Store.DBPath); err != nil {
			c.fail("Delivery log", err.Error())
		} else {
			c.pass("Delivery log", cfg.Store.DBPath)
		}
	} else {
		c.warn("Delivery log", "disabled, deliveries will not be recorded")
	}

	checkChannels(c, cfg)

	if cfg.LLM.Enabled {
		if cfg.LLM.APIKey == "" {
			c.warn("LLM", "enabled but no API key configured")
		} else {
			c.pass("LLM", cfg.LLM.Model)
		}
		if _, err := os.Stat(cfg.LLM.KnowledgeDir); err != nil {
			c.warn("Knowledge dir", fmt.Sprintf("not found: %s", cfg.LLM.KnowledgeDir))
		}
	}

	if cfg.Admin.Enabled {
		if err := checkPort(cfg.Admin.Host, cfg.Admin.Port); err != nil {
			c.warn("Admin port", fmt.Sprintf("port %d may be in use: %v", cfg.Admin.Port, err))
		} else {
			c.pass("Admin port", fmt.Sprintf(":%d available", cfg.Admin.Port))
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			c.pass("Log file", cfg.General.LogFile)
		}
	}

	fmt.Fprintf(w, "\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		fmt.Fprintf(w, "\nPlease fix the failed checks before running the gateway.\n")
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	if c.warned > 0 {
		fmt.Fprintf(w, "\nsendimg should work but consider fixing the warnings.\n")
	} else {
		fmt.Fprintf(w, "\nAll checks passed.\n")
	}
	return nil
}

// checkKeywords loads the table and verifies that every file target exists.
func checkKeywords(c *checkList, cfg *config.Config) {
	if _, err := os.Stat(cfg.Images.KeywordTable); err != nil {
		c.fail("Keyword table", fmt.Sprintf("not found: %s", cfg.Images.KeywordTable))
		return
	}
	table := keyword.Load(cfg.Images.KeywordTable, cfg.Images.BasePath, logger)
	if table.Len() == 0 {
		c.warn("Keyword table", "no keywords configured")
		return
	}
	missing, urls := 0, 0
	for _, kw := range table.Keywords() {
		target, _ := table.Lookup(kw)
		if target.IsURL() {
			urls++
			continue
		}
		path, err := table.Resolve(target)
		if err != nil {
			missing++
			continue
		}
		if _, err := os.Stat(path); err != nil {
			c.warn("Keyword "+kw, fmt.Sprintf("file missing: %s", path))
			missing++
		}
	}
	if urls > 0 && !cfg.Browser.Enabled {
		c.warn("Browser", fmt.Sprintf("%d keyword(s) target URLs but browser capture is disabled", urls))
	}
	detail := fmt.Sprintf("%d keywords", table.Len())
	if missing > 0 {
		detail += fmt.Sprintf(", %d unresolved", missing)
	}
	c.pass("Keyword table", detail)
}

func checkChannels(c *checkList, cfg *config.Config) {
	ch := cfg.Channels
	enabled := 0
	token := func(name string, on bool, values ...string) {
		if !on {
			return
		}
		enabled++
		for _, v := range values {
			if v == "" {
				c.fail("Channel: "+name, "enabled but credentials are missing")
				return
			}
		}
		c.pass("Channel: "+name, "configured")
	}
	token("telegram", ch.Telegram.Enabled, ch.Telegram.Token)
	token("discord", ch.Discord.Enabled, ch.Discord.Token)
	token("slack", ch.Slack.Enabled, ch.Slack.BotToken, ch.Slack.AppToken)
	token("webhook", ch.Webhook.Enabled, ch.Webhook.CallbackURL)
	if ch.Webhook.Enabled && !cfg.Admin.Enabled {
		c.warn("Channel: webhook", "inbound requests need admin.enabled")
	}
	if ch.CLI.Enabled {
		enabled++
	}
	if enabled == 0 {
		c.fail("Channels", "no channels enabled")
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
