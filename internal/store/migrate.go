package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "deliveries and delivery_units",
		SQL: `
		CREATE TABLE IF NOT EXISTS deliveries (
			id            TEXT PRIMARY KEY,
			channel       TEXT NOT NULL,
			chat_id       TEXT NOT NULL,
			keyword       TEXT DEFAULT '',
			asset_path    TEXT NOT NULL,
			width         INTEGER DEFAULT 0,
			height        INTEGER DEFAULT 0,
			byte_size     INTEGER DEFAULT 0,
			limit_bytes   INTEGER DEFAULT 0,
			limit_known   INTEGER DEFAULT 0,
			partitioned   INTEGER DEFAULT 0,
			strip_height  INTEGER DEFAULT 0,
			units_total   INTEGER DEFAULT 0,
			units_failed  INTEGER DEFAULT 0,
			canceled      INTEGER DEFAULT 0,
			error         TEXT DEFAULT '',
			started_at    DATETIME NOT NULL,
			finished_at   DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_time ON deliveries(started_at);
		CREATE INDEX IF NOT EXISTS idx_deliveries_chat ON deliveries(channel, chat_id);

		CREATE TABLE IF NOT EXISTS delivery_units (
			delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
			seq         INTEGER NOT NULL,
			total       INTEGER NOT NULL,
			encoding    TEXT NOT NULL,
			size        INTEGER DEFAULT 0,
			x_offset    INTEGER DEFAULT 0,
			y_offset    INTEGER DEFAULT 0,
			width       INTEGER DEFAULT 0,
			height      INTEGER DEFAULT 0,
			digest      TEXT DEFAULT '',
			error       TEXT DEFAULT '',
			PRIMARY KEY (delivery_id, seq)
		);
		`,
	},
	{
		Version:     2,
		Description: "llm_exchanges",
		SQL: `
		CREATE TABLE IF NOT EXISTS llm_exchanges (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			channel     TEXT NOT NULL,
			chat_id     TEXT NOT NULL,
			code        TEXT NOT NULL,
			question    TEXT,
			reply       TEXT,
			model       TEXT DEFAULT '',
			tokens_in   INTEGER DEFAULT 0,
			tokens_out  INTEGER DEFAULT 0,
			latency_ms  INTEGER DEFAULT 0,
			error       TEXT DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_llm_time ON llm_exchanges(created_at);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range splitSQL(m.SQL) {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration v%d: %w", m.Version, err)
	}
	return nil
}

func splitSQL(s string) []string {
	var out []string
	for _, stmt := range strings.Split(s, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
