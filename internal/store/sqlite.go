// Package store keeps a sqlite log of image deliveries and LLM exchanges.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sendimg/internal/domain"

	_ "modernc.org/sqlite"
)

// Delivery is one logged delivery, as served by the admin API.
type Delivery struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	ChatID      string    `json:"chatId"`
	Keyword     string    `json:"keyword,omitempty"`
	AssetPath   string    `json:"assetPath"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	ByteSize    int64     `json:"byteSize"`
	Limit       int64     `json:"limit"`
	LimitKnown  bool      `json:"limitKnown"`
	Partitioned bool      `json:"partitioned"`
	StripHeight int       `json:"stripHeight,omitempty"`
	UnitsTotal  int       `json:"unitsTotal"`
	UnitsFailed int       `json:"unitsFailed"`
	Canceled    bool      `json:"canceled,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Units       []Unit    `json:"units,omitempty"`
}

// Unit is one logged delivery unit. Width is 0 for a whole-asset unit.
type Unit struct {
	Seq      int    `json:"seq"`
	Total    int    `json:"total"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	XOffset  int    `json:"x"`
	YOffset  int    `json:"y"`
	Width    int    `json:"w,omitempty"`
	Height   int    `json:"h,omitempty"`
	Digest   string `json:"digest,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Exchange is one logged /ask round trip.
type Exchange struct {
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chatId"`
	Code      string    `json:"code"`
	Question  string    `json:"question"`
	Reply     string    `json:"reply"`
	Model     string    `json:"model,omitempty"`
	TokensIn  int       `json:"tokensIn"`
	TokensOut int       `json:"tokensOut"`
	LatencyMs int64     `json:"latencyMs"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats summarizes the log for /status and the doctor command.
type Stats struct {
	Deliveries  int   `json:"deliveries"`
	Failed      int   `json:"failed"`
	Partitioned int   `json:"partitioned"`
	Units       int   `json:"units"`
	Bytes       int64 `json:"bytes"`
	Exchanges   int   `json:"exchanges"`
}

// SQLiteStore is the sqlite-backed delivery log.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// RecordDelivery stores a finished delivery and its units in one transaction.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, channel, chatID, keyword string, r *domain.DeliveryReport, deliveryErr error) error {
	errText := ""
	if deliveryErr != nil {
		errText = deliveryErr.Error()
	}
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deliveries (id, channel, chat_id, keyword, asset_path, width, height, byte_size,
		   limit_bytes, limit_known, partitioned, strip_height, units_total, units_failed, canceled,
		   error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, channel, chatID, keyword, r.AssetPath, r.Width, r.Height, r.ByteSize,
		r.Limit, r.LimitKnown, r.Partitioned, r.StripHeight, len(r.Units), r.Failed(), r.Canceled,
		errText, r.StartedAt.UTC(), finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}

	for _, u := range r.Units {
		var p domain.PartitionSpec
		if u.Partition != nil {
			p = *u.Partition
		}
		unitErr := ""
		if u.Err != nil {
			unitErr = u.Err.Error()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO delivery_units (delivery_id, seq, total, encoding, size, x_offset, y_offset, width, height, digest, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, u.SequenceIndex, u.SequenceTotal, u.Encoding, u.Size, p.XOffset, p.YOffset, p.Width, p.Height, u.Digest, unitErr,
		); err != nil {
			return fmt.Errorf("insert unit %d: %w", u.SequenceIndex, err)
		}
	}
	return tx.Commit()
}

const deliveryColumns = `id, channel, chat_id, keyword, asset_path, width, height, byte_size, limit_bytes,
	limit_known, partitioned, strip_height, units_total, units_failed, canceled, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row scanner) (Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.Channel, &d.ChatID, &d.Keyword, &d.AssetPath, &d.Width, &d.Height, &d.ByteSize,
		&d.Limit, &d.LimitKnown, &d.Partitioned, &d.StripHeight, &d.UnitsTotal, &d.UnitsFailed, &d.Canceled,
		&d.Error, &d.StartedAt, &d.FinishedAt)
	return d, err
}

// GetDelivery returns the delivery with its units, or nil when id is unknown.
func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, total, encoding, size, x_offset, y_offset, width, height, digest, error
		 FROM delivery_units WHERE delivery_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.Seq, &u.Total, &u.Encoding, &u.Size, &u.XOffset, &u.YOffset, &u.Width, &u.Height, &u.Digest, &u.Error); err != nil {
			return nil, err
		}
		d.Units = append(d.Units, u)
	}
	return &d, rows.Err()
}

// ListDeliveries returns the most recent deliveries without their units.
func (s *SQLiteStore) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordExchange(ctx context.Context, e Exchange) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_exchanges (channel, chat_id, code, question, reply, model, tokens_in, tokens_out, latency_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Channel, e.ChatID, e.Code, e.Question, e.Reply, e.Model, e.TokensIn, e.TokensOut, e.LatencyMs, e.Error, e.CreatedAt.UTC(),
	)
	return err
}

// RecentExchanges returns the latest /ask exchanges, newest first.
func (s *SQLiteStore) RecentExchanges(ctx context.Context, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, chat_id, code, question, reply, model, tokens_in, tokens_out, latency_ms, error, created_at
		 FROM llm_exchanges ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var e Exchange
		var question, reply sql.NullString
		if err := rows.Scan(&e.Channel, &e.ChatID, &e.Code, &question, &reply, &e.Model,
			&e.TokensIn, &e.TokensOut, &e.LatencyMs, &e.Error, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Question, e.Reply = question.String, reply.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(partitioned), 0),
		        COALESCE(SUM(units_total), 0)
		 FROM deliveries`).Scan(&st.Deliveries, &st.Failed, &st.Partitioned, &st.Units)
	if err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM delivery_units WHERE error = ''`).Scan(&st.Bytes); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM llm_exchanges`).Scan(&st.Exchanges)
	return st, err
}

// Prune deletes deliveries and exchanges older than before.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	before = before.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM delivery_units WHERE delivery_id IN (SELECT id FROM deliveries WHERE started_at < ?)`, before); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE started_at < ?`, before)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM llm_exchanges WHERE created_at < ?`, before); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned delivery log", "deliveries", n, "before", before.Format(time.RFC3339))
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
