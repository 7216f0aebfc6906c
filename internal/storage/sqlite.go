package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "bookbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the orchestrator is the only writer and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const itemColumns = `id, title, author, pages, description, cover_path, document_path, status, sent_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (Item, error) {
	var (
		it      Item
		pages   sql.NullInt64
		desc    sql.NullString
		status  string
		sentAt  sql.NullInt64
		created int64
	)
	if err := r.Scan(&it.ID, &it.Title, &it.Author, &pages, &desc, &it.CoverPath, &it.DocumentPath, &status, &sentAt, &created); err != nil {
		return Item{}, err
	}
	it.Pages = int(pages.Int64)
	it.Description = desc.String
	it.Status = Status(status)
	it.CreatedAt = time.UnixMilli(created).UTC()
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64).UTC()
		it.SentAt = &t
	}
	return it, nil
}

func (s *sqliteStore) AddItem(ctx context.Context, it Item) (Item, error) {
	if err := validateNewItem(&it); err != nil {
		return Item{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items(title, author, pages, description, cover_path, document_path, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		it.Title, it.Author, nullInt(it.Pages), nullStr(it.Description), it.CoverPath, it.DocumentPath,
		string(StatusPending), it.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Item{}, err
	}
	if it.ID, err = res.LastInsertId(); err != nil {
		return Item{}, err
	}
	return it, nil
}

func (s *sqliteStore) Item(ctx context.Context, id int64) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return it, err
}

func (s *sqliteStore) ListItems(ctx context.Context, status Status) ([]Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) NextPendingItem(ctx context.Context) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(StatusPending),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *sqliteStore) MarkStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	// sent_at is only meaningful once the item left pending.
	var sentAt any
	if status != StatusPending {
		sentAt = at.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE items SET status = ?, sent_at = ? WHERE id = ?`, string(status), sentAt, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) AppendLog(ctx context.Context, itemID int64, status LogStatus, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_logs(item_id, status, message, at) VALUES(?,?,?,?)`,
		itemID, string(status), nullStr(message), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.id, l.item_id, COALESCE(i.title, ''), l.status, l.message, l.at
		 FROM delivery_logs l LEFT JOIN items i ON i.id = l.item_id
		 ORDER BY l.at DESC, l.id DESC LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e      LogEntry
			status string
			msg    sql.NullString
			at     int64
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &e.ItemTitle, &status, &msg, &at); err != nil {
			return nil, err
		}
		e.Status = LogStatus(status)
		e.Message = msg.String
		e.At = time.UnixMilli(at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM items GROUP BY status`)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		c.add(Status(status), n)
	}
	return c, rows.Err()
}

func (c *Counts) add(s Status, n int) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusSent:
		c.Sent += n
	case StatusError:
		c.Error += n
	}
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	return err
}

func validateNewItem(it *Item) error {
	it.Title = strings.TrimSpace(it.Title)
	it.Author = strings.TrimSpace(it.Author)
	switch {
	case it.Title == "":
		return errors.New("item title is required")
	case it.Author == "":
		return errors.New("item author is required")
	case strings.TrimSpace(it.CoverPath) == "":
		return errors.New("item cover path is required")
	case strings.TrimSpace(it.DocumentPath) == "":
		return errors.New("item document path is required")
	case it.Pages < 0:
		return errors.New("item pages must be >= 0")
	}
	it.Status = StatusPending
	it.SentAt = nil
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	it.CreatedAt = it.CreatedAt.UTC().Truncate(time.Millisecond)
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}
