package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "reposter/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps SQLITE_BUSY away; throughput here is a few rows per cycle.
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

	if err := migrate(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO metadata(key, value) VALUES('schema_version', ?)`, strconv.Itoa(schemaVersion)); err != nil {
			return fmt.Errorf("insert schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	default:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if v > schemaVersion {
			return fmt.Errorf("database schema version %d is newer than supported %d", v, schemaVersion)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const itemColumns = `id, item_id, title, body, link, media_url, published_at, recorded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (ItemRecord, error) {
	var (
		rec           ItemRecord
		pub, recorded int64
	)
	if err := r.Scan(&rec.ID, &rec.ItemID, &rec.Title, &rec.Body, &rec.Link, &rec.MediaURL, &pub, &recorded); err != nil {
		return ItemRecord{}, err
	}
	rec.PublishedAt = fromNanos(pub)
	rec.RecordedAt = fromNanos(recorded)
	return rec, nil
}

func (s *sqliteStore) FindByItemID(ctx context.Context, itemID string) (ItemRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE item_id = ?`, itemID)
	rec, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ItemRecord{}, false, nil
	}
	if err != nil {
		return ItemRecord{}, false, fmt.Errorf("find item %s: %w", itemID, err)
	}
	return rec, true, nil
}

func (s *sqliteStore) Insert(ctx context.Context, rec ItemRecord) (int64, error) {
	if strings.TrimSpace(rec.ItemID) == "" {
		return 0, errors.New("item_id is required")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO items(item_id, title, body, link, media_url, published_at, recorded_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(item_id) DO UPDATE SET item_id = excluded.item_id
		 RETURNING id`,
		rec.ItemID, rec.Title, rec.Body, rec.Link, rec.MediaURL,
		toNanos(rec.PublishedAt), toNanos(rec.RecordedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert item %s: %w", rec.ItemID, err)
	}
	return id, nil
}

func (s *sqliteStore) List(ctx context.Context, limit int) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items ORDER BY published_at DESC, id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []ItemRecord
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context) (Watermark, bool, error) {
	var (
		wm  Watermark
		pub int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT item_id, published_at FROM watermark WHERE id = 1`).Scan(&wm.ItemID, &pub)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("read watermark: %w", err)
	}
	wm.PublishedAt = fromNanos(pub)
	return wm, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, wm Watermark) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pub int64
	err = tx.QueryRowContext(ctx, `SELECT published_at FROM watermark WHERE id = 1`).Scan(&pub)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read watermark: %w", err)
	default:
		if err := checkAdvance(Watermark{PublishedAt: fromNanos(pub)}, true, wm); err != nil {
			return err
		}
	}
	if err := upsertWatermark(ctx, tx, wm); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Reset(ctx context.Context, wm Watermark) error {
	if wm.IsZero() {
		_, err := s.db.ExecContext(ctx, `DELETE FROM watermark WHERE id = 1`)
		return err
	}
	return upsertWatermark(ctx, s.db, wm)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertWatermark(ctx context.Context, db execer, wm Watermark) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO watermark(id, item_id, published_at, updated_at) VALUES(1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET item_id = excluded.item_id,
		   published_at = excluded.published_at, updated_at = excluded.updated_at`,
		wm.ItemID, toNanos(wm.PublishedAt), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
