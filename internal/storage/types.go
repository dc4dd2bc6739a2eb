package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPersistence marks a failed write to the item or watermark store.
	ErrPersistence = errors.New("persistence failure")
	// ErrWatermarkRegress is returned when Set would move the watermark
	// to an older published time. Operators use Reset for rollbacks.
	ErrWatermarkRegress = errors.New("watermark would move backwards")
	ErrClosed           = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file":   items.jsonl + watermark.json under Path
//   - "redis":  keys under Redis.Prefix
//   - "memory": process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Watermark is the newest processed item.
type Watermark struct {
	ItemID      string    `json:"item_id"`
	PublishedAt time.Time `json:"published_at"`
}

func (w Watermark) IsZero() bool { return w.ItemID == "" && w.PublishedAt.IsZero() }

// ItemRecord is one dispatched item. ItemID is unique.
type ItemRecord struct {
	ID          int64     `json:"id"`
	ItemID      string    `json:"item_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body,omitempty"`
	Link        string    `json:"link"`
	MediaURL    string    `json:"media_url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

type ItemStore interface {
	FindByItemID(ctx context.Context, itemID string) (ItemRecord, bool, error)
	// Insert records rec and returns its row id. Inserting an ItemID that
	// already exists returns the existing id without error.
	Insert(ctx context.Context, rec ItemRecord) (int64, error)
	// List returns up to limit records, newest published first.
	List(ctx context.Context, limit int) ([]ItemRecord, error)
}

type WatermarkStore interface {
	Get(ctx context.Context) (Watermark, bool, error)
	Set(ctx context.Context, wm Watermark) error
}

// Store is what a driver provides.
type Store interface {
	ItemStore
	WatermarkStore
	// Reset overwrites the watermark unconditionally (operator rollback).
	Reset(ctx context.Context, wm Watermark) error
	Close() error
}

// checkAdvance enforces watermark monotonicity for Set.
func checkAdvance(cur Watermark, ok bool, next Watermark) error {
	if ok && next.PublishedAt.Before(cur.PublishedAt) {
		return ErrWatermarkRegress
	}
	return nil
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
