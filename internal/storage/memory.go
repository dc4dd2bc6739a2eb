package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process store. The file driver layers its journal on top.
type Memory struct {
	mu     sync.Mutex
	items  map[string]ItemRecord
	nextID int64
	wm     Watermark
	hasWM  bool
}

func NewMemory() *Memory {
	return &Memory{items: map[string]ItemRecord{}}
}

func (m *Memory) FindByItemID(_ context.Context, itemID string) (ItemRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[itemID]
	return rec, ok, nil
}

func (m *Memory) Insert(_ context.Context, rec ItemRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _, err := m.insertLocked(rec)
	return id, err
}

// insertLocked reports whether rec was new.
func (m *Memory) insertLocked(rec ItemRecord) (int64, bool, error) {
	if strings.TrimSpace(rec.ItemID) == "" {
		return 0, false, errors.New("item_id is required")
	}
	if cur, ok := m.items[rec.ItemID]; ok {
		return cur.ID, false, nil
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	if rec.ID == 0 {
		m.nextID++
		rec.ID = m.nextID
	} else if rec.ID > m.nextID {
		m.nextID = rec.ID
	}
	m.items[rec.ItemID] = rec
	return rec.ID, true, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]ItemRecord, error) {
	m.mu.Lock()
	out := make([]ItemRecord, 0, len(m.items))
	for _, rec := range m.items {
		out = append(out, rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.After(out[j].PublishedAt)
		}
		return out[i].ID > out[j].ID
	})
	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (m *Memory) Get(_ context.Context) (Watermark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wm, m.hasWM, nil
}

func (m *Memory) Set(_ context.Context, wm Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkAdvance(m.wm, m.hasWM, wm); err != nil {
		return err
	}
	m.wm, m.hasWM = wm, true
	return nil
}

func (m *Memory) Reset(_ context.Context, wm Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wm, m.hasWM = wm, !wm.IsZero()
	return nil
}

func (m *Memory) Close() error { return nil }
