package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "reposter/pkg/logx"
)

// fileStore is the dependency-free backend.
//
// Files under Path:
//   - items.jsonl     (append-only JSON Lines, one ItemRecord per line)
//   - watermark.json  (rewritten via tmp + rename)
//
// The whole item index is replayed into memory on open.
type fileStore struct {
	log logx.Logger
	mem *Memory

	itemsFile     *os.File
	watermarkPath string
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	itemsPath := filepath.Join(dir, "items.jsonl")
	skipped, err := replayItems(itemsPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay %s: %w", itemsPath, err)
	}
	if skipped > 0 {
		log.Warn("skipped unreadable item lines", logx.Int("count", skipped), logx.String("path", itemsPath))
	}

	wmPath := filepath.Join(dir, "watermark.json")
	if wm, ok, err := readWatermark(wmPath); err != nil {
		return nil, fmt.Errorf("read %s: %w", wmPath, err)
	} else if ok {
		mem.wm, mem.hasWM = wm, true
	}

	f, err := os.OpenFile(itemsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, mem: mem, itemsFile: f, watermarkPath: wmPath}, nil
}

func (s *fileStore) Close() error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if s.itemsFile == nil {
		return nil
	}
	err := s.itemsFile.Close()
	s.itemsFile = nil
	return err
}

func (s *fileStore) FindByItemID(ctx context.Context, itemID string) (ItemRecord, bool, error) {
	return s.mem.FindByItemID(ctx, itemID)
}

func (s *fileStore) List(ctx context.Context, limit int) ([]ItemRecord, error) {
	return s.mem.List(ctx, limit)
}

func (s *fileStore) Get(ctx context.Context) (Watermark, bool, error) {
	return s.mem.Get(ctx)
}

func (s *fileStore) Insert(_ context.Context, rec ItemRecord) (int64, error) {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if s.itemsFile == nil {
		return 0, ErrClosed
	}
	if cur, ok := s.mem.items[rec.ItemID]; ok {
		return cur.ID, nil
	}

	if strings.TrimSpace(rec.ItemID) == "" {
		return 0, errors.New("item_id is required")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	// The journal line carries the id so replay reproduces it.
	rec.ID = s.mem.nextID + 1

	line, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if _, err := s.itemsFile.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append item: %w", err)
	}
	if err := s.itemsFile.Sync(); err != nil {
		return 0, fmt.Errorf("sync items: %w", err)
	}
	_, _, _ = s.mem.insertLocked(rec)
	return rec.ID, nil
}

func (s *fileStore) Set(_ context.Context, wm Watermark) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if err := checkAdvance(s.mem.wm, s.mem.hasWM, wm); err != nil {
		return err
	}
	return s.writeWatermarkLocked(wm)
}

func (s *fileStore) Reset(_ context.Context, wm Watermark) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if wm.IsZero() {
		if err := os.Remove(s.watermarkPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.mem.wm, s.mem.hasWM = Watermark{}, false
		return nil
	}
	return s.writeWatermarkLocked(wm)
}

func (s *fileStore) writeWatermarkLocked(wm Watermark) error {
	tmp := s.watermarkPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(wm); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.watermarkPath); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	s.mem.wm, s.mem.hasWM = wm, true
	return nil
}

// replayItems loads the journal into mem and returns how many lines it
// could not decode (a torn final write, usually).
func replayItems(path string, mem *Memory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var rec ItemRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.ItemID == "" {
			skipped++
			continue
		}
		_, _, _ = mem.insertLocked(rec)
	}
	return skipped, sc.Err()
}

func readWatermark(path string) (Watermark, bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, err
	}
	var wm Watermark
	if err := json.Unmarshal(b, &wm); err != nil {
		return Watermark{}, false, err
	}
	return wm, !wm.IsZero(), nil
}
