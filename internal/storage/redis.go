package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "reposter/pkg/logx"
)

// redisStore keeps:
//   - <prefix>items        hash item_id -> ItemRecord JSON
//   - <prefix>items:byTime sorted set item_id scored by published unix ms
//   - <prefix>items:seq    id counter
//   - <prefix>watermark    Watermark JSON
type redisStore struct {
	rdb    *redis.Client
	log    logx.Logger
	prefix string
}

func openRedis(cfg Config, log logx.Logger) (*redisStore, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "reposter:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix}, nil
}

func (s *redisStore) key(name string) string { return s.prefix + name }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) FindByItemID(ctx context.Context, itemID string) (ItemRecord, bool, error) {
	raw, err := s.rdb.HGet(ctx, s.key("items"), itemID).Result()
	if errors.Is(err, redis.Nil) {
		return ItemRecord{}, false, nil
	}
	if err != nil {
		return ItemRecord{}, false, fmt.Errorf("find item %s: %w", itemID, err)
	}
	var rec ItemRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ItemRecord{}, false, fmt.Errorf("decode item %s: %w", itemID, err)
	}
	return rec, true, nil
}

func (s *redisStore) Insert(ctx context.Context, rec ItemRecord) (int64, error) {
	if strings.TrimSpace(rec.ItemID) == "" {
		return 0, errors.New("item_id is required")
	}
	if cur, ok, err := s.FindByItemID(ctx, rec.ItemID); err != nil {
		return 0, err
	} else if ok {
		return cur.ID, nil
	}

	id, err := s.rdb.Incr(ctx, s.key("items:seq")).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	rec.ID = id
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	created, err := s.rdb.HSetNX(ctx, s.key("items"), rec.ItemID, b).Result()
	if err != nil {
		return 0, fmt.Errorf("insert item %s: %w", rec.ItemID, err)
	}
	if !created {
		// Lost a race with another writer; report the stored id.
		cur, _, err := s.FindByItemID(ctx, rec.ItemID)
		return cur.ID, err
	}
	z := redis.Z{Score: float64(rec.PublishedAt.UnixMilli()), Member: rec.ItemID}
	if err := s.rdb.ZAdd(ctx, s.key("items:byTime"), z).Err(); err != nil {
		return 0, fmt.Errorf("index item %s: %w", rec.ItemID, err)
	}
	return id, nil
}

func (s *redisStore) List(ctx context.Context, limit int) ([]ItemRecord, error) {
	ids, err := s.rdb.ZRevRange(ctx, s.key("items:byTime"), 0, int64(clampLimit(limit)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.key("items"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	out := make([]ItemRecord, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			s.log.Debug("indexed item missing from hash", logx.String("item_id", ids[i]))
			continue
		}
		var rec ItemRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *redisStore) Get(ctx context.Context) (Watermark, bool, error) {
	return s.readWatermark(ctx, s.rdb)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *redisStore) readWatermark(ctx context.Context, c stringGetter) (Watermark, bool, error) {
	raw, err := c.Get(ctx, s.key("watermark")).Result()
	if errors.Is(err, redis.Nil) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("read watermark: %w", err)
	}
	var wm Watermark
	if err := json.Unmarshal([]byte(raw), &wm); err != nil {
		return Watermark{}, false, fmt.Errorf("decode watermark: %w", err)
	}
	return wm, true, nil
}

// Set is a WATCH/MULTI compare-and-set so the watermark never regresses
// even with a second process pointed at the same keys.
func (s *redisStore) Set(ctx context.Context, wm Watermark) error {
	b, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	key := s.key("watermark")
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, ok, err := s.readWatermark(ctx, tx)
		if err != nil {
			return err
		}
		if err := checkAdvance(cur, ok, wm); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, ErrWatermarkRegress) {
		return fmt.Errorf("write watermark: %w", err)
	}
	return err
}

func (s *redisStore) Reset(ctx context.Context, wm Watermark) error {
	if wm.IsZero() {
		return s.rdb.Del(ctx, s.key("watermark")).Err()
	}
	b, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("watermark"), b, 0).Err()
}
