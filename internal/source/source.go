// Package source fetches newly published items from the upstream channel.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrSourceUnavailable wraps every transport or upstream failure. A cycle
// that sees it aborts without touching the watermark.
var ErrSourceUnavailable = errors.New("source unavailable")

// Media is a reference to an attachment; nothing is downloaded here.
type Media struct {
	URL  string `json:"url"`
	Kind string `json:"kind"` // "image" or "video"
}

// Item is one upstream publication. Treat it as immutable.
type Item struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Link        string    `json:"link"`
	PublishedAt time.Time `json:"published_at"`
	Media       *Media    `json:"media,omitempty"`
}

// Cursor is the position to poll after. The zero value means "everything".
type Cursor struct {
	ItemID      string
	PublishedAt time.Time
}

// Poller returns items newer than the cursor, oldest first.
//
// Items sharing the cursor's timestamp are included (the source may
// publish several at the same second) except the cursor item itself.
type Poller interface {
	Name() string
	Poll(ctx context.Context, after Cursor) ([]Item, error)
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSourceUnavailable, fmt.Sprintf(format, args...))
}

// selectNew drops old, duplicate and cursor items and sorts the rest
// ascending by published time, then by id for a stable order on ties.
func selectNew(items []Item, after Cursor) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if it.ID == "" || it.PublishedAt.IsZero() {
			continue
		}
		if it.PublishedAt.Before(after.PublishedAt) || it.ID == after.ItemID {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].PublishedAt.Before(out[j].PublishedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
