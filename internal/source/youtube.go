package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reposter/internal/retry"
	logx "reposter/pkg/logx"
)

const (
	defaultYouTubeBase = "https://www.googleapis.com/youtube/v3"
	youtubeWatchURL    = "https://www.youtube.com/watch?v="
	youtubePageSize    = 50
	defaultMaxPages    = 20
)

// YouTubeConfig configures the Data API v3 poller.
type YouTubeConfig struct {
	ChannelID string
	APIKey    string
	BaseURL   string
	Timeout   time.Duration
	MaxPages  int
	Retries   int
}

// YouTube polls a channel through the Data API search endpoint and then
// fetches full descriptions (search only returns a snippet).
type YouTube struct {
	cfg   YouTubeConfig
	http  *http.Client
	log   logx.Logger
	sleep func(context.Context, time.Duration) error
}

func NewYouTube(cfg YouTubeConfig, log logx.Logger) (*YouTube, error) {
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, fmt.Errorf("youtube: channel id is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("youtube: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultYouTubeBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	return &YouTube{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   log.With(logx.String("comp", "source.youtube")),
		sleep: retry.Sleep,
	}, nil
}

func (y *YouTube) Name() string { return "youtube" }

type ytSearchResponse struct {
	NextPageToken string `json:"nextPageToken"`
	Items         []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet ytSnippet `json:"snippet"`
	} `json:"items"`
}

type ytSnippet struct {
	PublishedAt string `json:"publishedAt"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumbnails  map[string]struct {
		URL string `json:"url"`
	} `json:"thumbnails"`
}

type ytVideosResponse struct {
	Items []struct {
		ID      string    `json:"id"`
		Snippet ytSnippet `json:"snippet"`
	} `json:"items"`
}

// Poll walks search pages (newest first) until they run out, MaxPages is
// hit, or a page reaches the cursor.
func (y *YouTube) Poll(ctx context.Context, after Cursor) ([]Item, error) {
	var (
		items     []Item
		pageToken string
	)
	for page := 0; page < y.cfg.MaxPages; page++ {
		q := url.Values{}
		q.Set("part", "snippet")
		q.Set("channelId", y.cfg.ChannelID)
		q.Set("maxResults", fmt.Sprint(youtubePageSize))
		q.Set("order", "date")
		q.Set("type", "video")
		q.Set("key", y.cfg.APIKey)
		if !after.PublishedAt.IsZero() {
			q.Set("publishedAfter", after.PublishedAt.UTC().Format(time.RFC3339))
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var resp ytSearchResponse
		if err := y.getJSON(ctx, "/search", q, &resp); err != nil {
			return nil, unavailable("youtube search: %v", err)
		}

		reachedOld := false
		for _, r := range resp.Items {
			if r.ID.VideoID == "" || skipTitle(r.Snippet.Title) {
				continue
			}
			it, ok := y.itemFrom(r.ID.VideoID, r.Snippet)
			if !ok {
				continue
			}
			// Pages are newest first: anything at or before the cursor
			// means later pages hold nothing new. Ties stay in the batch.
			if !after.PublishedAt.IsZero() && !it.PublishedAt.After(after.PublishedAt) {
				reachedOld = true
			}
			if it.PublishedAt.Before(after.PublishedAt) {
				continue
			}
			items = append(items, it)
		}
		if reachedOld || resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	items = selectNew(items, after)
	if err := y.enrich(ctx, items); err != nil {
		return nil, unavailable("youtube videos: %v", err)
	}
	y.log.Debug("polled", logx.Int("new", len(items)))
	return items, nil
}

// enrich replaces the truncated search description with the full one.
func (y *YouTube) enrich(ctx context.Context, items []Item) error {
	for start := 0; start < len(items); start += youtubePageSize {
		end := min(start+youtubePageSize, len(items))
		ids := make([]string, 0, end-start)
		for _, it := range items[start:end] {
			ids = append(ids, it.ID)
		}
		q := url.Values{}
		q.Set("part", "snippet")
		q.Set("id", strings.Join(ids, ","))
		q.Set("key", y.cfg.APIKey)

		var resp ytVideosResponse
		if err := y.getJSON(ctx, "/videos", q, &resp); err != nil {
			return err
		}
		full := make(map[string]string, len(resp.Items))
		for _, v := range resp.Items {
			full[v.ID] = v.Snippet.Description
		}
		for i := start; i < end; i++ {
			if d, ok := full[items[i].ID]; ok && d != "" {
				items[i].Body = d
			}
		}
	}
	return nil
}

func (y *YouTube) itemFrom(id string, sn ytSnippet) (Item, bool) {
	pub, err := time.Parse(time.RFC3339, sn.PublishedAt)
	if err != nil {
		y.log.Debug("skipping item with bad publishedAt", logx.String("id", id), logx.String("raw", sn.PublishedAt))
		return Item{}, false
	}
	it := Item{
		ID:          id,
		Title:       sn.Title,
		Body:        sn.Description,
		Link:        youtubeWatchURL + id,
		PublishedAt: pub.UTC(),
	}
	for _, k := range []string{"maxres", "high", "medium", "default"} {
		if th, ok := sn.Thumbnails[k]; ok && th.URL != "" {
			it.Media = &Media{URL: th.URL, Kind: "image"}
			break
		}
	}
	return it, true
}

func skipTitle(title string) bool {
	switch strings.ToLower(strings.TrimSpace(title)) {
	case "private video", "deleted video":
		return true
	}
	return false
}

func (y *YouTube) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := y.cfg.BaseURL + path + "?" + q.Encode()
	return withRetry(ctx, y.cfg.Retries, y.sleep, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := y.http.Do(req)
		if err != nil {
			// keep the api key out of logs
			var ue *url.Error
			if errors.As(err, &ue) {
				ue.URL = y.cfg.BaseURL + path
			}
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}
