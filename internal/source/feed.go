package source

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"reposter/internal/retry"
	logx "reposter/pkg/logx"
)

const (
	defaultFeedBase = "https://www.youtube.com/feeds/videos.xml"
	feedUserAgent   = "reposter/1.0 (+feed poller)"
)

// FeedConfig configures the channel Atom feed poller.
type FeedConfig struct {
	ChannelID string
	BaseURL   string // full feed URL; channel_id is appended as a query
	Timeout   time.Duration
	Retries   int
}

// Feed reads the public channel feed. It needs no API key but only ever
// sees the latest ~15 entries, so there is nothing to paginate.
type Feed struct {
	cfg    FeedConfig
	parser *gofeed.Parser
	log    logx.Logger
	sleep  func(context.Context, time.Duration) error
}

func NewFeed(cfg FeedConfig, log logx.Logger) (*Feed, error) {
	if strings.TrimSpace(cfg.ChannelID) == "" {
		return nil, fmt.Errorf("feed: channel id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultFeedBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	fp := gofeed.NewParser()
	fp.UserAgent = feedUserAgent
	fp.Client = &http.Client{Timeout: cfg.Timeout}
	return &Feed{
		cfg:    cfg,
		parser: fp,
		log:    log.With(logx.String("comp", "source.feed")),
		sleep:  retry.Sleep,
	}, nil
}

func (f *Feed) Name() string { return "feed" }

func (f *Feed) feedURL() string {
	sep := "?"
	if strings.Contains(f.cfg.BaseURL, "?") {
		sep = "&"
	}
	return f.cfg.BaseURL + sep + "channel_id=" + f.cfg.ChannelID
}

func (f *Feed) Poll(ctx context.Context, after Cursor) ([]Item, error) {
	var feed *gofeed.Feed
	err := withRetry(ctx, f.cfg.Retries, f.sleep, func(ctx context.Context) error {
		var err error
		feed, err = f.parser.ParseURLWithContext(f.feedURL(), ctx)
		if herr, ok := err.(gofeed.HTTPError); ok {
			return &statusError{Status: herr.StatusCode, Body: herr.Status}
		}
		return err
	})
	if err != nil {
		return nil, unavailable("feed %s: %v", f.cfg.ChannelID, err)
	}

	items := make([]Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		if it, ok := itemFromFeed(fi); ok {
			items = append(items, it)
		}
	}
	items = selectNew(items, after)
	f.log.Debug("polled", logx.Int("entries", len(feed.Items)), logx.Int("new", len(items)))
	return items, nil
}

func itemFromFeed(fi *gofeed.Item) (Item, bool) {
	if fi == nil || skipTitle(fi.Title) {
		return Item{}, false
	}
	var pub time.Time
	switch {
	case fi.PublishedParsed != nil:
		pub = fi.PublishedParsed.UTC()
	case fi.UpdatedParsed != nil:
		pub = fi.UpdatedParsed.UTC()
	default:
		return Item{}, false
	}

	id := extValue(fi, "yt", "videoId")
	if id == "" {
		id = strings.TrimPrefix(fi.GUID, "yt:video:")
	}
	if id == "" {
		return Item{}, false
	}

	it := Item{
		ID:          id,
		Title:       strings.TrimSpace(fi.Title),
		Body:        strings.TrimSpace(fi.Description),
		Link:        fi.Link,
		PublishedAt: pub,
	}
	if it.Link == "" {
		it.Link = youtubeWatchURL + id
	}

	// YouTube puts description and thumbnail under <media:group>.
	if groups := fi.Extensions["media"]["group"]; len(groups) > 0 {
		g := groups[0]
		if d := g.Children["description"]; len(d) > 0 && it.Body == "" {
			it.Body = strings.TrimSpace(d[0].Value)
		}
		if th := g.Children["thumbnail"]; len(th) > 0 && th[0].Attrs["url"] != "" {
			it.Media = &Media{URL: th[0].Attrs["url"], Kind: "image"}
		}
	}
	if it.Media == nil && fi.Image != nil && fi.Image.URL != "" {
		it.Media = &Media{URL: fi.Image.URL, Kind: "image"}
	}
	return it, true
}

func extValue(fi *gofeed.Item, ns, name string) string {
	if fi.Extensions == nil {
		return ""
	}
	if vals := fi.Extensions[ns][name]; len(vals) > 0 {
		return strings.TrimSpace(vals[0].Value)
	}
	return ""
}
