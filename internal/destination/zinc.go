package destination

import (
	"context"
	"net/http"
	"time"

	"reposter/internal/config"
	"reposter/internal/render"
)

// Zinc indexes every item into a ZincSearch index so the archive is
// searchable. It is a destination like any other and fails the same way.
//
// Credentials: token (base64 user:password), index.
type Zinc struct {
	base
	endpoint string
	token    string
}

func newZinc(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("zinc", c.Credentials)
	baseURL := cr.requireURL(c.BaseURL)
	token := cr.required("token")
	index := cr.required("index")
	if err := cr.err(); err != nil {
		return nil, err
	}
	return &Zinc{
		base:     newBase(id, "zinc", c.RatePerSec, o),
		endpoint: baseURL + "/api/" + index + "/_doc",
		token:    token,
	}, nil
}

func (z *Zinc) Capabilities() Capability { return CapText }

type zincDoc struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	Link        string `json:"link"`
	PublishedAt string `json:"published_at"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

func (z *Zinc) Publish(ctx context.Context, p render.Payload) error {
	if err := z.wait(ctx); err != nil {
		return err
	}
	doc := zincDoc{
		ID:          p.Item.ID,
		Title:       p.Item.Title,
		Text:        p.Text,
		Link:        p.Item.Link,
		PublishedAt: p.Item.PublishedAt.UTC().Format(time.RFC3339),
	}
	if p.Item.Media != nil {
		doc.Thumbnail = p.Item.Media.URL
	}
	hdr := map[string]string{"Authorization": "Basic " + z.token}
	return z.sendJSON(ctx, http.MethodPost, z.endpoint, hdr, doc, nil)
}
