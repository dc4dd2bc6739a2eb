package destination

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"reposter/internal/config"
	"reposter/internal/render"
)

const threadsGraphBase = "https://graph.threads.net"

// Threads publishes in two steps: create a media container, then publish it.
// Image items use the media URL directly; Threads fetches it.
//
// Credentials: user_id, access_token.
type Threads struct {
	base
	graph  string
	userID string
	token  string
}

func newThreads(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("threads", c.Credentials)
	user := cr.required("user_id")
	token := cr.required("access_token")
	if err := cr.err(); err != nil {
		return nil, err
	}
	graph := strings.TrimRight(c.BaseURL, "/")
	if graph == "" {
		graph = threadsGraphBase
	}
	return &Threads{base: newBase(id, "threads", c.RatePerSec, o), graph: graph, userID: user, token: token}, nil
}

func (t *Threads) Capabilities() Capability { return CapText | CapMedia }

func (t *Threads) Publish(ctx context.Context, p render.Payload) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	form := url.Values{}
	form.Set("text", p.Text)
	form.Set("media_type", "TEXT")
	if p.Media != nil {
		form.Set("media_type", "IMAGE")
		form.Set("image_url", p.Media.URL)
	}
	form.Set("access_token", t.token)

	var container struct {
		ID string `json:"id"`
	}
	if err := t.postForm(ctx, "/threads", form, &container); err != nil {
		return err
	}
	if container.ID == "" {
		return t.fail(0, "threads container has no id", nil)
	}

	pub := url.Values{}
	pub.Set("creation_id", container.ID)
	pub.Set("access_token", t.token)
	return t.postForm(ctx, "/threads_publish", pub, nil)
}

func (t *Threads) postForm(ctx context.Context, path string, form url.Values, out any) error {
	endpoint := t.graph + "/v1.0/" + url.PathEscape(t.userID) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return t.fail(0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return t.do(req, out)
}
