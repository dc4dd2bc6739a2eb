package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"reposter/internal/config"
	"reposter/internal/render"
)

// Bluesky posts an app.bsky.feed.post record. Links and hashtags get
// rich-text facets; a media reference becomes the thumbnail of a link card.
//
// Credentials: identifier (handle or email), password (app password).
// base_url defaults to https://bsky.social.
type Bluesky struct {
	base
	pds        string
	identifier string
	password   string
	lang       string

	mu      sync.Mutex
	session *blueskySession
}

type blueskySession struct {
	DID       string `json:"did"`
	AccessJWT string `json:"accessJwt"`
}

func newBluesky(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("bluesky", c.Credentials)
	ident := cr.required("identifier")
	pass := cr.required("password")
	lang := cr.optional("lang", "")
	if err := cr.err(); err != nil {
		return nil, err
	}
	pds := c.BaseURL
	if pds == "" {
		pds = "https://bsky.social"
	}
	return &Bluesky{base: newBase(id, "bluesky", c.RatePerSec, o), pds: pds, identifier: ident, password: pass, lang: lang}, nil
}

func (b *Bluesky) Capabilities() Capability { return CapText | CapMedia }

func (b *Bluesky) xrpc(method string) string { return b.pds + "/xrpc/" + method }

func (b *Bluesky) login(ctx context.Context) (*blueskySession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return b.session, nil
	}
	var s blueskySession
	in := map[string]string{"identifier": b.identifier, "password": b.password}
	if err := b.sendJSON(ctx, http.MethodPost, b.xrpc("com.atproto.server.createSession"), nil, in, &s); err != nil {
		return nil, err
	}
	if s.AccessJWT == "" || s.DID == "" {
		return nil, b.fail(0, "createSession returned no session", nil)
	}
	b.session = &s
	return b.session, nil
}

func (b *Bluesky) dropSession() {
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
}

type bskyFacet struct {
	Index struct {
		ByteStart int `json:"byteStart"`
		ByteEnd   int `json:"byteEnd"`
	} `json:"index"`
	Features []map[string]string `json:"features"`
}

type bskyPost struct {
	Type      string          `json:"$type"`
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Langs     []string        `json:"langs,omitempty"`
	Facets    []bskyFacet     `json:"facets,omitempty"`
	Embed     json.RawMessage `json:"embed,omitempty"`
}

var (
	bskyLinkRe = regexp.MustCompile(`https?://[^\s]+`)
	bskyTagRe  = regexp.MustCompile(`(?:^|\s)(#[\p{L}\p{N}_]+)`)
)

// facets indexes links and hashtags by UTF-8 byte offset, which is what
// the record schema uses.
func facets(text string) []bskyFacet {
	var out []bskyFacet
	for _, loc := range bskyLinkRe.FindAllStringIndex(text, -1) {
		var f bskyFacet
		f.Index.ByteStart, f.Index.ByteEnd = loc[0], loc[1]
		f.Features = []map[string]string{{"$type": "app.bsky.richtext.facet#link", "uri": text[loc[0]:loc[1]]}}
		out = append(out, f)
	}
	for _, loc := range bskyTagRe.FindAllStringSubmatchIndex(text, -1) {
		var f bskyFacet
		f.Index.ByteStart, f.Index.ByteEnd = loc[2], loc[3]
		f.Features = []map[string]string{{"$type": "app.bsky.richtext.facet#tag", "tag": text[loc[2]+1 : loc[3]]}}
		out = append(out, f)
	}
	return out
}

func (b *Bluesky) Publish(ctx context.Context, p render.Payload) error {
	if err := b.wait(ctx); err != nil {
		return err
	}
	err := b.publish(ctx, p)
	var de *Error
	if errors.As(err, &de) && (de.Status == http.StatusUnauthorized ||
		de.Status == http.StatusBadRequest && strings.Contains(de.Detail, "ExpiredToken")) {
		// cached session expired; log in again once
		b.dropSession()
		err = b.publish(ctx, p)
	}
	return err
}

func (b *Bluesky) publish(ctx context.Context, p render.Payload) error {
	s, err := b.login(ctx)
	if err != nil {
		return err
	}
	auth := map[string]string{"Authorization": "Bearer " + s.AccessJWT}

	post := bskyPost{
		Type:      "app.bsky.feed.post",
		Text:      p.Text,
		CreatedAt: b.now().UTC().Format(time.RFC3339Nano),
		Facets:    facets(p.Text),
	}
	if b.lang != "" {
		post.Langs = []string{b.lang}
	}
	if p.Item.Link != "" || p.Media != nil {
		embed, err := b.embed(ctx, auth, p)
		if err != nil {
			return err
		}
		post.Embed = embed
	}

	in := map[string]any{
		"repo":       s.DID,
		"collection": "app.bsky.feed.post",
		"record":     post,
	}
	return b.sendJSON(ctx, http.MethodPost, b.xrpc("com.atproto.repo.createRecord"), auth, in, nil)
}

func (b *Bluesky) embed(ctx context.Context, auth map[string]string, p render.Payload) (json.RawMessage, error) {
	var thumb json.RawMessage
	if p.Media != nil {
		raw, ctype, err := b.download(ctx, p.Media.URL)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.xrpc("com.atproto.repo.uploadBlob"), bytes.NewReader(raw))
		if err != nil {
			return nil, b.fail(0, "build upload", err)
		}
		req.Header.Set("Content-Type", ctype)
		req.Header.Set("Authorization", auth["Authorization"])
		var out struct {
			Blob json.RawMessage `json:"blob"`
		}
		if err := b.do(req, &out); err != nil {
			return nil, err
		}
		thumb = out.Blob
	}

	if p.Item.Link == "" {
		return json.Marshal(map[string]any{
			"$type":  "app.bsky.embed.images",
			"images": []map[string]any{{"alt": p.Item.Title, "image": thumb}},
		})
	}
	external := map[string]any{
		"uri":         p.Item.Link,
		"title":       p.Item.Title,
		"description": "",
	}
	if thumb != nil {
		external["thumb"] = thumb
	}
	return json.Marshal(map[string]any{"$type": "app.bsky.embed.external", "external": external})
}
