package destination

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"

	"reposter/internal/config"
	"reposter/internal/render"
)

// Mastodon posts a status, uploading the media reference first when the
// payload carries one.
//
// Credentials: access_token. base_url is the instance.
type Mastodon struct {
	base
	instance string
	token    string
}

func newMastodon(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("mastodon", c.Credentials)
	instance := cr.requireURL(c.BaseURL)
	token := cr.required("access_token")
	if err := cr.err(); err != nil {
		return nil, err
	}
	return &Mastodon{base: newBase(id, "mastodon", c.RatePerSec, o), instance: instance, token: token}, nil
}

func (m *Mastodon) Capabilities() Capability { return CapText | CapMedia }

func (m *Mastodon) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + m.token}
}

type mastodonStatus struct {
	Status   string   `json:"status"`
	MediaIDs []string `json:"media_ids,omitempty"`
}

func (m *Mastodon) Publish(ctx context.Context, p render.Payload) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	st := mastodonStatus{Status: p.Text}
	if p.Media != nil {
		id, err := m.upload(ctx, p.Media.URL, p.Item.Title)
		if err != nil {
			return err
		}
		st.MediaIDs = []string{id}
	}
	return m.sendJSON(ctx, http.MethodPost, m.instance+"/api/v1/statuses", m.auth(), st, nil)
}

// upload posts to /api/v2/media. A 202 means the file is still being
// processed; the id is usable for a status right away.
func (m *Mastodon) upload(ctx context.Context, mediaURL, description string) (string, error) {
	raw, ctype, err := m.download(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName(mediaURL)+`"`)
	h.Set("Content-Type", ctype)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", m.fail(0, "build upload", err)
	}
	_, _ = part.Write(raw)
	if description != "" {
		_ = mw.WriteField("description", description)
	}
	if err := mw.Close(); err != nil {
		return "", m.fail(0, "build upload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.instance+"/api/v2/media", &buf)
	if err != nil {
		return "", m.fail(0, "build upload", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+m.token)

	var out struct {
		ID string `json:"id"`
	}
	if err := m.do(req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", m.fail(0, "upload returned no media id", nil)
	}
	return out.ID, nil
}

func fileName(u string) string {
	name := path.Base(u)
	if name == "" || name == "." || name == "/" {
		return "media"
	}
	for i, r := range name {
		if r == '?' || r == '#' {
			return name[:i]
		}
	}
	return name
}
