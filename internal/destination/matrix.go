package destination

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"

	"reposter/internal/config"
	"reposter/internal/render"
)

// Matrix sends an m.text message to a room.
//
// Credentials: access_token, room_id. base_url is the homeserver.
type Matrix struct {
	base
	homeserver string
	token      string
	room       string
}

func newMatrix(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("matrix", c.Credentials)
	hs := cr.requireURL(c.BaseURL)
	token := cr.required("access_token")
	room := cr.required("room_id")
	if err := cr.err(); err != nil {
		return nil, err
	}
	return &Matrix{base: newBase(id, "matrix", c.RatePerSec, o), homeserver: hs, token: token, room: room}, nil
}

func (m *Matrix) Capabilities() Capability { return CapText }

// txnID is stable for a given item and text, so a retried PUT is
// deduplicated by the homeserver instead of posting twice.
func txnID(p render.Payload) string {
	sum := sha256.Sum256([]byte(p.Item.ID + "\x00" + p.Text))
	return "reposter-" + hex.EncodeToString(sum[:12])
}

func (m *Matrix) Publish(ctx context.Context, p render.Payload) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	endpoint := m.homeserver + "/_matrix/client/v3/rooms/" + url.PathEscape(m.room) +
		"/send/m.room.message/" + txnID(p)
	body := map[string]string{"msgtype": "m.text", "body": p.Text}
	hdr := map[string]string{"Authorization": "Bearer " + m.token}
	return m.sendJSON(ctx, http.MethodPut, endpoint, hdr, body, nil)
}
