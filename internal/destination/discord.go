package destination

import (
	"context"
	"net/http"

	"reposter/internal/config"
	"reposter/internal/render"
)

const discordWebhookBase = "https://discord.com/api/webhooks/"

// Discord posts through a channel webhook.
//
// Credentials: webhook_url, or channel_id + token.
type Discord struct {
	base
	webhook string
}

func newDiscord(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("discord", c.Credentials)
	hook := cr.optional("webhook_url", "")
	if hook == "" {
		channel := cr.required("channel_id")
		token := cr.required("token")
		hook = discordWebhookBase + channel + "/" + token
		if c.BaseURL != "" {
			hook = c.BaseURL + "/api/webhooks/" + channel + "/" + token
		}
	}
	if err := cr.err(); err != nil {
		return nil, err
	}
	return &Discord{base: newBase(id, "discord", c.RatePerSec, o), webhook: hook}, nil
}

func (d *Discord) Capabilities() Capability { return CapText }

func (d *Discord) Publish(ctx context.Context, p render.Payload) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	return d.sendJSON(ctx, http.MethodPost, d.webhook, nil, map[string]string{"content": p.Text}, nil)
}
