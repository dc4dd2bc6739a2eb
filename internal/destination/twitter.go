package destination

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"reposter/internal/config"
	"reposter/internal/render"
)

// Twitter posts through the v2 tweets endpoint with an OAuth 2.0 user
// token. With a refresh token and client id the access token is refreshed
// against /2/oauth2/token when missing or rejected with 401.
//
// Credentials: access_token, or refresh_token + client_id (client_secret
// for confidential clients).
type Twitter struct {
	base
	endpoint string

	mu      sync.Mutex
	conf    *oauth2.Config // nil when the token cannot be refreshed
	ts      oauth2.TokenSource
	refresh string // last refresh token seen
}

func newTwitter(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("twitter", c.Credentials)
	access := cr.optional("access_token", "")
	refresh := cr.optional("refresh_token", "")
	secret := cr.optional("client_secret", "")
	var clientID string
	switch {
	case refresh != "":
		clientID = cr.required("client_id")
	case access == "":
		cr.required("access_token")
	}
	if err := cr.err(); err != nil {
		return nil, err
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = "https://api.twitter.com"
	}

	t := &Twitter{base: newBase(id, "twitter", c.RatePerSec, o), endpoint: baseURL + "/2/tweets", refresh: refresh}
	tok := &oauth2.Token{AccessToken: access, RefreshToken: refresh, TokenType: "Bearer"}
	if refresh == "" {
		t.ts = oauth2.StaticTokenSource(tok)
		return t, nil
	}
	style := oauth2.AuthStyleInParams
	if secret != "" {
		style = oauth2.AuthStyleInHeader
	}
	t.conf = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		Endpoint:     oauth2.Endpoint{TokenURL: baseURL + "/2/oauth2/token", AuthStyle: style},
	}
	t.ts = t.conf.TokenSource(t.oauthContext(), tok)
	return t, nil
}

// oauthContext routes token requests through the adapter's client.
func (t *Twitter) oauthContext() context.Context {
	return context.WithValue(context.Background(), oauth2.HTTPClient, t.http)
}

func (t *Twitter) Capabilities() Capability { return CapText }

func (t *Twitter) Publish(ctx context.Context, p render.Payload) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	body := map[string]string{"text": p.Text}
	err := t.post(ctx, body)
	var de *Error
	if errors.As(err, &de) && de.Status == http.StatusUnauthorized && t.forceRefresh() {
		return t.post(ctx, body)
	}
	return err
}

func (t *Twitter) post(ctx context.Context, body any) error {
	tok, err := t.token()
	if err != nil {
		return err
	}
	hdr := map[string]string{"Authorization": "Bearer " + tok.AccessToken}
	return t.sendJSON(ctx, http.MethodPost, t.endpoint, hdr, body, nil)
}

func (t *Twitter) token() (*oauth2.Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, err := t.ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, t.fail(re.Response.StatusCode, "refresh token", err)
		}
		return nil, t.fail(0, "refresh token", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != t.refresh {
		// the configured refresh token is single use once rotated
		t.log.Warn("twitter rotated the refresh token; update credentials before restarting")
		t.refresh = tok.RefreshToken
	}
	return tok, nil
}

// forceRefresh drops the cached access token so the next call goes to
// the token endpoint. It reports false when there is nothing to refresh with.
func (t *Twitter) forceRefresh() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conf == nil || t.refresh == "" {
		return false
	}
	t.log.Debug("access token rejected, refreshing")
	t.ts = t.conf.TokenSource(t.oauthContext(), &oauth2.Token{RefreshToken: t.refresh})
	return true
}
