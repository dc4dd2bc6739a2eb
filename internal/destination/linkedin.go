package destination

import (
	"context"
	"net/http"

	"reposter/internal/config"
	"reposter/internal/render"
)

// LinkedIn shares as an organization through /v2/ugcPosts.
//
// Credentials: access_token, organization (numeric id).
type LinkedIn struct {
	base
	endpoint string
	token    string
	author   string
}

func newLinkedIn(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("linkedin", c.Credentials)
	token := cr.required("access_token")
	org := cr.required("organization")
	if err := cr.err(); err != nil {
		return nil, err
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = "https://api.linkedin.com"
	}
	return &LinkedIn{
		base:     newBase(id, "linkedin", c.RatePerSec, o),
		endpoint: baseURL + "/v2/ugcPosts",
		token:    token,
		author:   "urn:li:organization:" + org,
	}, nil
}

func (l *LinkedIn) Capabilities() Capability { return CapText }

type linkedInShare struct {
	Author          string `json:"author"`
	LifecycleState  string `json:"lifecycleState"`
	SpecificContent struct {
		Share struct {
			Commentary struct {
				Text string `json:"text"`
			} `json:"shareCommentary"`
			MediaCategory string          `json:"shareMediaCategory"`
			Media         []linkedInMedia `json:"media,omitempty"`
		} `json:"com.linkedin.ugc.ShareContent"`
	} `json:"specificContent"`
	Visibility map[string]string `json:"visibility"`
}

type linkedInMedia struct {
	Status      string `json:"status"`
	OriginalURL string `json:"originalUrl"`
}

func (l *LinkedIn) Publish(ctx context.Context, p render.Payload) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	var body linkedInShare
	body.Author = l.author
	body.LifecycleState = "PUBLISHED"
	body.SpecificContent.Share.Commentary.Text = p.Text
	body.SpecificContent.Share.MediaCategory = "NONE"
	if p.Item.Link != "" {
		// article share: LinkedIn builds the preview card from the link
		body.SpecificContent.Share.MediaCategory = "ARTICLE"
		body.SpecificContent.Share.Media = []linkedInMedia{{Status: "READY", OriginalURL: p.Item.Link}}
	}
	body.Visibility = map[string]string{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"}

	hdr := map[string]string{
		"Authorization":             "Bearer " + l.token,
		"X-Restli-Protocol-Version": "2.0.0",
	}
	return l.sendJSON(ctx, http.MethodPost, l.endpoint, hdr, body, nil)
}
