package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "reposter/pkg/logx"
)

const (
	maxErrorBody = 1024
	maxMediaSize = 16 << 20
)

// Options are the collaborators every adapter shares.
type Options struct {
	HTTPClient *http.Client
	Log        logx.Logger
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// base carries identity, rate limiting and the JSON plumbing the REST
// adapters have in common.
type base struct {
	id      string
	kind    string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

func newBase(id, kind string, ratePerSec float64, o Options) base {
	o = o.withDefaults()
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return base{
		id:      id,
		kind:    kind,
		http:    o.HTTPClient,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		log:     o.Log.With(logx.String("comp", "destination"), logx.String("dest", id)),
		now:     o.Now,
	}
}

func (b *base) ID() string   { return b.id }
func (b *base) Kind() string { return b.kind }

func (b *base) fail(status int, detail string, err error) *Error {
	return &Error{Destination: b.id, Status: status, Detail: detail, Err: err}
}

func (b *base) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return b.fail(0, "rate limiter", err)
	}
	return nil
}

// request builds a request whose body is JSON when in is non-nil.
func (b *base) request(ctx context.Context, method, endpoint string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, b.fail(0, "encode request", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, b.fail(0, "build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "reposter/1.0")
	return req, nil
}

// do sends req and decodes a 2xx JSON body into out (when non-nil).
// Non-2xx answers become *Error with a trimmed body as detail.
func (b *base) do(req *http.Request, out any) error {
	resp, err := b.http.Do(req)
	if err != nil {
		return b.fail(0, req.Method+" "+req.URL.Path, redactURLError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return b.fail(resp.StatusCode, strings.TrimSpace(string(raw)), nil)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return b.fail(resp.StatusCode, "decode response", err)
	}
	return nil
}

func (b *base) sendJSON(ctx context.Context, method, endpoint string, hdr map[string]string, in, out any) error {
	req, err := b.request(ctx, method, endpoint, in)
	if err != nil {
		return err
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	return b.do(req, out)
}

// download fetches a media reference so it can be uploaded elsewhere.
func (b *base) download(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", b.fail(0, "build media request", err)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return nil, "", b.fail(0, "download media", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, "", b.fail(resp.StatusCode, "download media", nil)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaSize+1))
	if err != nil {
		return nil, "", b.fail(0, "download media", err)
	}
	// the same file will be just as large next time
	if len(raw) > maxMediaSize {
		return nil, "", b.fail(http.StatusRequestEntityTooLarge, "download media", fmt.Errorf("larger than %d bytes", maxMediaSize))
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(raw)
	}
	return raw, ct, nil
}

// redactURLError drops the query string, where some APIs put tokens.
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		if i := strings.IndexByte(ue.URL, '?'); i >= 0 {
			ue.URL = ue.URL[:i]
		}
	}
	return err
}
