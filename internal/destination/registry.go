package destination

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"reposter/internal/config"
	"reposter/internal/render"
	"reposter/internal/retry"
	logx "reposter/pkg/logx"
)

const (
	DefaultMaxAttempts    = 3
	DefaultTextRetryDelay = 10 * time.Second
	// media uploads are heavy; give the remote more room between attempts
	DefaultMediaRetryDelay = 60 * time.Second
)

// Factory builds one adapter. A *MissingCredentialsError means the entry is
// configured but unusable and ends up skipped.
type Factory func(id string, c config.DestinationConfig, o Options) (Adapter, error)

var factories = map[string]Factory{
	"bluesky":  newBluesky,
	"discord":  newDiscord,
	"linkedin": newLinkedIn,
	"mastodon": newMastodon,
	"matrix":   newMatrix,
	"telegram": newTelegram,
	"threads":  newThreads,
	"twitter":  newTwitter,
	"zinc":     newZinc,
}

// Kinds lists the destination kinds this build knows, sorted.
func Kinds() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Entry is one configured destination. Adapter is nil when the entry is
// skipped; SkipReason then says why.
type Entry struct {
	ID         string
	Kind       string
	Adapter    Adapter
	Renderer   *render.Renderer
	Retry      retry.Policy
	SkipReason string
}

func (e Entry) Skipped() bool { return e.Adapter == nil }

// Registry is the fixed set of destinations for the life of the process.
type Registry struct {
	entries []Entry
	byID    map[string]int
}

// NewRegistry wraps prepared entries, sorted by id.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{entries: append([]Entry(nil), entries...), byID: make(map[string]int, len(entries))}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].ID < r.entries[j].ID })
	for i, e := range r.entries {
		r.byID[e.ID] = i
	}
	return r
}

// Build constructs every configured destination. Unknown kinds are a
// configuration error; disabled entries and entries with missing
// credentials become skipped entries.
func Build(cfgs map[string]config.DestinationConfig, o Options) (*Registry, error) {
	o = o.withDefaults()
	log := o.Log.With(logx.String("comp", "destination"))

	var (
		entries []Entry
		errs    []error
	)
	for id, c := range cfgs {
		kind := strings.ToLower(strings.TrimSpace(c.Kind))
		if kind == "" {
			kind = strings.ToLower(id)
		}
		f, ok := factories[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("destinations.%s: unknown kind %q", id, kind))
			continue
		}

		e := Entry{ID: id, Kind: kind, Renderer: render.New(id, mergeTemplate(kind, c.Template))}
		if err := e.Renderer.Err(); err != nil {
			// surfaces as FailedFinal on every item; say so at startup
			log.Warn("destination template invalid", logx.String("dest", id), logx.Err(err))
		}

		if !c.IsEnabled() {
			e.SkipReason = "disabled"
			entries = append(entries, e)
			continue
		}
		a, err := f(id, c, o)
		if err != nil {
			var mc *MissingCredentialsError
			if !errors.As(err, &mc) {
				errs = append(errs, fmt.Errorf("destinations.%s: %w", id, err))
				continue
			}
			e.SkipReason = mc.Error()
			log.Info("destination skipped", logx.String("dest", id), logx.Strings("missing", mc.Fields))
			entries = append(entries, e)
			continue
		}
		e.Adapter = a
		e.Retry = retryPolicy(c.Retry, a.Capabilities())
		entries = append(entries, e)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewRegistry(entries...), nil
}

func mergeTemplate(kind string, c config.TemplateConfig) render.Template {
	t := render.Defaults(kind)
	if c.MaxLen != nil {
		t.MaxLen = *c.MaxLen
		// an explicit limit applies to captions too
		t.MediaMaxLen = 0
	}
	if c.Layout != "" {
		t.Layout = c.Layout
	}
	if len(c.Hashtags) > 0 {
		t.Hashtags = append([]string(nil), c.Hashtags...)
	}
	if c.Ellipsis != "" {
		t.Ellipsis = c.Ellipsis
	}
	if c.IncludeLink != nil {
		t.IncludeLink = *c.IncludeLink
	}
	if c.IncludeMedia != nil {
		t.IncludeMedia = *c.IncludeMedia
	}
	return t
}

func retryPolicy(c config.RetryConfig, caps Capability) retry.Policy {
	delay := DefaultTextRetryDelay
	if caps.Has(CapMedia) {
		delay = DefaultMediaRetryDelay
	}
	p := retry.Policy{MaxAttempts: c.MaxAttempts, Delay: config.DurationOr(c.Delay, delay)}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

func (r *Registry) Entries() []Entry { return append([]Entry(nil), r.entries...) }

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Get(id string) (Entry, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// Active counts entries with an adapter.
func (r *Registry) Active() int {
	n := 0
	for _, e := range r.entries {
		if !e.Skipped() {
			n++
		}
	}
	return n
}

// TextSender returns the entry's adapter as a logx.TextSender, when it can
// send plain text on its own (telegram).
func (r *Registry) TextSender(id string) (logx.TextSender, bool) {
	e, ok := r.Get(id)
	if !ok || e.Skipped() {
		return nil, false
	}
	s, ok := e.Adapter.(logx.TextSender)
	return s, ok
}
