// Package render turns a source item into the text one destination posts.
//
// Rendering is a pure function of (item, template): no clock, no I/O,
// no randomness. The link and hashtags form a fixed suffix that always
// survives; only the variable part is truncated.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"unicode/utf8"

	"reposter/internal/source"
)

var ErrRender = errors.New("render failed")

// Error describes why a payload could not be built. It matches ErrRender.
type Error struct {
	Destination string
	Reason      string
	Err         error
}

func (e *Error) Error() string {
	msg := "render " + e.Destination + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRender}
	}
	return []error{ErrRender, e.Err}
}

const (
	DefaultLayout   = "{{.Title}}\n\n{{.Body}}"
	DefaultEllipsis = "…"
	separator       = "\n\n"
)

// Template is the declarative budget for one destination.
type Template struct {
	// MaxLen is the payload limit in runes. Zero or less means unlimited.
	MaxLen int
	// Layout is a text/template executed over source.Item.
	Layout   string
	Hashtags []string
	Ellipsis string
	// IncludeLink puts the item link in the suffix.
	IncludeLink bool
	// IncludeMedia attaches the item media reference to the payload.
	IncludeMedia bool
	// MediaMaxLen replaces MaxLen when media is attached (Telegram
	// captions are shorter than messages). Zero keeps MaxLen.
	MediaMaxLen int
}

// Payload is what an adapter sends. Item is the rendered source item, for
// adapters that store structured fields (the search index) or need a
// stable idempotency key.
type Payload struct {
	Text  string
	Media *source.Media
	Item  source.Item
}

// Renderer renders for one destination. Construct with New so the
// layout is parsed once.
type Renderer struct {
	dest string
	tpl  Template
	tmpl *template.Template
	err  error
}

func New(destination string, tpl Template) *Renderer {
	r := &Renderer{dest: destination, tpl: tpl}
	layout := tpl.Layout
	if strings.TrimSpace(layout) == "" {
		layout = DefaultLayout
	}
	t, err := template.New(destination).Option("missingkey=error").Parse(layout)
	if err != nil {
		r.err = &Error{Destination: destination, Reason: "parse layout", Err: err}
		return r
	}
	r.tmpl = t
	return r
}

// Err reports a layout parse failure early, before any item is rendered.
func (r *Renderer) Err() error { return r.err }

func (r *Renderer) Template() Template { return r.tpl }

// Render builds the payload for item.
func (r *Renderer) Render(item source.Item) (Payload, error) {
	if r.err != nil {
		return Payload{}, r.err
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, item); err != nil {
		return Payload{}, &Error{Destination: r.dest, Reason: "execute layout", Err: err}
	}
	variable := strings.TrimSpace(buf.String())

	var media *source.Media
	if r.tpl.IncludeMedia && item.Media != nil && item.Media.URL != "" {
		m := *item.Media
		media = &m
	}

	limit := r.tpl.MaxLen
	if media != nil && r.tpl.MediaMaxLen > 0 {
		limit = r.tpl.MediaMaxLen
	}

	text, err := compose(variable, r.suffix(item), limit, r.ellipsis())
	if err != nil {
		return Payload{}, &Error{Destination: r.dest, Reason: err.Error()}
	}
	return Payload{Text: text, Media: media, Item: item}, nil
}

func (r *Renderer) ellipsis() string {
	if r.tpl.Ellipsis == "" {
		return DefaultEllipsis
	}
	return r.tpl.Ellipsis
}

// suffix is the part that must always fit: link, then hashtags.
func (r *Renderer) suffix(item source.Item) string {
	parts := make([]string, 0, 2)
	if r.tpl.IncludeLink && item.Link != "" {
		parts = append(parts, item.Link)
	}
	if tags := hashtags(r.tpl.Hashtags); tags != "" {
		parts = append(parts, tags)
	}
	return strings.Join(parts, separator)
}

func hashtags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.Join(strings.Fields(t), "")
		if t == "" || t == "#" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		out = append(out, t)
	}
	return strings.Join(out, " ")
}

// compose joins variable and suffix within limit runes.
func compose(variable, suffix string, limit int, ellipsis string) (string, error) {
	join := func(v string) string {
		switch {
		case v == "":
			return suffix
		case suffix == "":
			return v
		}
		return v + separator + suffix
	}

	full := join(variable)
	if limit <= 0 || utf8.RuneCountInString(full) <= limit {
		return full, nil
	}

	fixed := utf8.RuneCountInString(suffix)
	if suffix != "" {
		fixed += utf8.RuneCountInString(separator)
	}
	if fixed > limit {
		return "", fmt.Errorf("suffix needs %d runes, limit is %d", fixed, limit)
	}

	budget := limit - fixed
	ell := utf8.RuneCountInString(ellipsis)
	if budget < ell {
		// no room for any body text; post the suffix alone
		if suffix == "" {
			return truncateRunes(ellipsis, limit), nil
		}
		return suffix, nil
	}
	body := strings.TrimRightFunc(truncateRunes(variable, budget-ell), isSpace)
	return join(body + ellipsis), nil
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\n' || r == '\t' || r == '\r'
}
