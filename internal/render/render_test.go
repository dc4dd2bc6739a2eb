package render

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"reposter/internal/source"
)

var item = source.Item{
	ID:          "vid1",
	Title:       "Release notes",
	Body:        "We shipped a thing.",
	Link:        "https://www.youtube.com/watch?v=vid1",
	PublishedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	Media:       &source.Media{URL: "https://i.ytimg.com/vi/vid1/hq.jpg", Kind: "image"},
}

func TestRenderGolden(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		tpl  Template
		want string
	}{
		{
			name: "default layout with link",
			tpl:  Template{IncludeLink: true},
			want: "Release notes\n\nWe shipped a thing.\n\nhttps://www.youtube.com/watch?v=vid1",
		},
		{
			name: "hashtags normalised",
			tpl:  Template{IncludeLink: true, Hashtags: []string{"go", "#video", " ", "new release"}},
			want: "Release notes\n\nWe shipped a thing.\n\nhttps://www.youtube.com/watch?v=vid1\n\n#go #video #newrelease",
		},
		{
			name: "custom layout no link",
			tpl:  Template{Layout: "New video: {{.Title}}"},
			want: "New video: Release notes",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("test", tc.tpl).Render(item)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if p.Text != tc.want {
				t.Fatalf("got %q\nwant %q", p.Text, tc.want)
			}
		})
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	t.Parallel()

	r := New("mastodon", Defaults("mastodon"))
	long := item
	long.Body = strings.Repeat("lorem ipsum ", 200)
	a, err := r.Render(long)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := New("mastodon", Defaults("mastodon")).Render(long)
	if a.Text != b.Text {
		t.Fatal("same input rendered differently")
	}
}

func TestTruncationLaw(t *testing.T) {
	t.Parallel()

	long := item
	long.Body = strings.Repeat("ünïcødé ", 100)

	for _, kind := range []string{"twitter", "bluesky", "mastodon"} {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			t.Parallel()
			tpl := Defaults(kind)
			tpl.Hashtags = []string{"reposter"}
			p, err := New(kind, tpl).Render(long)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if n := utf8.RuneCountInString(p.Text); n > tpl.MaxLen {
				t.Fatalf("len=%d > max %d", n, tpl.MaxLen)
			}
			suffix := long.Link + "\n\n#reposter"
			if !strings.HasSuffix(p.Text, suffix) {
				t.Fatalf("suffix lost: %q", p.Text)
			}
			head := strings.TrimSuffix(p.Text, "\n\n"+suffix)
			if !strings.HasSuffix(head, DefaultEllipsis) {
				t.Fatalf("no ellipsis before suffix: %q", head)
			}
			if !utf8.ValidString(p.Text) {
				t.Fatal("truncation split a rune")
			}
		})
	}

	t.Run("budget equals ellipsis", func(t *testing.T) {
		t.Parallel()
		link := "https://x.io/v"
		limit := utf8.RuneCountInString(link) + len(separator) + utf8.RuneCountInString(DefaultEllipsis)
		got, err := compose("a body that cannot fit", link, limit, DefaultEllipsis)
		if err != nil {
			t.Fatalf("compose: %v", err)
		}
		if want := DefaultEllipsis + "\n\n" + link; got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestRenderShortFitsUntouched(t *testing.T) {
	t.Parallel()
	p, err := New("twitter", Defaults("twitter")).Render(item)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(p.Text, DefaultEllipsis) {
		t.Fatalf("short item truncated: %q", p.Text)
	}
	if p.Media != nil {
		t.Fatal("twitter template should not attach media")
	}
}

func TestTelegramCaptionLimit(t *testing.T) {
	t.Parallel()

	long := item
	long.Body = strings.Repeat("x", 3000)
	p, err := New("telegram", Defaults("telegram")).Render(long)
	if err != nil {
		t.Fatal(err)
	}
	if p.Media == nil || p.Media.URL != item.Media.URL {
		t.Fatalf("media=%+v", p.Media)
	}
	if n := utf8.RuneCountInString(p.Text); n > 1024 {
		t.Fatalf("caption len=%d", n)
	}
	if p.Media == item.Media {
		t.Fatal("payload shares the item's media pointer")
	}

	noMedia := long
	noMedia.Media = nil
	p, _ = New("telegram", Defaults("telegram")).Render(noMedia)
	if n := utf8.RuneCountInString(p.Text); n <= 1024 || n > 4096 {
		t.Fatalf("message len=%d", n)
	}
}

func TestRenderErrors(t *testing.T) {
	t.Parallel()

	r := New("discord", Template{Layout: "{{.Title"})
	if r.Err() == nil {
		t.Fatal("bad layout not reported")
	}
	_, err := r.Render(item)
	var re *Error
	if !errors.As(err, &re) || !errors.Is(err, ErrRender) || re.Destination != "discord" {
		t.Fatalf("err=%v", err)
	}

	_, err = New("x", Template{Layout: "{{.Nope}}"}).Render(item)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("missing field err=%v", err)
	}

	_, err = New("x", Template{MaxLen: 10, IncludeLink: true}).Render(item)
	if !errors.Is(err, ErrRender) {
		t.Fatalf("oversized suffix err=%v", err)
	}
}
