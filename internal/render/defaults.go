package render

// Per-platform limits, in runes.
var defaultMaxLen = map[string]int{
	"telegram": 4096,
	"mastodon": 500,
	"bluesky":  300,
	"threads":  500,
	"twitter":  280,
	"discord":  2000,
	"linkedin": 3000,
	"matrix":   0,
	"zinc":     0,
}

// Defaults returns the template a destination kind uses when its config
// sets nothing. Unknown kinds get an unlimited template.
func Defaults(kind string) Template {
	t := Template{
		MaxLen:       defaultMaxLen[kind],
		Layout:       DefaultLayout,
		Ellipsis:     DefaultEllipsis,
		IncludeLink:  true,
		IncludeMedia: false,
	}
	switch kind {
	case "telegram":
		t.IncludeMedia = true
		t.MediaMaxLen = 1024
	case "mastodon", "bluesky", "linkedin", "threads":
		t.IncludeMedia = true
	case "zinc":
		// the search index stores the full text; the link is a field of its own
		t.IncludeLink = false
	}
	return t
}
