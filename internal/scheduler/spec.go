package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed scheduler.spec value.
//
// Accepted forms:
//   - cron: "*/15 * * * *", "0 */5 * * * *" (seconds optional), "@hourly", "@every 15m"
//   - Go duration: "15m", "1h30m"
//   - HH:MM interval: "00:15" (every 15 minutes), "02:30"
//
// "cron:" and "interval:" prefixes force one reading.
type Spec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

// CronExpr is the expression handed to robfig/cron. Intervals become
// "@every".
func (s Spec) CronExpr() string {
	if s.Kind == SpecInterval {
		return "@every " + s.Every.String()
	}
	return s.Cron
}

func (s Spec) String() string {
	if s.Kind == SpecInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Spec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return Spec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	if sp, err := parseInterval(s); err == nil {
		return sp, nil
	}
	return Spec{}, fmt.Errorf("invalid schedule %q (use cron like '*/15 * * * *', HH:MM like '00:15', or a duration like '15m')", raw)
}

func parseInterval(v string) (Spec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Spec{}, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Spec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return Spec{}, fmt.Errorf("invalid interval %q (use HH:MM or a Go duration like '15m')", v)
	}
	if d <= 0 {
		return Spec{}, fmt.Errorf("interval must be > 0")
	}
	return Spec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
}
