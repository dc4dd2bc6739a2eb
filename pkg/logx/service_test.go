package logx

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

type chanSender chan string

func (c chanSender) SendText(_ context.Context, text string) error {
	c <- text
	return nil
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := formatAlert([]byte(`{"level":"warn","message":"send failed","time":"x","dest":"discord","attempt":3}`))
	want := "[WARN] send failed\n- attempt=3\n- dest=discord"
	if got != want {
		t.Fatalf("formatAlert=%q want %q", got, want)
	}

	if got := formatAlert([]byte("  not json \n")); got != "not json" {
		t.Fatalf("raw line=%q", got)
	}
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	sent := make(chanSender, 4)
	svc, log := New(Config{Level: "debug", Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, sent)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud", String("dest", "mastodon"))

	select {
	case msg := <-sent:
		if !strings.HasPrefix(msg, "[WARN] loud") || !strings.Contains(msg, "dest=mastodon") {
			t.Fatalf("unexpected alert %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}

	select {
	case msg := <-sent:
		t.Fatalf("info line forwarded: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "dispatch"))
	log.Debug("hidden")
	log.Info("cycle", Int("items", 2))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	for _, want := range []string{`"comp":"dispatch"`, `"items":2`, `"message":"cycle"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lv := range []string{"", "info", "WARNING", " debug "} {
		if !ValidLevel(lv) {
			t.Fatalf("%q should be valid", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("loud should be invalid")
	}
}
