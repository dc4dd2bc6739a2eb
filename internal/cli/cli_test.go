package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func setupConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	body := `{
  "source": {"kind": "feed", "channel_id": "UC1"},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"},
  "logging": {"level": "error"}
}`
	p := filepath.Join(dir, "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	old := configPath
	t.Cleanup(func() { configPath = old })
	configPath = p
}

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)
	return cmd, &out
}

func TestWatermarkSetGet(t *testing.T) {
	setupConfig(t)

	cmd, out := testCmd()
	if err := watermarkGetAction(cmd, nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out.String(), "not set") {
		t.Fatalf("get output=%q", out.String())
	}

	cmd, out = testCmd()
	if err := watermarkSetAction(cmd, []string{"vid9", "2024-05-01T10:00:00+02:00"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !strings.Contains(out.String(), "vid9 2024-05-01T08:00:00Z") {
		t.Fatalf("set output=%q", out.String())
	}

	cmd, out = testCmd()
	if err := watermarkGetAction(cmd, nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "vid9 2024-05-01T08:00:00Z" {
		t.Fatalf("get output=%q", got)
	}

	// rollback to an older position is allowed
	cmd, _ = testCmd()
	if err := watermarkSetAction(cmd, []string{"vid1", "2023-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestWatermarkSetRejectsBadTime(t *testing.T) {
	setupConfig(t)
	cmd, _ := testCmd()
	if err := watermarkSetAction(cmd, []string{"vid", "yesterday"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestItemsEmpty(t *testing.T) {
	setupConfig(t)
	old := itemsLimit
	t.Cleanup(func() { itemsLimit = old })
	itemsLimit = 5

	cmd, out := testCmd()
	if err := itemsAction(cmd, nil); err != nil {
		t.Fatalf("items: %v", err)
	}
	if !strings.Contains(out.String(), "No items recorded") {
		t.Fatalf("output=%q", out.String())
	}
}

func TestVersion(t *testing.T) {
	cmd, out := testCmd()
	versionCmd.Run(cmd, nil)
	if !strings.HasPrefix(out.String(), "reposter ") {
		t.Fatalf("output=%q", out.String())
	}
}
