package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reposter/internal/app"
	"reposter/internal/dispatch"
)

var pollFormat string

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one poll cycle now and print its summary",
	RunE:  pollAction,
}

func init() {
	pollCmd.Flags().StringVar(&pollFormat, "format", "terminal", "output format: terminal, json")
	rootCmd.AddCommand(pollCmd)
}

func pollAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopOneShot) }()

	sum, err := a.Runner().RunOnce(ctx, "cli")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch pollFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
	case "terminal", "":
		printSummary(out, sum)
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", pollFormat)
	}
	if sum.Aborted() {
		return fmt.Errorf("cycle aborted: %w", sum.Err)
	}
	return nil
}

func printSummary(w io.Writer, s dispatch.Summary) {
	fmt.Fprintf(w, "cycle %s: polled %d, committed %d in %s\n",
		s.CycleID, s.Polled, s.Committed, s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	for _, rec := range s.Items {
		fmt.Fprintf(w, "  %-14s %s  %s\n", rec.State, rec.ItemID, rec.Title)
		for _, r := range rec.Results {
			line := fmt.Sprintf("    %-12s %-12s attempts=%d", r.Destination, r.Outcome, r.Attempts)
			switch {
			case r.Error != "":
				line += "  " + r.Error
			case r.Reason != "":
				line += "  " + r.Reason
			}
			fmt.Fprintln(w, line)
		}
		if rec.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", rec.Error)
		}
	}
	if s.Error != "" {
		fmt.Fprintf(w, "error: %s\n", s.Error)
	}
	if oc := s.Outcomes(); len(oc) > 0 {
		parts := make([]string, 0, len(oc))
		for o, n := range oc {
			parts = append(parts, fmt.Sprintf("%s=%d", o, n))
		}
		sort.Strings(parts)
		fmt.Fprintf(w, "outcomes: %s\n", strings.Join(parts, " "))
	}
}
