package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reposter/internal/app"
)

var (
	itemsLimit  int
	itemsFormat string
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List recorded items, newest first",
	RunE:  itemsAction,
}

func init() {
	itemsCmd.Flags().IntVarP(&itemsLimit, "limit", "n", 20, "max items to show")
	itemsCmd.Flags().StringVar(&itemsFormat, "format", "terminal", "output format: terminal, json")
	rootCmd.AddCommand(itemsCmd)
}

func itemsAction(cmd *cobra.Command, _ []string) error {
	if itemsLimit <= 0 {
		return fmt.Errorf("--limit must be > 0")
	}
	ctx := cmd.Context()
	st, err := app.OpenStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	items, err := st.List(ctx, itemsLimit)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	out := cmd.OutOrStdout()
	switch itemsFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	case "terminal", "":
	default:
		return fmt.Errorf("unknown format %q (want terminal or json)", itemsFormat)
	}
	if len(items) == 0 {
		fmt.Fprintln(out, "No items recorded yet. Run 'reposter poll' first.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PUBLISHED\tITEM\tTITLE")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", it.PublishedAt.UTC().Format(time.RFC3339), it.ItemID, it.Title)
	}
	return tw.Flush()
}
