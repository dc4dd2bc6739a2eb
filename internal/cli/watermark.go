package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reposter/internal/app"
	"reposter/internal/storage"
)

var watermarkCmd = &cobra.Command{
	Use:   "watermark",
	Short: "Show or override the last processed item",
}

var watermarkGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the current watermark",
	Args:  cobra.NoArgs,
	RunE:  watermarkGetAction,
}

var watermarkSetCmd = &cobra.Command{
	Use:   "set <item-id> <published-at>",
	Short: "Overwrite the watermark (operator rollback or skip-ahead)",
	Long: "Overwrite the watermark unconditionally. published-at is RFC 3339. " +
		"Moving it back makes the next poll re-dispatch items that are not in the item store.",
	Args: cobra.ExactArgs(2),
	RunE: watermarkSetAction,
}

func init() {
	watermarkCmd.AddCommand(watermarkGetCmd, watermarkSetCmd)
	rootCmd.AddCommand(watermarkCmd)
}

func watermarkGetAction(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := app.OpenStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	wm, ok, err := st.Get(ctx)
	if err != nil {
		return fmt.Errorf("get watermark: %w", err)
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "watermark not set")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", wm.ItemID, wm.PublishedAt.UTC().Format(time.RFC3339))
	return nil
}

func watermarkSetAction(cmd *cobra.Command, args []string) error {
	id := strings.TrimSpace(args[0])
	if id == "" {
		return fmt.Errorf("item id is required")
	}
	pub, err := time.Parse(time.RFC3339, strings.TrimSpace(args[1]))
	if err != nil {
		return fmt.Errorf("published-at: %w", err)
	}

	ctx := cmd.Context()
	st, err := app.OpenStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.Reset(ctx, storage.Watermark{ItemID: id, PublishedAt: pub.UTC()}); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "watermark set to %s %s\n", id, pub.UTC().Format(time.RFC3339))
	return nil
}
