package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"corr/cmd/corr/ui"
)

// runEstimate projects a run's cost without executing any paid tier
func runEstimate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	req, err := buildRequest()
	if err != nil {
		return err
	}

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	est, err := eng.runner.Estimate(ctx, req)
	if err != nil {
		return err
	}

	if runJSON {
		return printJSON(est)
	}

	styles := ui.DefaultStyles()
	fmt.Println(styles.Title.Render("cost projection"))

	t := ui.NewTable("", "stage", "volume", "cost")
	t.AddRow("embedding",
		fmt.Sprintf("%d items (%d payable)", est.UniqueItems, est.PayableItems),
		est.EmbedMicro.String())
	t.AddRow("adjudication",
		fmt.Sprintf("%d of %d pairs", est.ResidualPairs, est.Pairs),
		est.LLMMicro.String())
	t.AddRow("total (with margin)", "", est.TotalMicro.String())
	fmt.Println(t.Render(styles))

	if est.ShortCircuits > 0 {
		fmt.Printf("%d pairs resolve free via explicit references\n", est.ShortCircuits)
	}
	fmt.Printf("recommended mode: %s\n", styles.Bold.Render(string(est.Recommended)))

	snap := eng.ledger.Snapshot()
	remaining := snap.CapMicro - snap.SpentMicro - snap.ReservedMicro
	if est.TotalMicro > remaining {
		fmt.Println(styles.Warn.Render(
			fmt.Sprintf("projection exceeds the %s remaining this month", remaining)))
	}
	return nil
}
