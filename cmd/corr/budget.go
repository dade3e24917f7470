package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"corr/cmd/corr/ui"
	"corr/internal/budget"
)

// showBudget prints the monthly ledger snapshot
func showBudget(cmd *cobra.Command, args []string) error {
	ledger, err := buildLedger(cfg, logger)
	if err != nil {
		return err
	}
	snap := ledger.Snapshot()

	styles := ui.DefaultStyles()
	fmt.Println(styles.Title.Render("budget " + snap.Month))

	levelStyle := styles.Good
	switch snap.Level {
	case budget.LevelWarn:
		levelStyle = styles.Warn
	case budget.LevelNoLLM, budget.LevelExhausted:
		levelStyle = styles.Bad
	}

	t := ui.NewTable("", "item", "amount")
	t.AddRow("cap", snap.CapMicro.String())
	t.AddRow("spent", snap.SpentMicro.String())
	t.AddRow("reserved", snap.ReservedMicro.String())
	t.AddRow("remaining", (snap.CapMicro - snap.SpentMicro - snap.ReservedMicro).String())
	t.AddRow("level", levelStyle.Render(snap.LevelName))
	fmt.Println(t.Render(styles))

	u := ui.NewTable("usage", "tier", "requests", "tokens")
	u.AddRow("embedding",
		fmt.Sprintf("%d", snap.Counters.EmbedRequests),
		fmt.Sprintf("%d", snap.Counters.EmbedTokens))
	u.AddRow("adjudication",
		fmt.Sprintf("%d", snap.Counters.LLMRequests),
		fmt.Sprintf("%d", snap.Counters.LLMTokens))
	fmt.Println(u.Render(styles))

	if snap.CapMicro == 0 {
		fmt.Println(styles.Muted.Render("no monthly budget configured; paid tiers are disabled"))
	}
	return nil
}
