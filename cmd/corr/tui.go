package main

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"corr/cmd/corr/ui"
)

// runTUI opens the interactive browser over a persisted run
func runTUI(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, err := buildOfflineEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	id, err := resolveRunID(ctx, eng, targetRunID)
	if err != nil {
		return err
	}

	// The stored report keeps the original run state; the replay
	// rebuilds stories and insights from the persisted artifacts.
	rep, err := eng.runner.LoadReport(ctx, id)
	if err != nil {
		return err
	}
	resp, err := eng.runner.Replay(ctx, id)
	if err != nil {
		return err
	}

	app := ui.NewAppModel(id, string(rep.State))
	app.SetStories(resp.Stories, resp.Insights)
	app.SetBudget(eng.ledger.Snapshot())

	p := tea.NewProgram(app, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return err
	}
	return nil
}
