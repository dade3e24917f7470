package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"corr/internal/correlate"
)

// runReplay rebuilds a persisted run's stories without any paid calls
func runReplay(cmd *cobra.Command, args []string) error {
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

	resp, err := eng.runner.Replay(ctx, id)
	if err != nil {
		return err
	}

	if runJSON {
		return printJSON(resp.Report)
	}
	printRunSummary(resp)
	if resp.Report.State == correlate.StateDegraded {
		exitStatus = 2
	}
	return nil
}

// resolveRunID returns the explicit id, or the most recently started
// persisted run when none was given.
func resolveRunID(ctx context.Context, eng *engine, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if eng.store == nil {
		return "", fmt.Errorf("%w: no store configured", correlate.ErrInvalidInput)
	}
	keys, err := eng.store.List(ctx, "run/")
	if err != nil {
		return "", fmt.Errorf("list runs: %w", err)
	}

	var best string
	var bestAt time.Time
	for _, key := range keys {
		if !strings.HasSuffix(key, "/report") {
			continue
		}
		candidate := strings.TrimSuffix(strings.TrimPrefix(key, "run/"), "/report")
		rep, err := eng.runner.LoadReport(ctx, candidate)
		if err != nil {
			continue
		}
		if best == "" || rep.StartedAt.After(bestAt) {
			best, bestAt = candidate, rep.StartedAt
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: no persisted runs", correlate.ErrInvalidInput)
	}
	return best, nil
}
