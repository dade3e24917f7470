package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"corr/cmd/corr/ui"
	"corr/internal/budget"
	"corr/internal/collector"
	"corr/internal/correlate"
	"corr/internal/evidence"
)

// runCorrelate executes one correlation run end to end
func runCorrelate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	req, err := buildRequest()
	if err != nil {
		return err
	}

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	resp, err := eng.runner.Correlate(ctx, req)
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

// buildRequest assembles the correlation request from the run flags.
func buildRequest() (correlate.Request, error) {
	req := correlate.Request{
		Identity: runIdentity,
		Sources:  runSources,
		Mode:     correlate.Mode(runMode),
		MaxCost:  budget.FromUSD(runMaxCost),
	}

	window, err := parseWindow(runFrom, runTo)
	if err != nil {
		return req, err
	}
	req.Window = window

	for _, path := range runInputs {
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		items, err := collector.ReadFile(name, path)
		if err != nil {
			return req, fmt.Errorf("%w: %v", correlate.ErrInvalidInput, err)
		}
		req.Items = append(req.Items, items...)
	}
	return req, nil
}

// parseWindow builds the half-open run window. A date-only --to names a
// whole day, so the window extends to the following midnight.
func parseWindow(from, to string) (evidence.Window, error) {
	var w evidence.Window
	if from == "" && to == "" {
		return w, nil
	}
	if from == "" || to == "" {
		return w, fmt.Errorf("%w: --from and --to must be given together", correlate.ErrInvalidInput)
	}
	start, err := evidence.ParseTimestamp(from)
	if err != nil {
		return w, fmt.Errorf("%w: --from: %v", correlate.ErrInvalidInput, err)
	}
	end, err := evidence.ParseTimestamp(to)
	if err != nil {
		return w, fmt.Errorf("%w: --to: %v", correlate.ErrInvalidInput, err)
	}
	if len(to) == len("2006-01-02") {
		end = end.Add(24 * time.Hour)
	}
	w = evidence.Window{From: start, To: end}
	if !w.Valid() {
		return w, fmt.Errorf("%w: window %s to %s is empty", correlate.ErrInvalidInput, from, to)
	}
	return w, nil
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// printRunSummary renders the human summary for a completed run: the
// headline, per-stage counts, spend, warnings, then the story list.
func printRunSummary(resp *correlate.Response) {
	styles := ui.DefaultStyles()
	rep := resp.Report

	glyph := "✓"
	if rep.State != correlate.StateDone {
		glyph = "!"
	}
	head := fmt.Sprintf("%s run %s %s in %dms",
		glyph, rep.RunID, strings.ToLower(string(rep.State)), rep.WallMS)
	fmt.Println(styles.StateStyle(string(rep.State)).Render(head))

	line := func(label string, format string, args ...any) {
		padded := styles.Bold.Render(fmt.Sprintf("%-13s", label))
		fmt.Printf("  %s %s\n", padded, fmt.Sprintf(format, args...))
	}

	mode := rep.Mode
	if string(rep.RequestedMode) != rep.Mode {
		mode = fmt.Sprintf("%s (requested %s)", rep.Mode, rep.RequestedMode)
	}
	line("mode", "%s", mode)
	line("evidence", "%d items (%d collected, %d provided)",
		rep.Collection.Items, rep.Collection.Collected, rep.Collection.Provided)
	line("pairs", "%d candidates, %d short-circuited", rep.Pairs, rep.ShortCircuits)
	if rep.Embedding.Pairs > 0 || rep.Embedding.Skipped > 0 {
		line("embedding", "%d scored, %d accepted, %d promoted (cache %.0f%%)",
			rep.Embedding.Pairs, rep.Embedding.Accepted, rep.Embedding.Promoted,
			rep.CacheHitRate*100)
	}
	if rep.LLM.Candidates > 0 {
		line("adjudication", "%d of %d judged, %d linked",
			rep.LLM.Judged, rep.LLM.Candidates, rep.LLM.Positive)
	}
	line("result", "%d relationships in %d stories", rep.Relationships, rep.Stories)
	line("spend", "%s (projected %s)", rep.SpentMicro, rep.ProjectedMicro)

	if len(rep.Warnings) > 0 {
		fmt.Println(styles.Warn.Render("  warnings"))
		for _, w := range rep.Warnings {
			detail := w.Detail
			if w.Source != "" {
				detail = w.Source + ": " + detail
			}
			fmt.Printf("    - %s %s\n", styles.Muted.Render(w.Category), detail)
		}
	}

	if len(resp.Stories) > 0 {
		fmt.Println(styles.Title.Render("  stories"))
		for i, st := range resp.Stories {
			span := fmt.Sprintf("%s to %s",
				st.TMin.Format("Jan 02"), st.TMax.Format("Jan 02"))
			fmt.Printf("    %2d. %s  %s\n", i+1, st.Title,
				styles.Muted.Render(fmt.Sprintf("(%d items, %s)", st.MemberCount, span)))
		}
	}
}
