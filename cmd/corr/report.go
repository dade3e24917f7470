package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"corr/cmd/corr/ui"
	"corr/internal/correlate"
)

// showReport renders a persisted run report as styled markdown
func showReport(cmd *cobra.Command, args []string) error {
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
	rep, err := eng.runner.LoadReport(ctx, id)
	if err != nil {
		return err
	}

	if runJSON {
		return printJSON(rep)
	}

	md := reportMarkdown(rep)

	// Initialize markdown renderer
	styles := ui.DefaultStyles()
	var renderer *glamour.TermRenderer
	if styles.Theme.IsDark {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(80),
		)
	} else {
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithStylePath("light"),
			glamour.WithWordWrap(80),
		)
	}
	if renderer == nil {
		fmt.Println(md)
		return nil
	}
	out, err := renderer.Render(md)
	if err != nil {
		fmt.Println(md)
		return nil
	}
	fmt.Print(out)
	return nil
}

// reportMarkdown lays a run report out as a markdown document.
func reportMarkdown(rep *correlate.Report) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Run %s\n\n", rep.RunID)

	fmt.Fprintf(&sb, "**%s** in %dms, mode %s", rep.State, rep.WallMS, rep.Mode)
	if rep.RequestedMode != "" && string(rep.RequestedMode) != rep.Mode {
		fmt.Fprintf(&sb, " (requested %s)", rep.RequestedMode)
	}
	if rep.Replay {
		sb.WriteString(", replayed")
	}
	fmt.Fprintf(&sb, ", started %s\n\n", rep.StartedAt.Format(time.RFC3339))

	if rep.Identity != "" || rep.Window != nil {
		sb.WriteString("## Scope\n\n")
		if rep.Identity != "" {
			fmt.Fprintf(&sb, "- identity `%s`\n", rep.Identity)
		}
		if rep.Window != nil {
			fmt.Fprintf(&sb, "- window %s to %s\n",
				rep.Window.From.Format("2006-01-02 15:04"),
				rep.Window.To.Format("2006-01-02 15:04"))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Evidence\n\n")
	fmt.Fprintf(&sb, "- %d items correlated (%d collected, %d provided)\n",
		rep.Collection.Items, rep.Collection.Collected, rep.Collection.Provided)
	for _, source := range sortedKeys(rep.Collection.Skipped) {
		fmt.Fprintf(&sb, "- %s skipped %d invalid items\n", source, rep.Collection.Skipped[source])
	}
	for _, f := range rep.Collection.Failures {
		fmt.Fprintf(&sb, "- **%s failed** (%s): %s\n", f.Source, f.Kind, f.Detail)
	}
	sb.WriteString("\n")

	sb.WriteString("## Pipeline\n\n")
	sb.WriteString("| stage | outcome |\n| --- | --- |\n")
	fmt.Fprintf(&sb, "| pre-filter | %d candidate pairs, %d short-circuited |\n",
		rep.Pairs, rep.ShortCircuits)
	em := rep.Embedding
	if em.Pairs > 0 || em.Skipped > 0 {
		fmt.Fprintf(&sb, "| embedding | %d scored, %d accepted, %d promoted, %d rejected |\n",
			em.Pairs, em.Accepted, em.Promoted, em.Rejected)
	}
	if rep.LLM.Candidates > 0 {
		fmt.Fprintf(&sb, "| adjudication | %d of %d judged: %d positive, %d negative |\n",
			rep.LLM.Judged, rep.LLM.Candidates, rep.LLM.Positive, rep.LLM.Negative)
	}
	fmt.Fprintf(&sb, "| scoring | %d relationships |\n", rep.Relationships)
	fmt.Fprintf(&sb, "| grouping | %d stories |\n", rep.Stories)
	sb.WriteString("\n")

	if len(rep.ByMethod) > 0 {
		sb.WriteString("## Relationships by method\n\n")
		for _, method := range sortedKeys(rep.ByMethod) {
			fmt.Fprintf(&sb, "- %s: %d\n", method, rep.ByMethod[method])
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Spend\n\n")
	sb.WriteString("| | |\n| --- | --- |\n")
	fmt.Fprintf(&sb, "| projected | %s |\n", rep.ProjectedMicro)
	fmt.Fprintf(&sb, "| spent | %s |\n", rep.SpentMicro)
	if em.Requests > 0 || em.SpendMicro > 0 {
		fmt.Fprintf(&sb, "| embedding | %s over %d requests, %.0f%% cache hits |\n",
			em.SpendMicro, em.Requests, rep.CacheHitRate*100)
	}
	if rep.LLM.Requests > 0 || rep.LLM.SpendMicro > 0 {
		fmt.Fprintf(&sb, "| adjudication | %s over %d requests, %d retries |\n",
			rep.LLM.SpendMicro, rep.LLM.Requests, rep.LLM.Retries)
	}
	sb.WriteString("\n")

	if len(rep.StageMS) > 0 {
		sb.WriteString("## Timings\n\n")
		for _, stage := range sortedKeys(rep.StageMS) {
			fmt.Fprintf(&sb, "- %s: %dms\n", stage, rep.StageMS[stage])
		}
		sb.WriteString("\n")
	}

	if len(rep.Warnings) > 0 {
		sb.WriteString("## Warnings\n\n")
		for _, w := range rep.Warnings {
			if w.Source != "" {
				fmt.Fprintf(&sb, "- **%s** %s: %s\n", w.Category, w.Source, w.Detail)
			} else {
				fmt.Fprintf(&sb, "- **%s**: %s\n", w.Category, w.Detail)
			}
		}
		sb.WriteString("\n")
	}

	if rep.Error != "" {
		fmt.Fprintf(&sb, "## Error\n\n%s\n", rep.Error)
	}
	return sb.String()
}

// sortedKeys returns a map's keys in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
