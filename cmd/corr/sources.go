package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"corr/cmd/corr/ui"
)

// showSources lists the registered adapters and checks their health
func showSources(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, err := buildOfflineEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	styles := ui.DefaultStyles()
	names := eng.registry.List()
	if len(names) == 0 {
		fmt.Println(styles.Muted.Render(
			"no sources registered; set collect.evidence_dir or pass --input to run"))
		return nil
	}

	t := ui.NewTable("sources", "name", "kinds", "status", "detail")
	for _, name := range names {
		c, ok := eng.registry.Lookup(name)
		if !ok {
			continue
		}
		caps := c.Capabilities()
		kinds := make([]string, 0, len(caps.Kinds))
		for _, k := range caps.Kinds {
			kinds = append(kinds, string(k))
		}
		h := c.Health(ctx)
		status := styles.Good.Render("ok")
		if !h.OK {
			status = styles.Bad.Render("down")
		}
		t.AddRow(name, strings.Join(kinds, " "), status, h.Detail)
	}
	fmt.Println(t.Render(styles))
	return nil
}
