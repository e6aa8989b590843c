package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	appLog "deskcal/internal/log"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh every plugin once and replay staged edits",
		RunE:  runSync,
	}
}

// syncReport is one plugin's outcome of `deskcal sync`.
type syncReport struct {
	Plugin  string `json:"plugin"`
	Events  int    `json:"events"`
	Pending int    `json:"pending"`
	Error   string `json:"error,omitempty"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := shutdownContext(cmd.Context())
	cfg := holder.Config()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := buildRegistry(ctx, cfg, store)
	if err != nil {
		return err
	}

	h := horizonOf(cfg)
	var reports []syncReport
	failed := 0
	for _, p := range reg.Plugins() {
		r := syncReport{Plugin: p.ID()}
		snap, err := p.Refresh(ctx, h)
		if err != nil {
			// Replay on its own: a failed fetch says nothing about whether
			// writes would go through.
			if applyErr := p.ApplyOfflineCache(ctx, h); applyErr != nil {
				appLog.Error("sync: replay failed", applyErr, "plugin", p.ID())
			}
			r.Error = err.Error()
			failed++
		} else {
			r.Events = len(snap.Events)
		}
		r.Pending = p.Pending().Len()
		reports = append(reports, r)
	}

	if flagJSON {
		if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
			return err
		}
	} else {
		printSyncTable(cmd.OutOrStdout(), reports)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d plugins failed to sync", failed, len(reports))
	}
	return nil
}

func printSyncTable(w io.Writer, reports []syncReport) {
	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		status := "ok"
		if r.Error != "" {
			status = r.Error
		}
		rows = append(rows, []string{r.Plugin, strconv.Itoa(r.Events), strconv.Itoa(r.Pending), status})
	}
	printTable(w, []string{"PLUGIN", "EVENTS", "PENDING", "STATUS"}, rows)
}
