package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"deskcal/internal/config"
	"deskcal/internal/model"
	"deskcal/internal/offline"
)

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List edits staged for replay",
		Long:  "Reads each plugin's offline cache from the state database. No remote calendar is contacted.",
		RunE:  runPending,
	}
}

// pendingItem is one staged mutation as printed by `deskcal pending`.
type pendingItem struct {
	Plugin   string    `json:"plugin"`
	Kind     string    `json:"kind"`
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Calendar string    `json:"calendar,omitempty"`
	Start    time.Time `json:"start"`
	// Edits counts queued updates of the same event.
	Edits int `json:"edits,omitempty"`
}

func runPending(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := holder.Config()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := collectPending(ctx, cfg, store)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(cmd.OutOrStdout(), items)
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing pending.")
		return nil
	}
	printPendingTable(cmd.OutOrStdout(), items)
	return nil
}

// collectPending loads every configured plugin's cache in plugin order,
// then creations, updates and deletions, matching replay order.
func collectPending(ctx context.Context, cfg *config.Config, kv offline.KV) ([]pendingItem, error) {
	items := []pendingItem{}
	for _, pc := range cfg.Plugins {
		cache, err := offline.NewStore(kv, pc.ID).Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range cache.CreatedIDs() {
			items = append(items, newPendingItem(pc.ID, "create", cache.Created[id], 0))
		}
		for _, id := range cache.UpdatedIDs() {
			last, ok := cache.LastUpdate(id)
			if !ok || last.NewData == nil {
				continue
			}
			items = append(items, newPendingItem(pc.ID, "update", last.NewData, len(cache.Updated[id])))
		}
		for _, id := range cache.DeletedIDs() {
			items = append(items, newPendingItem(pc.ID, "delete", cache.Deleted[id], 0))
		}
	}
	return items, nil
}

func newPendingItem(plugin, kind string, ev *model.Event, edits int) pendingItem {
	it := pendingItem{Plugin: plugin, Kind: kind, ID: ev.ID, Title: ev.Title, Start: ev.Start, Edits: edits}
	if ev.Calendar != nil {
		it.Calendar = ev.Calendar.Name
	}
	return it
}

func printPendingTable(w io.Writer, items []pendingItem) {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		rows = append(rows, []string{it.Plugin, it.Kind, it.Calendar, formatTime(it.Start), it.Title})
	}
	printTable(w, []string{"PLUGIN", "KIND", "CALENDAR", "START", "TITLE"}, rows)
}
