package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/intelpipe/backend/internal/sources"
	"github.com/intelpipe/backend/internal/storage/models"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List registered sources and their last feed status",
	RunE:  listSources,
}

func listSources(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.openStore(); err != nil {
		return err
	}
	if err := a.loadMatcher(); err != nil {
		return err
	}

	statuses, err := a.db.ListFeedStatus(ctx)
	if err != nil {
		return err
	}
	printSources(cmd.OutOrStdout(), sources.FromConfig(a.cfg, a.matcher), statuses)
	return nil
}

func printSources(w io.Writer, registry *sources.Registry, statuses []models.FeedStatus) {
	byName := make(map[string]models.FeedStatus, len(statuses))
	for _, fs := range statuses {
		byName[fs.Source] = fs
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tENABLED\tSTATUS\tLAST SUCCESS\tERRORS\tLAST ERROR")
	for _, name := range registry.Names() {
		fs, ok := byName[name]
		if !ok {
			fmt.Fprintf(tw, "%s\t%t\t-\t-\t0\t\n", name, registry.IsEnabled(name))
			continue
		}
		fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\t%s\n",
			name, registry.IsEnabled(name), fs.Status, formatTime(fs.LastSuccess), fs.ErrorCount, clip(fs.LastError, 60))
	}
	tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}
