package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/intelpipe/backend/internal/orchestrator"
	"github.com/intelpipe/backend/internal/storage/models"
)

var (
	runSources []string
	runSummary bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run enabled (or selected) sources once and write a report",
	RunE:  runOnce,
}

var collectCmd = &cobra.Command{
	Use:   "collect <source>",
	Short: "Run one source through the pipeline and print what it stored",
	Args:  cobra.ExactArgs(1),
	RunE:  runCollect,
}

func init() {
	runCmd.Flags().StringSliceVarP(&runSources, "sources", "s", nil, "Sources to run (default: every enabled source)")
	runCmd.Flags().BoolVar(&runSummary, "summary", false, "Ask the model for a landscape summary (default: report.summary)")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.buildPipeline(ctx, nil, nil); err != nil {
		return err
	}

	opts := orchestrator.RunOptions{Sources: runSources}
	if cmd.Flags().Changed("summary") {
		opts.Summary = &runSummary
	}
	report, err := a.orch.Run(ctx, opts)
	if err != nil {
		return err
	}

	printReport(cmd.OutOrStdout(), report)
	return nil
}

func runCollect(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.buildPipeline(ctx, nil, nil); err != nil {
		return err
	}

	out, err := a.orch.Collect(ctx, args[0])
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	r := out.Result
	fmt.Fprintf(w, "%s: %s, fetched %d, stored %d, duplicates %d, filtered %d\n",
		r.Name, r.Status, r.Fetched, r.Stored, r.Duplicates, r.Filtered)
	if r.Error != "" {
		fmt.Fprintf(w, "error: %s\n", r.Error)
	}
	printItems(w, out.Items)
	return nil
}

func printReport(w io.Writer, r *models.Report) {
	fmt.Fprintf(w, "Run %s (%s)\n", r.ID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tSTATUS\tFETCHED\tSTORED\tDUPLICATES\tERROR")
	for _, s := range r.Sources {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", s.Name, s.Status, s.Fetched, s.Stored, s.Duplicates, s.Error)
	}
	tw.Flush()

	levels := make([]string, 0, len(models.ThreatLevels))
	for _, level := range models.ThreatLevels {
		if n := r.ThreatSummary[level]; n > 0 {
			levels = append(levels, fmt.Sprintf("%s=%d", level, n))
		}
	}
	if len(levels) > 0 {
		fmt.Fprintf(w, "Threat levels: %s\n", strings.Join(levels, " "))
	}
	if r.Degraded {
		fmt.Fprintln(w, "Run degraded: see source errors above")
	}
	if r.Summary != "" {
		fmt.Fprintf(w, "\n%s\n", r.Summary)
	}
	if r.Path != "" {
		fmt.Fprintf(w, "Report written to %s\n", r.Path)
	}
}

func printItems(w io.Writer, items []models.AssessedItem) {
	if len(items) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LEVEL\tPRIORITY\tPUBLISHED\tTITLE")
	for _, entry := range items {
		level := entry.Assessment.ThreatLevel
		published := "-"
		if !entry.Item.PublishedAt.IsZero() {
			published = entry.Item.PublishedAt.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", level, level.Priority(), published, clip(entry.Item.Title, 90))
	}
	tw.Flush()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
