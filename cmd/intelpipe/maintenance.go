package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var reindexSource string

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Replay stored items into the correlation graph",
	RunE:  runReindex,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the assessment cache",
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Drop every cached assessment so items are classified afresh",
	RunE:  runCacheFlush,
}

func init() {
	reindexCmd.Flags().StringVar(&reindexSource, "source", "", "Only replay this source")
	cacheCmd.AddCommand(cacheFlushCmd)
}

func runReindex(cmd *cobra.Command, args []string) error {
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
	a.openBackends(ctx)
	if a.builder == nil {
		return errors.New("neo4j is disabled or unreachable")
	}

	stats, err := a.builder.Rebuild(ctx, reindexSource)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d items (%d indicators), %d failed\n", stats.Items, stats.Indicators, stats.Failed)
	return nil
}

func runCacheFlush(cmd *cobra.Command, args []string) error {
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
	a.openBackends(ctx)
	if a.cache == nil {
		return errors.New("redis is disabled or unreachable")
	}

	n, err := a.cache.InvalidateAssessments(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d cached assessments\n", n)
	return nil
}
