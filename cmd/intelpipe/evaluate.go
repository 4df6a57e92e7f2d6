package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/intelpipe/backend/internal/evaluation"
)

var (
	evalSample int
	evalSource string
	evalJSON   bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Re-classify stored items and report drift from their stored verdicts",
	RunE:  runEvaluate,
}

func init() {
	evaluateCmd.Flags().IntVarP(&evalSample, "sample", "n", 50, "How many of the newest items to re-classify")
	evaluateCmd.Flags().StringVar(&evalSource, "source", "", "Only sample this source")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "Print the report as JSON")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
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

	evaluator := evaluation.NewEvaluator(a.db, a.classifier(false), a.embedder)
	report, err := evaluator.Run(ctx, evaluation.Options{Sample: evalSample, Source: evalSource})
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if evalJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprint(w, evaluation.GenerateReport(report))
	return nil
}
