package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/internal/export"
	"github.com/intelpipe/backend/pkg/logger"
)

var (
	exportIn  string
	exportOut string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export data for map layers",
}

var exportGeoJSONCmd = &cobra.Command{
	Use:   "geojson",
	Short: "Turn cable landing points into deduplicated OSINT nodes",
	RunE:  runExportGeoJSON,
}

func init() {
	exportGeoJSONCmd.Flags().StringVar(&exportIn, "in", "", "Landing points FeatureCollection")
	exportGeoJSONCmd.Flags().StringVar(&exportOut, "out", "osint_nodes.geojson", "Where to write the OSINT nodes")
	_ = exportGeoJSONCmd.MarkFlagRequired("in")
	exportCmd.AddCommand(exportGeoJSONCmd)
}

func runExportGeoJSON(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	landings, err := export.ReadFeatureCollection(exportIn)
	if err != nil {
		return err
	}
	nodes := export.GenerateOSINTNodes(landings.Features)
	if err := export.WriteFeatureCollection(exportOut, nodes); err != nil {
		return err
	}

	logger.Info("OSINT nodes exported",
		zap.Int("landings", len(landings.Features)),
		zap.Int("nodes", len(nodes.Features)),
		zap.String("path", exportOut),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "%d landing points -> %d OSINT nodes written to %s\n",
		len(landings.Features), len(nodes.Features), exportOut)
	return nil
}
