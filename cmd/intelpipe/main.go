package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "intelpipe",
	Short:         "intelpipe - OSINT collection, classification and correlation",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./config.yaml, ./config/config.yaml, /etc/intelpipe/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", "", "Env file to load before the environment (default: .env)")

	rootCmd.AddCommand(serveCmd, runCmd, collectCmd, sourcesCmd, exportCmd, evaluateCmd, reindexCmd, cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
