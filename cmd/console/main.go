package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "opsconsole",
	Short: "Live operations console for LiveKit deployments",
	Long: `opsconsole tracks LiveKit rooms and participants, evaluates alert rules
over the live metrics and streams updates to dashboard clients over a
websocket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
	rootCmd.AddCommand(newServeCmd(), newEventsCmd(), newWatchCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
