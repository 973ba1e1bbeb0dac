// Command collabtext runs a collaboration instance or inspects a document's
// operation log.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "collabtext",
	Short:         "Real-time collaborative editing server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config (default $COLLAB_CONFIG_FILE)")
	rootCmd.AddCommand(newServeCmd(), newReplayCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "collabtext: %v\n", err)
		os.Exit(1)
	}
}
