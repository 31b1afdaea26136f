package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "coyote",
	Short: "DG-Lab wearable control tool",
	Long: `Control a DG-Lab (Coyote) haptic-stimulation wearable over its
WebSocket protocol:

- Boot the embedded hub and print the QR payload the app scans to bind
- Set per-channel (A/B) intensity
- Play built-in or .pulse-file waveform presets with sustained looping
- Clear channel waveform queues

The app-side binding is established by scanning the printed QR payload with
the official DG-Lab app on the same network.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(presetsCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file")
}
