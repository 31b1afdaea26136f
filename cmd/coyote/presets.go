package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/coyote/internal/preset"
)

// presetsCmd represents the presets command
var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "List available waveform presets",
	Long: `List the built-in waveform presets plus any loaded from the
configured pulse directory of DungeonLab .pulse exports.`,
	RunE: runPresets,
}

func runPresets(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	lib := preset.NewLibrary(logger)
	if err := lib.Load(cfg.Connection.PulseDir); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tORIGIN\tFRAMES")
	for _, name := range lib.Names() {
		p, err := lib.Get(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\n", p.Name, p.Origin, len(p.Frames))
	}
	return w.Flush()
}
