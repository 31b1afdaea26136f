package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/coyote/internal/coyote"
	"github.com/srg/coyote/internal/preset"
	"github.com/srg/coyote/internal/protocol"
	"github.com/srg/coyote/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect, wait for the app to bind, and drive a channel",
	Long: `Boot the embedded hub, print the QR payload for the DG-Lab app, wait
for the app to scan and bind, then optionally start a looping preset on the
selected channel. Runs until interrupted; Ctrl+C shuts the channel down and
disconnects cleanly.`,
	RunE: runRun,
}

var (
	runChannel  string
	runPreset   string
	runStrength int
	runBindWait time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&runChannel, "channel", "C", "A", "Target channel (A or B)")
	runCmd.Flags().StringVarP(&runPreset, "preset", "p", "", "Preset to loop once bound (empty: configured default)")
	runCmd.Flags().IntVarP(&runStrength, "strength", "s", -1, "Initial strength (negative: configured default)")
	runCmd.Flags().DurationVar(&runBindWait, "bind-wait", 0, "Bind wait timeout (0: configured default)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func runRun(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ch, err := protocol.ParseChannel(runChannel)
	if err != nil {
		return err
	}
	presetName := runPreset
	if presetName == "" {
		presetName = cfg.Control.DefaultPreset
	}
	strength := runStrength
	if strength < 0 {
		strength = cfg.Control.DefaultStrength
	}
	bindWait := runBindWait
	if bindWait <= 0 {
		bindWait = cfg.Connection.BindTimeout
	}

	lib := preset.NewLibrary(logger)
	if err := lib.Load(cfg.Connection.PulseDir); err != nil {
		logger.WithError(err).Warn("Pulse preset load failed, continuing with builtins")
	}

	mgr := coyote.NewManager(cfg, logger)
	ctrl := coyote.NewController(mgr, mgr, lib, cfg, logger)
	ctrl.Attach(mgr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := mgr.Connect(ctx, coyote.ConnectOptions{BindTimeout: 0})
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Disconnect(context.Background()); err != nil {
			logger.WithError(err).Warn("Disconnect reported cleanup failures")
		}
	}()

	fmt.Println("Scan this with the DG-Lab app to bind:")
	color.New(color.FgCyan, color.Bold).Println(result.QRCode)
	fmt.Printf("Waiting up to %s for the app to bind...\n", bindWait)

	if err := mgr.EnsureBind(ctx, bindWait); err != nil {
		return err
	}
	color.New(color.FgGreen).Println("App bound.")

	if err := ctrl.ChannelOn(ctx, ch, presetName, strength); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"channel":  ch,
		"preset":   presetName,
		"strength": strength,
	}).Info("Channel running")
	fmt.Printf("Channel %s looping preset %q at strength %d. Ctrl+C to stop.\n", ch, presetName, strength)

	<-ctx.Done()

	fmt.Println("\nShutting down...")
	offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.ChannelOff(offCtx, ch); err != nil {
		logger.WithError(err).Warn("Channel shutdown failed")
	}
	return nil
}
