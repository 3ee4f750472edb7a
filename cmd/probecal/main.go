// probecal is a probe calibration host. It answers the M48 repeatability
// test and the PROBE_CALIBRATE offset wizard on a simulated machine
// described by printer.cfg, and serves them over a serial line, a TCP
// console and a Moonraker-style JSON-RPC API.
//
// Usage:
//
//	probecal serve --config printer.cfg [--device /dev/ttyGS0] [--ws :7125]
//	probecal m48 --config printer.cfg P10 V2
//	probecal gcode --config printer.cfg "PROBE_CALIBRATE" "TESTZ Z=-0.1" "ACCEPT"
//	probecal history --history probecal.db
//	probecal ports
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-probecal/pkg/log"
)

const version = "0.1.0"

var (
	configPath  = "printer.cfg"
	historyPath = ""
	logLevel    = ""
	logFile     = ""
)

var (
	gRun     = "Calibration:"
	gInspect = "Inspection:"
)

// setupLogger builds the root logger from flags and the environment.
func setupLogger() error {
	root := log.New("probecal")
	log.ConfigureFromEnv(root)
	if logLevel != "" {
		root.SetLevel(log.ParseLevel(logLevel))
	}
	if logFile != "" {
		if _, err := log.AttachFile(root, os.Stderr, log.RotationConfig{
			Filename: logFile,
			Compress: true,
		}); err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	}
	log.SetDefaultLogger(root)
	return nil
}

func main() {
	if err := NewCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "probecal",
		Short:         "probecal runs Z-probe repeatability tests and offset calibration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogger()
		},
	}

	cmd.AddGroup(
		&cobra.Group{ID: gRun, Title: gRun},
		&cobra.Group{ID: gInspect, Title: gInspect},
	)

	pf := cmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", configPath, "printer configuration file")
	pf.StringVar(&historyPath, "history", historyPath, "run history database (empty disables history)")
	pf.StringVarP(&logLevel, "log-level", "l", logLevel, "log level (debug, info, warn, error)")
	pf.StringVar(&logFile, "logfile", logFile, "also write logs to this file, rotated")

	cmd.AddCommand(
		NewServeCommand(),
		NewM48Command(),
		NewGCodeCommand(),
		NewHistoryCommand(),
		NewPortsCommand(),
	)
	return cmd
}
