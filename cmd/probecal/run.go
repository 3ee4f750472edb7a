package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-probecal/pkg/stats"
)

func NewGCodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "gcode <line>...",
		Short:   "Run G-code lines on the simulated machine",
		Long:    `Run each argument as one G-code line, stopping at the first failure. SAVE_CONFIG writes back to the configuration file.`,
		GroupID: gRun,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack()
			if err != nil {
				return err
			}
			defer s.Close()
			defer s.d.Subscribe(printLine)()

			for _, line := range args {
				fmt.Println(color.New(color.Faint).Sprint("> " + line))
				if err := s.d.Run(cmd.Context(), line); err != nil {
					return fmt.Errorf("%s: %w", line, err)
				}
			}
			return nil
		},
	}
}

func NewM48Command() *cobra.Command {
	runs := 1
	cmd := &cobra.Command{
		Use:   "m48 [P<n>] [V<n>] [X<x>] [Y<y>] [E] [L<n>] [S]",
		Short: "Home and run the probe repeatability test",
		Long: `Home all axes and run M48 with the given parameters.
With --runs, the test is repeated and the spread of the deviations is reported.`,
		GroupID: gRun,
		RunE: func(cmd *cobra.Command, args []string) error {
			if runs < 1 {
				return fmt.Errorf("runs must be at least 1, got %d", runs)
			}
			s, err := loadStack()
			if err != nil {
				return err
			}
			defer s.Close()
			defer s.d.Subscribe(printLine)()

			ctx := cmd.Context()
			if err := s.d.Run(ctx, "G28"); err != nil {
				return err
			}
			script := strings.TrimSpace("M48 " + strings.Join(args, " "))
			sigmas := make([]float64, 0, runs)
			for i := 0; i < runs; i++ {
				if err := s.d.Run(ctx, script); err != nil {
					return err
				}
				sigmas = append(sigmas, s.d.LastM48().Summary.StdDev)
			}
			if runs > 1 {
				printTrend(stats.ComputeTrend(sigmas))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&runs, "runs", "n", runs, "number of times to repeat the test")
	return cmd
}

func printTrend(t stats.Trend) {
	bold := color.New(color.Bold)
	slope := color.GreenString("%+.6f", t.Slope)
	if t.Slope > 0 {
		slope = color.RedString("%+.6f", t.Slope)
	}
	fmt.Printf("%s %d runs, mean sigma %s, spread %.6f, slope %s per run\n",
		bold.Sprint("Trend:"), t.Runs, bold.Sprintf("%.6f", t.MeanSigma), t.SpreadSigma, slope)
}
