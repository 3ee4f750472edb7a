package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-probecal/pkg/history"
	"klipper-probecal/pkg/serial"
)

func NewHistoryCommand() *cobra.Command {
	limit := 10
	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent repeatability runs",
		GroupID: gInspect,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if historyPath == "" {
				return errors.New("--history is required")
			}
			if limit < 1 {
				return fmt.Errorf("limit must be at least 1, got %d", limit)
			}
			store, err := history.Open(historyPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			runs, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			for _, run := range runs {
				printRun(run)
			}
			trend, err := store.Trend(ctx, limit)
			if err != nil {
				return err
			}
			if trend.Runs > 1 {
				printTrend(trend)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", limit, "number of runs to show")
	return cmd
}

func printRun(run history.Run) {
	status := color.GreenString("ok")
	if !run.Completed {
		code := strings.ToLower(run.ErrorCode)
		if code == "" {
			code = "error"
		}
		status = color.RedString(code)
	}
	fmt.Printf("%s  %s  %-13s n=%d/%d  sigma=%s  range=%.3f  at (%.1f, %.1f)\n",
		run.Started.Local().Format("2006-01-02 15:04:05"),
		run.ID[:8],
		status,
		run.Summary.Count, run.Requested,
		color.New(color.Bold).Sprintf("%.6f", run.Summary.StdDev),
		run.Summary.Range,
		run.Target[0], run.Target[1])
}

func NewPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ports",
		Short:   "List serial ports",
		GroupID: gInspect,
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ports, err := serial.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("No serial ports found.")
				return nil
			}
			for _, p := range ports {
				if !p.IsUSB {
					fmt.Println(p.Name)
					continue
				}
				fmt.Printf("%s  %s  %s\n", color.New(color.Bold).Sprint(p.Name),
					color.CyanString("%s:%s", p.VID, p.PID), p.Product)
			}
			return nil
		},
	}
}
