package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"klipper-probecal/pkg/console"
	"klipper-probecal/pkg/log"
	"klipper-probecal/pkg/metrics"
	"klipper-probecal/pkg/reactor"
	"klipper-probecal/pkg/serial"
)

type serveOptions struct {
	wsAddr      string
	metricsAddr string
	tcpAddr     string
	device      string
	baud        int
	refresh     time.Duration
}

func NewServeCommand() *cobra.Command {
	opts := serveOptions{
		wsAddr:  ":7125",
		baud:    serial.DefaultConfig().BaudRate,
		refresh: 500 * time.Millisecond,
	}
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the G-code console until interrupted",
		Long:    `Serve the calibration host on the JSON-RPC API and, when requested, a serial device, a TCP line console and a Prometheus metrics endpoint.`,
		GroupID: gRun,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.wsAddr, "ws", opts.wsAddr, "JSON-RPC and WebSocket listen address (empty disables)")
	f.StringVar(&opts.metricsAddr, "metrics", opts.metricsAddr, "Prometheus metrics listen address (empty disables)")
	f.StringVar(&opts.tcpAddr, "tcp", opts.tcpAddr, "line console listen address (empty disables)")
	f.StringVarP(&opts.device, "device", "d", opts.device, "serial device to answer G-code on")
	f.IntVarP(&opts.baud, "baud", "b", opts.baud, "serial baud rate")
	f.DurationVar(&opts.refresh, "refresh", opts.refresh, "wizard refresh period")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	logger := log.GetLogger("serve")
	s, err := loadStack()
	if err != nil {
		return err
	}
	defer s.Close()

	r := reactor.New()
	r.Run()
	defer func() {
		r.End()
		r.Wait()
	}()
	host := &console.DispatcherHost{D: s.d, R: r}

	period := opts.refresh.Seconds()
	refresh := r.RegisterTimer(func(eventtime float64) float64 {
		if err := s.d.Refresh(r.Context()); err != nil {
			logger.WithError(err).Debug("wizard refresh")
		}
		return eventtime + period
	}, reactor.NOW)
	defer r.UnregisterTimer(refresh)

	errCh := make(chan error, 4)
	var shutdown []func(context.Context) error

	if opts.wsAddr != "" {
		srv := console.New(console.Config{Addr: opts.wsAddr, Host: host, History: s.store})
		shutdown = append(shutdown, srv.Stop)
		go func() { errCh <- srv.Start() }()
	}
	if opts.metricsAddr != "" {
		ms := metrics.NewServer(s.metrics, opts.metricsAddr)
		ms.SetReadyCheck(func() (bool, string) {
			state, reason := host.State()
			return state == "ready", reason
		})
		shutdown = append(shutdown, ms.Shutdown)
		go func() { errCh <- ms.Start() }()
	}
	if opts.tcpAddr != "" {
		ln, err := net.Listen("tcp", opts.tcpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", opts.tcpAddr, err)
		}
		go func() { errCh <- serial.ServeListener(ctx, ln, host) }()
	}
	if opts.device != "" {
		cfg := serial.DefaultConfig()
		cfg.Device = opts.device
		cfg.BaudRate = opts.baud
		cfg.ReadTimeout = 200 * time.Millisecond
		port, err := serial.Open(cfg)
		if err != nil {
			return err
		}
		defer port.Close()
		logger.WithField("device", port.Device()).Info("serial console opened")
		go func() { errCh <- serial.Serve(ctx, port, host) }()
	}

	fmt.Printf("%s serving %s (%s bed)\n",
		color.New(color.Bold).Sprint("probecal"), configPath, s.mc.Bed.Kind)

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil {
			logger.WithError(err).Error("listener failed")
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, fn := range shutdown {
		if serr := fn(sctx); serr != nil {
			logger.WithError(serr).Warn("shutdown")
		}
	}
	logger.Info("stopped")
	return err
}
