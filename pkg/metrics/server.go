// HTTP endpoint for the calibration host metrics
//
// /metrics is the Prometheus scrape target. /health answers while the
// process is up; /ready additionally asks the host whether it accepts
// commands, so a host stopped by an M16 mismatch reports 503.
//
// Copyright (C) 2026  probecal developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const textContentType = "text/plain; version=0.0.4; charset=utf-8"

// Gatherer renders metrics in Prometheus text format.
type Gatherer interface {
	Gather() string
}

// Server serves a Gatherer over HTTP.
type Server struct {
	source Gatherer
	mux    *http.ServeMux
	srv    *http.Server

	mu      sync.Mutex
	addr    string
	serving bool
	ready   func() (bool, string)
}

// NewServer creates a metrics server for addr (":9100" style). Nothing
// listens until Start or Serve.
func NewServer(source Gatherer, addr string) *Server {
	s := &Server{source: source, addr: addr, mux: http.NewServeMux()}
	s.mux.HandleFunc("/metrics", s.handleMetrics)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.srv = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// SetReadyCheck installs the host readiness test used by /ready. It
// returns false and a reason while the host rejects commands.
func (s *Server) SetReadyCheck(fn func() (bool, string)) {
	s.mu.Lock()
	s.ready = fn
	s.mu.Unlock()
}

// Handler returns the HTTP handler, for mounting on another server.
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the listen address, resolved once serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("metrics server: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.serving = true
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight scrapes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.serving = false
	s.mu.Unlock()
	return s.srv.Shutdown(ctx)
}

// Ready reports whether the server is serving and the host accepts commands.
func (s *Server) Ready() (bool, string) {
	s.mu.Lock()
	serving, check := s.serving, s.ready
	s.mu.Unlock()
	if !serving {
		return false, "not serving"
	}
	if check != nil {
		return check()
	}
	return true, ""
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := s.source.Gather()
	w.Header().Set("Content-Type", textContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(body))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if ok, reason := s.Ready(); !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, "Not Ready: %s\n", reason)
		return
	}
	_, _ = w.Write([]byte("Ready\n"))
}
