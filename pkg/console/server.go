// Package console serves the calibration host over a Moonraker-style
// JSON-RPC API, so web frontends and scripts can send G-code, read printer
// objects and follow the G-code response stream.
package console

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"klipper-probecal/pkg/errors"
	"klipper-probecal/pkg/gcode"
	"klipper-probecal/pkg/history"
	"klipper-probecal/pkg/log"
)

// Version is reported by server.info.
const Version = "probecal-0.1.0"

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server provides the console API.
type Server struct {
	host    Host
	history *history.Store
	addr    string

	mux        *http.ServeMux
	httpServer *http.Server

	// WebSocket management
	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	// Status subscriptions
	subscriptions map[int64]map[string][]string // clientID -> object -> attributes
	lastStatus    map[int64]map[string][]byte
	subMu         sync.Mutex
	loopOnce      sync.Once
	interval      time.Duration

	unsubscribe func()
	logger      *log.Logger

	running   atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
	startTime time.Time
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7125")
	Addr string

	Host Host

	// History backs server.history.*. Nil disables those methods.
	History *history.Store

	// StatusInterval is the notify_status_update period. Default 250ms.
	StatusInterval time.Duration
}

// New creates a console server and starts forwarding the host's response
// lines to connected clients.
func New(cfg Config) *Server {
	s := &Server{
		host:          cfg.Host,
		history:       cfg.History,
		addr:          cfg.Addr,
		mux:           http.NewServeMux(),
		wsClients:     make(map[int64]*WSClient),
		subscriptions: make(map[int64]map[string][]string),
		lastStatus:    make(map[int64]map[string][]byte),
		interval:      cfg.StatusInterval,
		logger:        log.GetLogger("console"),
		done:          make(chan struct{}),
		startTime:     time.Now(),
	}
	if s.interval <= 0 {
		s.interval = 250 * time.Millisecond
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	s.mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	s.mux.HandleFunc("/websocket", s.handleWebSocket)
	s.mux.HandleFunc("/server/info", s.handleServerInfo)
	s.mux.HandleFunc("/printer/info", s.handlePrinterInfo)
	s.mux.HandleFunc("/printer/objects/list", s.handleObjectsList)
	s.mux.HandleFunc("/printer/gcode/script", s.handleGCodeScript)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.unsubscribe = s.host.Subscribe(s.broadcastGCodeResponse)
	return s
}

// Handler returns the HTTP handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("console server: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.running.Store(true)
	s.logger.Info("console API listening on %s", ln.Addr())
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("console server: %w", err)
	}
	return nil
}

// Stop closes every client and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)
	s.stopOnce.Do(func() {
		close(s.done)
		s.unsubscribe()
	})

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

// JSON-RPC 2.0 structures

type jsonRPCRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      any            `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type jsonRPCNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcError carries a JSON-RPC error code out of a method.
type rpcError struct {
	code int
	msg  string
}

func (e *rpcError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &rpcError{code: codeInvalidParams, msg: fmt.Sprintf(format, args...)}
}

// toRPCError maps a method error onto the wire. Host errors keep their code
// in the data member.
func toRPCError(err error) *jsonRPCError {
	var re *rpcError
	if stderrors.As(err, &re) {
		return &jsonRPCError{Code: re.code, Message: re.msg}
	}
	out := &jsonRPCError{Code: codeServerError, Message: gcode.ErrorMessage(err)}
	if code := errors.CodeOf(err); code != "" {
		out.Data = map[string]any{"code": string(code)}
	}
	return out
}

// handleJSONRPC handles JSON-RPC 2.0 requests over HTTP.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}

	result, err := s.dispatchMethod(r.Context(), req.Method, req.Params, nil)
	if err != nil {
		s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Error: toRPCError(err), ID: req.ID})
		return
	}
	s.writeJSON(w, jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// dispatchMethod routes a method call to the appropriate handler.
func (s *Server) dispatchMethod(ctx context.Context, method string, params map[string]any, client *WSClient) (any, error) {
	switch method {
	case "server.info":
		return s.methodServerInfo()
	case "printer.info":
		return s.methodPrinterInfo()
	case "printer.objects.list":
		return map[string]any{"objects": s.host.Objects()}, nil
	case "printer.objects.query":
		return s.methodObjectsQuery(ctx, params)
	case "printer.objects.subscribe":
		return s.methodObjectsSubscribe(ctx, params, client)
	case "printer.gcode.script":
		return s.methodGCodeScript(ctx, params)
	case "server.connection.identify":
		return s.methodIdentify(params, client)
	case "server.history.list":
		return s.methodHistoryList(ctx, params)
	case "server.history.get_run":
		return s.methodHistoryGetRun(ctx, params)
	case "server.history.trend":
		return s.methodHistoryTrend(ctx, params)
	default:
		return nil, &rpcError{code: codeMethodNotFound, msg: fmt.Sprintf("Method not found: %s", method)}
	}
}

func (s *Server) methodServerInfo() (any, error) {
	state, _ := s.host.State()
	return map[string]any{
		"klippy_connected":  true,
		"klippy_state":      state,
		"components":        s.components(),
		"failed_components": []string{},
		"warnings":          []string{},
		"websocket_count":   s.ClientCount(),
		"version":           Version,
		"api_version":       []int{1, 5, 0},
	}, nil
}

func (s *Server) components() []string {
	comps := []string{"klippy_apis"}
	if s.history != nil {
		comps = append(comps, "history")
	}
	return comps
}

func (s *Server) methodPrinterInfo() (any, error) {
	hostname, _ := os.Hostname()
	state, reason := s.host.State()
	message := "Printer is ready"
	if state != "ready" {
		message = reason
	}
	return map[string]any{
		"state":            state,
		"state_message":    message,
		"hostname":         hostname,
		"software_version": Version,
	}, nil
}

// parseObjects reads the objects parameter. A null attribute list selects
// every attribute.
func parseObjects(params map[string]any) (map[string][]string, error) {
	objectsParam, ok := params["objects"]
	if !ok {
		return nil, invalidParams("missing 'objects' parameter")
	}
	objects, ok := objectsParam.(map[string]any)
	if !ok {
		return nil, invalidParams("'objects' must be an object")
	}
	out := make(map[string][]string, len(objects))
	for name, attrsVal := range objects {
		var attrs []string
		if attrList, ok := attrsVal.([]any); ok {
			for _, attr := range attrList {
				if attrStr, ok := attr.(string); ok {
					attrs = append(attrs, attrStr)
				}
			}
		}
		out[name] = attrs
	}
	return out, nil
}

func (s *Server) eventtime() float64 {
	return time.Since(s.startTime).Seconds()
}

// queryStatus collects the requested objects. Unknown objects are left out.
func (s *Server) queryStatus(ctx context.Context, objects map[string][]string) (map[string]any, error) {
	status := make(map[string]any, len(objects))
	for name, attrs := range objects {
		st, ok, err := s.host.QueryObject(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			status[name] = FilterStatus(st, attrs)
		}
	}
	return status, nil
}

func (s *Server) methodObjectsQuery(ctx context.Context, params map[string]any) (any, error) {
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	status, err := s.queryStatus(ctx, objects)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    status,
	}, nil
}

func (s *Server) methodGCodeScript(ctx context.Context, params map[string]any) (any, error) {
	script, ok := params["script"].(string)
	if !ok {
		return nil, invalidParams("missing 'script' parameter")
	}
	if err := s.host.RunScript(ctx, script); err != nil {
		return nil, err
	}
	return "ok", nil
}

func (s *Server) methodIdentify(params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, invalidParams("identify requires a WebSocket connection")
	}
	name, _ := params["client_name"].(string)
	if name == "" {
		name = "unknown"
	}
	s.logger.WithFields(log.Fields{"client": client.id, "name": name}).Info("client identified")
	return map[string]any{"connection_id": client.id}, nil
}

// REST endpoint handlers

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodServerInfo()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handlePrinterInfo(w http.ResponseWriter, r *http.Request) {
	result, _ := s.methodPrinterInfo()
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) handleObjectsList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"result": map[string]any{"objects": s.host.Objects()}})
}

func (s *Server) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSONError(w, invalidParams("invalid JSON body"))
		return
	}

	result, err := s.methodGCodeScript(r.Context(), params)
	if err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"result": result})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// JSON response helpers

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Warn("write response")
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"error": toRPCError(err)})
}
