package console

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxMessageSize = 512 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	sendBuffer     = 256
)

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

// newWSClient creates a new WebSocket client.
func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, sendBuffer),
		done:   make(chan struct{}),
	}
}

// Send queues a message for the client. Messages to a client that is not
// keeping up are dropped.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.WithField("client", c.id).Warn("dropping message, send buffer full")
	}
}

// Close closes the client connection.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

// readPump reads requests until the connection closes. Requests from one
// client are handled in order.
func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.WithError(err).Warn("websocket read")
			}
			return
		}
		// A long script must not trip the read deadline.
		c.conn.SetReadDeadline(time.Time{})
		c.handleMessage(message)
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump sends queued messages and keeps the connection alive.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.server.logger.WithError(err).Warn("websocket write")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(jsonRPCResponse{
			JSONRPC: "2.0",
			Error:   &jsonRPCError{Code: codeParseError, Message: "Parse error"},
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	result, err := c.server.dispatchMethod(ctx, req.Method, req.Params, c)
	cancel()
	if err != nil {
		c.Send(jsonRPCResponse{JSONRPC: "2.0", Error: toRPCError(err), ID: req.ID})
		return
	}
	c.Send(jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// handleWebSocket handles WebSocket upgrade and connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade")
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.WithField("client", client.id).Info("websocket client connected")

	go client.writePump()

	client.Send(jsonRPCNotification{JSONRPC: "2.0", Method: "notify_klippy_connected"})
	if state, _ := s.host.State(); state == "ready" {
		client.Send(jsonRPCNotification{JSONRPC: "2.0", Method: "notify_klippy_ready"})
	}

	client.readPump()
}

// removeClient removes a client and cleans up its subscriptions.
func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, client.id)
	delete(s.lastStatus, client.id)
	s.subMu.Unlock()

	s.logger.WithField("client", client.id).Info("websocket client disconnected")
}

// broadcast sends msg to every connected client.
func (s *Server) broadcast(msg any) {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.Send(msg)
	}
}

// broadcastGCodeResponse forwards one host response line.
func (s *Server) broadcastGCodeResponse(line string) {
	s.broadcast(jsonRPCNotification{
		JSONRPC: "2.0",
		Method:  "notify_gcode_response",
		Params:  []any{line},
	})
}
