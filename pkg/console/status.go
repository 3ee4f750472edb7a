package console

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// FilterStatus filters status map to only include requested attributes.
func FilterStatus(status map[string]any, attrs []string) map[string]any {
	if len(attrs) == 0 {
		return status
	}

	filtered := make(map[string]any)
	for _, attr := range attrs {
		if val, ok := status[attr]; ok {
			filtered[attr] = val
		}
	}
	return filtered
}

func (s *Server) methodObjectsSubscribe(ctx context.Context, params map[string]any, client *WSClient) (any, error) {
	if client == nil {
		return nil, invalidParams("subscription requires a WebSocket connection")
	}
	objects, err := parseObjects(params)
	if err != nil {
		return nil, err
	}
	status, err := s.queryStatus(ctx, objects)
	if err != nil {
		return nil, err
	}

	s.subMu.Lock()
	s.subscriptions[client.id] = objects
	s.lastStatus[client.id] = encodeEach(status)
	s.subMu.Unlock()

	s.loopOnce.Do(func() { go s.statusBroadcastLoop() })
	return map[string]any{
		"eventtime": s.eventtime(),
		"status":    status,
	}, nil
}

// encodeEach renders every object so later polls can be compared.
func encodeEach(status map[string]any) map[string][]byte {
	out := make(map[string][]byte, len(status))
	for name, st := range status {
		b, err := json.Marshal(st)
		if err == nil {
			out[name] = b
		}
	}
	return out
}

// statusBroadcastLoop polls subscribed objects until the server stops.
func (s *Server) statusBroadcastLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.broadcastStatusUpdates()
		case <-s.done:
			return
		}
	}
}

// broadcastStatusUpdates sends each subscribed client the objects that
// changed since its last update.
func (s *Server) broadcastStatusUpdates() {
	s.subMu.Lock()
	subs := make(map[int64]map[string][]string, len(s.subscriptions))
	for id, objects := range s.subscriptions {
		subs[id] = objects
	}
	s.subMu.Unlock()
	if len(subs) == 0 {
		return
	}

	// The host is busy while a script runs. Skip this round rather than
	// queue behind it.
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	for clientID, objects := range subs {
		s.wsClientMu.RLock()
		client, ok := s.wsClients[clientID]
		s.wsClientMu.RUnlock()
		if !ok {
			continue
		}

		status, err := s.queryStatus(ctx, objects)
		if err != nil {
			return
		}

		changed := make(map[string]any)
		encoded := encodeEach(status)
		s.subMu.Lock()
		last := s.lastStatus[clientID]
		if last == nil {
			last = make(map[string][]byte)
			s.lastStatus[clientID] = last
		}
		for name, b := range encoded {
			if !bytes.Equal(last[name], b) {
				changed[name] = status[name]
				last[name] = b
			}
		}
		s.subMu.Unlock()

		if len(changed) == 0 {
			continue
		}
		client.Send(jsonRPCNotification{
			JSONRPC: "2.0",
			Method:  "notify_status_update",
			Params:  []any{changed, s.eventtime()},
		})
	}
}

func (s *Server) methodHistoryList(ctx context.Context, params map[string]any) (any, error) {
	if s.history == nil {
		return nil, invalidParams("history is not enabled")
	}
	limit, err := limitParam(params, 50)
	if err != nil {
		return nil, err
	}
	runs, err := s.history.Recent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"count": len(runs), "runs": runs}, nil
}

func (s *Server) methodHistoryGetRun(ctx context.Context, params map[string]any) (any, error) {
	if s.history == nil {
		return nil, invalidParams("history is not enabled")
	}
	id, _ := params["uid"].(string)
	if id == "" {
		return nil, invalidParams("missing 'uid' parameter")
	}
	run, err := s.history.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	samples, err := s.history.Samples(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"run": run, "samples": samples}, nil
}

func (s *Server) methodHistoryTrend(ctx context.Context, params map[string]any) (any, error) {
	if s.history == nil {
		return nil, invalidParams("history is not enabled")
	}
	limit, err := limitParam(params, 20)
	if err != nil {
		return nil, err
	}
	return s.history.Trend(ctx, limit)
}

// limitParam reads an optional positive "limit". JSON numbers arrive as
// float64.
func limitParam(params map[string]any, def int) (int, error) {
	v, ok := params["limit"]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok || f < 1 || f != float64(int(f)) {
		return 0, invalidParams("'limit' must be a positive integer")
	}
	return int(f), nil
}
