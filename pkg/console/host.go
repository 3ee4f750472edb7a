package console

import (
	"context"

	"klipper-probecal/pkg/gcode"
	"klipper-probecal/pkg/reactor"
)

// Host is the command surface the console serves.
type Host interface {
	// RunScript executes a G-code script and returns the first failure.
	RunScript(ctx context.Context, script string) error

	// QueryObject returns the status of one printer object. Unknown
	// objects report false.
	QueryObject(ctx context.Context, name string) (map[string]any, bool, error)

	// Objects lists the queryable object names.
	Objects() []string

	// State returns "ready" or "shutdown" and the shutdown reason.
	State() (state, message string)

	// Subscribe registers fn for every response line and returns a
	// function that removes it.
	Subscribe(fn func(line string)) func()
}

// DispatcherHost serves a dispatcher. With a reactor set, scripts and
// queries run on the reactor goroutine so the machine is only touched
// from one place.
type DispatcherHost struct {
	D *gcode.Dispatcher
	R *reactor.Reactor
}

type queryResult struct {
	status map[string]any
	ok     bool
}

func (h *DispatcherHost) RunScript(ctx context.Context, script string) error {
	if h.R == nil {
		return h.D.Run(ctx, script)
	}
	v, err := h.R.Call(ctx, func(float64) interface{} {
		return h.D.Run(h.R.Context(), script)
	})
	if err != nil {
		return err
	}
	if rerr, ok := v.(error); ok {
		return rerr
	}
	return nil
}

func (h *DispatcherHost) QueryObject(ctx context.Context, name string) (map[string]any, bool, error) {
	if h.R == nil {
		st, ok := h.D.QueryObject(name)
		return st, ok, nil
	}
	v, err := h.R.Call(ctx, func(float64) interface{} {
		st, ok := h.D.QueryObject(name)
		return queryResult{status: st, ok: ok}
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(queryResult)
	return res.status, res.ok, nil
}

func (h *DispatcherHost) Objects() []string                { return h.D.Objects() }
func (h *DispatcherHost) State() (string, string)          { return h.D.State() }
func (h *DispatcherHost) Subscribe(fn func(string)) func() { return h.D.Subscribe(fn) }
