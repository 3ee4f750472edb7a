// Package reactor runs every command and display refresh on one dispatch
// goroutine. Transports hand work to it with RegisterAsyncCallback (or Call)
// and wait on the returned Completion.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrTimeout       = errors.New("reactor: operation timed out")
)

// TimerCallback is called when a timer fires with the event time and
// returns the next wake time. NEVER parks the timer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer. Its fields are only touched by the dispatch
// goroutine or under the reactor lock.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
	once     bool
}

// Completion is the eventual result of a callback.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the result and wakes any waiters. Later calls are ignored.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done, the timeout expires or the
// reactor ends. Returns timeoutResult in the last two cases.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return c.result
	case <-t.C:
		return timeoutResult
	case <-c.reactor.ctx.Done():
		return timeoutResult
	}
}

// Reactor manages timers and cross-goroutine callbacks.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	async       []func()
	wake        chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time
}

// New creates a stopped reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Monotonic returns the seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

func (r *Reactor) kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer registers callback to fire at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	return r.registerTimer(callback, waketime, false)
}

func (r *Reactor) registerTimer(callback TimerCallback, waketime float64, once bool) *Timer {
	r.mu.Lock()
	r.nextTimerID++
	timer := &Timer{id: r.nextTimerID, callback: callback, waketime: waketime, once: once}
	r.timers = append(r.timers, timer)
	r.mu.Unlock()
	r.kick()
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// Completion creates a new Completion.
func (r *Reactor) Completion() *Completion {
	return &Completion{reactor: r, done: make(chan struct{})}
}

// RegisterAsyncCallback schedules callback from any goroutine. Once the
// reactor has ended the completion resolves to ErrReactorClosed at once.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()
	if r.ctx.Err() != nil {
		completion.Complete(ErrReactorClosed)
		return completion
	}
	r.mu.Lock()
	r.async = append(r.async, func() {
		r.registerTimer(func(eventtime float64) float64 {
			completion.Complete(callback(eventtime))
			return NEVER
		}, waketime, true)
	})
	r.mu.Unlock()
	r.kick()
	return completion
}

// Call runs fn on the dispatch goroutine and waits for its result.
func (r *Reactor) Call(ctx context.Context, fn func(eventtime float64) interface{}) (interface{}, error) {
	c := r.RegisterAsyncCallback(fn, NOW)
	select {
	case <-c.done:
		if c.result == ErrReactorClosed {
			return nil, ErrReactorClosed
		}
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, ErrReactorClosed
	}
}

// Context is cancelled when the reactor ends.
func (r *Reactor) Context() context.Context {
	return r.ctx
}

// Run starts the dispatch goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End stops the dispatch goroutine. Callbacks still queued never run.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait waits for the dispatch goroutine to exit.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		r.processAsyncCallbacks()
		delay := r.checkTimers(r.Monotonic())
		if delay <= 0 {
			continue
		}
		if delay > 1 {
			delay = 1
		}
		t := time.NewTimer(time.Duration(delay * float64(time.Second)))
		select {
		case <-t.C:
		case <-r.wake:
		case <-r.ctx.Done():
		}
		t.Stop()
	}
}

func (r *Reactor) processAsyncCallbacks() {
	r.mu.Lock()
	queue := r.async
	r.async = nil
	r.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}

// checkTimers fires due timers and returns the time until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	due := make([]*Timer, 0, len(r.timers))
	for _, t := range r.timers {
		if eventtime >= t.waketime {
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		next := t.callback(eventtime)
		r.mu.Lock()
		t.waketime = next
		r.mu.Unlock()
		if t.once {
			r.UnregisterTimer(t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	nextWake := NEVER
	for _, t := range r.timers {
		if t.waketime < nextWake {
			nextWake = t.waketime
		}
	}
	return nextWake - r.Monotonic()
}
