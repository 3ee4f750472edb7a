package machine

import (
	"sync"

	"klipper-probecal/pkg/errors"
)

// Lock grants exclusive ownership of the probe and the bed-compensation
// flag to one routine at a time.
type Lock struct {
	mu    sync.Mutex
	owner string
}

// Acquire takes the lock for owner or returns a BUSY error naming the
// current holder. It never blocks.
func (l *Lock) Acquire(owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" {
		return errors.Busy(l.owner)
	}
	l.owner = owner
	return nil
}

// Release gives up the lock if owner holds it.
func (l *Lock) Release(owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
	}
}

// Owner returns the current holder, or "" when free.
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}
