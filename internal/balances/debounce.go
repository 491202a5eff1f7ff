package balances

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Debouncer collapses bursts of triggers into one signal on C,
// sent once no new trigger arrived for the configured delay.
type Debouncer struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	delay   time.Duration
	timer   clockwork.Timer
	c       chan struct{}
	stopped bool
}

// NewDebouncer creates a debouncer.
func NewDebouncer(clock clockwork.Clock, delay time.Duration) *Debouncer {
	return &Debouncer{
		clock: clock,
		delay: delay,
		c:     make(chan struct{}, 1),
	}
}

// C delivers the debounced signal.
func (d *Debouncer) C() <-chan struct{} {
	return d.c
}

// Trigger restarts the delay.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.delay, d.fire)
}

// fire runs on the timer; it must not call back into the clock.
func (d *Debouncer) fire() {
	select {
	case d.c <- struct{}{}:
	default:
		// a signal is already pending
	}
}

// Stop cancels a pending signal and ignores further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
