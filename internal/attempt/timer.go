package attempt

import (
	"fmt"
	"sync"
	"time"
)

// Timer counts down whole seconds on a recurring tick and fires onExpire
// exactly once per Arm when the count reaches zero.
type Timer struct {
	mu        sync.Mutex
	interval  time.Duration
	onTick    func(remaining int)
	onExpire  func()
	remaining int
	armed     bool
	fired     bool
	gen       uint64
	stop      chan struct{}
}

// NewTimer creates a disarmed timer. interval is the tick period (one
// second in production). Either callback may be nil.
func NewTimer(interval time.Duration, onTick func(remaining int), onExpire func()) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Timer{
		interval: interval,
		onTick:   onTick,
		onExpire: onExpire,
	}
}

// Arm sets the remaining count and starts ticking. Arming an armed timer
// replaces the previous countdown.
func (t *Timer) Arm(totalSeconds int) {
	t.mu.Lock()
	if t.armed {
		close(t.stop)
	}
	t.gen++
	t.remaining = totalSeconds
	t.armed = true
	t.fired = false
	t.stop = make(chan struct{})
	gen, stop := t.gen, t.stop
	t.mu.Unlock()

	go t.run(gen, stop)
}

// Cancel stops ticking without firing onExpire. No-op when disarmed.
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.armed {
		return
	}
	t.armed = false
	close(t.stop)
	t.stop = nil
}

// Remaining returns the seconds left on the countdown.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Armed reports whether the countdown is running.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) run(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.tick(gen) {
				return
			}
		}
	}
}

// tick advances the countdown belonging to gen. It returns false once that
// countdown is over, either expired here or superseded by Arm/Cancel.
func (t *Timer) tick(gen uint64) bool {
	t.mu.Lock()
	if !t.armed || t.gen != gen {
		t.mu.Unlock()
		return false
	}

	t.remaining--
	expired := false
	if t.remaining <= 0 {
		t.remaining = 0
		t.armed = false
		close(t.stop)
		t.stop = nil
		if !t.fired {
			t.fired = true
			expired = true
		}
	}
	remaining, running := t.remaining, t.armed
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(remaining)
	}
	if expired && t.onExpire != nil {
		t.onExpire()
	}
	return running
}

// FormatClock renders seconds as zero-padded MM:SS.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
