// Package shutdown provides a process-wide latch armed by OS termination
// signals, observed cooperatively by long-running routine bodies.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Latch is a process-wide, once-armed shutdown signal. The zero value is not
// usable; construct with New. Multiple goroutines may call Requested and
// Changed concurrently.
type Latch struct {
	mu      sync.Mutex
	armed   bool
	signal  string
	changed chan struct{} // closed exactly once, when armed transitions false->true
}

// New creates a Latch and spawns a background goroutine that arms it on
// SIGINT or SIGTERM. The goroutine exits when ctx is cancelled; it does not
// keep the process alive.
func New(ctx context.Context) *Latch {
	l := &Latch{changed: make(chan struct{})}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			l.arm(sig.String())
		}
	}()

	return l
}

// arm transitions the latch to armed exactly once; subsequent calls are a
// no-op, matching spec §6's "no rearm" requirement.
func (l *Latch) arm(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.armed {
		return
	}
	l.armed = true
	l.signal = label
	close(l.changed)
}

// Requested reports whether the latch has been armed. Non-blocking.
func (l *Latch) Requested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.armed
}

// Signal returns the label of the signal that armed the latch ("" if not
// yet armed). Non-blocking.
func (l *Latch) Signal() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signal
}

// Changed returns a channel that is closed once, when the latch arms.
// Safe to call from multiple observers; all of them see the same close.
func (l *Latch) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// TestArm is test-only plumbing for simulating a termination signal without
// sending a real one to the test process.
func (l *Latch) TestArm(label string) {
	l.arm(label)
}
