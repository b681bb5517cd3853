// Package polling implements the bounded observe-with-error-budget loop
// used throughout the routine to wait for Kubernetes objects to converge
// (pod termination, StatefulSet replica counts, Job completion).
package polling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/man10server/man10routine/pkg/shutdown"
)

// Config parameterises a single Wait call. See spec §3 PollingConfig.
type Config struct {
	InitialWait  time.Duration
	PollInterval time.Duration
	MaxWait      time.Duration
	ErrorWait    time.Duration
	MaxErrors    int
}

// DefaultConfig returns the §3 defaults: 10s / 5s / 600s / 10s / 5.
func DefaultConfig() Config {
	return Config{
		InitialWait:  10 * time.Second,
		PollInterval: 5 * time.Second,
		MaxWait:      600 * time.Second,
		ErrorWait:    10 * time.Second,
		MaxErrors:    5,
	}
}

// ShutdownPollingConfig is the dedicated PollingConfig §4.7 specifies for the
// proxy-shutdown and server-shutdown waits: {60s, 5s, 150s, 10s, 3}.
func ShutdownPollingConfig() Config {
	return Config{
		InitialWait:  60 * time.Second,
		PollInterval: 5 * time.Second,
		MaxWait:      150 * time.Second,
		ErrorWait:    10 * time.Second,
		MaxErrors:    3,
	}
}

// rawConfig mirrors Config but with durations as the human strings accepted
// in configuration files ("15s", "15m"), per spec §6.
type rawConfig struct {
	InitialWait  *string `json:"initial_wait,omitempty"`
	PollInterval *string `json:"poll_interval,omitempty"`
	MaxWait      *string `json:"max_wait,omitempty"`
	ErrorWait    *string `json:"error_wait,omitempty"`
	MaxErrors    *int    `json:"max_errors,omitempty"`
}

// UnmarshalJSON accepts duration strings for each field, falling back to the
// §3 defaults for any field left unset. This is the hook sigs.k8s.io/yaml's
// YAML-to-JSON shim dispatches to, so configuration files may write
// "poll_interval: 15s" directly.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("polling: parse config: %w", err)
	}

	*c = DefaultConfig()
	parse := func(s *string, dst *time.Duration, field string) error {
		if s == nil {
			return nil
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("polling: parse %s %q: %w", field, *s, err)
		}
		*dst = d
		return nil
	}
	if err := parse(raw.InitialWait, &c.InitialWait, "initial_wait"); err != nil {
		return err
	}
	if err := parse(raw.PollInterval, &c.PollInterval, "poll_interval"); err != nil {
		return err
	}
	if err := parse(raw.MaxWait, &c.MaxWait, "max_wait"); err != nil {
		return err
	}
	if err := parse(raw.ErrorWait, &c.ErrorWait, "error_wait"); err != nil {
		return err
	}
	if raw.MaxErrors != nil {
		c.MaxErrors = *raw.MaxErrors
	}
	return nil
}

// kind discriminates the four Outcome variants of spec §4.2.
type kind int

const (
	kindDone kind = iota
	kindNotYet
	kindMissing
	kindTransientError
)

// Outcome is the result of a single probe call, matching
// Outcome ∈ {Done(T), NotYet, Missing, TransientError(e)} from spec §4.2.
type Outcome[T any] struct {
	kind  kind
	value T
	err   error
}

// Done reports the awaited condition has been observed, carrying the probed value.
func Done[T any](v T) Outcome[T] { return Outcome[T]{kind: kindDone, value: v} }

// NotYet reports the object exists but the condition has not yet been met.
func NotYet[T any]() Outcome[T] { return Outcome[T]{kind: kindNotYet} }

// Missing reports the object is absent (used for presence-then-absence waits).
func Missing[T any]() Outcome[T] { return Outcome[T]{kind: kindMissing} }

// TransientErr reports a transient error from the underlying probe (e.g. a
// Kubernetes API error), counted against the error budget.
func TransientErr[T any](err error) Outcome[T] { return Outcome[T]{kind: kindTransientError, err: err} }

// Probe observes the remote object once and reports an Outcome.
type Probe[T any] func(ctx context.Context) Outcome[T]

// TimeoutError is returned when elapsed wait time reaches MaxWait without the
// probe reporting Done.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("polling timed out after %s", e.Elapsed)
}

// ClientError is returned when the transient-error budget (MaxErrors) is
// exhausted.
type ClientError struct {
	Attempts int
	Cause    error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("polling failed after %d transient error(s): %v", e.Attempts, e.Cause)
}
func (e *ClientError) Unwrap() error { return e.Cause }

// ErrShutdownRequested is returned when the shutdown latch arms while a Wait
// call is sleeping between probes. Callers that must not fail the overall
// routine on shutdown (e.g. rcon exec) should not use a latch-observing Wait.
var ErrShutdownRequested = errors.New("polling: shutdown requested")

// Wait implements the control structure of spec §4.2:
//  1. sleep InitialWait
//  2. call probe
//  3. Done -> return; NotYet/Missing -> sleep PollInterval or fail timeout
//  4. TransientError -> count against MaxErrors, sleep ErrorWait, or fail
//
// latch may be nil; if non-nil, Wait observes it at every sleep point and
// returns ErrShutdownRequested if it arms, per spec §5's cooperative
// cancellation requirement ("any polling sleep" is a suspension point that
// must observe shutdown).
func Wait[T any](ctx context.Context, cfg Config, latch *shutdown.Latch, probe Probe[T]) (T, error) {
	var zero T

	if err := interruptibleSleep(ctx, latch, cfg.InitialWait); err != nil {
		return zero, err
	}

	elapsed := cfg.InitialWait
	errs := 0

	for {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		outcome := probe(ctx)
		switch outcome.kind {
		case kindDone:
			return outcome.value, nil
		case kindNotYet, kindMissing:
			if elapsed >= cfg.MaxWait {
				return zero, &TimeoutError{Elapsed: elapsed}
			}
			if err := interruptibleSleep(ctx, latch, cfg.PollInterval); err != nil {
				return zero, err
			}
			elapsed += cfg.PollInterval
		case kindTransientError:
			errs++
			if errs >= cfg.MaxErrors {
				return zero, &ClientError{Attempts: errs, Cause: outcome.err}
			}
			if err := interruptibleSleep(ctx, latch, cfg.ErrorWait); err != nil {
				return zero, err
			}
			elapsed += cfg.ErrorWait
		default:
			return zero, fmt.Errorf("polling: unreachable outcome kind %d", outcome.kind)
		}
	}
}

// Sleep sleeps for d, returning early with ctx.Err() if ctx is cancelled or
// ErrShutdownRequested if latch arms (when non-nil). Exported for the soak
// waits outside the polling loop itself (§4.7's post-teardown and
// post-relaunch soaks are suspension points per §5, so they observe the
// latch the same way a poll sleep does).
func Sleep(ctx context.Context, latch *shutdown.Latch, d time.Duration) error {
	return interruptibleSleep(ctx, latch, d)
}

// interruptibleSleep sleeps for d, returning early with ctx.Err() if ctx is
// cancelled or ErrShutdownRequested if latch arms (when non-nil).
func interruptibleSleep(ctx context.Context, latch *shutdown.Latch, d time.Duration) error {
	if d <= 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var changed <-chan struct{}
	if latch != nil {
		changed = latch.Changed()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
		return ErrShutdownRequested
	case <-timer.C:
		return nil
	}
}
