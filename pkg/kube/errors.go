package kube

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by the Get* adapters when the Kubernetes object
// does not exist. The routine's probes map it according to the wait: the
// pod-gone wait treats it as Done, the StatefulSet and Job waits as a
// transient error.
var ErrNotFound = errors.New("kube: object not found")

// Error is the single KubeError kind spec §4.3 requires: every transport or
// API error from the adapters is wrapped in it, carrying the operation name
// and a causal trace via Unwrap.
type Error struct {
	Op    string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("kube: %s: %v", e.Op, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Cause: err}
}
