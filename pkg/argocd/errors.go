package argocd

import "fmt"

// Error is the ArgoCdError kind of spec §7: a causal wrapper around a
// KubeError (or any other failure) encountered while tearing down or
// restoring a GitOps application's sync policy.
type Error struct {
	App   string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("argocd: %s: %v", e.App, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func wrapErr(app string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{App: app, Cause: err}
}
