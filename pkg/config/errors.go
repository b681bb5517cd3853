package config

import (
	"errors"
	"fmt"
)

// Sentinels forming the ConfigParseError taxonomy of spec §4.8. Each is
// wrapped in a ParseError carrying the offending path/name so errors.Is
// still matches the sentinel while the message stays actionable.
var (
	ErrParentMismatch             = errors.New("config: application name reused under a different parent")
	ErrMultipleCharts             = errors.New("config: application node bound to more than one server chart")
	ErrProxyNameMissing           = errors.New("config: mcproxy.name is required")
	ErrKeyIncludesSlash           = errors.New("config: key must not contain '/'")
	ErrRequiredToStartForProxy    = errors.New("config: required_to_start is forbidden on mcproxy")
	ErrProxyRequiresNoServerToStart = errors.New("config: at least one server must have required_to_start = true")
	ErrJobNameIncludesSlash       = errors.New("config: job name must not contain '/'")
)

// ParseError wraps a ConfigParseError sentinel with the offending name/path,
// per the causal-trace requirement of spec §7.
type ParseError struct {
	Kind error  // one of the Err* sentinels above
	Name string // offending name, key, or path
}

func (e *ParseError) Error() string {
	if e.Name == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %q", e.Kind, e.Name)
}

func (e *ParseError) Unwrap() error { return e.Kind }

func parseErr(kind error, name string) error {
	return &ParseError{Kind: kind, Name: name}
}

// LoadError is the ConfigLoadError kind of spec §7: wraps either a raw
// file-read/deserialization failure or a *ParseError from forest
// construction.
type LoadError struct {
	Op    string
	Cause error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Op, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

func loadErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &LoadError{Op: op, Cause: err}
}
