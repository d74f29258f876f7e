// Package errs defines the error taxonomy shared by the execution engine.
//
// Configuration errors are fatal and never retried. Process failures and cache
// I/O failures are recoverable by the owning stage's on-error policy. A missing
// result store only degrades history-based features.
package errs

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable reports that no result store could be reached. Callers
// degrade instead of failing.
var ErrStoreUnavailable = errors.New("result store unavailable")

// ConfigError is an invalid stage or project definition, or a resource
// request the engine can never satisfy.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Msg, e.Err)
	}
	return "configuration error: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfig reports whether err is, or wraps, a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ProcessError is a generated script that exited with a non-zero code.
type ProcessError struct {
	Unit       string
	ReturnCode int
	Output     string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("unit %s exited with code %d", e.Unit, e.ReturnCode)
}

// CacheError wraps a copy or remove failure while restoring or saving a
// build cache entry.
type CacheError struct {
	Op   string
	Path string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
