package stage

import (
	"errors"
	"fmt"

	"github.com/specialistvlad/gridbench/internal/config"
)

// StageError reports a stage stopped by a failing unit under the break or
// exit policy.
type StageError struct {
	Stage  string
	Policy config.OnError
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q stopped (on_error=%s): %v", e.Stage, e.Policy, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fatal reports whether the whole run must stop.
func (e *StageError) Fatal() bool { return e.Policy == config.Exit }

// IsFatal reports whether err is, or wraps, a StageError with the exit
// policy.
func IsFatal(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Fatal()
}
