package interp

import (
	"errors"
	"fmt"
	"time"

	"go.starlark.net/starlark"
)

// ErrWedged is returned once a timed-out computation failed to unwind. The
// namespace may still be in use by it and must not be touched again.
var ErrWedged = errors.New("namespace unusable: a previous computation did not stop after timeout")

// ExecError is an uncaught fault in user code.
type ExecError struct {
	Msg       string
	Traceback string
}

func (e *ExecError) Error() string { return e.Msg }

// TimeoutError reports an exceeded time budget.
type TimeoutError struct {
	Budget time.Duration
	Wedged bool
}

func (e *TimeoutError) Error() string {
	if e.Budget > 0 {
		return fmt.Sprintf("execution timed out after %s", e.Budget)
	}
	return "execution timed out"
}

func asExecError(err error) error {
	if err == nil {
		return nil
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &ExecError{Msg: evalErr.Msg, Traceback: evalErr.Backtrace()}
	}
	return &ExecError{Msg: err.Error()}
}
