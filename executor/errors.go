package executor

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/gorepl/protocol"
)

var (
	ErrReadTimeout   = errors.New("worker unresponsive")
	ErrWorkerDied    = errors.New("worker process died")
	ErrSessionClosed = errors.New("session closed")
	ErrNoSession     = errors.New("no active session")
)

// InitError is the worker's refusal to become ready.
type InitError struct {
	Msg string
}

func (e *InitError) Error() string { return e.Msg }

// FailureKind classifies a dispatcher failure.
type FailureKind string

const (
	KindCrashed  FailureKind = "crashed"
	KindTimeout  FailureKind = "timeout"
	KindInit     FailureKind = "init"
	KindInternal FailureKind = "internal"
)

// Failure is returned by Executor operations that did not produce a regular
// reply. Reply is set when the worker sent a terminal error that ended the
// session, so its output can still reach the caller.
type Failure struct {
	Kind    FailureKind
	Message string
	ID      string
	Reply   *protocol.Message
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Err)
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrorType maps the failure onto the wire errorType values.
func (f *Failure) ErrorType() string {
	switch f.Kind {
	case KindCrashed:
		return protocol.ErrorTypeCrashed
	case KindTimeout:
		return protocol.ErrorTypeTimeout
	}
	return ""
}

// IsKind reports whether err is a *Failure of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == kind
}
