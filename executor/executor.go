package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/caffeineduck/gorepl/internal/observability"
	"github.com/caffeineduck/gorepl/protocol"
)

// Operation names used in logs and metrics.
const (
	OpInit        = "init"
	OpExec        = "exec"
	OpEval        = "eval"
	OpStreamStart = "stream_start"
	OpStreamPoll  = "stream_poll"
	OpStreamExec  = "stream_exec"
	OpStreamStop  = "stream_stop"
	OpTerminate   = "terminate"
)

// Executor dispatches operations to sessions held by a Registry.
type Executor struct {
	reg *Registry
	cfg execConfig
	log zerolog.Logger
}

func New(reg *Registry, opts ...Option) *Executor {
	cfg := defaultExecConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Executor{reg: reg, cfg: cfg, log: cfg.logger}
}

func (e *Executor) Registry() *Registry { return e.reg }

// Init initializes the session's worker with packages and returns the
// messages it produced. A second Init on a ready session returns no messages.
func (e *Executor) Init(ctx context.Context, sessionID string, packages []protocol.Package) (msgs []protocol.Message, err error) {
	defer e.record(OpInit, time.Now(), &err)

	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()

	msgs, err = s.EnsureInitialized(ctx, packages)
	if err != nil {
		return msgs, e.fail(s, "", err)
	}
	return msgs, nil
}

// Exec runs code in the session. An empty id is replaced by a generated one.
// The returned reply is ok or an execution error, with the output produced
// along the way attached.
func (e *Executor) Exec(ctx context.Context, sessionID, id, code string) (protocol.Message, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return e.call(ctx, OpExec, sessionID, protocol.Exec(id, code))
}

// Eval evaluates expr in the session and returns a value or error reply.
func (e *Executor) Eval(ctx context.Context, sessionID, id, expr string) (protocol.Message, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return e.call(ctx, OpEval, sessionID, protocol.Eval(id, expr))
}

func (e *Executor) call(ctx context.Context, op, sessionID string, req protocol.Message) (reply protocol.Message, err error) {
	defer e.record(op, time.Now(), &err, &reply)

	s, err := e.session(sessionID)
	if err != nil {
		return protocol.Message{}, err
	}

	s.Lock()
	defer s.Unlock()

	if err := s.StopStreamingAndDrain(e.cfg.readTimeout); err != nil {
		return protocol.Message{}, e.fail(s, req.ID, err)
	}
	if _, err := s.EnsureInitialized(ctx, nil); err != nil {
		return protocol.Message{}, e.fail(s, req.ID, err)
	}
	if err := s.Send(req); err != nil {
		return protocol.Message{}, e.fail(s, req.ID, err)
	}

	var stdout, stderr strings.Builder
	for {
		msg, err := s.ReadWithTimeout(e.cfg.readTimeout)
		if err != nil {
			return protocol.Message{}, e.fail(s, req.ID, err)
		}

		switch {
		case msg.Type == protocol.TypeStdout:
			stdout.WriteString(msg.Value)
		case msg.Type == protocol.TypeStderr:
			stderr.WriteString(msg.Value)
		case msg.IsTerminal() && msg.ID == req.ID:
			reply = msg.WithOutput(stdout.String(), stderr.String())
			if reply.IsTimeout() {
				e.teardown(s, observability.ReasonTimeout, reply.Error)
				return reply, &Failure{Kind: KindTimeout, Message: reply.Error, ID: req.ID, Reply: &reply}
			}
			return reply, nil
		default:
			e.log.Debug().Str("session", sessionID).Str("type", string(msg.Type)).Str("id", msg.ID).Msg("skipped message")
		}
	}
}

// StreamStart asks the worker to start streaming expr and returns the stream
// id without waiting for any step.
func (e *Executor) StreamStart(ctx context.Context, sessionID, id, expr string) (_ string, err error) {
	defer e.record(OpStreamStart, time.Now(), &err)

	if id == "" {
		id = uuid.NewString()
	}

	s, err := e.session(sessionID)
	if err != nil {
		return "", err
	}

	s.Lock()
	defer s.Unlock()

	if err := s.StopStreamingAndDrain(e.cfg.readTimeout); err != nil {
		return "", e.fail(s, id, err)
	}
	if _, err := s.EnsureInitialized(ctx, nil); err != nil {
		return "", e.fail(s, id, err)
	}
	if err := s.Send(protocol.StreamStart(id, expr)); err != nil {
		return "", e.fail(s, id, err)
	}
	s.StartStreaming()
	return id, nil
}

// StreamPoll returns the stream messages queued so far, waiting briefly when
// there are none. done reports that the stream has ended; an unknown session
// counts as done.
func (e *Executor) StreamPoll(ctx context.Context, sessionID string) (msgs []protocol.Message, done bool, err error) {
	defer e.record(OpStreamPoll, time.Now(), &err)

	s, ok := e.reg.Get(sessionID)
	if !ok {
		return []protocol.Message{}, true, nil
	}

	msgs = s.DrainQueue(e.cfg.pollWait)
	var timedOut *protocol.Message
	for i, m := range msgs {
		if m.EndsStream() {
			done = true
		}
		if m.IsTimeout() && timedOut == nil {
			timedOut = &msgs[i]
		}
	}
	if len(msgs) == 0 && !s.Streaming() {
		done = true
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	if !done {
		return msgs, false, nil
	}

	// A step that overran its budget may still own the namespace.
	if timedOut != nil {
		e.teardown(s, observability.ReasonTimeout, timedOut.Error)
		return msgs, true, nil
	}

	// Operations holding the lock drain the stream themselves.
	if s.Streaming() && s.TryLock() {
		err := s.StopStreamingAndDrain(e.cfg.readTimeout)
		s.Unlock()
		if err != nil {
			e.teardown(s, reasonFor(err), err.Error())
			return msgs, true, nil
		}
	}
	if !s.IsAlive() {
		e.teardown(s, observability.ReasonCrashed, "worker exited during stream")
	}
	return msgs, true, nil
}

// StreamExec queues code to run between steps of the session's stream.
func (e *Executor) StreamExec(ctx context.Context, sessionID, code string) (err error) {
	defer e.record(OpStreamExec, time.Now(), &err)

	s, ok := e.reg.Get(sessionID)
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(protocol.StreamExec(code)); err != nil {
		return e.fail(s, "", err)
	}
	return nil
}

// StreamStop asks the session's stream to end. Stopping an unknown session
// succeeds.
func (e *Executor) StreamStop(ctx context.Context, sessionID string) (err error) {
	defer e.record(OpStreamStop, time.Now(), &err)

	s, ok := e.reg.Get(sessionID)
	if !ok {
		return nil
	}
	if err := s.Send(protocol.StreamStop()); err != nil {
		return e.fail(s, "", err)
	}
	return nil
}

// Terminate kills the session's worker and forgets it.
func (e *Executor) Terminate(sessionID string) bool {
	start := time.Now()
	removed := e.reg.Remove(sessionID)
	observability.RecordRequest(OpTerminate, "ok", time.Since(start))
	return removed
}

func (e *Executor) session(id string) (*Session, error) {
	s, err := e.reg.GetOrCreate(id)
	if err != nil {
		return nil, &Failure{Kind: KindInternal, Message: "start worker", Err: err}
	}
	return s, nil
}

// fail converts a session error into a Failure, tearing the session down
// when its channel can no longer be trusted.
func (e *Executor) fail(s *Session, id string, err error) error {
	var initErr *InitError
	switch {
	case errors.As(err, &initErr):
		return &Failure{Kind: KindInit, Message: initErr.Msg, ID: id}
	case errors.Is(err, ErrReadTimeout):
		e.teardown(s, observability.ReasonTimeout, err.Error())
		return &Failure{Kind: KindTimeout, Message: "execution timed out", ID: id, Err: err}
	case errors.Is(err, ErrWorkerDied), errors.Is(err, ErrSessionClosed):
		e.teardown(s, observability.ReasonCrashed, err.Error())
		return &Failure{Kind: KindCrashed, Message: ErrWorkerDied.Error(), ID: id, Err: err}
	}
	return &Failure{Kind: KindInternal, Message: err.Error(), ID: id, Err: err}
}

func (e *Executor) teardown(s *Session, reason, detail string) {
	e.log.Warn().
		Str("session", s.ID()).
		Int("pid", s.Pid()).
		Str("reason", reason).
		Str("detail", detail).
		Str("stderr", s.StderrTail()).
		Msg("tearing down session")
	e.reg.discard(s, reason)
}

func reasonFor(err error) string {
	if errors.Is(err, ErrReadTimeout) {
		return observability.ReasonTimeout
	}
	return observability.ReasonCrashed
}

// record reports an operation's outcome. An error reply counts as "error"
// even when the operation itself succeeded.
func (e *Executor) record(op string, start time.Time, err *error, reply ...*protocol.Message) {
	outcome := "ok"
	var f *Failure
	switch {
	case errors.As(*err, &f):
		outcome = string(f.Kind)
	case errors.Is(*err, ErrNoSession):
		outcome = "no_session"
	case *err != nil:
		outcome = "error"
	case len(reply) > 0 && reply[0].Type == protocol.TypeError:
		outcome = "error"
	}
	observability.RecordRequest(op, outcome, time.Since(start))
}
