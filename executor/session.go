package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/gorepl/protocol"
)

// Session is one worker process and the framed channel to it.
//
// Worker stdout is owned by a single pump goroutine. Its messages are
// consumed either by ReadWithTimeout or, while a stream runs, by the stream
// forwarder; StopStreamingAndDrain hands the channel back.
type Session struct {
	id  string
	cfg sessionConfig
	log zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	req    *protocol.Writer
	stdout *os.File
	stderr *tailBuffer

	msgs   chan protocol.Message
	exited chan struct{}
	closed chan struct{}

	// mu serializes dispatcher operations on the session.
	mu sync.Mutex

	lastActive  atomic.Int64
	initialized atomic.Bool

	drainMu   sync.Mutex
	streamMu  sync.Mutex
	streaming bool
	queue     []protocol.Message
	arrived   chan struct{}
	fwdStop   chan struct{}
	fwdDone   chan struct{}

	closeOnce sync.Once
}

// NewSession spawns a worker process for id.
func NewSession(id string, opts ...SessionOption) (*Session, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	command := cfg.command
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		command = []string{self, "worker"}
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(append(os.Environ(), cfg.worker.Env()...), cfg.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	// A plain pipe instead of StdoutPipe: Wait must not close the read end
	// before the pump has seen every message.
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	cmd.Stdout = pw

	log := cfg.logger.With().Str("session", id).Logger()
	tail := newTailBuffer(stderrTailSize, log)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	pw.Close()

	s := &Session{
		id:      id,
		cfg:     cfg,
		log:     log.With().Int("pid", cmd.Process.Pid).Logger(),
		cmd:     cmd,
		stdin:   stdin,
		req:     protocol.NewWriter(stdin),
		stdout:  pr,
		stderr:  tail,
		msgs:    make(chan protocol.Message),
		exited:  make(chan struct{}),
		closed:  make(chan struct{}),
		arrived: make(chan struct{}, 1),
	}
	s.touch()

	go s.pump()
	go s.wait()

	s.log.Debug().Strs("command", command).Msg("worker started")
	return s, nil
}

func (s *Session) pump() {
	defer close(s.msgs)
	defer s.stdout.Close()

	r := protocol.NewReader(s.stdout)
	for {
		msg, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Error().Err(err).Msg("read worker output")
			}
			if n := r.Skipped(); n > 0 {
				s.log.Debug().Int("lines", n).Msg("skipped non-protocol output")
			}
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.closed:
			return
		}
	}
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	close(s.exited)

	event := s.log.Debug()
	if err != nil {
		event = s.log.Warn().Err(err)
	}
	event.Msg("worker exited")
}

func (s *Session) ID() string { return s.id }

// Pid returns the worker's process id.
func (s *Session) Pid() int { return s.cmd.Process.Pid }

func (s *Session) Lock()         { s.mu.Lock() }
func (s *Session) Unlock()       { s.mu.Unlock() }
func (s *Session) TryLock() bool { return s.mu.TryLock() }

func (s *Session) Initialized() bool { return s.initialized.Load() }

func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// StderrTail returns the most recent diagnostic output of the worker.
func (s *Session) StderrTail() string {
	return s.stderr.String()
}

// IsAlive reports whether the worker is running and the session is open.
func (s *Session) IsAlive() bool {
	select {
	case <-s.exited:
		return false
	case <-s.closed:
		return false
	default:
		return true
	}
}

// Send writes one message to the worker.
func (s *Session) Send(msg protocol.Message) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.touch()
	if err := s.req.Write(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerDied, err)
	}
	return nil
}

// ReadWithTimeout returns the next worker message. It fails with
// ErrReadTimeout when nothing arrives within d and with ErrWorkerDied once
// the worker's output has ended.
func (s *Session) ReadWithTimeout(d time.Duration) (protocol.Message, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case msg, ok := <-s.msgs:
		if !ok {
			return protocol.Message{}, ErrWorkerDied
		}
		s.touch()
		return msg, nil
	case <-timer.C:
		return protocol.Message{}, ErrReadTimeout
	case <-s.closed:
		return protocol.Message{}, ErrSessionClosed
	}
}

// EnsureInitialized sends init unless the worker is already ready, and
// returns every message received up to and including ready.
func (s *Session) EnsureInitialized(ctx context.Context, packages []protocol.Package) ([]protocol.Message, error) {
	if s.initialized.Load() {
		return nil, nil
	}

	deadline := time.Now().Add(s.cfg.initTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.Send(protocol.Init(packages)); err != nil {
		return nil, err
	}

	var msgs []protocol.Message
	for {
		msg, err := s.ReadWithTimeout(time.Until(deadline))
		if err != nil {
			return msgs, err
		}
		switch {
		case msg.Type == protocol.TypeReady:
			msgs = append(msgs, msg)
			s.initialized.Store(true)
			return msgs, nil
		case msg.Type == protocol.TypeError && msg.ID == "":
			msgs = append(msgs, msg)
			return msgs, &InitError{Msg: msg.Error}
		case msg.ID != "":
			s.log.Debug().Str("type", string(msg.Type)).Str("id", msg.ID).Msg("discarded stale reply")
		default:
			msgs = append(msgs, msg)
		}
	}
}

// StartStreaming starts the forwarder that moves worker output into the
// stream queue. The caller must have drained any previous stream.
func (s *Session) StartStreaming() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	s.streaming = true
	s.queue = nil
	s.fwdStop = make(chan struct{})
	s.fwdDone = make(chan struct{})
	go s.forward(s.fwdStop, s.fwdDone)
}

func (s *Session) forward(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-s.closed:
			return
		case msg, ok := <-s.msgs:
			if !ok {
				s.enqueue(protocol.Message{
					Type:      protocol.TypeError,
					ErrorType: protocol.ErrorTypeCrashed,
					Error:     ErrWorkerDied.Error(),
				})
				return
			}
			s.touch()
			s.enqueue(msg)
			if msg.Type == protocol.TypeStreamDone {
				return
			}
		}
	}
}

func (s *Session) enqueue(msg protocol.Message) {
	s.streamMu.Lock()
	s.queue = append(s.queue, msg)
	s.streamMu.Unlock()

	select {
	case s.arrived <- struct{}{}:
	default:
	}
}

// Streaming reports whether a forwarder has been started and not yet drained.
func (s *Session) Streaming() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streaming
}

// StopStreamingAndDrain asks the worker to end the current stream, waits up
// to wait for the forwarder to observe stream-done, then sends noop. When it
// returns the forwarder has exited. Queued messages stay available to
// DrainQueue.
func (s *Session) StopStreamingAndDrain(wait time.Duration) error {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	s.streamMu.Lock()
	if !s.streaming {
		s.streamMu.Unlock()
		return nil
	}
	stop, done := s.fwdStop, s.fwdDone
	s.streamMu.Unlock()

	var err error
	select {
	case <-done:
	default:
		err = s.Send(protocol.StreamStop())
		if err == nil {
			timer := time.NewTimer(wait)
			select {
			case <-done:
			case <-timer.C:
				err = ErrReadTimeout
			}
			timer.Stop()
		}
		if err != nil {
			close(stop)
			<-done
		}
	}

	s.streamMu.Lock()
	s.streaming = false
	s.streamMu.Unlock()

	if err != nil {
		return err
	}
	return s.FlushWorkerReader()
}

// DrainQueue returns every queued stream message. When the queue is empty it
// waits up to maxWait for one to arrive.
func (s *Session) DrainQueue(maxWait time.Duration) []protocol.Message {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		msgs, done := s.takeQueue()
		if len(msgs) > 0 || done == nil {
			return msgs
		}
		select {
		case <-s.arrived:
		case <-done:
			msgs, _ = s.takeQueue()
			return msgs
		case <-timer.C:
			return nil
		}
	}
}

func (s *Session) takeQueue() ([]protocol.Message, chan struct{}) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	msgs := s.queue
	s.queue = nil
	return msgs, s.fwdDone
}

// FlushWorkerReader sends a noop so a worker waiting on stream control input
// resumes ordinary request handling.
func (s *Session) FlushWorkerReader() error {
	return s.Send(protocol.Noop())
}

// Terminate closes the worker's stdin, kills it and waits a bounded time for
// it to exit. Safe to call more than once.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stdin.Close()
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Warn().Err(err).Msg("kill worker")
		}

		timer := time.NewTimer(terminateWait)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
			s.log.Warn().Dur("wait", terminateWait).Msg("worker did not exit after kill")
		}
	})
}

// tailBuffer keeps the last size bytes written to it and logs each write.
type tailBuffer struct {
	mu   sync.Mutex
	size int
	buf  []byte
	log  zerolog.Logger
}

func newTailBuffer(size int, log zerolog.Logger) *tailBuffer {
	return &tailBuffer{size: size, log: log}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.log.Debug().Bytes("stderr", p).Msg("worker stderr")

	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.size; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
