// Package worker implements the worker side of the protocol: a long-lived
// process that owns one interp.Namespace and serves init, exec, eval and
// streaming requests read from its standard input.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/caffeineduck/gorepl/hostfunc"
	"github.com/caffeineduck/gorepl/interp"
	"github.com/caffeineduck/gorepl/protocol"
)

type Worker struct {
	cfg       Config
	log       zerolog.Logger
	in        *protocol.Reader
	out       *protocol.Writer
	ns        *interp.Namespace
	host      *hostfunc.Registry
	installer *hostfunc.Installer
	wasm      *hostfunc.WASMRuntime

	initialized bool

	// inbox is fed by the intake goroutine and closed at EOF. Outside a stream
	// only the main loop receives from it.
	inbox chan protocol.Message

	// leftover holds requests that arrived during a stream, in arrival order.
	leftover []protocol.Message
}

func New(in io.Reader, out io.Writer, cfg Config) *Worker {
	w := &Worker{
		cfg:   cfg,
		log:   cfg.Logger,
		in:    protocol.NewReader(in),
		out:   protocol.NewWriter(out),
		host:  hostfunc.NewRegistry(),
		inbox: make(chan protocol.Message, 64),
		installer: hostfunc.NewInstaller(hostfunc.PkgConfig{
			PackageDir: cfg.PackageDir,
			IndexDir:   cfg.PackageIndex,
		}),
	}
	hostfunc.RegisterKV(w.host, hostfunc.NewKV(hostfunc.DefaultKVConfig()))
	hostfunc.RegisterTime(w.host)

	w.ns = interp.NewNamespace(
		interp.WithTimeout(cfg.ExecTimeout),
		interp.WithHostFuncs(w.host),
		interp.WithOutput(w.stdout, w.stderr),
		interp.WithLoader(w.loadSource),
	)
	return w
}

// Run serves requests until stdin reaches EOF or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	go w.intake()
	defer func() {
		if w.wasm != nil {
			w.wasm.Close(context.Background())
		}
	}()

	for {
		msg, ok := w.next(ctx)
		if !ok {
			return ctx.Err()
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) intake() {
	defer close(w.inbox)
	for {
		msg, err := w.in.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.log.Error().Err(err).Msg("read request")
			}
			return
		}
		w.inbox <- msg
	}
}

func (w *Worker) next(ctx context.Context) (protocol.Message, bool) {
	if len(w.leftover) > 0 {
		msg := w.leftover[0]
		w.leftover = w.leftover[1:]
		return msg, true
	}
	select {
	case msg, ok := <-w.inbox:
		return msg, ok
	case <-ctx.Done():
		return protocol.Message{}, false
	}
}

func (w *Worker) handle(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeInit:
		w.init(ctx, msg.Packages)

	case protocol.TypeExec:
		if msg.ID == "" {
			w.fail(msg.ID, "invalid exec request: missing id")
			return
		}
		if !w.initialized {
			w.fail(msg.ID, "worker not initialized")
			return
		}
		w.reply(msg.ID, w.ns.Exec(ctx, msg.Code), protocol.Message{Type: protocol.TypeOK, ID: msg.ID})

	case protocol.TypeEval:
		if msg.ID == "" || msg.Expr == "" {
			w.fail(msg.ID, "invalid eval request: missing id or expr")
			return
		}
		if !w.initialized {
			w.fail(msg.ID, "worker not initialized")
			return
		}
		value, err := w.ns.EvalJSON(ctx, msg.Expr)
		w.reply(msg.ID, err, protocol.Message{Type: protocol.TypeValue, ID: msg.ID, Value: value})

	case protocol.TypeStreamStart:
		if msg.ID == "" || msg.Expr == "" {
			w.fail(msg.ID, "invalid stream-start request: missing id or expr")
			w.send(protocol.Message{Type: protocol.TypeStreamDone, ID: msg.ID})
			return
		}
		if !w.initialized {
			w.fail(msg.ID, "worker not initialized")
			w.send(protocol.Message{Type: protocol.TypeStreamDone, ID: msg.ID})
			return
		}
		w.stream(ctx, msg.ID, msg.Expr)

	case protocol.TypeStreamStop, protocol.TypeStreamExec, protocol.TypeNoop:
		// Stream control outside a stream has nothing to act on.
		w.log.Debug().Str("type", string(msg.Type)).Msg("ignored outside stream")

	default:
		w.fail(msg.ID, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

// reply sends ok on success, or the error reply matching err.
func (w *Worker) reply(id string, err error, ok protocol.Message) {
	if err == nil {
		w.send(ok)
		return
	}
	w.send(errorReply(id, err))
}

func errorReply(id string, err error) protocol.Message {
	msg := protocol.Message{Type: protocol.TypeError, ID: id, Error: err.Error()}

	var timeoutErr *interp.TimeoutError
	var execErr *interp.ExecError
	switch {
	case errors.As(err, &timeoutErr), errors.Is(err, interp.ErrWedged):
		msg.ErrorType = protocol.ErrorTypeTimeout
	case errors.As(err, &execErr):
		msg.Traceback = execErr.Traceback
	}
	return msg
}

func (w *Worker) fail(id, text string) {
	w.send(protocol.Message{Type: protocol.TypeError, ID: id, Error: text})
}

func (w *Worker) send(msg protocol.Message) {
	if err := w.out.Write(msg); err != nil {
		w.log.Error().Err(err).Str("type", string(msg.Type)).Msg("write reply")
	}
}

func (w *Worker) stdout(s string) {
	w.send(protocol.Message{Type: protocol.TypeStdout, Value: s})
}

func (w *Worker) stderr(s string) {
	w.send(protocol.Message{Type: protocol.TypeStderr, Value: s})
}
