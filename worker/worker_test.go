package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/gorepl/interp"
	"github.com/caffeineduck/gorepl/protocol"
)

type harness struct {
	t    *testing.T
	in   *io.PipeWriter
	req  *protocol.Writer
	msgs chan protocol.Message
	done chan error
}

func startWorker(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PackageDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		t:    t,
		in:   inW,
		req:  protocol.NewWriter(inW),
		msgs: make(chan protocol.Message, 256),
		done: make(chan error, 1),
	}

	w := New(inR, outW, cfg)
	go func() {
		h.done <- w.Run(context.Background())
		outW.Close()
	}()
	go func() {
		defer close(h.msgs)
		r := protocol.NewReader(outR)
		for {
			msg, err := r.Read()
			if err != nil {
				return
			}
			h.msgs <- msg
		}
	}()

	t.Cleanup(func() { inW.Close() })
	return h
}

func (h *harness) send(msg protocol.Message) {
	h.t.Helper()
	require.NoError(h.t, h.req.Write(msg))
}

func (h *harness) recv() protocol.Message {
	h.t.Helper()
	select {
	case msg, ok := <-h.msgs:
		require.True(h.t, ok, "worker output closed")
		return msg
	case <-time.After(10 * time.Second):
		h.t.Fatal("timed out waiting for worker output")
	}
	return protocol.Message{}
}

// until collects messages up to and including the first one matching stop.
func (h *harness) until(stop func(protocol.Message) bool) []protocol.Message {
	h.t.Helper()
	var out []protocol.Message
	for {
		msg := h.recv()
		out = append(out, msg)
		if stop(msg) {
			return out
		}
	}
}

func (h *harness) terminal(id string) (protocol.Message, string, string) {
	h.t.Helper()
	var stdout, stderr strings.Builder
	for {
		msg := h.recv()
		switch {
		case msg.Type == protocol.TypeStdout:
			stdout.WriteString(msg.Value)
		case msg.Type == protocol.TypeStderr:
			stderr.WriteString(msg.Value)
		case msg.IsTerminal() && msg.ID == id:
			return msg, stdout.String(), stderr.String()
		}
	}
}

func (h *harness) init(packages ...protocol.Package) []protocol.Message {
	h.t.Helper()
	h.send(protocol.Init(packages))
	return h.until(func(m protocol.Message) bool {
		return m.Type == protocol.TypeReady || m.Type == protocol.TypeError
	})
}

func types(msgs []protocol.Message) []protocol.Type {
	out := make([]protocol.Type, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func TestExecBeforeInit(t *testing.T) {
	h := startWorker(t, nil)

	h.send(protocol.Exec("e1", "x = 1"))
	reply, _, _ := h.terminal("e1")
	require.Equal(t, protocol.TypeError, reply.Type)
	require.Equal(t, "worker not initialized", reply.Error)
}

func TestInitIsIdempotent(t *testing.T) {
	h := startWorker(t, nil)

	first := h.init()
	require.Equal(t, []protocol.Type{protocol.TypeProgress, protocol.TypeReady}, types(first))

	second := h.init()
	require.Equal(t, []protocol.Type{protocol.TypeReady}, types(second))
}

func TestNamespacePersistsAcrossRequests(t *testing.T) {
	h := startWorker(t, nil)
	h.init()

	h.send(protocol.Exec("e1", "x = 10"))
	reply, _, _ := h.terminal("e1")
	require.Equal(t, protocol.TypeOK, reply.Type)

	h.send(protocol.Eval("v1", "x"))
	reply, _, _ = h.terminal("v1")
	require.Equal(t, protocol.TypeValue, reply.Type)
	require.Equal(t, "10", reply.Value)
}

func TestExecErrorKeepsSessionUsable(t *testing.T) {
	h := startWorker(t, nil)
	h.init()

	h.send(protocol.Exec("e1", "fail('e')"))
	reply, _, _ := h.terminal("e1")
	require.Equal(t, protocol.TypeError, reply.Type)
	require.Contains(t, reply.Error, "e")
	require.NotEmpty(t, reply.Traceback)
	require.Empty(t, reply.ErrorType)

	h.send(protocol.Exec("e2", "y = 1"))
	reply, _, _ = h.terminal("e2")
	require.Equal(t, protocol.TypeOK, reply.Type)
}

func TestOutputPrecedesReplyInOrder(t *testing.T) {
	h := startWorker(t, nil)
	h.init()

	h.send(protocol.Exec("e1", "print('a')\neprint('oops')\nprint('b')"))
	msgs := h.until(func(m protocol.Message) bool { return m.ID == "e1" })
	require.Equal(t, []protocol.Type{
		protocol.TypeStdout, protocol.TypeStderr, protocol.TypeStdout, protocol.TypeOK,
	}, types(msgs))
	require.Equal(t, "a\n", msgs[0].Value)
	require.Equal(t, "b\n", msgs[2].Value)
}

func TestExecTimeout(t *testing.T) {
	h := startWorker(t, func(c *Config) { c.ExecTimeout = 100 * time.Millisecond })
	h.init()

	h.send(protocol.Exec("e1", "while True:\n    pass"))
	reply, _, _ := h.terminal("e1")
	require.True(t, reply.IsTimeout(), "got %+v", reply)
}

func TestErrorReplyTypes(t *testing.T) {
	wedged := errorReply("e1", interp.ErrWedged)
	require.True(t, wedged.IsTimeout(), "a wedged namespace must read as a timeout")
	require.Equal(t, "e1", wedged.ID)

	timeout := errorReply("e2", &interp.TimeoutError{Budget: time.Second})
	require.True(t, timeout.IsTimeout())

	execErr := errorReply("e3", &interp.ExecError{Msg: "boom", Traceback: "tb"})
	require.False(t, execErr.IsTimeout())
	require.Equal(t, "tb", execErr.Traceback)
}

func TestEvalSerializationError(t *testing.T) {
	h := startWorker(t, nil)
	h.init()

	h.send(protocol.Eval("v1", "float('inf')"))
	reply, _, _ := h.terminal("v1")
	require.Equal(t, protocol.TypeError, reply.Type)
}

func TestInvalidAndUnknownRequests(t *testing.T) {
	h := startWorker(t, nil)
	h.init()

	h.send(protocol.Message{Type: protocol.TypeEval, ID: "v1"})
	reply, _, _ := h.terminal("v1")
	require.Contains(t, reply.Error, "missing id or expr")

	h.send(protocol.Message{Type: "bogus", ID: "b1"})
	reply, _, _ = h.terminal("b1")
	require.Equal(t, "unknown message type: bogus", reply.Error)

	// Stream control outside a stream and noop produce nothing.
	h.send(protocol.StreamStop())
	h.send(protocol.StreamExec("x = 1"))
	h.send(protocol.Noop())
	h.send(protocol.Exec("e1", "z = 1"))
	msgs := h.until(func(m protocol.Message) bool { return m.ID == "e1" })
	require.Equal(t, []protocol.Type{protocol.TypeOK}, types(msgs))
}

func TestStdinEOFEndsRun(t *testing.T) {
	h := startWorker(t, nil)
	h.init()
	h.in.Close()

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on EOF")
	}
}

func TestInitPackages(t *testing.T) {
	index := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(index, "mathx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(index, "mathx", "v1.1.0.star"),
		[]byte("def twice(x):\n    return 2 * x\n"), 0o644))

	t.Run("required missing", func(t *testing.T) {
		h := startWorker(t, func(c *Config) { c.PackageIndex = index })

		msgs := h.init(protocol.Package{Import: "nosuch", Required: true})
		last := msgs[len(msgs)-1]
		require.Equal(t, protocol.TypeError, last.Type)
		require.Contains(t, last.Error, "nosuch")

		h.send(protocol.Exec("e1", "x = 1"))
		reply, _, _ := h.terminal("e1")
		require.Equal(t, "worker not initialized", reply.Error)
	})

	t.Run("optional missing and installed", func(t *testing.T) {
		h := startWorker(t, func(c *Config) { c.PackageIndex = index })

		msgs := h.init(
			protocol.Package{Import: "nosuch"},
			protocol.Package{Import: "mathx", Required: true},
		)
		require.Equal(t, protocol.TypeReady, msgs[len(msgs)-1].Type)

		var stdout, stderr, progress []string
		for _, m := range msgs {
			switch m.Type {
			case protocol.TypeStdout:
				stdout = append(stdout, m.Value)
			case protocol.TypeStderr:
				stderr = append(stderr, m.Value)
			case protocol.TypeProgress:
				progress = append(progress, m.Value)
			}
		}
		require.Equal(t, []string{"mathx v1.1.0 loaded successfully\n"}, stdout)
		require.Len(t, stderr, 1)
		require.Contains(t, stderr[0], "nosuch")
		require.Contains(t, progress, "Installing mathx...")

		h.send(protocol.Eval("v1", "mathx.twice(21)"))
		reply, _, _ := h.terminal("v1")
		require.Equal(t, "42", reply.Value)

		h.send(protocol.Exec("e1", "load('mathx', 'twice')\ny = twice(2)"))
		reply, _, _ = h.terminal("e1")
		require.Equal(t, protocol.TypeOK, reply.Type, reply.Error)
	})
}

func TestInitWASMPackage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "arith.wasm")
	require.NoError(t, os.WriteFile(src, addWASM, 0o644))

	h := startWorker(t, nil)
	msgs := h.init(protocol.Package{Import: "arith", Install: src, Required: true})
	require.Equal(t, protocol.TypeReady, msgs[len(msgs)-1].Type)

	h.send(protocol.Eval("v1", "arith.add(2, 3)"))
	reply, _, _ := h.terminal("v1")
	require.Equal(t, "5", reply.Value, reply.Error)
}

// addWASM exports add(i32, i32) i32.
var addWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 'a', 'd', 'd', 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}
