package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		wantOK bool
		want   Message
	}{
		{"blank", "", false, Message{}},
		{"whitespace", "   \t", false, Message{}},
		{"native noise", "jsbsim: initializing", false, Message{}},
		{"truncated json", `{"type":"ok","id":`, false, Message{}},
		{"json array", `[1,2,3]`, false, Message{}},
		{"no type", `{"id":"x"}`, false, Message{}},
		{"ok", `{"type":"ok","id":"e1"}`, true, Message{Type: TypeOK, ID: "e1"}},
		{"padded", "  {\"type\":\"ready\"}\r", true, Message{Type: TypeReady}},
		{
			"error with traceback",
			`{"type":"error","id":"e2","error":"boom","traceback":"line 1","errorType":"timeout"}`,
			true,
			Message{Type: TypeError, ID: "e2", Error: "boom", Traceback: "line 1", ErrorType: ErrorTypeTimeout},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Decode([]byte(tt.line))
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, msg)
		})
	}
}

func TestReaderSkipsNoise(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"progress","value":"Initializing worker..."}`,
		"",
		"printf from native code",
		`{"type":"stdout","value":"a\n"}`,
		`{not json`,
		`{"type":"ok","id":"e1"}`,
	}, "\n") + "\n"

	r := NewReader(strings.NewReader(input))

	var got []Type
	for {
		msg, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, msg.Type)
	}

	require.Equal(t, []Type{TypeProgress, TypeStdout, TypeOK}, got)
	require.Equal(t, 2, r.Skipped())
}

func TestReaderLastLineWithoutNewline(t *testing.T) {
	r := NewReader(strings.NewReader(`{"type":"stream-done","id":"s1"}`))

	msg, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, TypeStreamDone, msg.Type)

	_, err = r.Read()
	require.ErrorIs(t, err, io.EOF)
}

func TestWriterFramesOneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	w := NewWriter(bw)

	require.NoError(t, w.Write(Exec("e1", "x = 1\ny = 2")))
	require.NoError(t, w.Write(Noop()))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2, "embedded newlines must stay escaped inside the record")

	msg, ok := Decode([]byte(lines[0]))
	require.True(t, ok)
	require.Equal(t, "x = 1\ny = 2", msg.Code)
}

func TestWriterConcurrentWritesStayFramed(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&lockedBuffer{buf: &buf})

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- w.Write(Message{Type: TypeStdout, Value: strings.Repeat("x", 512)})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r := NewReader(&buf)
	count := 0
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 50, count)
	require.Zero(t, r.Skipped())
}

func TestMessageClassification(t *testing.T) {
	require.True(t, Message{Type: TypeOK}.IsTerminal())
	require.True(t, Message{Type: TypeValue}.IsTerminal())
	require.True(t, Message{Type: TypeError}.IsTerminal())
	require.False(t, Message{Type: TypeStdout}.IsTerminal())
	require.False(t, Message{Type: TypeStreamData}.IsTerminal())

	require.True(t, Message{Type: TypeStreamDone}.EndsStream())
	require.True(t, Message{Type: TypeError}.EndsStream())
	require.False(t, Message{Type: TypeStreamData}.EndsStream())

	require.True(t, Message{Type: TypeError, ErrorType: ErrorTypeTimeout}.IsTimeout())
	require.False(t, Message{Type: TypeError}.IsTimeout())
}

func TestPackageSpecifier(t *testing.T) {
	require.Equal(t, "mathx", Package{Import: "mathx"}.Specifier())
	require.Equal(t, "mathx==v1.2.0", Package{Import: "mathx", Install: "mathx==v1.2.0"}.Specifier())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
