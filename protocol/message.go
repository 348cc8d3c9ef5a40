// Package protocol defines the newline-delimited JSON messages exchanged
// between the controller and a worker process over the worker's stdin/stdout.
//
// Every message is one JSON object terminated by '\n'. Readers skip blank
// lines and anything that does not decode to an object with a type, because
// foreign code inside the worker may share the same OS-level output stream.
package protocol

// Type identifies the kind of a Message.
type Type string

// Controller to worker.
const (
	TypeInit        Type = "init"
	TypeExec        Type = "exec"
	TypeEval        Type = "eval"
	TypeStreamStart Type = "stream-start"
	TypeStreamStop  Type = "stream-stop"
	TypeStreamExec  Type = "stream-exec"
	TypeNoop        Type = "noop"
)

// Worker to controller.
const (
	TypeReady      Type = "ready"
	TypeProgress   Type = "progress"
	TypeStdout     Type = "stdout"
	TypeStderr     Type = "stderr"
	TypeOK         Type = "ok"
	TypeValue      Type = "value"
	TypeError      Type = "error"
	TypeStreamData Type = "stream-data"
	TypeStreamDone Type = "stream-done"
)

// Error types carried in Message.ErrorType.
const (
	ErrorTypeTimeout = "timeout"
	ErrorTypeCrashed = "worker-crashed"
)

// Package describes one dependency the worker must make importable during init.
type Package struct {
	Import   string `json:"import"`
	Install  string `json:"install,omitempty"`
	Required bool   `json:"required,omitempty"`
	Pre      bool   `json:"pre,omitempty"`
}

// Specifier returns the install specifier, defaulting to the import name.
func (p Package) Specifier() string {
	if p.Install != "" {
		return p.Install
	}
	return p.Import
}

// Message is the unit of communication in both directions.
type Message struct {
	Type      Type      `json:"type"`
	ID        string    `json:"id,omitempty"`
	Code      string    `json:"code,omitempty"`
	Expr      string    `json:"expr,omitempty"`
	Value     string    `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
	Packages  []Package `json:"packages,omitempty"`

	// Set by the receiver when it attaches accumulated output to a terminal reply.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// IsTerminal reports whether m concludes a request/response exchange.
func (m Message) IsTerminal() bool {
	switch m.Type {
	case TypeOK, TypeValue, TypeError:
		return true
	}
	return false
}

// EndsStream reports whether m ends a stream from the poller's point of view.
func (m Message) EndsStream() bool {
	return m.Type == TypeStreamDone || m.Type == TypeError
}

// IsTimeout reports whether m is an error reply caused by an exceeded time budget.
func (m Message) IsTimeout() bool {
	return m.Type == TypeError && m.ErrorType == ErrorTypeTimeout
}

// WithOutput returns a copy of m carrying accumulated stdout and stderr.
func (m Message) WithOutput(stdout, stderr string) Message {
	m.Stdout = stdout
	m.Stderr = stderr
	return m
}

func Init(packages []Package) Message { return Message{Type: TypeInit, Packages: packages} }

func Exec(id, code string) Message { return Message{Type: TypeExec, ID: id, Code: code} }

func Eval(id, expr string) Message { return Message{Type: TypeEval, ID: id, Expr: expr} }

func StreamStart(id, expr string) Message {
	return Message{Type: TypeStreamStart, ID: id, Expr: expr}
}

func StreamStop() Message { return Message{Type: TypeStreamStop} }

func StreamExec(code string) Message { return Message{Type: TypeStreamExec, Code: code} }

func Noop() Message { return Message{Type: TypeNoop} }
