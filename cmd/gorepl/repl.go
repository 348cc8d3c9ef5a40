package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/gorepl/executor"
	"github.com/caffeineduck/gorepl/protocol"
)

const replSession = "repl"

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL backed by a single worker session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Commands:
  :eval EXPR      Evaluate an expression and print its value
  :stream EXPR    Start streaming EXPR until it reports done
  :sexec CODE     Run code between steps of the running stream
  :stop           Stop the running stream
  :init           Initialize the session with the --package list
  :reset          Discard the session and start a fresh worker

Anything else is executed as code. Type 'exit' or 'quit' to end the
session, or press Ctrl+D.`,
	Run: runRepl,
}

func init() {
	replCmd.Flags().StringSlice("package", nil, "Package to install at init: name, name==version or name=path (repeatable)")
	replCmd.Flags().String("history", "", "History file path (default: ~/.gorepl_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) {
	pkgArgs, _ := cmd.Flags().GetStringSlice("package")
	historyFile, _ := cmd.Flags().GetString("history")

	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".gorepl_history")
	}

	packages, err := parsePackages(pkgArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	exec, reg := localExecutor(cmd)
	defer reg.CloseAll()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	r := &repl{exec: exec, packages: packages, out: rl.Stdout(), errOut: rl.Stderr()}
	fmt.Fprintln(os.Stderr, "gorepl Starlark REPL (type 'exit' to quit, Ctrl+D to exit)")
	r.initSession()

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if trimmed := strings.TrimSpace(line); trimmed == "exit" || trimmed == "quit" {
			break
		}
		r.handle(line)
	}
	r.stopPolling()
}

type repl struct {
	exec     *executor.Executor
	packages []protocol.Package
	out      io.Writer
	errOut   io.Writer

	cancelPoll context.CancelFunc
	pollDone   chan struct{}
}

func (r *repl) handle(line string) {
	ctx := context.Background()
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case ":eval":
		r.stopPolling()
		reply, err := r.exec.Eval(ctx, replSession, "", rest)
		r.report(reply, err)
	case ":stream":
		r.stopPolling()
		id, err := r.exec.StreamStart(ctx, replSession, "", rest)
		if err != nil {
			fmt.Fprintf(r.errOut, "Error: %v\n", err)
			return
		}
		r.startPolling(id)
	case ":sexec":
		if err := r.exec.StreamExec(ctx, replSession, rest); err != nil {
			fmt.Fprintf(r.errOut, "Error: %v\n", err)
		}
	case ":stop":
		if err := r.exec.StreamStop(ctx, replSession); err != nil {
			fmt.Fprintf(r.errOut, "Error: %v\n", err)
		}
	case ":init":
		r.stopPolling()
		r.initSession()
	case ":reset":
		r.stopPolling()
		r.exec.Terminate(replSession)
		r.initSession()
	default:
		r.stopPolling()
		reply, err := r.exec.Exec(ctx, replSession, "", line)
		r.report(reply, err)
	}
}

func (r *repl) initSession() {
	msgs, err := r.exec.Init(context.Background(), replSession, r.packages)
	for _, m := range msgs {
		switch m.Type {
		case protocol.TypeStdout:
			fmt.Fprint(r.out, m.Value)
		case protocol.TypeStderr:
			fmt.Fprint(r.errOut, m.Value)
		}
	}
	if err != nil {
		fmt.Fprintf(r.errOut, "Error: %v\n", err)
	}
}

func (r *repl) report(reply protocol.Message, err error) {
	if err != nil {
		if reply.Type != "" {
			printReply(r.out, r.errOut, reply)
		}
		fmt.Fprintf(r.errOut, "Error: %v\n", err)
		return
	}
	printReply(r.out, r.errOut, reply)
}

// startPolling prints stream messages in the background until the stream
// ends or stopPolling is called.
func (r *repl) startPolling(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancelPoll, r.pollDone = cancel, done

	go func() {
		defer close(done)
		for ctx.Err() == nil {
			msgs, finished, err := r.exec.StreamPoll(ctx, replSession)
			if err != nil {
				fmt.Fprintf(r.errOut, "Error: %v\n", err)
				return
			}
			for _, m := range msgs {
				switch m.Type {
				case protocol.TypeStreamData:
					fmt.Fprintf(r.out, "[%s] %s\n", id[:min(8, len(id))], m.Value)
				case protocol.TypeStdout:
					fmt.Fprint(r.out, m.Value)
				case protocol.TypeStderr:
					fmt.Fprint(r.errOut, m.Value)
				case protocol.TypeError:
					fmt.Fprintf(r.errOut, "Error: %s\n", m.Error)
				}
			}
			if finished {
				return
			}
		}
	}()
}

func (r *repl) stopPolling() {
	if r.cancelPoll == nil {
		return
	}
	r.cancelPoll()
	<-r.pollDone
	r.cancelPoll, r.pollDone = nil, nil
}
