// Package gorepl runs stateful Starlark interpreter sessions, one worker
// process per session, behind an HTTP API.
//
// # Overview
//
// A controller keeps a registry of sessions keyed by client-chosen ids. Each
// session owns a child process running "gorepl worker", which holds a single
// interpreter namespace and talks newline-delimited JSON over its standard
// streams. Variables and functions defined by one request stay visible to the
// next. A stuck or crashed worker is killed and replaced on the next request
// without affecting other sessions.
//
// # Basic Usage
//
//	reg := executor.NewRegistry()
//	defer reg.CloseAll()
//	exec := executor.New(reg)
//
//	exec.Init(ctx, "s1", nil)
//	exec.Exec(ctx, "s1", "", `x = 42`)
//	reply, _ := exec.Eval(ctx, "s1", "", `x + 1`)
//	fmt.Println(reply.Value) // 43
//
// # Streaming
//
// A stream repeatedly evaluates a step expression that returns
// {"result": ..., "done": bool}. Results are collected with StreamPoll, and
// StreamExec runs code between steps:
//
//	exec.StreamStart(ctx, "s1", "", "step()")
//	msgs, done, _ := exec.StreamPoll(ctx, "s1")
//
// See the [executor], [worker], [protocol], [interp] and [server] packages for
// detailed API documentation.
package gorepl
