// Package executor is the controller side of gorepl. It runs one worker
// process per session and turns HTTP-shaped operations into protocol
// exchanges with that worker.
//
// # Overview
//
// A [Session] owns a worker subprocess and the framed channel to it. A
// [Registry] maps session ids to live sessions, replaces dead workers
// transparently and sweeps sessions that have been idle too long. An
// [Executor] dispatches exec, eval and streaming operations against the
// registry.
//
// # Basic Usage
//
//	reg := executor.NewRegistry(executor.WithSessionOptions(
//	    executor.WithWorkerCommand("gorepl", "worker"),
//	))
//	defer reg.CloseAll()
//	go reg.Run(ctx)
//
//	exec := executor.New(reg)
//	reply, err := exec.Exec(ctx, "session-1", "", `x = 42`)
//	reply, err = exec.Eval(ctx, "session-1", "", `x`)
//	fmt.Println(reply.Value) // 42
//
// # Streaming
//
// StreamStart returns as soon as the worker has been asked to start. A
// background forwarder moves worker output into the session's queue, and
// StreamPoll long-polls that queue:
//
//	id, _ := exec.StreamStart(ctx, "session-1", "", `step()`)
//	for {
//	    msgs, done, _ := exec.StreamPoll(ctx, "session-1")
//	    ...
//	    if done {
//	        break
//	    }
//	}
//
// # Failures
//
// Timeouts and worker deaths tear the session down; the next request for
// the same id gets a fresh worker. Both surface as a [*Failure] whose Kind
// tells them apart.
package executor
