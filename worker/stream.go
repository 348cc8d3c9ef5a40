package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/gorepl/interp"
	"github.com/caffeineduck/gorepl/protocol"
)

// streamControl owns the inbox while a stream runs.
type streamControl struct {
	stop atomic.Bool

	mu    sync.Mutex
	queue []string
}

func (c *streamControl) enqueue(code string) {
	c.mu.Lock()
	c.queue = append(c.queue, code)
	c.mu.Unlock()
}

func (c *streamControl) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

// stream repeatedly evaluates expr, emitting each unfinished result as
// stream-data, until the result reports done, a stop is requested, or a step
// fails. Exactly one stream-done is sent at the end.
func (w *Worker) stream(ctx context.Context, id, expr string) {
	ctl := &streamControl{}
	quit := make(chan struct{})
	ctlDone := make(chan struct{})

	go func() {
		defer close(ctlDone)
		for {
			select {
			case <-quit:
				return
			case msg, ok := <-w.inbox:
				if !ok {
					ctl.stop.Store(true)
					return
				}
				switch msg.Type {
				case protocol.TypeStreamStop:
					ctl.stop.Store(true)
				case protocol.TypeStreamExec:
					ctl.enqueue(msg.Code)
				case protocol.TypeNoop:
				default:
					w.leftover = append(w.leftover, msg)
				}
			}
		}
	}()

	defer func() {
		close(quit)
		<-ctlDone
		w.send(protocol.Message{Type: protocol.TypeStreamDone, ID: id})
	}()

	log := w.log.With().Str("id", id).Logger()
	log.Debug().Str("expr", expr).Msg("stream started")

	for steps := 0; ; steps++ {
		if ctl.stop.Load() {
			log.Debug().Int("steps", steps).Msg("stream stopped")
			return
		}

		for _, code := range ctl.take() {
			if err := w.ns.Exec(ctx, code); err != nil {
				w.stderr("stream exec error: " + err.Error() + "\n")
			}
		}

		value, err := w.ns.EvalJSON(ctx, expr)
		if err != nil {
			w.send(errorReply(id, err))
			return
		}

		if ctl.stop.Load() {
			if !interp.IsDone(value) && interp.HasResult(value) {
				w.send(protocol.Message{Type: protocol.TypeStreamData, ID: id, Value: value})
			}
			log.Debug().Int("steps", steps+1).Msg("stream stopped")
			return
		}
		if interp.IsDone(value) {
			log.Debug().Int("steps", steps+1).Msg("stream finished")
			return
		}
		w.send(protocol.Message{Type: protocol.TypeStreamData, ID: id, Value: value})
	}
}
