package executor

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/gorepl/protocol"
	"github.com/caffeineduck/gorepl/worker"
)

const helperEnv = "GOREPL_TEST_WORKER"

// TestMain lets the test binary double as the worker: sessions re-execute it
// with helperEnv set.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		cfg, err := worker.ConfigFromEnv()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if err := worker.New(os.Stdin, os.Stdout, cfg).Run(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func workerOptions(t *testing.T, mutate func(*worker.Config)) []SessionOption {
	t.Helper()

	self, err := os.Executable()
	require.NoError(t, err)

	cfg := worker.DefaultConfig()
	cfg.PackageDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}
	return []SessionOption{
		WithWorkerCommand(self),
		WithWorkerEnv(helperEnv + "=1"),
		WithWorkerConfig(cfg),
	}
}

func newTestRegistry(t *testing.T, mutate func(*worker.Config), opts ...RegistryOption) *Registry {
	t.Helper()
	opts = append([]RegistryOption{WithSessionOptions(workerOptions(t, mutate)...)}, opts...)
	reg := NewRegistry(opts...)
	t.Cleanup(reg.CloseAll)
	return reg
}

func newTestExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	return New(newTestRegistry(t, nil), opts...)
}

func pollUntilDone(t *testing.T, e *Executor, sessionID string) []protocol.Message {
	t.Helper()

	var all []protocol.Message
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msgs, done, err := e.StreamPoll(context.Background(), sessionID)
		require.NoError(t, err)
		all = append(all, msgs...)
		if done {
			return all
		}
	}
	t.Fatalf("stream did not finish, got %d messages", len(all))
	return nil
}

func pollUntilData(t *testing.T, e *Executor, sessionID string) []protocol.Message {
	t.Helper()

	var all []protocol.Message
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msgs, done, err := e.StreamPoll(context.Background(), sessionID)
		require.NoError(t, err)
		require.False(t, done, "stream ended early: %+v", msgs)
		all = append(all, msgs...)
		for _, m := range msgs {
			if m.Type == protocol.TypeStreamData {
				return all
			}
		}
	}
	t.Fatal("no stream data")
	return nil
}

func ofType(msgs []protocol.Message, typ protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}
