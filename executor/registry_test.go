package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/gorepl/protocol"
)

func TestSweepRemovesIdleSessions(t *testing.T) {
	reg := newTestRegistry(t, nil, WithSessionTTL(time.Minute))
	e := New(reg)
	ctx := context.Background()

	_, err := e.Exec(ctx, "idle", "", "x = 1")
	require.NoError(t, err)
	_, err = e.Exec(ctx, "busy", "", "x = 1")
	require.NoError(t, err)

	idle, _ := reg.Get("idle")
	busy, _ := reg.Get("busy")

	require.Zero(t, reg.Sweep(time.Now()))

	now := time.Now().Add(2 * time.Minute)
	busy.lastActive.Store(now.Add(-time.Second).UnixNano())

	require.Equal(t, 1, reg.Sweep(now))
	require.Equal(t, 1, reg.Len())
	require.False(t, idle.IsAlive())
	require.True(t, busy.IsAlive())

	reply, err := e.Eval(ctx, "idle", "", "x")
	require.NoError(t, err)
	require.Equal(t, protocol.TypeError, reply.Type, "swept session should come back fresh")
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	reg := newTestRegistry(t, nil,
		WithSessionTTL(50*time.Millisecond),
		WithSweepInterval(20*time.Millisecond),
	)

	_, err := reg.GetOrCreate("s1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGetOrCreateReusesLiveSession(t *testing.T) {
	reg := newTestRegistry(t, nil)

	a, err := reg.GetOrCreate("s1")
	require.NoError(t, err)
	b, err := reg.GetOrCreate("s1")
	require.NoError(t, err)
	require.Same(t, a, b)

	require.True(t, reg.Remove("s1"))
	require.False(t, a.IsAlive())
	require.False(t, reg.Remove("s1"))
}

func TestSpawnDoesNotBlockOtherSessions(t *testing.T) {
	reg := newTestRegistry(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	spawn := reg.spawn
	reg.spawn = func(id string) (*Session, error) {
		if id == "slow" {
			close(entered)
			<-release
		}
		return spawn(id)
	}

	slowDone := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate("slow")
		slowDone <- err
	}()
	<-entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := reg.GetOrCreate("fast")
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("GetOrCreate blocked behind another session's spawn")
	}
	_, ok := reg.Get("fast")
	require.True(t, ok)

	close(release)
	require.NoError(t, <-slowDone)
	require.Equal(t, 2, reg.Len())
}

func TestConcurrentGetOrCreateKeepsOneSession(t *testing.T) {
	reg := newTestRegistry(t, nil)

	const callers = 8
	got := make([]*Session, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = reg.GetOrCreate("shared")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, reg.Len())
	for _, s := range got[1:] {
		require.Same(t, got[0], s)
	}
	require.True(t, got[0].IsAlive())
}

func TestCloseAllTerminatesEverySession(t *testing.T) {
	reg := newTestRegistry(t, nil)

	var sessions []*Session
	for _, id := range []string{"a", "b", "c"} {
		s, err := reg.GetOrCreate(id)
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	reg.CloseAll()
	require.Zero(t, reg.Len())
	for _, s := range sessions {
		require.False(t, s.IsAlive())
	}
}
