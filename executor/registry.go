package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/caffeineduck/gorepl/internal/observability"
)

// Registry maps session ids to live sessions.
type Registry struct {
	cfg   registryConfig
	log   zerolog.Logger
	spawn func(id string) (*Session, error)

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(opts ...RegistryOption) *Registry {
	cfg := defaultRegistryConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	r := &Registry{
		cfg:      cfg,
		log:      cfg.logger,
		sessions: make(map[string]*Session),
	}
	r.spawn = func(id string) (*Session, error) {
		opts := append([]SessionOption{WithSessionLogger(r.log)}, r.cfg.session...)
		return NewSession(id, opts...)
	}
	return r
}

// GetOrCreate returns the live session for id, spawning a worker when there
// is none or the previous one has died. Spawning and reaping happen outside
// the registry lock; when two callers race, the first session stored wins.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.IsAlive() {
		r.mu.Unlock()
		return s, nil
	}
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		r.replaceDead(s)
	}

	fresh, err := r.spawn(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	current, ok := r.sessions[id]
	if ok && current.IsAlive() {
		r.mu.Unlock()
		fresh.Terminate()
		return current, nil
	}
	r.sessions[id] = fresh
	r.mu.Unlock()

	if ok {
		r.replaceDead(current)
	}
	observability.RecordSessionCreated()
	r.log.Info().Str("session", id).Int("pid", fresh.Pid()).Msg("session created")
	return fresh, nil
}

func (r *Registry) replaceDead(s *Session) {
	s.Terminate()
	observability.RecordSessionRemoved(observability.ReasonReplaced)
	r.log.Info().Str("session", s.id).Msg("replacing dead worker")
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove terminates and forgets the session for id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.terminate(s, observability.ReasonDeleted)
	return true
}

// discard removes s if it is still the registered session for its id.
func (r *Registry) discard(s *Session, reason string) {
	r.mu.Lock()
	current, ok := r.sessions[s.id]
	if ok && current == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()

	if ok && current == s {
		r.terminate(s, reason)
	} else {
		s.Terminate()
	}
}

func (r *Registry) terminate(s *Session, reason string) {
	s.Terminate()
	observability.RecordSessionRemoved(reason)
	r.log.Info().Str("session", s.id).Str("reason", reason).Msg("session removed")
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes every session idle for longer than the TTL as of now and
// returns how many were removed.
func (r *Registry) Sweep(now time.Time) int {
	var stale []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActive()) > r.cfg.ttl {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.terminate(s, observability.ReasonExpired)
	}
	if len(stale) > 0 {
		r.log.Info().Int("removed", len(stale)).Msg("swept idle sessions")
	}
	return len(stale)
}

// Run sweeps on the configured interval until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// CloseAll terminates every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			r.terminate(s, observability.ReasonShutdown)
			return nil
		})
	}
	g.Wait()
}
