// Package registry is the daemon's concurrent map of named sessions:
// creation with auto-naming, snapshot listing, kill-by-name, and
// periodic reaping of dead entries.
//
// Auto-naming assigns "session-<n>", probing from n=1 on every call so
// a name freed by reaping is reused. Kill only signals — it does not
// remove the entry; that's Reap's job.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chriswa/amux/protocol"
	"github.com/chriswa/amux/session"
)

// ErrAlreadyExists is returned by Create when the requested name is
// already in use.
var ErrAlreadyExists = errors.New("registry: session already exists")

// ErrNotFound is returned by Kill, Get, and SendInput-style lookups
// when the named session is absent.
var ErrNotFound = errors.New("registry: session not found")

// Registry is a concurrency-safe named collection of sessions. The
// mutex is held only across map operations, never across a session
// I/O call — handlers copy out the *session.Session handle and use it
// after releasing the lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	log      *slog.Logger
}

// New returns an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{sessions: make(map[string]*session.Session), log: log}
}

// allocateName returns requested if non-empty and free, or the
// smallest unused "session-<n>" (n >= 1) if requested is empty. Caller
// must hold r.mu.
func (r *Registry) allocateName(requested string) (string, error) {
	if requested != "" {
		if _, exists := r.sessions[requested]; exists {
			return "", fmt.Errorf("%w: %q", ErrAlreadyExists, requested)
		}
		return requested, nil
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("session-%d", n)
		if _, exists := r.sessions[candidate]; !exists {
			return candidate, nil
		}
	}
}

// Create spawns a new session and registers it under name (or an
// auto-assigned "session-<n>" if name is empty).
func (r *Registry) Create(name string, argv []string, size session.Winsize) (string, error) {
	r.mu.Lock()
	allocated, err := r.allocateName(name)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	// Reserve the name before spawning (which can take a moment) so a
	// concurrent Create can't race to the same auto-assigned slot.
	r.sessions[allocated] = nil
	r.mu.Unlock()

	sess, err := session.Spawn(allocated, argv, size, r.log)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.sessions, allocated)
		return "", fmt.Errorf("registry: spawn failed: %w", err)
	}
	r.sessions[allocated] = sess
	r.log.Info("session created", "name", allocated, "pid", sess.Pid, "command", sess.CommandString())
	return allocated, nil
}

// List returns a snapshot of every known session, live or recently
// dead but not yet reaped.
func (r *Registry) List() []protocol.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s == nil {
			continue // reserved slot, spawn still in flight
		}
		out = append(out, protocol.SessionInfo{
			Name:    s.Name,
			Command: s.CommandString(),
			Pid:     s.Pid,
			Alive:   s.Alive(),
		})
	}
	return out
}

// Get returns the named session, or ErrNotFound.
func (r *Registry) Get(name string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, exists := r.sessions[name]
	if !exists || s == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s, nil
}

// Kill signals the named session's kill sink. It returns Ok even if
// the child has already exited — the entry is removed later, by Reap,
// not by Kill itself.
func (r *Registry) Kill(name string) error {
	s, err := r.Get(name)
	if err != nil {
		return err
	}
	s.Kill()
	return nil
}

// KillAll signals every session's kill sink. Used at daemon shutdown.
func (r *Registry) KillAll() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Kill()
	}
}

// Reap removes every entry whose session has died, and returns their
// names. Intended to run on a periodic tick and once synchronously at
// shutdown after KillAll.
func (r *Registry) Reap() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dead []string
	for name, s := range r.sessions {
		if s != nil && !s.Alive() {
			dead = append(dead, name)
		}
	}
	for _, name := range dead {
		delete(r.sessions, name)
	}
	return dead
}

// WaitAllDone blocks until every currently-registered session has
// finished tearing down. Used at shutdown after KillAll, before the
// final Reap and socket cleanup.
func (r *Registry) WaitAllDone() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	r.mu.Unlock()
	for _, s := range sessions {
		<-s.Done()
	}
}
