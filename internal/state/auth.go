// internal/state/auth.go
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/connhub/internal/types"
)

// AuthKey is the backend key holding the encoded credential.
const AuthKey = "auth"

// ChangeSource tells a listener which notification path delivered a change.
type ChangeSource int

const (
	// SourceLocal is a mutation made through this AuthStore.
	SourceLocal ChangeSource = iota
	// SourceExternal is a mutation made by another execution context
	// sharing the same backend.
	SourceExternal
)

func (s ChangeSource) String() string {
	if s == SourceExternal {
		return "external"
	}
	return "local"
}

// Change is delivered to subscribers after every mutation.
type Change struct {
	Session types.Session
	Present bool
	Source  ChangeSource
}

// Listener receives session changes.
type Listener func(Change)

// AuthStore holds the current credential. It is the only process-wide
// shared state: last writer wins, no locking across contexts.
type AuthStore struct {
	backend Backend

	mu        sync.RWMutex
	session   types.Session
	present   bool
	hydrated  bool
	listeners map[types.ListenerID]Listener
	stopWatch func()

	hydratedCh chan struct{}
	hydrate    sync.Once
}

// NewAuthStore creates a store over backend. Call Hydrate before relying
// on GetSession.
func NewAuthStore(backend Backend) *AuthStore {
	return &AuthStore{
		backend:    backend,
		listeners:  make(map[types.ListenerID]Listener),
		hydratedCh: make(chan struct{}),
	}
}

// Hydrate loads the persisted credential and starts listening for changes
// made by other execution contexts. It is safe to call more than once.
func (s *AuthStore) Hydrate() {
	s.hydrate.Do(func() {
		sess, ok := s.load()

		s.mu.Lock()
		s.session, s.present = sess, ok
		s.hydrated = true
		s.stopWatch = s.backend.Watch(AuthKey, s.onExternalChange)
		s.mu.Unlock()

		close(s.hydratedCh)
	})
}

// Hydrated reports whether the persisted value has been loaded. Until then
// an absent session means "unknown", not "logged out".
func (s *AuthStore) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// WaitHydrated blocks until Hydrate has completed or ctx is done.
func (s *AuthStore) WaitHydrated(ctx context.Context) error {
	select {
	case <-s.hydratedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load reads and decodes the backend value. A malformed or unreadable
// credential is treated as absent.
func (s *AuthStore) load() (types.Session, bool) {
	raw, ok, err := s.backend.Get(AuthKey)
	if err != nil {
		slog.Warn("read stored credential failed", "error", err)
		return types.Session{}, false
	}
	if !ok {
		return types.Session{}, false
	}
	sess, ok := types.ParseCredential(raw)
	if !ok {
		slog.Warn("ignoring malformed stored credential")
	}
	return sess, ok
}

// GetSession returns the current session, if any.
func (s *AuthStore) GetSession() (types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.present
}

// SetSession persists sess and notifies local subscribers.
func (s *AuthStore) SetSession(sess types.Session) error {
	if err := s.backend.Set(AuthKey, sess.Credential); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	s.mu.Lock()
	s.session, s.present = sess, true
	s.mu.Unlock()
	s.notify(Change{Session: sess, Present: true, Source: SourceLocal})
	return nil
}

// ClearSession removes the persisted credential and notifies local
// subscribers.
func (s *AuthStore) ClearSession() error {
	if err := s.backend.Delete(AuthKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	s.mu.Lock()
	s.session, s.present = types.Session{}, false
	s.mu.Unlock()
	s.notify(Change{Present: false, Source: SourceLocal})
	return nil
}

// onExternalChange is the backend watch callback: the backend only reports
// writes from other contexts, so the new value is re-read and broadcast.
func (s *AuthStore) onExternalChange() {
	sess, ok := s.load()
	s.mu.Lock()
	s.session, s.present = sess, ok
	s.mu.Unlock()
	s.notify(Change{Session: sess, Present: ok, Source: SourceExternal})
}

// Subscribe registers fn for every future change, from either path.
func (s *AuthStore) Subscribe(fn Listener) (unsubscribe func()) {
	id := types.NewListenerID()
	s.mu.Lock()
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *AuthStore) notify(c Change) {
	s.mu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	slog.Debug("session changed", "present", c.Present, "source", c.Source.String())
	for _, fn := range fns {
		fn(c)
	}
}

// Close stops watching the backend.
func (s *AuthStore) Close() {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}
