// Package session owns the process-wide session state and the resolver that
// decides whether a navigation intent may proceed, must go through login,
// or is downgraded to its guest variant.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// State is an immutable snapshot of the session.
type State struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
	Token         string `json:"token,omitempty"`
}

// Persister loads and saves the session across restarts.
type Persister interface {
	Load() (State, error)
	Save(State) error
}

// Listener is called after every committed change.
type Listener func(prev, next State)

// Store is the single-writer session state. Readers take snapshots; all
// mutations go through Login, Logout, Refresh and Invalidate, which are
// serialized.
type Store struct {
	current atomic.Pointer[State]

	mu        sync.Mutex // serializes writers
	persister Persister
	listeners map[int]Listener
	nextID    int

	logger *slog.Logger
}

// Open seeds a store from persisted storage. A missing or unreadable
// record starts an unauthenticated session.
func Open(logger *slog.Logger, persister Persister) *Store {
	if persister == nil {
		persister = &MemoryPersister{}
	}
	s := &Store{
		persister: persister,
		listeners: make(map[int]Listener),
		logger:    logger.With(slog.String("component", "session_store")),
	}
	st, err := persister.Load()
	if err != nil {
		s.logger.Warn("Could not load persisted session, starting unauthenticated", slog.Any("error", err))
		st = State{}
	}
	if !st.Authenticated || st.Token == "" {
		st = State{}
	}
	s.current.Store(&st)
	return s
}

// Snapshot returns the current state. It never blocks on writers.
func (s *Store) Snapshot() State {
	return *s.current.Load()
}

// Subscribe registers a listener and returns a function that removes it.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Login commits an authenticated session.
func (s *Store) Login(userID, token string) error {
	if userID == "" || token == "" {
		return errors.New("login requires a user id and a token")
	}
	return s.commit(func(State) (State, bool) {
		return State{Authenticated: true, UserID: userID, Token: token}, true
	})
}

// Logout clears the session.
func (s *Store) Logout() error {
	return s.commit(func(prev State) (State, bool) {
		return State{}, prev.Authenticated
	})
}

// Refresh replaces the token of the active session.
func (s *Store) Refresh(token string) error {
	if token == "" {
		return errors.New("refresh requires a token")
	}
	var notAuthed bool
	err := s.commit(func(prev State) (State, bool) {
		if !prev.Authenticated {
			notAuthed = true
			return prev, false
		}
		return State{Authenticated: true, UserID: prev.UserID, Token: token}, true
	})
	if err == nil && notAuthed {
		return errors.New("refresh without an active session")
	}
	return err
}

// Invalidate drops the session only if it still carries token, so a
// resolver holding an old snapshot cannot log out a newer session.
func (s *Store) Invalidate(token string) (bool, error) {
	var changed bool
	err := s.commit(func(prev State) (State, bool) {
		if !prev.Authenticated || prev.Token != token {
			return prev, false
		}
		changed = true
		return State{}, true
	})
	return changed, err
}

func (s *Store) commit(mutate func(State) (State, bool)) error {
	s.mu.Lock()
	prev := *s.current.Load()
	next, changed := mutate(prev)
	if !changed {
		s.mu.Unlock()
		return nil
	}
	if err := s.persister.Save(next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist session: %w", err)
	}
	s.current.Store(&next)
	listeners := make([]Listener, 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()

	s.logger.Info("Session changed",
		slog.Bool("authenticated", next.Authenticated),
		slog.String("userID", next.UserID),
	)
	for _, fn := range listeners {
		fn(prev, next)
	}
	return nil
}

// MemoryPersister keeps the session in memory only.
type MemoryPersister struct {
	mu    sync.Mutex
	state State
}

func (m *MemoryPersister) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *MemoryPersister) Save(st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	return nil
}

// FilePersister stores the session as a JSON file readable only by the owner.
type FilePersister struct {
	Path string
}

func (f *FilePersister) Load() (State, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("corrupt session file %s: %w", f.Path, err)
	}
	return st, nil
}

func (f *FilePersister) Save(st State) error {
	if !st.Authenticated {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
