// Package llm – session.go tracks the persistent session: the opaque id
// the CLI hands back, the cumulative context token estimate, and the
// summary string that carries continuity across a compression reset.
package llm

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/jholhewres/aide/pkg/aide/store"
)

// SessionState is the persisted process-singleton session.
type SessionState struct {
	ID        string    `json:"id"`
	Tokens    int       `json:"tokens"`
	Started   bool      `json:"started"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStore persists SessionState with atomic writes.
type SessionStore struct {
	path string

	mu    sync.Mutex
	state SessionState
}

// NewSessionStore loads dataDir/session.json (missing file = fresh state).
func NewSessionStore(dataDir string) (*SessionStore, error) {
	s := &SessionStore{path: filepath.Join(dataDir, "session.json")}
	if err := store.LoadJSON(s.path, &s.state); err != nil {
		return nil, err
	}
	// A process restart always respawns the subprocess.
	s.state.Started = false
	return s, nil
}

// Get returns a copy of the current state.
func (s *SessionStore) Get() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Update applies fn to the state under the lock and persists the result.
func (s *SessionStore) Update(fn func(*SessionState)) error {
	s.mu.Lock()
	fn(&s.state)
	s.state.UpdatedAt = time.Now()
	snapshot := s.state
	s.mu.Unlock()
	return store.SaveJSON(s.path, snapshot)
}

// AddTokens bumps the cumulative context estimate.
func (s *SessionStore) AddTokens(n int) error {
	return s.Update(func(st *SessionState) { st.Tokens += n })
}

// Reset installs a new blank session carrying the given summary. Called
// after compression; the next spawn captures a fresh id.
func (s *SessionStore) Reset(summary string) error {
	return s.Update(func(st *SessionState) {
		st.ID = ""
		st.Tokens = 0
		st.Started = false
		if summary != "" {
			st.Summary = summary
		}
	})
}
