package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStore_FreshState(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	st := s.Get()
	assert.Empty(t, st.ID)
	assert.Zero(t, st.Tokens)
	assert.False(t, st.Started)
}

func TestSessionStore_AddTokensAccumulates(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AddTokens(1000))
	require.NoError(t, s.AddTokens(500))
	assert.Equal(t, 1500, s.Get().Tokens)
}

func TestSessionStore_ResetKeepsSummary(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Update(func(st *SessionState) {
		st.ID = "sess-1"
		st.Tokens = 90_000
		st.Started = true
	}))

	require.NoError(t, s.Reset("we were planning a trip"))
	st := s.Get()
	assert.Empty(t, st.ID)
	assert.Zero(t, st.Tokens)
	assert.False(t, st.Started)
	assert.Equal(t, "we were planning a trip", st.Summary)

	// Reset without a new summary keeps the old one.
	require.NoError(t, s.Reset(""))
	assert.Equal(t, "we were planning a trip", s.Get().Summary)
}

func TestSessionStore_RestartClearsStartedFlag(t *testing.T) {
	dir := t.TempDir()

	s, err := NewSessionStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(st *SessionState) {
		st.ID = "sess-1"
		st.Tokens = 42
		st.Started = true
	}))

	reloaded, err := NewSessionStore(dir)
	require.NoError(t, err)
	st := reloaded.Get()
	assert.Equal(t, "sess-1", st.ID, "id survives restart")
	assert.Equal(t, 42, st.Tokens)
	assert.False(t, st.Started, "subprocess never survives a restart")
}

func TestUsage_ContextTokens(t *testing.T) {
	u := Usage{
		InputTokens:              100,
		OutputTokens:             900,
		CacheCreationInputTokens: 2000,
		CacheReadInputTokens:     50_000,
	}
	assert.Equal(t, 52_100, u.ContextTokens(), "output tokens do not count toward context")
}
