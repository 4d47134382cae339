package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryStore_AppendAndView(t *testing.T) {
	h, err := NewHistoryStore(t.TempDir(), 10, nil)
	require.NoError(t, err)

	h.Append("alice", RoleUser, "hi")
	h.Append("alice", RoleAssistant, "hello!")

	view := h.View("alice")
	require.Len(t, view, 2)
	assert.Equal(t, RoleUser, view[0].Role)
	assert.Equal(t, "hi", view[0].Content)
	assert.Equal(t, RoleAssistant, view[1].Role)

	assert.Empty(t, h.View("bob"))
}

func TestHistoryStore_TrimsToMaxEntries(t *testing.T) {
	h, err := NewHistoryStore(t.TempDir(), 4, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.Append("alice", RoleUser, "q")
		h.Append("alice", RoleAssistant, "a")
	}

	view := h.View("alice")
	assert.Len(t, view, 4)
	assert.Equal(t, RoleUser, view[0].Role)
}

func TestHistoryStore_ViewNeverStartsWithAssistant(t *testing.T) {
	// Max 3 entries over user/assistant pairs leaves an assistant turn at
	// the head after trimming; it must be dropped.
	h, err := NewHistoryStore(t.TempDir(), 3, nil)
	require.NoError(t, err)

	h.Append("alice", RoleUser, "one")
	h.Append("alice", RoleAssistant, "reply one")
	h.Append("alice", RoleUser, "two")
	h.Append("alice", RoleAssistant, "reply two")

	view := h.View("alice")
	require.NotEmpty(t, view)
	assert.Equal(t, RoleUser, view[0].Role)
	assert.Equal(t, "two", view[0].Content)
}

func TestHistoryStore_Recent(t *testing.T) {
	h, err := NewHistoryStore(t.TempDir(), 20, nil)
	require.NoError(t, err)

	h.Append("alice", RoleUser, "one")
	h.Append("alice", RoleAssistant, "reply one")
	h.Append("alice", RoleUser, "two")
	h.Append("alice", RoleAssistant, "reply two")

	recent := h.Recent("alice", 3)
	// Window of 3 starts on an assistant turn, which is dropped.
	require.Len(t, recent, 2)
	assert.Equal(t, RoleUser, recent[0].Role)
	assert.Equal(t, "two", recent[0].Content)

	assert.Len(t, h.Recent("alice", 10), 4)
}

func TestHistoryStore_Clear(t *testing.T) {
	h, err := NewHistoryStore(t.TempDir(), 10, nil)
	require.NoError(t, err)

	h.Append("alice", RoleUser, "hi")
	h.Clear("alice")

	assert.Empty(t, h.View("alice"))
}

func TestHistoryStore_FlushAndReload(t *testing.T) {
	dir := t.TempDir()

	h, err := NewHistoryStore(dir, 10, nil)
	require.NoError(t, err)
	h.Append("alice", RoleUser, "persisted")
	require.NoError(t, h.Flush())

	reloaded, err := NewHistoryStore(dir, 10, nil)
	require.NoError(t, err)
	view := reloaded.View("alice")
	require.Len(t, view, 1)
	assert.Equal(t, "persisted", view[0].Content)
}

func TestHistoryStore_NormalizesOnLoad(t *testing.T) {
	dir := t.TempDir()

	// A file whose history starts with an assistant turn.
	raw := `{"alice":[{"role":"assistant","content":"stale"},{"role":"user","content":"kept"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.json"), []byte(raw), 0o644))

	h, err := NewHistoryStore(dir, 10, nil)
	require.NoError(t, err)

	view := h.View("alice")
	require.Len(t, view, 1)
	assert.Equal(t, "kept", view[0].Content)
}
