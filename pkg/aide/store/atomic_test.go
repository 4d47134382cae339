package store

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("data"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))
}

func TestWriteFileAtomic_ReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("old"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("new"), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestWriteFileAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte("x"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestWriteFileAtomic_AppliesPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")

	require.NoError(t, WriteFileAtomic(path, []byte("token"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveLoadJSON_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, SaveJSON(path, doc{Name: "aide", Count: 3}))

	var got doc
	require.NoError(t, LoadJSON(path, &got))
	assert.Equal(t, doc{Name: "aide", Count: 3}, got)
}

func TestLoadJSON_MissingFileKeepsZeroValue(t *testing.T) {
	var got map[string]int
	err := LoadJSON(filepath.Join(t.TempDir(), "absent.json"), &got)

	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadJSON_CorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var got map[string]int
	assert.Error(t, LoadJSON(path, &got))
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	var saves atomic.Int32
	d := NewDebouncer(30*time.Millisecond, time.Second, func() error {
		saves.Add(1)
		return nil
	}, nil)

	for i := 0; i < 10; i++ {
		d.Mark()
	}
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(1), saves.Load())
}

func TestDebouncer_MaxLagForcesWrite(t *testing.T) {
	var saves atomic.Int32
	d := NewDebouncer(50*time.Millisecond, 120*time.Millisecond, func() error {
		saves.Add(1)
		return nil
	}, nil)

	// Keep re-marking faster than the delay; maxLag must still force a
	// write within ~120ms of the first mark.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		d.Mark()
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	assert.GreaterOrEqual(t, saves.Load(), int32(2))
}

func TestDebouncer_FlushWritesPendingOnly(t *testing.T) {
	var saves atomic.Int32
	d := NewDebouncer(time.Minute, time.Hour, func() error {
		saves.Add(1)
		return nil
	}, nil)

	require.NoError(t, d.Flush())
	assert.Equal(t, int32(0), saves.Load(), "flush without a mark must not save")

	d.Mark()
	require.NoError(t, d.Flush())
	assert.Equal(t, int32(1), saves.Load())
}

func TestDebouncer_ReportsSaveError(t *testing.T) {
	var reported atomic.Bool
	d := NewDebouncer(10*time.Millisecond, time.Second, func() error {
		return os.ErrPermission
	}, func(err error) {
		reported.Store(true)
	})

	d.Mark()
	time.Sleep(100 * time.Millisecond)
	assert.True(t, reported.Load())
}
