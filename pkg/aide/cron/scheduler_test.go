package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/aide/pkg/aide/queue"
)

func newTestScheduler(t *testing.T, dir string) *Scheduler {
	t.Helper()
	q := queue.New(queue.DefaultConfig(), nil)
	s, err := New(Config{}, dir, nil, q, nil)
	require.NoError(t, err)
	return s
}

func TestQuietHours_Contains(t *testing.T) {
	q := QuietHours{Start: 23, End: 7} // wraps midnight
	assert.True(t, q.Contains(23))
	assert.True(t, q.Contains(0))
	assert.True(t, q.Contains(6))
	assert.False(t, q.Contains(7))
	assert.False(t, q.Contains(12))
	assert.False(t, q.Contains(22))

	day := QuietHours{Start: 9, End: 17}
	assert.True(t, day.Contains(9))
	assert.True(t, day.Contains(16))
	assert.False(t, day.Contains(17))
	assert.False(t, day.Contains(8))

	none := QuietHours{Start: 8, End: 8}
	assert.False(t, none.Contains(8))
	assert.False(t, none.Contains(0))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("0 9 * * 1-5"))
	assert.NoError(t, Validate("*/15 * * * *"))
	assert.NoError(t, Validate("@daily"))

	assert.Error(t, Validate("not a schedule"))
	assert.Error(t, Validate("99 * * * *"))
	assert.Error(t, Validate(""))
}

func TestScheduler_Add(t *testing.T) {
	s := newTestScheduler(t, t.TempDir())

	j, err := s.Add("morning", "0 8 * * *", "brief me", "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, DeliveryAnnounce, j.Delivery, "delivery defaults to announce")
	assert.True(t, j.Enabled)
	assert.False(t, j.NextRun.IsZero())
	assert.True(t, j.NextRun.After(time.Now()))
}

func TestScheduler_AddRejectsBadInput(t *testing.T) {
	s := newTestScheduler(t, t.TempDir())

	_, err := s.Add("bad-schedule", "every tuesday", "p", "", "")
	assert.ErrorContains(t, err, "invalid schedule")

	_, err = s.Add("bad-delivery", "0 8 * * *", "p", Delivery("loud"), "")
	assert.ErrorContains(t, err, "invalid delivery")

	_, err = s.Add("  ", "0 8 * * *", "p", "", "")
	assert.ErrorContains(t, err, "name required")
}

func TestScheduler_AddRejectsDuplicateName(t *testing.T) {
	s := newTestScheduler(t, t.TempDir())

	_, err := s.Add("daily", "0 8 * * *", "p", "", "")
	require.NoError(t, err)
	_, err = s.Add("Daily", "0 9 * * *", "p", "", "")
	assert.ErrorContains(t, err, "already exists")
}

func TestScheduler_GetByIDOrName(t *testing.T) {
	s := newTestScheduler(t, t.TempDir())

	j, err := s.Add("standup", "0 9 * * 1-5", "p", DeliverySilent, "haiku")
	require.NoError(t, err)

	byID, ok := s.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, "standup", byID.Name)

	byName, ok := s.Get("STANDUP")
	require.True(t, ok)
	assert.Equal(t, j.ID, byName.ID)

	_, ok = s.Get("ghost")
	assert.False(t, ok)
}

func TestScheduler_Toggle(t *testing.T) {
	s := newTestScheduler(t, t.TempDir())

	j, err := s.Add("daily", "0 8 * * *", "p", "", "")
	require.NoError(t, err)

	off, err := s.Toggle(j.ID)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.True(t, off.NextRun.IsZero(), "disabled job has no next run")

	on, err := s.Toggle("daily")
	require.NoError(t, err)
	assert.True(t, on.Enabled)
	assert.False(t, on.NextRun.IsZero())

	_, err = s.Toggle("ghost")
	assert.Error(t, err)
}

func TestScheduler_Delete(t *testing.T) {
	s := newTestScheduler(t, t.TempDir())

	_, err := s.Add("temp", "0 8 * * *", "p", "", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete("temp"))
	_, ok := s.Get("temp")
	assert.False(t, ok)
	assert.Error(t, s.Delete("temp"))
}

func TestScheduler_ListSortedByName(t *testing.T) {
	s := newTestScheduler(t, t.TempDir())

	for _, name := range []string{"zebra", "alpha", "midday"} {
		_, err := s.Add(name, "0 8 * * *", "p", "", "")
		require.NoError(t, err)
	}

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "midday", list[1].Name)
	assert.Equal(t, "zebra", list[2].Name)
}

func TestScheduler_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()

	s := newTestScheduler(t, dir)
	j, err := s.Add("durable", "0 8 * * *", "brief me", DeliverySilent, "")
	require.NoError(t, err)

	reloaded := newTestScheduler(t, dir)
	got, ok := reloaded.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Name)
	assert.Equal(t, DeliverySilent, got.Delivery)
	assert.Equal(t, "brief me", got.Prompt)
}

func TestScheduler_InterruptedRunMarkedOnReload(t *testing.T) {
	dir := t.TempDir()

	s := newTestScheduler(t, dir)
	j, err := s.Add("stuck", "0 8 * * *", "p", "", "")
	require.NoError(t, err)

	// Simulate a process that died mid-run.
	s.mu.Lock()
	s.jobs[j.ID].LastStatus = "running"
	s.persistLocked()
	s.mu.Unlock()

	reloaded := newTestScheduler(t, dir)
	got, ok := reloaded.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, "error:interrupted", got.LastStatus)
}

func TestScheduler_BadTimezoneRejected(t *testing.T) {
	q := queue.New(queue.DefaultConfig(), nil)
	_, err := New(Config{Timezone: "Mars/Olympus"}, t.TempDir(), nil, q, nil)
	assert.Error(t, err)
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "first", firstLine("first\nsecond"))
	assert.Equal(t, "short", firstLine("short"))

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, firstLine(string(long)), 120)
}
