package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_SubmitAndComplete(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, MaxQueuePerUser: 3}, nil)

	done, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("task did not complete")
	}

	st := q.Stats()
	assert.Equal(t, int64(1), st.Completed)
	assert.Equal(t, 0, st.InFlight)
}

func TestQueue_BacklogFull(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 2}, nil)

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// Give the dispatcher time to move the first task in flight so the
	// next two occupy the backlog.
	waitInFlight(t, q, 1)

	for i := 0; i < 2; i++ {
		_, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}

	_, err = q.Submit(context.Background(), "alice", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBacklogFull)

	st := q.Stats()
	assert.Equal(t, int64(1), st.Rejected)

	close(release)
}

func TestQueue_BacklogIsPerKey(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 1}, nil)

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitInFlight(t, q, 1)

	_, err = q.Submit(context.Background(), "alice", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	_, err = q.Submit(context.Background(), "alice", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrBacklogFull)

	// A different submitter still gets in.
	_, err = q.Submit(context.Background(), "bob", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)

	close(release)
}

func TestQueue_FIFOWithinKey(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 10}, nil)

	var mu sync.Mutex
	var order []int

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitInFlight(t, q, 1)

	var chans []<-chan error
	for i := 1; i <= 4; i++ {
		i := i
		done, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		chans = append(chans, done)
	}

	close(release)
	for _, done := range chans {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("queued task did not complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestQueue_RoundRobinAcrossKeys(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 10}, nil)

	var mu sync.Mutex
	var order []string

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "warmup", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitInFlight(t, q, 1)

	record := func(key string) Task {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return nil
		}
	}

	var chans []<-chan error
	// alice queues two before bob queues one; round-robin should still
	// interleave bob between alice's entries.
	for _, key := range []string{"alice", "alice", "bob"} {
		done, err := q.Submit(context.Background(), key, record(key))
		require.NoError(t, err)
		chans = append(chans, done)
	}

	close(release)
	for _, done := range chans {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("queued task did not complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"alice", "bob", "alice"}, order)
}

func TestQueue_CancelledWaiterIsSkipped(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 5}, nil)

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitInFlight(t, q, 1)

	ctx, cancel := context.WithCancel(context.Background())
	doneCancelled, err := q.Submit(ctx, "alice", func(ctx context.Context) error {
		t.Error("cancelled task must not run")
		return nil
	})
	require.NoError(t, err)
	cancel()

	var ran atomic.Bool
	doneNext, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)

	close(release)

	select {
	case err := <-doneCancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter was never settled")
	}
	select {
	case <-doneNext:
		assert.True(t, ran.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up task did not complete")
	}
}

func TestQueue_Wait(t *testing.T) {
	q := New(DefaultConfig(), nil)

	wantErr := errors.New("boom")
	err := q.Wait(context.Background(), "alice", func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestQueue_DrainRejectsWaitersAndNewWork(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 5}, nil)

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitInFlight(t, q, 1)

	waiting, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	inFlight := q.Drain(2 * time.Second)
	assert.Equal(t, 1, inFlight)

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrDraining)
	default:
		t.Fatal("waiter was not rejected during drain")
	}

	_, err = q.Submit(context.Background(), "alice", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrDraining)
	assert.ErrorIs(t, q.AcquireSlot(context.Background()), ErrDraining)
}

func TestQueue_AcquireReleaseSlot(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 5}, nil)

	require.NoError(t, q.AcquireSlot(context.Background()))
	assert.Equal(t, 1, q.Stats().InFlight)

	// The slot is claimed, a second acquire must time out.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.AcquireSlot(ctx), context.DeadlineExceeded)

	q.ReleaseSlot()
	assert.Equal(t, 0, q.Stats().InFlight)
	require.NoError(t, q.AcquireSlot(context.Background()))
	q.ReleaseSlot()
}

func TestQueue_AcquireSlotWakesOnRelease(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 5}, nil)
	require.NoError(t, q.AcquireSlot(context.Background()))

	acquired := make(chan error, 1)
	go func() { acquired <- q.AcquireSlot(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	q.ReleaseSlot()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("parked acquirer was never woken")
	}
	q.ReleaseSlot()
}

func TestQueue_DrainWakesParkedAcquirers(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 5}, nil)
	require.NoError(t, q.AcquireSlot(context.Background()))

	acquired := make(chan error, 1)
	go func() { acquired <- q.AcquireSlot(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	drained := make(chan struct{})
	go func() {
		q.Drain(2 * time.Second)
		close(drained)
	}()

	select {
	case err := <-acquired:
		assert.ErrorIs(t, err, ErrDraining)
	case <-time.After(2 * time.Second):
		t.Fatal("parked acquirer was not released by drain")
	}

	q.ReleaseSlot()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never finished")
	}
}

func TestQueue_PerKeyInFlightCap(t *testing.T) {
	q := New(Config{MaxConcurrent: 4, MaxQueuePerUser: 1}, nil)

	release := make(chan struct{})
	first, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitInFlight(t, q, 1)

	var secondRan atomic.Bool
	second, err := q.Submit(context.Background(), "alice", func(ctx context.Context) error {
		secondRan.Store(true)
		return nil
	})
	require.NoError(t, err)

	// Slots are free, but alice is at her in-flight cap; another
	// submitter still gets through.
	require.NoError(t, q.Wait(context.Background(), "bob", func(ctx context.Context) error { return nil }))
	assert.False(t, secondRan.Load(), "second alice task must wait for the first")
	assert.Equal(t, 1, q.Stats().Waiting)

	close(release)
	<-first
	select {
	case <-second:
		assert.True(t, secondRan.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("capped task never ran after the first finished")
	}
}

func TestQueue_PurgeKey(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxQueuePerUser: 5}, nil)

	release := make(chan struct{})
	_, err := q.Submit(context.Background(), "workflow:abc", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	waitInFlight(t, q, 1)

	done, err := q.Submit(context.Background(), "workflow:abc", func(ctx context.Context) error {
		t.Error("purged task must not run")
		return nil
	})
	require.NoError(t, err)

	n := q.PurgeKey("workflow:abc")
	assert.Equal(t, 1, n)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("purged waiter was never settled")
	}

	close(release)
}

// The global cap must hold under arbitrary submission patterns.
func TestQueue_ConcurrencyCapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("in-flight never exceeds MaxConcurrent", prop.ForAll(
		func(maxConcurrent int, tasks int) bool {
			q := New(Config{MaxConcurrent: maxConcurrent, MaxQueuePerUser: tasks + 1}, nil)

			var running atomic.Int64
			var peak atomic.Int64
			var wg sync.WaitGroup

			keys := []string{"a", "b", "c"}
			for i := 0; i < tasks; i++ {
				done, err := q.Submit(context.Background(), keys[i%len(keys)], func(ctx context.Context) error {
					n := running.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(time.Millisecond)
					running.Add(-1)
					return nil
				})
				if err != nil {
					return false
				}
				wg.Add(1)
				go func(done <-chan error) {
					defer wg.Done()
					<-done
				}(done)
			}
			wg.Wait()
			return peak.Load() <= int64(maxConcurrent)
		},
		gen.IntRange(1, 4),
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

// waitInFlight polls until the queue reports n tasks in flight.
func waitInFlight(t *testing.T, q *Queue, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q.Stats().InFlight == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue never reached %d in-flight tasks", n)
}
