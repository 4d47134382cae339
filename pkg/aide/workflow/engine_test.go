package workflow

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/aide/pkg/aide/queue"
	"github.com/jholhewres/aide/pkg/aide/store"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	q := queue.New(queue.Config{MaxConcurrent: 4, MaxQueuePerUser: 20}, nil)
	e, err := NewEngine(dir, q, nil, nil)
	require.NoError(t, err)
	return e
}

func waitWorkflow(t *testing.T, e *Engine, id string, want Status) Workflow {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if wf, ok := e.Get(id); ok && wf.Status == want {
			return wf
		}
		time.Sleep(10 * time.Millisecond)
	}
	wf, _ := e.Get(id)
	t.Fatalf("workflow %s never reached %s (is %s)", id, want, wf.Status)
	return Workflow{}
}

func TestEngine_CreateValidation(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	_, err := e.Create("empty", "", nil, 0)
	assert.ErrorContains(t, err, "at least one step")

	_, err = e.Create("dup", "", []*Step{
		{ID: "a", Type: StepTool, Command: []string{"true"}},
		{ID: "a", Type: StepTool, Command: []string{"true"}},
	}, 0)
	assert.ErrorContains(t, err, "duplicate step id")

	_, err = e.Create("missing-dep", "", []*Step{
		{ID: "a", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"ghost"}},
	}, 0)
	assert.ErrorContains(t, err, "unknown step")

	_, err = e.Create("cycle", "", []*Step{
		{ID: "a", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"b"}},
		{ID: "b", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"a"}},
	}, 0)
	assert.ErrorContains(t, err, "cycle")
}

func TestEngine_ToolStepCompletes(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("echo", "", []*Step{
		{ID: "say", Type: StepTool, Command: []string{"echo", "hello"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusCompleted)
	step := done.Steps[0]
	assert.Equal(t, StepCompleted, step.Status)
	assert.Equal(t, "hello\n", step.Output["stdout"])
	assert.Equal(t, 0, step.Output["exit_code"])
}

func TestEngine_DependentStepSeesOutput(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("pipeline", "", []*Step{
		{ID: "first", Type: StepTool, Command: []string{"echo", "-n", "payload"}},
		{ID: "second", Type: StepTool, DependsOn: []string{"first"},
			Command: []string{"echo", "-n", "got {{context.first.stdout}}"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusCompleted)
	assert.Equal(t, "got payload", done.Steps[1].Output["stdout"])
}

func TestEngine_FailedStepRetriesThenCascades(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	var notifyMu sync.Mutex
	var notified []string
	e.Notify = func(text string) {
		notifyMu.Lock()
		notified = append(notified, text)
		notifyMu.Unlock()
	}

	wf, err := e.Create("doomed", "", []*Step{
		{ID: "boom", Type: StepTool, Command: []string{"false"}, MaxRetries: 1},
		{ID: "after", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"boom"}},
		{ID: "side", Type: StepTool, Command: []string{"true"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusFailed)

	boom := done.Steps[0]
	assert.Equal(t, StepFailed, boom.Status)
	assert.Equal(t, 2, boom.Attempts, "one retry on top of the first attempt")
	assert.NotEmpty(t, boom.Error)

	after := done.Steps[1]
	assert.Equal(t, StepSkipped, after.Status)
	assert.Equal(t, "upstream failed: boom", after.SkipReason)

	assert.Equal(t, StepCompleted, done.Steps[2].Status, "independent branch still runs")

	notifyMu.Lock()
	defer notifyMu.Unlock()
	require.Len(t, notified, 1)
	assert.Contains(t, notified[0], "doomed")
}

func TestEngine_ConditionalFalseSkips(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("branchy", "", []*Step{
		{ID: "measure", Type: StepTool, Command: []string{"echo", "-n", "7"}},
		{ID: "gate", Type: StepConditional, DependsOn: []string{"measure"},
			Condition: "context.measure.stdout > 10", SkipOnFalse: []string{"big"}},
		{ID: "big", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"gate"}},
		{ID: "always", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"gate"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusCompleted)

	gate := done.Steps[1]
	assert.Equal(t, StepCompleted, gate.Status)
	assert.Equal(t, false, gate.Output["result"])

	assert.Equal(t, StepSkipped, done.Steps[2].Status)
	assert.Equal(t, "condition false: gate", done.Steps[2].SkipReason)
	assert.Equal(t, StepCompleted, done.Steps[3].Status)
}

func TestEngine_ConditionalTrueRuns(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("branchy", "", []*Step{
		{ID: "gate", Type: StepConditional, Condition: "true", SkipOnFalse: []string{"next"}},
		{ID: "next", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"gate"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusCompleted)
	assert.Equal(t, StepCompleted, done.Steps[1].Status)
}

func TestEngine_WaitInputRoundTrip(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	var sentMu sync.Mutex
	var sent []string
	e.SendMessage = func(peer, text string) {
		sentMu.Lock()
		sent = append(sent, peer+": "+text)
		sentMu.Unlock()
	}

	wf, err := e.Create("interactive", "alice", []*Step{
		{ID: "ask", Type: StepWaitInput, Question: "Which city?"},
		{ID: "use", Type: StepTool, DependsOn: []string{"ask"},
			Command: []string{"echo", "-n", "city={{context.ask.input}}"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	paused := waitWorkflow(t, e, wf.ID, StatusPaused)
	assert.Equal(t, "ask", paused.WaitingStep)

	sentMu.Lock()
	require.Len(t, sent, 1)
	assert.Equal(t, "alice: Which city?", sent[0])
	sentMu.Unlock()

	assert.False(t, e.FulfillInput("bob", "Lisbon"), "wrong peer must not consume")
	assert.True(t, e.FulfillInput("alice", "Lisbon"))

	done := waitWorkflow(t, e, wf.ID, StatusCompleted)
	assert.Equal(t, "city=Lisbon", done.Steps[1].Output["stdout"])
	assert.Empty(t, done.WaitingStep)
}

func TestEngine_WaitInputTimeoutFails(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("impatient", "alice", []*Step{
		{ID: "ask", Type: StepWaitInput, Question: "Still there?", TimeoutSec: 1},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusFailed)
	assert.Equal(t, StepFailed, done.Steps[0].Status)
	assert.Contains(t, done.Steps[0].Error, "timeout")
	assert.False(t, e.FulfillInput("alice", "too late"))
}

func TestEngine_DelayStep(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("slow", "", []*Step{
		{ID: "wait", Type: StepDelay, DelaySec: 1},
		{ID: "then", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"wait"}},
	}, 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, e.StartWorkflow(wf.ID))
	waitWorkflow(t, e, wf.ID, StatusCompleted)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestEngine_PauseResume(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("pausable", "", []*Step{
		{ID: "wait", Type: StepDelay, DelaySec: 120},
	}, 0)
	require.NoError(t, err)

	assert.Error(t, e.Resume(wf.ID), "pending workflow cannot resume")
	require.NoError(t, e.StartWorkflow(wf.ID))
	assert.Error(t, e.StartWorkflow(wf.ID), "already started")

	require.NoError(t, e.Pause(wf.ID))
	got, _ := e.Get(wf.ID)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, e.Resume(wf.ID))
	got, _ = e.Get(wf.ID)
	assert.Equal(t, StatusRunning, got.Status)

	require.NoError(t, e.Cancel(wf.ID))
	got, _ = e.Get(wf.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestEngine_CancelAbortsInFlightStep(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("long", "", []*Step{
		{ID: "slow", Type: StepTool, Command: []string{"sh", "-c", "sleep 2; echo survived"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	// Let the subprocess start before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := e.Get(wf.ID); got.Steps[0].Status == StepRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, e.Cancel(wf.ID))

	// Well past the sleep's natural end: the aborted step must not have
	// settled as completed on the cancelled workflow.
	time.Sleep(2500 * time.Millisecond)
	got, ok := e.Get(wf.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotEqual(t, StepCompleted, got.Steps[0].Status)
	assert.Nil(t, got.Steps[0].Output)
}

func TestEngine_PauseAndCancelIdempotent(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("idem", "", []*Step{
		{ID: "wait", Type: StepDelay, DelaySec: 120},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	require.NoError(t, e.Pause(wf.ID))
	require.NoError(t, e.Pause(wf.ID), "pausing a paused workflow is a no-op")
	got, _ := e.Get(wf.ID)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, e.Cancel(wf.ID))
	require.NoError(t, e.Cancel(wf.ID), "cancelling a cancelled workflow is a no-op")
	got, _ = e.Get(wf.ID)
	assert.Equal(t, StatusCancelled, got.Status)

	assert.Error(t, e.Pause(wf.ID), "cancelled workflow cannot pause")
}

func TestEngine_CancelFinishedWorkflowRejected(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("done", "", []*Step{
		{ID: "a", Type: StepTool, Command: []string{"true"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))
	waitWorkflow(t, e, wf.ID, StatusCompleted)

	assert.ErrorContains(t, e.Cancel(wf.ID), "already completed")
}

func TestEngine_SuccessfulRollbackPreventsCascade(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("compensated", "", []*Step{
		{ID: "boom", Type: StepTool, Command: []string{"false"}, Rollback: []string{"true"}},
		{ID: "after", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"boom"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusFailed)
	assert.Equal(t, StepFailed, done.Steps[0].Status)

	after := done.Steps[1]
	assert.Equal(t, StepPending, after.Status, "compensated failure leaves dependents pending")
	assert.Empty(t, after.SkipReason)
}

func TestEngine_FailedRollbackStillCascades(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	wf, err := e.Create("uncompensated", "", []*Step{
		{ID: "boom", Type: StepTool, Command: []string{"false"}, Rollback: []string{"false"}},
		{ID: "after", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"boom"}},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))

	done := waitWorkflow(t, e, wf.ID, StatusFailed)
	after := done.Steps[1]
	assert.Equal(t, StepSkipped, after.Status)
	assert.Equal(t, "upstream failed: boom", after.SkipReason)
}

func TestEngine_ResumeRejectsWaitingInput(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	e.SendMessage = func(peer, text string) {}

	wf, err := e.Create("waiting", "alice", []*Step{
		{ID: "ask", Type: StepWaitInput, Question: "?"},
	}, 0)
	require.NoError(t, err)
	require.NoError(t, e.StartWorkflow(wf.ID))
	waitWorkflow(t, e, wf.ID, StatusPaused)

	assert.ErrorContains(t, e.Resume(wf.ID), "waiting on user input")
}

func TestEngine_CrashResumeDemotesRunningSteps(t *testing.T) {
	dir := t.TempDir()

	// Simulate a daemon that died with a step in flight: state on disk
	// says running, nothing is actually executing.
	started := time.Now()
	wf := &Workflow{
		ID:     "wf-crashed",
		Name:   "resumable",
		Status: StatusRunning,
		Steps: []*Step{
			{ID: "a", Type: StepTool, Command: []string{"echo", "-n", "ok"}, Status: StepRunning, StartedAt: &started},
			{ID: "b", Type: StepTool, Command: []string{"true"}, DependsOn: []string{"a"}, Status: StepPending},
		},
		CreatedAt: started,
		UpdatedAt: started,
	}
	require.NoError(t, store.SaveJSON(filepath.Join(dir, "workflows", "wf-crashed.json"), wf))

	e := newTestEngine(t, dir)
	e.Start()
	defer e.Stop()

	done := waitWorkflow(t, e, "wf-crashed", StatusCompleted)
	assert.Equal(t, "ok", done.Steps[0].Output["stdout"])
	assert.Equal(t, StepCompleted, done.Steps[1].Status)
}

func TestEngine_ReloadRestoresPendingInput(t *testing.T) {
	dir := t.TempDir()

	wf := &Workflow{
		ID:          "wf-waiting",
		Name:        "interactive",
		Status:      StatusPaused,
		Peer:        "alice",
		WaitingStep: "ask",
		Steps: []*Step{
			{ID: "ask", Type: StepWaitInput, Question: "?", Status: StepRunning},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.SaveJSON(filepath.Join(dir, "workflows", "wf-waiting.json"), wf))

	e := newTestEngine(t, dir)
	e.Start()
	defer e.Stop()

	assert.True(t, e.FulfillInput("alice", "answer"))
	done := waitWorkflow(t, e, "wf-waiting", StatusCompleted)
	assert.Equal(t, "answer", done.Steps[0].Output["input"])
}

func TestEngine_ListNewestFirst(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	first, err := e.Create("first", "", []*Step{{ID: "a", Type: StepTool, Command: []string{"true"}}}, 0)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := e.Create("second", "", []*Step{{ID: "a", Type: StepTool, Command: []string{"true"}}}, 0)
	require.NoError(t, err)

	list := e.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestEngine_PersistedAcrossReload(t *testing.T) {
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	wf, err := e.Create("durable", "", []*Step{{ID: "a", Type: StepTool, Command: []string{"true"}}}, 0)
	require.NoError(t, err)

	e2 := newTestEngine(t, dir)
	got, ok := e2.Get(wf.ID)
	require.True(t, ok)
	assert.Equal(t, "durable", got.Name)
	assert.Equal(t, StatusPending, got.Status)
}
