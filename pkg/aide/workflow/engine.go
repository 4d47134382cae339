// Package workflow – engine.go drives DAG advancement. Every state
// change rewrites the workflow's file atomically; a restart demotes
// interrupted steps and re-advances from disk.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/aide/pkg/aide/llm"
	"github.com/jholhewres/aide/pkg/aide/queue"
	"github.com/jholhewres/aide/pkg/aide/store"
)

// maxCapturedOutput bounds stored stdout/stderr per tool step.
const maxCapturedOutput = 16 * 1024

// stallScanInterval is how often the engine looks for stuck workflows.
const stallScanInterval = 5 * time.Minute

// stallThreshold flags a running step older than this.
const stallThreshold = 30 * time.Minute

// Engine owns every live workflow.
type Engine struct {
	dir    string
	queue  *queue.Queue
	runner *llm.Runner
	logger *slog.Logger

	// SendMessage delivers wait_input questions and notifications to the
	// workflow's peer.
	SendMessage func(peer, text string)
	// Notify raises operator alerts (stalls, terminal failures).
	Notify func(text string)

	mu        sync.Mutex
	workflows map[string]*Workflow
	// pendingInput maps peer → workflow waiting on that peer's next message.
	pendingInput map[string]pendingInput
	timers       map[string]*time.Timer // keyed by workflowID/stepID
	// Per-workflow abort contexts: cancelling a workflow kills its
	// in-flight subprocesses and LLM calls.
	ctxs    map[string]context.Context
	cancels map[string]context.CancelFunc

	stopScan chan struct{}
	wg       sync.WaitGroup
}

type pendingInput struct {
	workflowID string
	stepID     string
}

// NewEngine loads persisted workflows from dataDir/workflows.
func NewEngine(dataDir string, q *queue.Queue, runner *llm.Runner, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		dir:          filepath.Join(dataDir, "workflows"),
		queue:        q,
		runner:       runner,
		logger:       logger.With("component", "workflow"),
		workflows:    make(map[string]*Workflow),
		pendingInput: make(map[string]pendingInput),
		timers:       make(map[string]*time.Timer),
		ctxs:         make(map[string]context.Context),
		cancels:      make(map[string]context.CancelFunc),
		stopScan:     make(chan struct{}),
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating workflow dir: %w", err)
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, err
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		var wf Workflow
		path := filepath.Join(e.dir, ent.Name())
		if err := store.LoadJSON(path, &wf); err != nil {
			e.logger.Error("loading workflow failed", "file", ent.Name(), "error", err)
			continue
		}
		e.workflows[wf.ID] = &wf
	}
	return e, nil
}

// Start resumes interrupted workflows and begins the stall scan.
func (e *Engine) Start() {
	e.mu.Lock()
	var resume []*Workflow
	for _, wf := range e.workflows {
		switch wf.Status {
		case StatusRunning:
			// Steps interrupted mid-run start over.
			demoted := 0
			for _, s := range wf.Steps {
				if s.Status == StepRunning {
					s.Status = StepPending
					s.StartedAt = nil
					demoted++
				}
			}
			e.logger.Info("resuming workflow", "id", wf.ID, "name", wf.Name, "demoted", demoted)
			resume = append(resume, wf)
		case StatusPaused:
			if wf.WaitingStep != "" && wf.Peer != "" {
				e.pendingInput[wf.Peer] = pendingInput{workflowID: wf.ID, stepID: wf.WaitingStep}
			}
		}
	}
	e.mu.Unlock()

	for _, wf := range resume {
		e.advance(wf.ID)
	}

	e.wg.Add(1)
	go e.stallScan()
}

// Stop halts the stall scan; in-flight steps drain with the queue.
func (e *Engine) Stop() {
	close(e.stopScan)
	e.wg.Wait()
	e.mu.Lock()
	for _, t := range e.timers {
		t.Stop()
	}
	e.mu.Unlock()
}

// Create validates and persists a new workflow without starting it.
func (e *Engine) Create(name, peer string, steps []*Step, maxDurationSec int) (*Workflow, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow needs at least one step")
	}
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return nil, fmt.Errorf("step without id")
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		s.Status = StepPending
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	if cyclic(steps) {
		return nil, fmt.Errorf("dependency cycle detected")
	}

	now := time.Now()
	wf := &Workflow{
		ID:             uuid.NewString(),
		Name:           name,
		Status:         StatusPending,
		Steps:          steps,
		Peer:           peer,
		MaxDurationSec: maxDurationSec,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.persistLocked(wf)
	e.mu.Unlock()
	e.logger.Info("workflow created", "id", wf.ID, "name", name, "steps", len(steps))
	return wf, nil
}

// StartWorkflow transitions pending → running and kicks advancement.
func (e *Engine) StartWorkflow(id string) error {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no workflow %q", id)
	}
	if wf.Status != StatusPending {
		e.mu.Unlock()
		return fmt.Errorf("workflow %q is %s, not pending", id, wf.Status)
	}
	wf.Status = StatusRunning
	e.persistLocked(wf)
	e.mu.Unlock()
	e.advance(id)
	return nil
}

// Pause suspends advancement; running steps finish but nothing new
// starts. Pausing an already-paused workflow is a no-op.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return fmt.Errorf("no workflow %q", id)
	}
	switch wf.Status {
	case StatusPaused:
		return nil
	case StatusRunning:
	default:
		return fmt.Errorf("workflow %q is %s, not running", id, wf.Status)
	}
	wf.Status = StatusPaused
	e.persistLocked(wf)
	return nil
}

// Resume continues a paused workflow (not one waiting on input; that
// resumes through FulfillInput).
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no workflow %q", id)
	}
	if wf.Status != StatusPaused {
		e.mu.Unlock()
		return fmt.Errorf("workflow %q is %s, not paused", id, wf.Status)
	}
	if wf.WaitingStep != "" {
		e.mu.Unlock()
		return fmt.Errorf("workflow %q is waiting on user input", id)
	}
	wf.Status = StatusRunning
	e.persistLocked(wf)
	e.mu.Unlock()
	e.advance(id)
	return nil
}

// Cancel terminates the workflow: queued steps are purged and in-flight
// steps are aborted through the workflow's context. Cancelling an
// already-cancelled workflow is a no-op.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no workflow %q", id)
	}
	switch wf.Status {
	case StatusCancelled:
		e.mu.Unlock()
		return nil
	case StatusCompleted, StatusFailed:
		e.mu.Unlock()
		return fmt.Errorf("workflow %q already %s", id, wf.Status)
	}
	wf.Status = StatusCancelled
	e.cleanupLocked(wf)
	e.persistLocked(wf)
	e.mu.Unlock()
	e.queue.PurgeKey("workflow:" + id)
	e.logger.Info("workflow cancelled", "id", id, "name", wf.Name)
	return nil
}

// Get returns a deep-enough copy for read-only use.
func (e *Engine) Get(id string) (Workflow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[id]
	if !ok {
		return Workflow{}, false
	}
	return snapshot(wf), true
}

// List returns all workflows, newest first.
func (e *Engine) List() []Workflow {
	e.mu.Lock()
	out := make([]Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, snapshot(wf))
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// FulfillInput delivers the peer's message to a waiting wait_input step.
// Returns true if a workflow consumed the message.
func (e *Engine) FulfillInput(peer, text string) bool {
	e.mu.Lock()
	p, ok := e.pendingInput[peer]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.pendingInput, peer)
	wf, ok := e.workflows[p.workflowID]
	if !ok || wf.Status != StatusPaused {
		e.mu.Unlock()
		return false
	}
	step := wf.step(p.stepID)
	if step == nil {
		e.mu.Unlock()
		return false
	}
	e.stopTimerLocked(wf.ID, step.ID)
	completeStep(step, map[string]any{"input": text})
	wf.WaitingStep = ""
	wf.Status = StatusRunning
	e.persistLocked(wf)
	e.mu.Unlock()

	e.logger.Info("input fulfilled", "workflow", wf.ID, "step", step.ID)
	e.advance(wf.ID)
	return true
}

// ── advancement ──

// advance submits every eligible step through the work queue.
func (e *Engine) advance(id string) {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok || wf.Status != StatusRunning {
		e.mu.Unlock()
		return
	}

	if wf.terminal() {
		e.finishLocked(wf)
		e.mu.Unlock()
		return
	}

	frontier := wf.eligible()
	var submit []*Step
	for _, s := range frontier {
		now := time.Now()
		s.Status = StepRunning
		s.StartedAt = &now
		submit = append(submit, s)
	}
	if len(submit) > 0 {
		e.persistLocked(wf)
	}
	wctx := e.ctxLocked(id)
	e.mu.Unlock()

	for _, s := range submit {
		stepID := s.ID
		_, err := e.queue.Submit(wctx, "workflow:"+id, func(ctx context.Context) error {
			e.runStep(ctx, id, stepID)
			return nil
		})
		if err != nil {
			e.logger.Warn("step submission rejected", "workflow", id, "step", stepID, "error", err)
			e.settleStep(id, stepID, nil, fmt.Errorf("queue: %w", err))
		}
	}
}

// runStep executes one step by type and settles it.
func (e *Engine) runStep(ctx context.Context, wfID, stepID string) {
	e.mu.Lock()
	wf, ok := e.workflows[wfID]
	if !ok {
		e.mu.Unlock()
		return
	}
	step := wf.step(stepID)
	if step == nil || step.Status != StepRunning {
		e.mu.Unlock()
		return
	}
	stepCopy := *step
	ictx := wf.contextMap()
	peer := wf.Peer
	e.mu.Unlock()

	switch stepCopy.Type {
	case StepLLM:
		e.runLLMStep(ctx, wfID, &stepCopy, ictx)
	case StepTool:
		e.runToolStep(ctx, wfID, &stepCopy, ictx)
	case StepWaitInput:
		e.runWaitInputStep(wfID, &stepCopy, ictx, peer)
	case StepConditional:
		e.runConditionalStep(wfID, &stepCopy, ictx)
	case StepDelay:
		e.runDelayStep(wfID, &stepCopy)
	default:
		e.settleStep(wfID, stepCopy.ID, nil, fmt.Errorf("unknown step type %q", stepCopy.Type))
	}
}

func (e *Engine) runLLMStep(ctx context.Context, wfID string, step *Step, ictx map[string]map[string]any) {
	prompt := interpolate(step.Prompt, ictx)
	res, err := e.runner.OneShot(ctx, llm.OneShotOpts{
		Prompt: prompt,
		Model:  step.Model,
		Source: "workflow:" + wfID,
	}, llm.StreamHandlers{})
	if err != nil {
		e.settleStep(wfID, step.ID, nil, err)
		return
	}
	e.mu.Lock()
	if wf, ok := e.workflows[wfID]; ok {
		wf.CostUSD += res.CostUSD
	}
	e.mu.Unlock()
	e.settleStep(wfID, step.ID, map[string]any{
		"text":     res.Text,
		"cost_usd": res.CostUSD,
	}, nil)
}

func (e *Engine) runToolStep(ctx context.Context, wfID string, step *Step, ictx map[string]map[string]any) {
	if len(step.Command) == 0 {
		e.settleStep(wfID, step.ID, nil, fmt.Errorf("tool step without command"))
		return
	}
	argv := interpolateArgv(step.Command, ictx)

	timeout := defaultToolTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, argv[0], argv[1:]...)
	var stdout, stderr strings.Builder
	cmd.Stdout = limitWriter{&stdout}
	cmd.Stderr = limitWriter{&stderr}
	err := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	out := map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	}
	if tctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("tool timed out after %s", timeout)
	}
	e.settleStep(wfID, step.ID, out, err)
}

func (e *Engine) runWaitInputStep(wfID string, step *Step, ictx map[string]map[string]any, peer string) {
	question := interpolate(step.Question, ictx)

	e.mu.Lock()
	wf, ok := e.workflows[wfID]
	if !ok {
		e.mu.Unlock()
		return
	}
	wf.Status = StatusPaused
	wf.WaitingStep = step.ID
	if peer != "" {
		e.pendingInput[peer] = pendingInput{workflowID: wfID, stepID: step.ID}
	}

	timeout := defaultInputTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	key := wfID + "/" + step.ID
	e.timers[key] = time.AfterFunc(timeout, func() { e.inputTimeout(wfID, step.ID, peer) })
	e.persistLocked(wf)
	e.mu.Unlock()

	if e.SendMessage != nil && peer != "" && question != "" {
		e.SendMessage(peer, question)
	}
	e.logger.Info("workflow waiting on input", "workflow", wfID, "step", step.ID)
}

func (e *Engine) inputTimeout(wfID, stepID, peer string) {
	e.mu.Lock()
	wf, ok := e.workflows[wfID]
	if !ok || wf.Status != StatusPaused || wf.WaitingStep != stepID {
		e.mu.Unlock()
		return
	}
	delete(e.pendingInput, peer)
	delete(e.timers, wfID+"/"+stepID)
	wf.WaitingStep = ""
	wf.Status = StatusRunning
	e.mu.Unlock()

	e.settleStep(wfID, stepID, nil, fmt.Errorf("no user input within timeout"))
}

func (e *Engine) runConditionalStep(wfID string, step *Step, ictx map[string]map[string]any) {
	cond := interpolate(step.Condition, ictx)
	result, parsed := EvalCondition(step.Condition, ictx)
	if !parsed {
		e.logger.Warn("condition rejected, defaulting to true",
			"workflow", wfID, "step", step.ID, "condition", cond)
	}

	if !result {
		e.mu.Lock()
		if wf, ok := e.workflows[wfID]; ok {
			for _, skipID := range step.SkipOnFalse {
				if s := wf.step(skipID); s != nil && s.Status == StepPending {
					s.Status = StepSkipped
					s.SkipReason = "condition false: " + step.ID
				}
			}
		}
		e.mu.Unlock()
	}
	e.settleStep(wfID, step.ID, map[string]any{"result": result}, nil)
}

func (e *Engine) runDelayStep(wfID string, step *Step) {
	delay := time.Duration(step.DelaySec) * time.Second
	if delay <= 0 {
		e.settleStep(wfID, step.ID, map[string]any{"delayed_sec": 0}, nil)
		return
	}
	key := wfID + "/" + step.ID
	stepID := step.ID
	sec := step.DelaySec
	e.mu.Lock()
	e.timers[key] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, key)
		e.mu.Unlock()
		e.settleStep(wfID, stepID, map[string]any{"delayed_sec": sec}, nil)
	})
	e.mu.Unlock()
}

// settleStep records a step result, applying the retry and rollback
// contracts, then re-advances. Settles arriving after the workflow was
// cancelled or finished are dropped so an aborted subprocess cannot
// resurrect a dead workflow.
func (e *Engine) settleStep(wfID, stepID string, output map[string]any, err error) {
	e.mu.Lock()
	wf, ok := e.workflows[wfID]
	if !ok {
		e.mu.Unlock()
		return
	}
	switch wf.Status {
	case StatusCancelled, StatusCompleted, StatusFailed:
		e.mu.Unlock()
		return
	}
	step := wf.step(stepID)
	if step == nil || step.settled() {
		e.mu.Unlock()
		return
	}

	var rollback []string
	var failAlert string
	failed := false
	if err == nil {
		completeStep(step, output)
	} else {
		step.Attempts++
		if step.Attempts <= step.MaxRetries {
			step.Status = StepPending
			step.StartedAt = nil
			e.logger.Warn("step failed, retrying",
				"workflow", wfID, "step", stepID, "attempt", step.Attempts, "error", err)
		} else {
			now := time.Now()
			step.Status = StepFailed
			step.Error = err.Error()
			step.CompletedAt = &now
			if output != nil {
				step.Output = output
			}
			failed = true
			rollback = append([]string(nil), step.Rollback...)
			if len(rollback) == 0 {
				// Nothing to compensate with; cascade right away.
				skipDescendantsLocked(wf, stepID)
			}
			failAlert = fmt.Sprintf("workflow %q step %q failed: %v", wf.Name, stepID, err)
			e.logger.Error("step failed permanently", "workflow", wfID, "step", stepID, "error", err)
		}
	}
	e.persistLocked(wf)
	ictx := wf.contextMap()
	e.mu.Unlock()

	if failed && len(rollback) > 0 {
		// Rollback runs before the cascade: a successful compensation
		// leaves the dependents pending instead of skipping them.
		if e.runRollback(wfID, stepID, rollback, ictx) != nil {
			e.skipDescendants(wfID, stepID)
		}
	}
	if failAlert != "" && e.Notify != nil {
		e.Notify(failAlert)
	}
	e.advance(wfID)
}

// skipDescendants marks every pending descendant of a failed step as
// skipped.
func (e *Engine) skipDescendants(wfID, stepID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[wfID]
	if !ok {
		return
	}
	if skipDescendantsLocked(wf, stepID) {
		e.persistLocked(wf)
	}
}

func skipDescendantsLocked(wf *Workflow, stepID string) bool {
	changed := false
	for _, id := range wf.descendants([]string{stepID}) {
		if id == stepID {
			continue
		}
		if s := wf.step(id); s != nil && s.Status == StepPending {
			s.Status = StepSkipped
			s.SkipReason = "upstream failed: " + stepID
			changed = true
		}
	}
	return changed
}

// runRollback executes the failed step's compensation command. Its own
// failure is logged, never escalated.
func (e *Engine) runRollback(wfID, stepID string, argv []string, ictx map[string]map[string]any) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultToolTimeout)
	defer cancel()
	argv = interpolateArgv(argv, ictx)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if err := cmd.Run(); err != nil {
		e.logger.Error("rollback failed", "workflow", wfID, "step", stepID, "error", err)
		return err
	}
	e.logger.Info("rollback ran", "workflow", wfID, "step", stepID)
	return nil
}

// finishLocked sets the terminal status once every step has settled.
func (e *Engine) finishLocked(wf *Workflow) {
	if wf.anyFailed() {
		wf.Status = StatusFailed
	} else {
		wf.Status = StatusCompleted
	}
	e.cleanupLocked(wf)
	e.persistLocked(wf)
	e.logger.Info("workflow finished",
		"id", wf.ID, "name", wf.Name, "status", wf.Status, "cost_usd", wf.CostUSD)
}

// cleanupLocked aborts the workflow's context and purges its timers and
// pending-input entries.
func (e *Engine) cleanupLocked(wf *Workflow) {
	if cancel, ok := e.cancels[wf.ID]; ok {
		cancel()
		delete(e.cancels, wf.ID)
		delete(e.ctxs, wf.ID)
	}
	for key, t := range e.timers {
		if strings.HasPrefix(key, wf.ID+"/") {
			t.Stop()
			delete(e.timers, key)
		}
	}
	for peer, p := range e.pendingInput {
		if p.workflowID == wf.ID {
			delete(e.pendingInput, peer)
		}
	}
	wf.WaitingStep = ""
}

// stallScan periodically surfaces stuck workflows.
func (e *Engine) stallScan() {
	defer e.wg.Done()
	ticker := time.NewTicker(stallScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopScan:
			return
		case <-ticker.C:
		}

		var alerts []string
		now := time.Now()
		e.mu.Lock()
		for _, wf := range e.workflows {
			if wf.Status != StatusRunning && wf.Status != StatusPaused {
				continue
			}
			for _, s := range wf.Steps {
				if s.Status == StepRunning && s.StartedAt != nil && now.Sub(*s.StartedAt) > stallThreshold {
					alerts = append(alerts, fmt.Sprintf(
						"workflow %q step %q running for %s", wf.Name, s.ID, now.Sub(*s.StartedAt).Round(time.Minute)))
				}
			}
			if wf.MaxDurationSec > 0 && now.Sub(wf.CreatedAt) > time.Duration(wf.MaxDurationSec)*time.Second {
				alerts = append(alerts, fmt.Sprintf(
					"workflow %q exceeded max duration (%s old)", wf.Name, now.Sub(wf.CreatedAt).Round(time.Minute)))
			}
		}
		e.mu.Unlock()

		for _, a := range alerts {
			e.logger.Warn("stall detected", "detail", a)
			if e.Notify != nil {
				e.Notify(a)
			}
		}
	}
}

// ── helpers ──

func (e *Engine) persistLocked(wf *Workflow) {
	wf.UpdatedAt = time.Now()
	path := filepath.Join(e.dir, wf.ID+".json")
	if err := store.SaveJSON(path, wf); err != nil {
		e.logger.Error("persisting workflow failed", "id", wf.ID, "error", err)
	}
}

func (e *Engine) stopTimerLocked(wfID, stepID string) {
	key := wfID + "/" + stepID
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

// ctxLocked returns the workflow's abort context, creating it lazily.
func (e *Engine) ctxLocked(id string) context.Context {
	if ctx, ok := e.ctxs[id]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.ctxs[id] = ctx
	e.cancels[id] = cancel
	return ctx
}

func completeStep(step *Step, output map[string]any) {
	now := time.Now()
	step.Status = StepCompleted
	step.Output = output
	step.CompletedAt = &now
}

func snapshot(wf *Workflow) Workflow {
	cp := *wf
	cp.Steps = make([]*Step, len(wf.Steps))
	for i, s := range wf.Steps {
		sc := *s
		cp.Steps[i] = &sc
	}
	return cp
}

func cyclic(steps []*Step) bool {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}
	for _, s := range steps {
		if color[s.ID] == white && visit(s.ID) {
			return true
		}
	}
	return false
}

// limitWriter caps captured tool output.
type limitWriter struct {
	b *strings.Builder
}

func (w limitWriter) Write(p []byte) (int, error) {
	remaining := maxCapturedOutput - w.b.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.b.Write(p[:remaining])
		} else {
			w.b.Write(p)
		}
	}
	return len(p), nil
}
