// Package cron schedules recurring LLM jobs. Each job runs under
// standard five-field cron semantics in its declared timezone, holds an
// overlap lock while executing, shares queue slots cooperatively with
// chat, and keeps its own one-shot session so continuity accumulates
// per job rather than polluting the main conversation.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	robfig "github.com/robfig/cron/v3"

	"github.com/jholhewres/aide/pkg/aide/llm"
	"github.com/jholhewres/aide/pkg/aide/queue"
	"github.com/jholhewres/aide/pkg/aide/store"
)

// Delivery controls whether a job's output reaches the user channel.
type Delivery string

const (
	DeliveryAnnounce Delivery = "announce"
	DeliverySilent   Delivery = "silent"
)

// alertThreshold is the consecutive-error count that raises an alert
// for announce jobs. Silent jobs alert on the first error.
const alertThreshold = 3

// Job is the persisted model of one scheduled task.
type Job struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Schedule          string    `json:"schedule"` // five-field cron expression
	Prompt            string    `json:"prompt"`
	Delivery          Delivery  `json:"delivery"`
	Model             string    `json:"model,omitempty"`
	Timezone          string    `json:"timezone,omitempty"`
	Enabled           bool      `json:"enabled"`
	SessionID         string    `json:"session_id,omitempty"`
	LastRun           time.Time `json:"last_run,omitempty"`
	LastStatus        string    `json:"last_status,omitempty"` // "running", "ok", "error:<msg>"
	LastDurationMs    int64     `json:"last_duration_ms,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	NextRun           time.Time `json:"next_run,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// QuietHours is the window during which announce deliveries are held.
// Start > End means the window wraps midnight (23 → 7).
type QuietHours struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Contains reports whether hour falls inside the window.
func (q QuietHours) Contains(hour int) bool {
	if q.Start == q.End {
		return false
	}
	if q.Start < q.End {
		return hour >= q.Start && hour < q.End
	}
	return hour >= q.Start || hour < q.End
}

// Config for the scheduler.
type Config struct {
	Quiet    QuietHours `yaml:"quiet_hours"`
	Timezone string     `yaml:"timezone"` // default job timezone
}

// Scheduler owns the job table and the underlying cron runner.
type Scheduler struct {
	cfg    Config
	path   string
	runner *llm.Runner
	queue  *queue.Queue
	logger *slog.Logger

	// Deliver sends announce output to the user channel.
	Deliver func(text string)
	// Alert raises an out-of-band operator notification.
	Alert func(text string)
	// RecordError feeds the persistent error log.
	RecordError func(source, message string)

	mu      sync.Mutex
	jobs    map[string]*Job
	entries map[string]robfig.EntryID
	running map[string]bool
	cron    *robfig.Cron
	loc     *time.Location
}

// New loads dataDir/crons.json and prepares (but does not start) the
// scheduler.
func New(cfg Config, dataDir string, runner *llm.Runner, q *queue.Queue, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}

	s := &Scheduler{
		cfg:     cfg,
		path:    filepath.Join(dataDir, "crons.json"),
		runner:  runner,
		queue:   q,
		logger:  logger.With("component", "cron"),
		jobs:    make(map[string]*Job),
		entries: make(map[string]robfig.EntryID),
		running: make(map[string]bool),
		cron:    robfig.New(robfig.WithLocation(loc)),
		loc:     loc,
	}

	var persisted []*Job
	if err := store.LoadJSON(s.path, &persisted); err != nil {
		return nil, err
	}
	for _, j := range persisted {
		// Interrupted runs from a previous process are not running now.
		if j.LastStatus == "running" {
			j.LastStatus = "error:interrupted"
		}
		s.jobs[j.ID] = j
	}
	return s, nil
}

// Start binds enabled jobs and starts the ticker.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Enabled {
			if err := s.bindLocked(j); err != nil {
				s.logger.Error("binding job failed", "name", j.Name, "error", err)
			}
		}
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts the ticker and waits for in-flight jobs.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("stop timed out with jobs still running")
	}
	s.persist()
}

// Validate checks a five-field cron expression (CRON_TZ= prefix allowed).
func Validate(expr string) error {
	_, err := robfig.ParseStandard(expr)
	return err
}

// Add validates and registers a new job. Enabled jobs bind immediately.
func (s *Scheduler) Add(name, schedule, prompt string, delivery Delivery, model string) (*Job, error) {
	if err := Validate(schedule); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	if delivery == "" {
		delivery = DeliveryAnnounce
	}
	if delivery != DeliveryAnnounce && delivery != DeliverySilent {
		return nil, fmt.Errorf("invalid delivery %q", delivery)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("job name required")
	}

	j := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		Schedule:  schedule,
		Prompt:    prompt,
		Delivery:  delivery,
		Model:     model,
		Timezone:  s.cfg.Timezone,
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findLocked(name) != nil {
		return nil, fmt.Errorf("job %q already exists", name)
	}
	s.jobs[j.ID] = j
	if err := s.bindLocked(j); err != nil {
		delete(s.jobs, j.ID)
		return nil, err
	}
	s.persistLocked()
	s.logger.Info("job added", "name", name, "schedule", schedule, "delivery", delivery)
	return j, nil
}

// Delete removes the schedule binding and the persisted row.
func (s *Scheduler) Delete(idOrName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findLocked(idOrName)
	if j == nil {
		return fmt.Errorf("no job %q", idOrName)
	}
	s.unbindLocked(j.ID)
	delete(s.jobs, j.ID)
	s.persistLocked()
	s.logger.Info("job deleted", "name", j.Name)
	return nil
}

// Toggle flips enabled. Disabling stops the ticker binding and nulls
// the next-run time.
func (s *Scheduler) Toggle(idOrName string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findLocked(idOrName)
	if j == nil {
		return nil, fmt.Errorf("no job %q", idOrName)
	}
	if j.Enabled {
		j.Enabled = false
		s.unbindLocked(j.ID)
		j.NextRun = time.Time{}
	} else {
		j.Enabled = true
		if err := s.bindLocked(j); err != nil {
			j.Enabled = false
			return nil, err
		}
	}
	s.persistLocked()
	s.logger.Info("job toggled", "name", j.Name, "enabled", j.Enabled)
	return j, nil
}

// RunNow fires a one-off execution outside the schedule.
func (s *Scheduler) RunNow(idOrName string) error {
	s.mu.Lock()
	j := s.findLocked(idOrName)
	s.mu.Unlock()
	if j == nil {
		return fmt.Errorf("no job %q", idOrName)
	}
	go s.execute(j.ID)
	return nil
}

// List returns jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Get resolves a job by id or name.
func (s *Scheduler) Get(idOrName string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findLocked(idOrName); j != nil {
		return *j, true
	}
	return Job{}, false
}

// ── internals ──

func (s *Scheduler) findLocked(idOrName string) *Job {
	if j, ok := s.jobs[idOrName]; ok {
		return j
	}
	for _, j := range s.jobs {
		if strings.EqualFold(j.Name, idOrName) {
			return j
		}
	}
	return nil
}

func (s *Scheduler) bindLocked(j *Job) error {
	id := j.ID
	entry, err := s.cron.AddFunc(j.Schedule, func() { s.execute(id) })
	if err != nil {
		return fmt.Errorf("scheduling %q: %w", j.Name, err)
	}
	s.entries[j.ID] = entry
	if sched, err := robfig.ParseStandard(j.Schedule); err == nil {
		j.NextRun = sched.Next(time.Now().In(s.loc))
	}
	return nil
}

func (s *Scheduler) unbindLocked(jobID string) {
	if entry, ok := s.entries[jobID]; ok {
		s.cron.Remove(entry)
		delete(s.entries, jobID)
	}
}

// execute is the per-fire path described in the trigger contract.
func (s *Scheduler) execute(jobID string) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if s.running[jobID] {
		s.mu.Unlock()
		s.logger.Warn("job still running, skipping fire", "name", j.Name)
		return
	}
	s.running[jobID] = true
	j.LastRun = time.Now()
	j.LastStatus = "running"
	name, prompt, model, sessionID := j.Name, j.Prompt, j.Model, j.SessionID
	delivery := j.Delivery
	s.persistLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, jobID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	// Cooperative slot sharing so heavy crons do not starve chat.
	if err := s.queue.AcquireSlot(ctx); err != nil {
		s.finish(jobID, fmt.Errorf("queue slot: %w", err), "", 0)
		return
	}
	defer s.queue.ReleaseSlot()

	start := time.Now()
	res, err := s.runner.OneShot(ctx, llm.OneShotOpts{
		Prompt:    prompt,
		SessionID: sessionID,
		Model:     model,
		Source:    "cron:" + name,
	}, llm.StreamHandlers{})
	dur := time.Since(start)

	text := ""
	if res != nil {
		text = res.Text
		if res.SessionID != "" {
			s.mu.Lock()
			if cur, ok := s.jobs[jobID]; ok {
				cur.SessionID = res.SessionID
			}
			s.mu.Unlock()
		}
	}
	s.finish(jobID, err, text, dur)

	if err == nil && delivery == DeliveryAnnounce && s.Deliver != nil {
		if s.cfg.Quiet.Contains(time.Now().In(s.loc).Hour()) {
			s.logger.Info("quiet hours, delivery held", "name", name)
		} else if text != "" {
			s.Deliver(text)
		}
	}
}

// finish persists the run result and raises alerts per the failure policy.
func (s *Scheduler) finish(jobID string, err error, text string, dur time.Duration) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.LastDurationMs = dur.Milliseconds()
	if entry, bound := s.entries[jobID]; bound {
		j.NextRun = s.cron.Entry(entry).Next
	}

	var alert string
	if err != nil {
		j.LastStatus = "error:" + firstLine(err.Error())
		j.ConsecutiveErrors++
		if j.ConsecutiveErrors >= alertThreshold {
			alert = fmt.Sprintf("cron %q failed %d times in a row: %v", j.Name, j.ConsecutiveErrors, err)
		} else if j.Delivery == DeliverySilent && j.ConsecutiveErrors == 1 {
			// Silent jobs are invisible; even a single failure must surface.
			alert = fmt.Sprintf("silent cron %q failed: %v", j.Name, err)
		}
	} else {
		j.LastStatus = "ok"
		j.ConsecutiveErrors = 0
	}
	name := j.Name
	s.persistLocked()
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "name", name, "error", err, "duration", dur)
		if s.RecordError != nil {
			s.RecordError("cron:"+name, err.Error())
		}
	} else {
		s.logger.Info("job ok", "name", name, "duration", dur, "output_bytes", len(text))
	}
	if alert != "" && s.Alert != nil {
		s.Alert(alert)
	}
}

func (s *Scheduler) persist() {
	s.mu.Lock()
	s.persistLocked()
	s.mu.Unlock()
}

func (s *Scheduler) persistLocked() {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Name < jobs[k].Name })
	if err := store.SaveJSON(s.path, jobs); err != nil {
		s.logger.Error("persisting jobs failed", "error", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
