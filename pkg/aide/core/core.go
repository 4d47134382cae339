// Package core wires the daemon together: channels feed the work
// queue, admitted messages run through intent routing, prompt assembly,
// the context gate and the LLM adapter, and the response fans out to
// chunked delivery, marker side-effects and outcome tracking. The cron
// scheduler and workflow engine share the same queue and runner.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/aide/pkg/aide/channels"
	"github.com/jholhewres/aide/pkg/aide/config"
	"github.com/jholhewres/aide/pkg/aide/contextbuilder"
	"github.com/jholhewres/aide/pkg/aide/contextgate"
	"github.com/jholhewres/aide/pkg/aide/cron"
	"github.com/jholhewres/aide/pkg/aide/goals"
	"github.com/jholhewres/aide/pkg/aide/ipc"
	"github.com/jholhewres/aide/pkg/aide/llm"
	"github.com/jholhewres/aide/pkg/aide/memoryindex"
	"github.com/jholhewres/aide/pkg/aide/outcome"
	"github.com/jholhewres/aide/pkg/aide/queue"
	"github.com/jholhewres/aide/pkg/aide/store"
	"github.com/jholhewres/aide/pkg/aide/workflow"
)

// drainTimeout bounds the queue drain on shutdown.
const drainTimeout = 10 * time.Second

// Core owns every component and the message pipeline.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *store.DB
	history   *store.HistoryStore
	memories  *memoryindex.FileStore
	index     *memoryindex.Index
	builder   *contextbuilder.Builder
	gate      *contextgate.Gate
	queue     *queue.Queue
	runner    *llm.Runner
	cron      *cron.Scheduler
	workflows *workflow.Engine
	goals     *goals.Store
	outcomes  *outcome.Tracker
	ipc       *ipc.Server
	channels  *channels.Manager

	// ownerChannel/ownerPeer route alerts and cron deliveries.
	mu           sync.Mutex
	ownerChannel string
	ownerPeer    string
	lastInbound  map[string]time.Time
	composing    map[string]*turnHandle

	started time.Time
	stats   coreStats
}

type coreStats struct {
	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	llmCalls    atomic.Int64
	llmErrors   atomic.Int64
	intentHits  atomic.Int64
}

// New builds the daemon from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	c := &Core{
		cfg:         cfg,
		logger:      logger.With("component", "core"),
		lastInbound: make(map[string]time.Time),
		composing:   make(map[string]*turnHandle),
	}

	var err error
	if c.db, err = store.OpenDB(cfg.DataDir, logger); err != nil {
		return nil, err
	}
	if c.history, err = store.NewHistoryStore(cfg.DataDir, cfg.Chat.HistoryMax, logger); err != nil {
		return nil, err
	}

	sessions, err := llm.NewSessionStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	llmCfg := cfg.LLM
	if llmCfg.WorkDir == "" {
		llmCfg.WorkDir = cfg.Workspace
	}
	if llmCfg.PromptArchiveDir == "" {
		llmCfg.PromptArchiveDir = llm.ArchiveDirFor(cfg.DataDir)
	}
	c.runner = llm.NewRunner(llmCfg, sessions, logger)
	c.runner.SetCostRecorder(func(source, model string, usage llm.Usage, costUSD float64) {
		c.db.RecordCost(store.CostRow{
			Source:       source,
			Model:        model,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			CostUSD:      costUSD,
		})
	})

	c.gate = contextgate.New(llmCfg.TokenCeiling, logger)
	c.queue = queue.New(cfg.Queue, logger)

	if c.memories, err = memoryindex.NewFileStore(cfg.DataDir, logger); err != nil {
		return nil, err
	}
	if c.goals, err = goals.NewStore(cfg.DataDir, logger); err != nil {
		return nil, err
	}
	c.index = memoryindex.New(c.memories, goalIntentions{c.goals}, c.goals, nil, logger)

	c.builder = contextbuilder.New(contextbuilder.Config{
		SoulText:     cfg.SoulText(),
		Capabilities: capabilitiesManifest(cfg.Tools),
	}, nil, c.goals, c.index, c.history, logger)

	if c.cron, err = cron.New(cfg.Cron, cfg.DataDir, c.runner, c.queue, logger); err != nil {
		return nil, err
	}
	c.cron.Deliver = func(text string) { c.sendToOwner(text, "cron") }
	c.cron.Alert = c.alert
	c.cron.RecordError = c.db.RecordError

	if c.workflows, err = workflow.NewEngine(cfg.DataDir, c.queue, c.runner, logger); err != nil {
		return nil, err
	}
	c.workflows.SendMessage = func(peer, text string) { c.send(peer, text, "workflow") }
	c.workflows.Notify = c.alert

	c.outcomes = outcome.New(c.db, time.Duration(cfg.Chat.OutcomeWindowMin)*time.Minute, logger)

	c.channels = channels.NewManager(logger)
	c.channels.OnInbound(c.handleInbound)

	if c.ipc, err = ipc.NewServer(cfg.DataDir, ipc.Deps{
		Cron:      c.cron,
		Goals:     c.goals,
		Workflows: c.workflows,
		Status:    c.statusDoc,
		Metrics:   c.metricsText,
		Clear:     c.clearSession,
		Healthy:   func() bool { return true },
	}, logger); err != nil {
		return nil, err
	}

	return c, nil
}

// Channels exposes the manager so callers can register adapters before
// Start.
func (c *Core) Channels() *channels.Manager { return c.channels }

// Runner exposes the LLM adapter (used by the chat REPL).
func (c *Core) Runner() *llm.Runner { return c.runner }

// SetOwner routes alerts and cron deliveries to one correspondent.
func (c *Core) SetOwner(channel, peer string) {
	c.mu.Lock()
	c.ownerChannel, c.ownerPeer = channel, peer
	c.mu.Unlock()
}

// Start brings up transports, the scheduler, workflow resumption and
// the IPC surface.
func (c *Core) Start(ctx context.Context) error {
	c.started = time.Now()

	if err := c.channels.Start(ctx); err != nil {
		return fmt.Errorf("starting channels: %w", err)
	}
	if err := c.cron.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	c.workflows.Start()
	if err := c.ipc.Start(); err != nil {
		return fmt.Errorf("starting ipc: %w", err)
	}

	c.logger.Info("daemon started", "name", c.cfg.Name, "data_dir", c.cfg.DataDir)
	return nil
}

// Shutdown drains and closes everything in dependency order: stop
// admission, drain in-flight work, flush debounced writes, stop the
// engines, close the subprocess and the control surface.
func (c *Core) Shutdown() {
	c.logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	c.cron.Stop(stopCtx)
	cancel()

	drained := c.queue.Drain(drainTimeout)
	c.logger.Info("queue drained", "tasks", drained)

	if err := c.history.Flush(); err != nil {
		c.logger.Error("history flush failed", "error", err)
	}
	c.goals.Flush()
	c.memories.Flush()

	c.workflows.Stop()
	c.runner.Close()
	c.ipc.Stop()

	c.sendToOwner("Daemon shutting down.", "system")
	c.channels.Stop()

	if err := c.db.Close(); err != nil {
		c.logger.Error("db close failed", "error", err)
	}
	c.logger.Info("shutdown complete")
}

// ── owner messaging ──

func (c *Core) send(peer, text, tag string) {
	c.mu.Lock()
	channel := c.ownerChannel
	c.mu.Unlock()
	if channel == "" || peer == "" || text == "" {
		return
	}
	if err := c.channels.Send(channel, peer, text, tag); err != nil {
		c.logger.Error("send failed", "peer", peer, "error", err)
		return
	}
	c.stats.messagesOut.Add(1)
	c.db.RecordMessage(peer, "out", text)
}

func (c *Core) sendToOwner(text, tag string) {
	c.mu.Lock()
	peer := c.ownerPeer
	c.mu.Unlock()
	c.send(peer, text, tag)
}

// alert raises an out-of-band operator notification and logs it.
func (c *Core) alert(text string) {
	c.logger.Warn("alert", "text", text)
	c.db.RecordError("alert", text)
	c.sendToOwner(text, "alert")
	c.ipc.Publish("alert", map[string]string{"text": text})
}

// clearSession resets the conversation: session, history, subprocess.
func (c *Core) clearSession() error {
	c.mu.Lock()
	peer := c.ownerPeer
	c.mu.Unlock()
	if peer != "" {
		c.history.Clear(peer)
	}
	c.runner.Close()
	return c.runner.Sessions().Reset("")
}

// ── status & metrics ──

func (c *Core) statusDoc() any {
	session := c.runner.Sessions().Get()
	qs := c.queue.Stats()
	return map[string]any{
		"name":     c.cfg.Name,
		"uptime_s": int(time.Since(c.started).Seconds()),
		"session": map[string]any{
			"id":       session.ID,
			"tokens":   session.Tokens,
			"pressure": c.gate.Pressure(session.Tokens),
		},
		"queue": qs,
		"counters": map[string]int64{
			"messages_in":  c.stats.messagesIn.Load(),
			"messages_out": c.stats.messagesOut.Load(),
			"llm_calls":    c.stats.llmCalls.Load(),
			"llm_errors":   c.stats.llmErrors.Load(),
			"intent_hits":  c.stats.intentHits.Load(),
		},
		"crons":     len(c.cron.List()),
		"workflows": len(c.workflows.List()),
	}
}

func (c *Core) metricsText() string {
	qs := c.queue.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "aide_uptime_seconds %d\n", int(time.Since(c.started).Seconds()))
	fmt.Fprintf(&b, "aide_messages_in_total %d\n", c.stats.messagesIn.Load())
	fmt.Fprintf(&b, "aide_messages_out_total %d\n", c.stats.messagesOut.Load())
	fmt.Fprintf(&b, "aide_llm_calls_total %d\n", c.stats.llmCalls.Load())
	fmt.Fprintf(&b, "aide_llm_errors_total %d\n", c.stats.llmErrors.Load())
	fmt.Fprintf(&b, "aide_intent_hits_total %d\n", c.stats.intentHits.Load())
	fmt.Fprintf(&b, "aide_queue_in_flight %d\n", qs.InFlight)
	fmt.Fprintf(&b, "aide_queue_waiting %d\n", qs.Waiting)
	fmt.Fprintf(&b, "aide_queue_completed_total %d\n", qs.Completed)
	fmt.Fprintf(&b, "aide_queue_rejected_total %d\n", qs.Rejected)
	fmt.Fprintf(&b, "aide_session_tokens %d\n", c.runner.Sessions().Get().Tokens)
	fmt.Fprintf(&b, "aide_crons %d\n", len(c.cron.List()))
	fmt.Fprintf(&b, "aide_workflows %d\n", len(c.workflows.List()))
	return b.String()
}

// dailyBudgetUsed returns today's spend as a fraction of the budget.
func (c *Core) dailyBudgetUsed(ctx context.Context) float64 {
	if c.cfg.Budget.DailyUSD <= 0 {
		return 0
	}
	midnight := time.Now().Truncate(24 * time.Hour)
	total, err := c.db.CostTotalSince(ctx, midnight)
	if err != nil {
		return 0
	}
	return total / c.cfg.Budget.DailyUSD
}

// goalIntentions adapts the goals store to the intentions lookup: goals
// whose titles overlap the query surface as reminder lines.
type goalIntentions struct {
	store *goals.Store
}

func (g goalIntentions) Intentions(ctx context.Context, query string) ([]string, error) {
	active, err := g.store.ActiveGoals(ctx)
	if err != nil {
		return nil, err
	}
	queryLower := strings.ToLower(query)
	var out []string
	for _, goal := range active {
		for _, w := range strings.Fields(strings.ToLower(goal.Title)) {
			if len(w) >= 4 && strings.Contains(queryLower, w) {
				out = append(out, "Active goal: "+goal.Title)
				break
			}
		}
	}
	return out, nil
}

// capabilitiesManifest renders the tool registry for the prompt.
func capabilitiesManifest(tools map[string][]string) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available tools\nInvoke with [TOOL_CALL: name | {\"json\": \"params\"}].\n")
	for name := range tools {
		b.WriteString("- " + name + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
