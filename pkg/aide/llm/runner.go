// Package llm – runner.go owns the CLI subprocess. Two modes:
//
//   - Persistent: one long-lived process holds the conversation; each
//     turn writes a user frame to stdin and reads events until a result.
//   - One-shot: a fresh `-p` process per call, optionally resuming an
//     externally-managed session id (crons keep their own continuity).
//
// Every call is bracketed by an absolute timeout and an inactivity
// watchdog (no stdout bytes for N seconds). Either firing kills the
// subprocess and fails the call, as does the caller's cascade-abort
// context. Nothing outside this package writes to the subprocess stdin.
package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/aide/pkg/aide/store"
)

var (
	// ErrBusy is returned when a call is attempted while another is in
	// flight on the same runner. Overlap is rejected, never queued.
	ErrBusy = errors.New("llm call already in progress")

	// ErrPermanent marks model-reported failures that must not be retried.
	ErrPermanent = errors.New("llm reported permanent error")

	// ErrTruncated marks a stream that ended without a result event.
	ErrTruncated = errors.New("llm stream truncated")
)

// Config configures the subprocess adapter.
type Config struct {
	Command           string        `yaml:"command"`            // CLI binary, default "claude"
	Model             string        `yaml:"model"`              // default model flag
	WorkDir           string        `yaml:"work_dir"`           // subprocess cwd
	AbsoluteTimeout   time.Duration `yaml:"absolute_timeout"`   // default 900s
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"` // default 120s
	CompressTimeout   time.Duration `yaml:"compress_timeout"`   // default 60s
	TokenCeiling      int           `yaml:"token_ceiling"`      // session context ceiling
	MaxRetries        int           `yaml:"max_retries"`        // default 3
	ChunkThreshold    int           `yaml:"chunk_threshold"`
	ChunkHardCap      int           `yaml:"chunk_hard_cap"`
	PromptArchiveDir  string        `yaml:"prompt_archive_dir"` // "" disables archiving
}

// DefaultConfig returns the stock adapter configuration.
func DefaultConfig() Config {
	return Config{
		Command:           "claude",
		AbsoluteTimeout:   900 * time.Second,
		InactivityTimeout: 120 * time.Second,
		CompressTimeout:   60 * time.Second,
		TokenCeiling:      160_000,
		MaxRetries:        3,
		ChunkThreshold:    DefaultChunkThreshold,
		ChunkHardCap:      DefaultChunkHardCap,
	}
}

// StreamHandlers receive output during a call. Either field may be nil.
type StreamHandlers struct {
	// OnChunk receives channel-sized output chunks in arrival order.
	OnChunk func(text string)
	// OnToolUse fires when the model opens a tool_use block.
	OnToolUse func(name string)
}

// OneShotOpts parameterise a one-shot call.
type OneShotOpts struct {
	Prompt       string
	SystemPrompt string // appended system prompt, may be ""
	SessionID    string // resume id, "" starts fresh
	Model        string // override, "" uses Config.Model
	Source       string // cost attribution label
}

// Runner manages the subprocess and serialises calls.
type Runner struct {
	cfg      Config
	sessions *SessionStore
	logger   *slog.Logger

	mu   sync.Mutex // guards busy + proc
	busy bool
	proc *process

	// recordCost, if set, receives per-call accounting.
	recordCost func(source, model string, usage Usage, costUSD float64)
}

// process is one live subprocess. The buffered reader is per-process so
// a turn never swallows bytes belonging to the next one.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	br     *bufio.Reader
	cancel context.CancelFunc
}

// NewRunner creates the adapter. sessions may be shared with the gate.
func NewRunner(cfg Config, sessions *SessionStore, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Command == "" {
		cfg.Command = def.Command
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = def.AbsoluteTimeout
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.CompressTimeout <= 0 {
		cfg.CompressTimeout = def.CompressTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.TokenCeiling <= 0 {
		cfg.TokenCeiling = def.TokenCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		sessions: sessions,
		logger:   logger.With("component", "llm"),
	}
}

// SetCostRecorder wires per-call accounting (batched inserts downstream).
func (r *Runner) SetCostRecorder(fn func(source, model string, usage Usage, costUSD float64)) {
	r.recordCost = fn
}

// Sessions exposes the session store (context gate reads the token count).
func (r *Runner) Sessions() *SessionStore {
	return r.sessions
}

// Call runs one turn against the persistent session. Retries transient
// failures with backoff, but only while zero chunks have been delivered;
// a mid-stream retry would double-send to the user.
func (r *Runner) Call(ctx context.Context, prompt string, h StreamHandlers) (*Result, error) {
	if !r.acquire() {
		return nil, ErrBusy
	}
	defer r.release()

	r.archivePrompt(prompt)

	chunksSent := 0
	wrapped := StreamHandlers{
		OnToolUse: h.OnToolUse,
		OnChunk: func(text string) {
			chunksSent++
			if h.OnChunk != nil {
				h.OnChunk(text)
			}
		},
	}

	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		res, err := r.persistentTurn(ctx, prompt, wrapped)
		if err == nil {
			r.account("chat", res)
			return res, nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) || ctx.Err() != nil || chunksSent > 0 {
			break
		}
		if r.resumeFailed(err) {
			// Stale session id: discard and retry once on a fresh session.
			r.logger.Warn("session resume failed, starting fresh", "error", err)
			r.killProcess()
			_ = r.sessions.Reset("")
			continue
		}

		r.logger.Warn("llm call failed, retrying",
			"attempt", attempt, "max", r.cfg.MaxRetries, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// OneShot spawns a fresh process for a single prompt. Used by crons and
// workflow llm steps; the returned SessionID lets the caller accumulate
// its own continuity.
func (r *Runner) OneShot(ctx context.Context, opts OneShotOpts, h StreamHandlers) (*Result, error) {
	r.archivePrompt(opts.Prompt)

	model := opts.Model
	if model == "" {
		model = r.cfg.Model
	}

	args := []string{
		"-p", opts.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.AbsoluteTimeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, r.cfg.Command, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", r.cfg.Command, err)
	}

	res, streamErr := r.readStream(callCtx, cancel, bufio.NewReaderSize(stdout, 64*1024), h, nil)
	waitErr := cmd.Wait()
	if streamErr != nil {
		return nil, streamErr
	}
	if res == nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("one-shot call: %w", callCtx.Err())
		}
		if waitErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, waitErr)
		}
		return nil, ErrTruncated
	}
	if res.IsError {
		return nil, fmt.Errorf("%w: %s", ErrPermanent, firstLine(res.Text))
	}

	source := opts.Source
	if source == "" {
		source = "oneshot"
	}
	r.account(source, res)
	return res, nil
}

// Compress asks the live session for a 2–3 paragraph summary (60 s cap),
// persists it, and installs a fresh session seeded by that summary on the
// next spawn. A failed summary still proceeds to reset.
func (r *Runner) Compress(ctx context.Context) (string, error) {
	summaryPrompt := "Summarize this conversation in 2-3 short paragraphs. " +
		"Keep decisions made, open tasks, user preferences, and anything the " +
		"user asked you to remember. This summary seeds your replacement session."

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CompressTimeout)
	defer cancel()

	summary := ""
	res, err := r.Call(cctx, summaryPrompt, StreamHandlers{})
	if err != nil {
		r.logger.Warn("compression summary failed, resetting anyway", "error", err)
	} else {
		summary = strings.TrimSpace(res.Text)
	}

	r.killProcess()
	if rerr := r.sessions.Reset(summary); rerr != nil {
		return summary, fmt.Errorf("persisting reset session: %w", rerr)
	}
	r.logger.Info("session compressed", "summary_len", len(summary))
	return summary, err
}

// Close terminates the persistent subprocess.
func (r *Runner) Close() {
	r.killProcess()
}

// ── internals ──

func (r *Runner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return false
	}
	r.busy = true
	return true
}

func (r *Runner) release() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

// persistentTurn ensures the long-lived process and runs one exchange.
func (r *Runner) persistentTurn(ctx context.Context, prompt string, h StreamHandlers) (*Result, error) {
	proc, err := r.ensureProcess(ctx)
	if err != nil {
		return nil, err
	}

	state := r.sessions.Get()
	frame := stdinUserMessage{
		Type:      "user",
		SessionID: state.ID,
		Message: stdinMessageInner{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: prompt}},
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshaling stdin frame: %w", err)
	}
	if _, err := proc.stdin.Write(append(data, '\n')); err != nil {
		r.killProcess()
		return nil, fmt.Errorf("writing to subprocess: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.AbsoluteTimeout)
	defer cancel()

	onAbort := func() { r.killProcess() }
	res, err := r.readStream(callCtx, cancel, proc.br, h, onAbort)
	if err != nil {
		return nil, err
	}
	if res == nil {
		r.killProcess()
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("persistent turn: %w", callCtx.Err())
		}
		return nil, ErrTruncated
	}
	if res.IsError {
		if strings.Contains(res.Text, "No conversation found") {
			return nil, fmt.Errorf("resume failed: %s", firstLine(res.Text))
		}
		return nil, fmt.Errorf("%w: %s", ErrPermanent, firstLine(res.Text))
	}

	// Capture/refresh the session id and grow the token estimate.
	if res.SessionID != "" || res.Usage.ContextTokens() > 0 {
		_ = r.sessions.Update(func(st *SessionState) {
			if res.SessionID != "" {
				st.ID = res.SessionID
			}
			st.Started = true
			st.Tokens = res.Usage.ContextTokens()
		})
	}
	return res, nil
}

// ensureProcess spawns the persistent subprocess if needed. A replacement
// process after compression is seeded with the stored summary.
func (r *Runner) ensureProcess(ctx context.Context) (*process, error) {
	r.mu.Lock()
	if r.proc != nil {
		p := r.proc
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	state := r.sessions.Get()
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	if state.ID != "" {
		args = append(args, "--resume", state.ID)
	} else if state.Summary != "" {
		args = append(args, "--append-system-prompt",
			"Summary of your previous session with this user:\n\n"+state.Summary)
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, r.cfg.Command, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("starting %s: %w", r.cfg.Command, err)
	}

	p := &process{cmd: cmd, stdin: stdin, br: bufio.NewReaderSize(stdout, 64*1024), cancel: cancel}
	r.mu.Lock()
	r.proc = p
	r.mu.Unlock()

	r.logger.Info("llm subprocess started", "resume", state.ID != "", "seeded", state.Summary != "")
	return p, nil
}

func (r *Runner) killProcess() {
	r.mu.Lock()
	p := r.proc
	r.proc = nil
	r.mu.Unlock()
	if p == nil {
		return
	}
	p.cancel()
	if p.cmd.Process != nil {
		_ = p.cmd.Wait()
	}
}

// readStream consumes NDJSON events until a result event, the context
// fires, or the stream ends. The inactivity watchdog cancels the call
// when stdout goes quiet; onAbort (may be nil) additionally tears down
// the subprocess when either watchdog fires.
func (r *Runner) readStream(ctx context.Context, cancel context.CancelFunc, br *bufio.Reader, h StreamHandlers, onAbort func()) (*Result, error) {
	chunker := NewChunker(r.cfg.ChunkThreshold, r.cfg.ChunkHardCap)

	abort := func() {
		cancel()
		if onAbort != nil {
			onAbort()
		}
	}
	watchdog := time.AfterFunc(r.cfg.InactivityTimeout, func() {
		r.logger.Warn("inactivity watchdog fired",
			"timeout_s", int(r.cfg.InactivityTimeout.Seconds()))
		abort()
	})
	defer watchdog.Stop()

	stop := context.AfterFunc(ctx, abort)
	defer stop()

	var (
		res       Result
		fullText  strings.Builder
		sawResult bool
		readErr   error
	)

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			watchdog.Reset(r.cfg.InactivityTimeout)
		}
		if err != nil {
			readErr = err
			if len(line) == 0 {
				break
			}
		}
		line = trimNewline(line)
		if len(line) == 0 {
			if readErr != nil {
				break
			}
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			r.logger.Debug("unparseable stream line", "error", err)
			continue
		}
		if ev.SessionID != "" {
			res.SessionID = ev.SessionID
		}

		switch ev.Type {
		case "stream_event":
			r.handleInnerEvent(ev.Event, chunker, h, &fullText)

		case "assistant":
			var msg assistantMessage
			if err := json.Unmarshal(ev.Message, &msg); err != nil {
				continue
			}
			for _, block := range msg.Content {
				if block.Type == "tool_use" {
					res.ToolUses = append(res.ToolUses, ToolUse{Name: block.Name, Input: block.Input})
				}
			}
			if msg.Usage.ContextTokens() > 0 || msg.Usage.OutputTokens > 0 {
				res.Usage = msg.Usage
			}

		case "result":
			sawResult = true
			res.IsError = ev.IsError
			res.CostUSD = ev.CostUSD
			res.Duration = time.Duration(ev.DurationMs) * time.Millisecond
			res.APIDuration = time.Duration(ev.DurationAPIMs) * time.Millisecond
			if ev.Usage != nil {
				res.Usage = *ev.Usage
			}
			if ev.Result != "" {
				res.Text = ev.Result
			}
		}

		if sawResult || readErr != nil {
			break
		}
	}
	if readErr != nil && readErr != io.EOF && ctx.Err() == nil && !sawResult {
		return nil, fmt.Errorf("reading stream: %w", readErr)
	}
	if !sawResult {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("llm call aborted: %w", ctx.Err())
		}
		return nil, nil
	}

	// Flush the chunker tail, then settle on the authoritative text.
	if tail := chunker.Flush(); tail != "" && h.OnChunk != nil && !res.IsError {
		h.OnChunk(tail)
	}
	if res.Text == "" {
		res.Text = fullText.String()
	}
	return &res, nil
}

// handleInnerEvent unwraps a stream_event line: text deltas feed the
// chunker, tool_use block starts feed the tool callback.
func (r *Runner) handleInnerEvent(raw json.RawMessage, chunker *Chunker, h StreamHandlers, fullText *strings.Builder) {
	var inner innerStreamEvent
	if json.Unmarshal(raw, &inner) != nil {
		return
	}
	switch inner.Type {
	case "content_block_start":
		var cb blockStart
		if json.Unmarshal(inner.ContentBlock, &cb) == nil && cb.Type == "tool_use" && h.OnToolUse != nil {
			h.OnToolUse(cb.Name)
		}
	case "content_block_delta":
		var d blockDelta
		if json.Unmarshal(inner.Delta, &d) != nil || d.Type != "text_delta" {
			return
		}
		fullText.WriteString(d.Text)
		for _, chunk := range chunker.Write(d.Text) {
			if h.OnChunk != nil {
				h.OnChunk(chunk)
			}
		}
	}
}

// resumeFailed reports whether the error indicates a stale session id.
func (r *Runner) resumeFailed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resume failed")
}

func (r *Runner) account(source string, res *Result) {
	if r.recordCost == nil || res == nil {
		return
	}
	r.recordCost(source, r.cfg.Model, res.Usage, res.CostUSD)
}

// archivePrompt drops the prompt into the archive dir for post-hoc review.
func (r *Runner) archivePrompt(prompt string) {
	if r.cfg.PromptArchiveDir == "" {
		return
	}
	name := time.Now().UTC().Format("20060102T150405.000000000") + ".txt"
	path := filepath.Join(r.cfg.PromptArchiveDir, name)
	if err := store.WriteFileAtomic(path, []byte(prompt), 0o644); err != nil {
		r.logger.Debug("prompt archive failed", "error", err)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// ArchiveDirFor returns the conventional archive dir under dataDir.
func ArchiveDirFor(dataDir string) string {
	return filepath.Join(dataDir, "cli-prompts")
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
