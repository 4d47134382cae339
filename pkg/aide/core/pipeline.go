// Package core – pipeline.go is the inbound message path: queue
// admission, intent short-circuit, prompt assembly, gate admission,
// the streamed LLM turn, marker side-effects and outcome tracking.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/aide/pkg/aide/channels"
	"github.com/jholhewres/aide/pkg/aide/contextbuilder"
	"github.com/jholhewres/aide/pkg/aide/contextgate"
	"github.com/jholhewres/aide/pkg/aide/cron"
	"github.com/jholhewres/aide/pkg/aide/intent"
	"github.com/jholhewres/aide/pkg/aide/llm"
	"github.com/jholhewres/aide/pkg/aide/outcome"
	"github.com/jholhewres/aide/pkg/aide/queue"
	"github.com/jholhewres/aide/pkg/aide/store"
)

// toolCallTimeout bounds a TOOL_CALL marker execution.
const toolCallTimeout = 60 * time.Second

// handleInbound is the channel manager callback.
func (c *Core) handleInbound(channel string, msg channels.Inbound) {
	if msg.Type != channels.TypeText || strings.TrimSpace(msg.Body) == "" {
		return
	}
	c.stats.messagesIn.Add(1)
	c.db.RecordMessage(msg.From, "in", msg.Body)

	// First correspondent becomes the owner unless configured.
	c.mu.Lock()
	if c.ownerPeer == "" {
		c.ownerChannel, c.ownerPeer = channel, msg.From
	}
	lastAt := c.lastInbound[msg.From]
	c.lastInbound[msg.From] = msg.At
	c.mu.Unlock()

	// Feedback loops that want the raw message before any routing.
	c.outcomes.ObserveInbound(context.Background(), msg.From, msg.Body)
	c.index.ObserveUserMessage(msg.Body)

	// A workflow waiting on this user consumes the message outright.
	if c.workflows.FulfillInput(msg.From, msg.Body) {
		return
	}

	// Built-in verbs skip the queue and the LLM.
	if m := intent.Route(msg.Body); m.Verb != intent.VerbNone {
		c.stats.intentHits.Add(1)
		c.send(msg.From, c.answerIntent(m), "")
		return
	}

	peer := msg.From
	body := msg.Body

	// A newer message supersedes the turn still composing for this peer;
	// abort it so the reply reflects what the user just said.
	if c.abortComposing(peer) {
		c.logger.Info("composing turn aborted by newer message", "peer", peer)
	}

	_, err := c.queue.Submit(context.Background(), peer, func(ctx context.Context) error {
		c.runTurn(ctx, peer, body, lastAt)
		return nil
	})
	if errors.Is(err, queue.ErrBacklogFull) {
		c.send(peer, "I'm a bit swamped right now, give me a moment and try again.", "")
	} else if err != nil {
		c.logger.Error("queue submit failed", "peer", peer, "error", err)
	}
}

// runTurn executes one conversational LLM exchange.
func (c *Core) runTurn(ctx context.Context, peer, body string, lastAt time.Time) {
	// Composing watchdog: the whole turn lives under one deadline, and
	// its cancel doubles as the cascade-abort handle.
	timeout := time.Duration(c.cfg.Chat.ComposingTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	h := c.beginComposing(peer, cancel)
	defer c.endComposing(peer, h)

	c.history.Append(peer, store.RoleUser, body)

	session := c.runner.Sessions().Get()
	input := contextbuilder.Input{
		Peer:          peer,
		Text:          body,
		Pressure:      c.gate.Pressure(session.Tokens),
		BudgetUsed:    c.dailyBudgetUsed(tctx),
		LastMessageAt: lastAt,
	}
	sections, tier := c.builder.Build(tctx, input)
	sections = append(sections, contextgate.Section{
		Name: "user",
		Text: contextbuilder.SanitizeUserText(body),
	})

	prompt, gateStats, verdict := c.gate.Admit(sections, session.Tokens)
	if verdict == contextgate.VerdictResetNeeded {
		c.compressSession(tctx, peer)
		session = c.runner.Sessions().Get()
		prompt, gateStats, verdict = c.gate.Admit(sections, session.Tokens)
		if verdict == contextgate.VerdictResetNeeded {
			c.send(peer, "I had to reset my context and still can't fit that. Could you rephrase it more briefly?", "")
			return
		}
	}
	c.logger.Debug("turn assembled",
		"tier", tier, "pressure", gateStats.Pressure, "prompt_tokens", gateStats.PromptTokens)

	c.stats.llmCalls.Add(1)
	res, err := c.runner.Call(tctx, prompt, llm.StreamHandlers{
		OnChunk: func(text string) {
			// Chunks may carry complete action markers (the chunker's
			// bracket holdback guarantees they are never split). Strip
			// them here; the side-effects apply once from the full text.
			if clean := stripChunkMarkers(text); clean != "" {
				c.send(peer, clean, "")
			}
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Superseded by a newer message; that turn owns the reply.
			c.logger.Info("composing turn cancelled", "peer", peer)
			return
		}
		c.stats.llmErrors.Add(1)
		c.logger.Error("llm turn failed", "peer", peer, "error", err)
		c.db.RecordError("chat", err.Error())
		switch {
		case errors.Is(err, llm.ErrBusy):
			c.send(peer, "Still working on your last message, one thing at a time.", "")
		case errors.Is(err, llm.ErrPermanent):
			c.send(peer, "Sorry, I hit an error I can't retry. Please try again.", "")
		default:
			c.send(peer, "Sorry, something went wrong on my side.", "")
		}
		return
	}

	actions, stripped := llm.ExtractActions(res.Text)
	if stripped != "" {
		c.history.Append(peer, store.RoleAssistant, stripped)
	}
	c.outcomes.NoteOutbound(peer, uuid.NewString(), outcome.SignalReply, topicHint(stripped))

	for _, a := range actions {
		c.applyAction(tctx, peer, a)
	}

	// The session may have outgrown the ceiling during the call.
	if c.gate.AfterCall(c.runner.Sessions().Get().Tokens) == contextgate.VerdictResetNeeded {
		c.compressSession(context.Background(), peer)
	}
}

// turnHandle identifies one in-flight composition so a stale turn never
// unregisters its successor.
type turnHandle struct {
	cancel context.CancelFunc
}

// beginComposing registers the turn's cancel as the peer's abort handle.
func (c *Core) beginComposing(peer string, cancel context.CancelFunc) *turnHandle {
	h := &turnHandle{cancel: cancel}
	c.mu.Lock()
	c.composing[peer] = h
	c.mu.Unlock()
	return h
}

// endComposing removes the handle unless a newer turn replaced it.
func (c *Core) endComposing(peer string, h *turnHandle) {
	c.mu.Lock()
	if c.composing[peer] == h {
		delete(c.composing, peer)
	}
	c.mu.Unlock()
}

// abortComposing cancels the peer's in-flight turn, if any.
func (c *Core) abortComposing(peer string) bool {
	c.mu.Lock()
	h := c.composing[peer]
	delete(c.composing, peer)
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h.cancel()
	return true
}

// stripChunkMarkers removes action markers from a streamed chunk before
// it reaches the channel.
func stripChunkMarkers(text string) string {
	_, clean := llm.ExtractActions(text)
	return clean
}

// compressSession asks the session to summarise itself, then resets.
func (c *Core) compressSession(ctx context.Context, peer string) {
	c.logger.Info("context ceiling reached, compressing session")
	if _, err := c.runner.Compress(ctx); err != nil {
		c.logger.Warn("compression failed", "error", err)
		c.send(peer, "My memory of this conversation got too long; I condensed it and may have lost some detail.", "system")
	}
}

// answerIntent serves the built-in verbs.
func (c *Core) answerIntent(m intent.Match) string {
	switch m.Verb {
	case intent.VerbStatus:
		session := c.runner.Sessions().Get()
		qs := c.queue.Stats()
		return fmt.Sprintf("Up %s. Session: %d tokens (%.0f%% of ceiling). Queue: %d running, %d waiting.",
			time.Since(c.started).Round(time.Second),
			session.Tokens, 100*c.gate.Pressure(session.Tokens),
			qs.InFlight, qs.Waiting)
	case intent.VerbCronList:
		jobs := c.cron.List()
		if len(jobs) == 0 {
			return "No scheduled jobs."
		}
		var b strings.Builder
		for _, j := range jobs {
			state := "on"
			if !j.Enabled {
				state = "off"
			}
			fmt.Fprintf(&b, "- %s [%s] %s (%s)\n", j.Name, state, j.Schedule, j.LastStatus)
		}
		return strings.TrimRight(b.String(), "\n")
	case intent.VerbWorkflowList:
		wfs := c.workflows.List()
		if len(wfs) == 0 {
			return "No workflows."
		}
		var b strings.Builder
		for _, wf := range wfs {
			fmt.Fprintf(&b, "- %s: %s (%d steps)\n", wf.Name, wf.Status, len(wf.Steps))
		}
		return strings.TrimRight(b.String(), "\n")
	case intent.VerbHelp:
		return intent.HelpText
	case intent.VerbClear:
		if err := c.clearSession(); err != nil {
			return "Reset failed: " + err.Error()
		}
		return "Fresh session started."
	case intent.VerbMemorySave:
		c.memories.Remember(m.Arg, false, "")
		return "Noted."
	}
	return ""
}

// applyAction executes one extracted marker.
func (c *Core) applyAction(ctx context.Context, peer string, a llm.Action) {
	switch a.Kind {
	case llm.ActionCronAdd:
		job, err := c.cron.Add(a.Name, a.Schedule, a.Prompt, cron.Delivery(a.Delivery), a.Model)
		if err != nil {
			c.send(peer, "Couldn't create that schedule: "+err.Error(), "system")
			return
		}
		c.ipc.Publish("cron_added", job)
		c.send(peer, fmt.Sprintf("Scheduled %q (%s).", job.Name, job.Schedule), "system")
	case llm.ActionCronDelete:
		if err := c.cron.Delete(a.Target); err != nil {
			c.send(peer, err.Error(), "system")
		}
	case llm.ActionCronToggle:
		if _, err := c.cron.Toggle(a.Target); err != nil {
			c.send(peer, err.Error(), "system")
		}
	case llm.ActionCronRun:
		if err := c.cron.RunNow(a.Target); err != nil {
			c.send(peer, err.Error(), "system")
		}
	case llm.ActionSendFile:
		c.mu.Lock()
		channel := c.ownerChannel
		c.mu.Unlock()
		if err := c.channels.SendFile(channel, peer, a.Path); err != nil {
			c.send(peer, "Couldn't send "+a.Path+": "+err.Error(), "system")
		}
	case llm.ActionToolCall:
		out, err := c.runTool(ctx, a.Tool, a.Params)
		if err != nil {
			c.send(peer, fmt.Sprintf("Tool %s failed: %v", a.Tool, err), "system")
			return
		}
		if out != "" {
			c.send(peer, out, "tool")
		}
	}
}

// runTool executes a registered tool with the params as JSON on stdin.
func (c *Core) runTool(ctx context.Context, name string, params json.RawMessage) (string, error) {
	argv, ok := c.cfg.Tools[name]
	if !ok || len(argv) == 0 {
		return "", fmt.Errorf("no such tool")
	}
	tctx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	cmd := exec.CommandContext(tctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(params)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, firstLine(string(out)))
	}
	text := strings.TrimSpace(string(out))
	if len(text) > 3000 {
		text = text[:3000] + "…"
	}
	return text, nil
}

// topicHint grabs a short content hint for outcome classification.
func topicHint(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 80 {
		text = text[:80]
	}
	return text
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}
