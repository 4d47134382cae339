// Package llm adapts the local LLM CLI subprocess: spawning (persistent
// or one-shot), the NDJSON stream-json event protocol, watchdog timeouts,
// chunked delivery, marker extraction and session compression.
//
// The stream protocol mirrors `--output-format stream-json`: one JSON
// object per stdout line. Events the adapter acts on:
//
//	stream_event/content_block_delta  → text forwarded to OnText
//	stream_event/content_block_start  → tool name forwarded to OnToolUse
//	assistant                         → accumulated; tool_use blocks kept
//	result                            → usage, durations, cost; terminal
//
// A stream that ends without a result event was truncated.
package llm

import (
	"encoding/json"
	"time"
)

// StreamEvent is one parsed NDJSON line from the subprocess stdout.
type StreamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`

	// result fields
	Result        string  `json:"result,omitempty"`
	IsError       bool    `json:"is_error,omitempty"`
	CostUSD       float64 `json:"total_cost_usd,omitempty"`
	DurationMs    int64   `json:"duration_ms,omitempty"`
	DurationAPIMs int64   `json:"duration_api_ms,omitempty"`
	Usage         *Usage  `json:"usage,omitempty"`
}

// Usage carries token counters from assistant and result events.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ContextTokens is the number the session growth accounting uses.
//
// The upstream implementation mixed input+cache_read in one code path and
// input+output in another; we standardise on input + cache_read + cache
// creation, which is what the model actually holds in context.
func (u Usage) ContextTokens() int {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// ContentBlock is a block inside an assistant message.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// assistantMessage is the message payload of an assistant event.
type assistantMessage struct {
	Content []ContentBlock `json:"content"`
	Usage   Usage          `json:"usage"`
}

// innerStreamEvent is the wrapped event inside a stream_event line.
type innerStreamEvent struct {
	Type         string          `json:"type"`
	ContentBlock json.RawMessage `json:"content_block,omitempty"`
	Delta        json.RawMessage `json:"delta,omitempty"`
}

// blockStart is a content_block_start payload.
type blockStart struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// blockDelta is a content_block_delta payload.
type blockDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolUse reports one tool invocation the model made during a call. The
// list doubles as the fileTouches report for the dashboard.
type ToolUse struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Result is the outcome of one completed LLM call.
type Result struct {
	Text        string
	SessionID   string
	Usage       Usage
	CostUSD     float64
	Duration    time.Duration
	APIDuration time.Duration
	ToolUses    []ToolUse
	IsError     bool
}

// stdinUserMessage is the JSON frame written to a persistent process.
type stdinUserMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Message   stdinMessageInner `json:"message"`
}

type stdinMessageInner struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}
