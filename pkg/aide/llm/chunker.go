// Package llm – chunker.go buffers streamed text and emits chunks sized
// for the messaging channel. A chunk is cut once the buffer passes the
// soft threshold, preferring a paragraph break, then a line break, then a
// space, with a hard cap as the last resort. Text after an unmatched '['
// is held back until its ']' arrives so half-formed action markers never
// reach the user.
package llm

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkThreshold is the soft size at which a chunk is emitted.
	DefaultChunkThreshold = 3500
	// DefaultChunkHardCap forces a cut even without a good break boundary.
	DefaultChunkHardCap = 3800
)

// Chunker is a pure transducer over text deltas. Not safe for concurrent
// use; the adapter feeds it from the single stream-reading goroutine.
type Chunker struct {
	threshold int
	hardCap   int
	buf       strings.Builder
}

// NewChunker creates a chunker with the given bounds. Zero values pick
// the defaults.
func NewChunker(threshold, hardCap int) *Chunker {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	if hardCap <= threshold {
		hardCap = threshold + 300
	}
	return &Chunker{threshold: threshold, hardCap: hardCap}
}

// Write appends a delta and returns zero or more complete chunks.
func (c *Chunker) Write(delta string) []string {
	c.buf.WriteString(delta)

	var chunks []string
	for {
		chunk, ok := c.cut()
		if !ok {
			return chunks
		}
		chunks = append(chunks, chunk)
	}
}

// Flush returns whatever remains in the buffer, including any held-back
// marker suffix. Called once the stream has ended.
func (c *Chunker) Flush() string {
	out := c.buf.String()
	c.buf.Reset()
	return out
}

// Pending reports how much text is currently buffered.
func (c *Chunker) Pending() int {
	return c.buf.Len()
}

// cut tries to slice one chunk off the front of the buffer.
func (c *Chunker) cut() (string, bool) {
	s := c.buf.String()
	if len(s) < c.threshold {
		return "", false
	}

	// Never emit past an unmatched '['; the tail may be a marker still
	// streaming in. Cut the searchable window down to the bracket.
	limit := len(s)
	if open := unmatchedBracket(s); open >= 0 {
		limit = open
	}
	if limit < c.threshold {
		if len(s) < c.hardCap+limit {
			// Keep waiting for the closing ']' unless the holdback itself
			// grows past the hard cap (then it was never a marker).
			return "", false
		}
		limit = len(s)
	}

	end := breakPoint(s[:limit], c.threshold, c.hardCap)
	chunk := strings.TrimRight(s[:end], "\n")
	rest := s[end:]

	c.buf.Reset()
	c.buf.WriteString(rest)
	if chunk == "" {
		return "", false
	}
	return chunk, true
}

// breakPoint finds the best cut position: paragraph > line > space, inside
// [threshold-window, hardCap], else hardCap.
func breakPoint(s string, threshold, hardCap int) int {
	max := hardCap
	if max > len(s) {
		max = len(s)
	}
	// Search backwards from the cap so chunks stay as large as allowed.
	window := s[:max]
	lo := threshold / 2

	if i := strings.LastIndex(window, "\n\n"); i >= lo {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i >= lo {
		return i + 1
	}
	if i := strings.LastIndex(window, " "); i >= lo {
		return i + 1
	}
	// Forced cut: back up so a multi-byte rune is never split.
	for max > 0 && max < len(s) && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

// unmatchedBracket returns the index of the last '[' with no following
// ']', or -1 when the brackets balance out.
func unmatchedBracket(s string) int {
	open := strings.LastIndex(s, "[")
	if open < 0 {
		return -1
	}
	if strings.Contains(s[open:], "]") {
		return -1
	}
	return open
}
