package llm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_BelowThresholdBuffers(t *testing.T) {
	c := NewChunker(100, 150)

	chunks := c.Write("hello ")
	assert.Empty(t, chunks)
	chunks = c.Write("world")
	assert.Empty(t, chunks)

	assert.Equal(t, "hello world", c.Flush())
	assert.Equal(t, 0, c.Pending())
}

func TestChunker_PrefersParagraphBreak(t *testing.T) {
	c := NewChunker(100, 150)

	first := strings.Repeat("a", 80)
	second := strings.Repeat("b", 60)
	chunks := c.Write(first + "\n\n" + second)

	require.Len(t, chunks, 1)
	assert.Equal(t, first, chunks[0])
	assert.Equal(t, second, c.Flush())
}

func TestChunker_FallsBackToLineThenSpace(t *testing.T) {
	c := NewChunker(100, 150)
	first := strings.Repeat("a", 80)
	chunks := c.Write(first + "\n" + strings.Repeat("b", 60))
	require.Len(t, chunks, 1)
	assert.Equal(t, first, chunks[0])

	c = NewChunker(100, 150)
	chunks = c.Write(first + " " + strings.Repeat("b", 60))
	require.Len(t, chunks, 1)
	assert.Equal(t, first+" ", chunks[0])
}

func TestChunker_HardCapWithoutBoundary(t *testing.T) {
	c := NewChunker(100, 150)

	chunks := c.Write(strings.Repeat("x", 200))
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 150)
	assert.Equal(t, 50, c.Pending())
}

func TestChunker_HoldsBackUnmatchedBracket(t *testing.T) {
	c := NewChunker(100, 150)

	// The marker opens right before the threshold; nothing must be cut
	// past it until the closing bracket arrives.
	prefix := strings.Repeat("a", 90) + "\n\n"
	chunks := c.Write(prefix + "[CRON_ADD: daily | 0 9")
	assert.Empty(t, chunks)

	chunks = c.Write(" * * * | say hi]")
	require.Len(t, chunks, 1)
	assert.Equal(t, strings.Repeat("a", 90), chunks[0])
	assert.Equal(t, "[CRON_ADD: daily | 0 9 * * * | say hi]", c.Flush())
}

func TestChunker_GivesUpOnOversizedBracket(t *testing.T) {
	c := NewChunker(100, 150)

	// A '[' followed by far more than the hard cap of text was never a
	// marker; the chunker must stop waiting and cut through it.
	c.Write("start [")
	chunks := c.Write(strings.Repeat("x", 400))
	assert.NotEmpty(t, chunks)
}

func TestChunker_MultipleChunksFromOneWrite(t *testing.T) {
	c := NewChunker(100, 150)

	para := strings.Repeat("p", 120)
	chunks := c.Write(para + "\n\n" + para + "\n\n" + para)
	assert.Len(t, chunks, 2)
	assert.Equal(t, para, c.Flush())
}

func TestChunker_HardCutKeepsRunesIntact(t *testing.T) {
	c := NewChunker(10, 13)

	// Two-byte runes with no break boundaries: the forced cut at 13
	// would land mid-rune without the boundary backup.
	input := strings.Repeat("é", 20)
	chunks := c.Write(input)
	if tail := c.Flush(); tail != "" {
		chunks = append(chunks, tail)
	}

	var rebuilt strings.Builder
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk), "chunk %q splits a rune", chunk)
		rebuilt.WriteString(chunk)
	}
	assert.Equal(t, input, rebuilt.String())
}

func TestChunker_ReassemblyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("chunks plus flush reassemble to the input up to trailing newlines", prop.ForAll(
		func(parts []string) bool {
			c := NewChunker(50, 80)
			var got strings.Builder
			for _, p := range parts {
				for _, chunk := range c.Write(p) {
					got.WriteString(chunk)
				}
			}
			got.WriteString(c.Flush())

			want := strings.Join(parts, "")
			// Chunk boundaries trim trailing newlines, so compare with
			// newlines squeezed out.
			norm := func(s string) string { return strings.ReplaceAll(s, "\n", "") }
			return norm(got.String()) == norm(want)
		},
		gen.SliceOf(gen.OneConstOf(
			"hello world ", "line\nbreak", "para\n\nbreak", strings.Repeat("z", 90), "tail",
		)),
	))

	properties.Property("no chunk exceeds the hard cap", prop.ForAll(
		func(text string) bool {
			c := NewChunker(50, 80)
			for _, chunk := range c.Write(text) {
				if len(chunk) > 80 {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
