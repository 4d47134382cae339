// Package contextgate measures assembled prompts against the session
// token ceiling. It deduplicates repeated paragraphs, drops low-signal
// sections under pressure, truncates from the low-priority end as a last
// resort, and tells the caller when only a compression reset will help.
package contextgate

import (
	"crypto/sha1"
	"log/slog"
	"strings"
)

// Verdict is the gate's decision for one prompt build.
type Verdict string

const (
	// VerdictOK means the prompt fits as-is (possibly deduplicated).
	VerdictOK Verdict = "ok"
	// VerdictTrimmed means low-signal or low-priority content was removed.
	VerdictTrimmed Verdict = "trimmed"
	// VerdictResetNeeded means no build can fit; the session must compress.
	VerdictResetNeeded Verdict = "reset_needed"
)

const (
	dropPressure     = 0.85
	truncatePressure = 0.95
)

// Section is one block of the assembled prompt, in priority order
// (lowest index = highest priority, trimmed last).
type Section struct {
	Name      string
	Text      string
	LowSignal bool // speculative skills, stale reflections; first to go
}

// Stats reports what the gate did.
type Stats struct {
	Pressure        float64 `json:"pressure"`
	PromptTokens    int     `json:"prompt_tokens"`
	SessionTokens   int     `json:"session_tokens"`
	Ceiling         int     `json:"ceiling"`
	DroppedSections int     `json:"dropped_sections"`
	DedupedParas    int     `json:"deduped_paras"`
	Truncated       bool    `json:"truncated"`
}

// Gate holds the ceiling configuration.
type Gate struct {
	ceiling int
	logger  *slog.Logger
}

// New creates a gate for the given session token ceiling.
func New(ceiling int, logger *slog.Logger) *Gate {
	if ceiling <= 0 {
		ceiling = 160_000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ceiling: ceiling, logger: logger.With("component", "contextgate")}
}

// EstimateTokens approximates token count from bytes (≈ 4 bytes/token,
// the usual English heuristic; close enough for budget decisions).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Pressure returns sessionTokens/ceiling.
func (g *Gate) Pressure(sessionTokens int) float64 {
	return float64(sessionTokens) / float64(g.ceiling)
}

// Admit compacts the sections against the ceiling given the session's
// current token count. Returns the final prompt, stats, and a verdict.
func (g *Gate) Admit(sections []Section, sessionTokens int) (string, Stats, Verdict) {
	stats := Stats{
		SessionTokens: sessionTokens,
		Ceiling:       g.ceiling,
		Pressure:      g.Pressure(sessionTokens),
	}

	// Pass 1: paragraph dedup across the whole build.
	seen := make(map[[20]byte]bool)
	deduped := make([]Section, 0, len(sections))
	for _, sec := range sections {
		paras := strings.Split(sec.Text, "\n\n")
		kept := paras[:0]
		for _, p := range paras {
			trimmed := strings.TrimSpace(p)
			if trimmed == "" {
				continue
			}
			key := sha1.Sum([]byte(trimmed))
			if seen[key] {
				stats.DedupedParas++
				continue
			}
			seen[key] = true
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			continue
		}
		deduped = append(deduped, Section{Name: sec.Name, Text: strings.Join(kept, "\n\n"), LowSignal: sec.LowSignal})
	}
	sections = deduped

	// Pass 2: under pressure, shed low-signal sections.
	if stats.Pressure > dropPressure {
		kept := sections[:0]
		for _, sec := range sections {
			if sec.LowSignal {
				stats.DroppedSections++
				continue
			}
			kept = append(kept, sec)
		}
		sections = kept
	}

	// Budget left in the session for this prompt.
	budget := g.ceiling - sessionTokens
	prompt := join(sections)
	stats.PromptTokens = EstimateTokens(prompt)

	if budget <= 0 {
		return "", stats, VerdictResetNeeded
	}

	// Pass 3: truncate from the low-priority (tail) end.
	verdict := VerdictOK
	if stats.DroppedSections > 0 || stats.DedupedParas > 0 {
		verdict = VerdictTrimmed
	}
	if stats.PromptTokens > budget || stats.Pressure > truncatePressure {
		for len(sections) > 1 && EstimateTokens(join(sections)) > budget {
			sections = sections[:len(sections)-1]
			stats.DroppedSections++
		}
		prompt = join(sections)
		if EstimateTokens(prompt) > budget {
			// Even the highest-priority section alone does not fit.
			maxBytes := budget * 4
			if maxBytes <= 0 {
				return "", stats, VerdictResetNeeded
			}
			if len(prompt) > maxBytes {
				prompt = prompt[:maxBytes]
			}
		}
		stats.Truncated = true
		stats.PromptTokens = EstimateTokens(prompt)
		verdict = VerdictTrimmed
		g.logger.Debug("prompt truncated",
			"pressure", stats.Pressure,
			"prompt_tokens", stats.PromptTokens,
			"dropped", stats.DroppedSections,
		)
	}

	return prompt, stats, verdict
}

// AfterCall reports whether the session has outgrown the ceiling and a
// compression reset is due.
func (g *Gate) AfterCall(sessionTokens int) Verdict {
	if sessionTokens >= g.ceiling {
		return VerdictResetNeeded
	}
	return VerdictOK
}

func join(sections []Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, "\n\n")
}
