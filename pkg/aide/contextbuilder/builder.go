// Package contextbuilder assembles the dynamic per-turn prompt. A tier
// (minimal / standard / full) is chosen from the incoming message and
// the session's pressure and budget, then the prompt is stacked in a
// fixed order: persona core, capability manifest, skills, goals,
// retrieved memories, temporal context, tone flags, user text.
package contextbuilder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/aide/pkg/aide/contextgate"
	"github.com/jholhewres/aide/pkg/aide/memoryindex"
	"github.com/jholhewres/aide/pkg/aide/store"
)

// Tier picks how much static context rides along with a turn.
type Tier string

const (
	TierMinimal  Tier = "minimal"
	TierStandard Tier = "standard"
	TierFull     Tier = "full"
)

// Approximate byte budgets per tier.
const (
	minimalBudget  = 2 * 1024
	standardBudget = 5 * 1024
	fullBudget     = 12 * 1024
)

// soulMinimalLines caps the persona excerpt on the minimal tier.
const soulMinimalLines = 30

// gapRecapAfter is the idle span that triggers a conversation recap.
const gapRecapAfter = 4 * time.Hour

// recapTurns is how many recent turns the gap recap replays.
const recapTurns = 6

// complexityKeywords bump short messages up a tier.
var complexityKeywords = []string{
	"plan", "analyze", "analyse", "compare", "design", "workflow",
	"research", "investigate", "summarize", "summarise", "review",
	"strategy", "refactor", "debug",
}

// frustrationHints feed the tone flag.
var frustrationHints = []string{
	"again", "still", "wrong", "no!", "ugh", "wtf", "broken", "not working",
}

// Skill is one entry from the skill registry.
type Skill struct {
	Name     string
	Keywords []string
	Body     string
}

// SkillSource lists registered skill documents.
type SkillSource interface {
	Skills(ctx context.Context) ([]Skill, error)
}

// GoalSummarizer renders the active goals for a tier.
type GoalSummarizer interface {
	// Summary returns a compact list; full=true includes the activity log.
	Summary(ctx context.Context, full bool) (string, error)
}

// Config holds the static inputs.
type Config struct {
	SoulText     string // persona core, whole file
	Capabilities string // external tool manifest, pre-rendered
	MaxSkills    int    // cap at the standard tier; full doubles it
}

// Builder assembles prompts. Any source may be nil.
type Builder struct {
	cfg     Config
	skills  SkillSource
	goals   GoalSummarizer
	index   *memoryindex.Index
	history *store.HistoryStore
	logger  *slog.Logger
}

// Input is everything known about the incoming turn.
type Input struct {
	Peer          string
	Text          string
	Pressure      float64 // sessionTokens/ceiling from the gate
	BudgetUsed    float64 // daily cost utilisation, 0..1
	Mood          string  // optional hint: "focused" narrows, "exploratory" widens
	LastMessageAt time.Time
}

// New wires a builder from its sources; any source may be nil.
func New(cfg Config, skills SkillSource, goals GoalSummarizer, index *memoryindex.Index, history *store.HistoryStore, logger *slog.Logger) *Builder {
	if cfg.MaxSkills <= 0 {
		cfg.MaxSkills = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		cfg:     cfg,
		skills:  skills,
		goals:   goals,
		index:   index,
		history: history,
		logger:  logger.With("component", "contextbuilder"),
	}
}

// SelectTier applies the heuristics from the incoming message and the
// session's current state.
func (b *Builder) SelectTier(in Input) Tier {
	tier := TierStandard

	lower := strings.ToLower(in.Text)
	switch {
	case len(in.Text) < 60 && !hasAny(lower, complexityKeywords):
		tier = TierMinimal
	case len(in.Text) > 400 || hasAny(lower, complexityKeywords):
		tier = TierFull
	}

	if in.Mood == "exploratory" && tier == TierMinimal {
		tier = TierStandard
	}
	if in.Mood == "focused" && tier == TierFull {
		tier = TierStandard
	}

	// High pressure or a spent budget forces the cheapest build.
	if in.Pressure > 0.85 || in.BudgetUsed > 0.9 {
		tier = TierMinimal
	}
	return tier
}

// Build assembles the prompt sections for the turn, in priority order.
func (b *Builder) Build(ctx context.Context, in Input) ([]contextgate.Section, Tier) {
	tier := b.SelectTier(in)
	var sections []contextgate.Section

	if soul := b.soulFor(tier); soul != "" {
		sections = append(sections, contextgate.Section{Name: "soul", Text: soul})
	}
	if b.cfg.Capabilities != "" {
		sections = append(sections, contextgate.Section{Name: "capabilities", Text: b.cfg.Capabilities})
	}

	if tier != TierMinimal && b.skills != nil {
		if block := b.skillsFor(ctx, in.Text, tier); block != "" {
			sections = append(sections, contextgate.Section{Name: "skills", Text: block, LowSignal: true})
		}
	}

	if b.goals != nil {
		summary, err := b.goals.Summary(ctx, tier == TierFull)
		if err != nil {
			b.logger.Warn("goal summary failed", "error", err)
		} else if summary != "" {
			sections = append(sections, contextgate.Section{Name: "goals", Text: "## Active goals\n" + summary})
		}
	}

	if b.index != nil {
		block, stats, err := b.index.Search(ctx, in.Text, memoryindex.Options{
			Limit:        limitFor(tier),
			TokenBudget:  budgetFor(tier) / 8,
			IncludeNotes: tier == TierFull,
		})
		if err != nil {
			b.logger.Warn("memory search failed", "error", err)
		} else if block != "" {
			b.logger.Debug("memories injected", "count", stats.Injected, "tokens", stats.Tokens)
			sections = append(sections, contextgate.Section{Name: "memories", Text: "## Relevant memories\n" + block})
		}
	}

	if temporal := b.temporalFor(in); temporal != "" {
		sections = append(sections, contextgate.Section{Name: "temporal", Text: temporal, LowSignal: true})
	}

	if flags := toneFlags(in.Text); flags != "" {
		sections = append(sections, contextgate.Section{Name: "tone", Text: flags})
	}

	return sections, tier
}

// SanitizeUserText strips "##" markdown headers from user input so it
// cannot masquerade as an assembled prompt section.
func SanitizeUserText(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, "##") {
			lines[i] = strings.Replace(line, "##", "", 1)
		}
	}
	return strings.Join(lines, "\n")
}

func (b *Builder) soulFor(tier Tier) string {
	soul := strings.TrimSpace(b.cfg.SoulText)
	if soul == "" || tier == TierFull {
		return soul
	}
	lines := strings.Split(soul, "\n")
	max := soulMinimalLines
	if tier == TierStandard {
		max = soulMinimalLines * 2
	}
	if len(lines) <= max {
		return soul
	}
	return strings.Join(lines[:max], "\n")
}

func (b *Builder) skillsFor(ctx context.Context, text string, tier Tier) string {
	skills, err := b.skills.Skills(ctx)
	if err != nil {
		b.logger.Warn("skill listing failed", "error", err)
		return ""
	}
	max := b.cfg.MaxSkills
	if tier == TierFull {
		max *= 2
	}

	lower := strings.ToLower(text)
	var picked []Skill
	for _, sk := range skills {
		if len(picked) >= max {
			break
		}
		for _, kw := range sk.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				picked = append(picked, sk)
				break
			}
		}
	}
	if len(picked) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Skills\n")
	for _, sk := range picked {
		sb.WriteString("### " + sk.Name + "\n" + strings.TrimSpace(sk.Body) + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// temporalFor renders the time-of-day line and, after a long idle gap,
// a short recap of the last turns.
func (b *Builder) temporalFor(in Input) string {
	now := time.Now()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current time: %s (%s)", now.Format("Mon 2 Jan 15:04"), dayPart(now.Hour()))

	if b.history != nil && !in.LastMessageAt.IsZero() && now.Sub(in.LastMessageAt) > gapRecapAfter {
		recent := b.history.Recent(in.Peer, recapTurns)
		if len(recent) > 0 {
			sb.WriteString("\n\nIt has been a while since the last exchange. Recent turns:\n")
			for _, e := range recent {
				line := e.Content
				if len(line) > 120 {
					line = line[:120] + "…"
				}
				fmt.Fprintf(&sb, "- %s: %s\n", e.Role, line)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// toneFlags infers follow-up and frustration hints from short messages.
func toneFlags(text string) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	var flags []string

	if len(lower) < 40 && (strings.HasPrefix(lower, "and ") || strings.HasPrefix(lower, "also ") ||
		strings.HasPrefix(lower, "what about") || lower == "go on" || lower == "continue") {
		flags = append(flags, "This looks like a follow-up to the previous exchange; keep continuity.")
	}
	if hasAny(lower, frustrationHints) && len(lower) < 120 {
		flags = append(flags, "The user may be frustrated; be direct, skip preamble.")
	}
	return strings.Join(flags, "\n")
}

func limitFor(tier Tier) int {
	switch tier {
	case TierMinimal:
		return 3
	case TierFull:
		return 8
	default:
		return 5
	}
}

func budgetFor(tier Tier) int {
	switch tier {
	case TierMinimal:
		return minimalBudget
	case TierFull:
		return fullBudget
	default:
		return standardBudget
	}
}

func dayPart(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 12:
		return "morning"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

func hasAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
