package contextbuilder

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/aide/pkg/aide/contextgate"
	"github.com/jholhewres/aide/pkg/aide/store"
)

type stubSkills struct{ skills []Skill }

func (s *stubSkills) Skills(ctx context.Context) ([]Skill, error) { return s.skills, nil }

type stubGoals struct{ compact, full string }

func (s *stubGoals) Summary(ctx context.Context, full bool) (string, error) {
	if full {
		return s.full, nil
	}
	return s.compact, nil
}

func TestSelectTier_ShortMessageIsMinimal(t *testing.T) {
	b := New(Config{}, nil, nil, nil, nil, nil)

	assert.Equal(t, TierMinimal, b.SelectTier(Input{Text: "hi"}))
	assert.Equal(t, TierMinimal, b.SelectTier(Input{Text: "what time is it"}))
}

func TestSelectTier_ComplexityKeywordForcesFull(t *testing.T) {
	b := New(Config{}, nil, nil, nil, nil, nil)

	assert.Equal(t, TierFull, b.SelectTier(Input{Text: "plan my week"}))
	assert.Equal(t, TierFull, b.SelectTier(Input{Text: "can you debug this"}))
}

func TestSelectTier_LongMessageIsFull(t *testing.T) {
	b := New(Config{}, nil, nil, nil, nil, nil)

	long := strings.Repeat("tell me about the thing ", 20)
	assert.Equal(t, TierFull, b.SelectTier(Input{Text: long}))
}

func TestSelectTier_MediumMessageIsStandard(t *testing.T) {
	b := New(Config{}, nil, nil, nil, nil, nil)

	medium := "could you tell me what happened with the delivery from last week please"
	require.GreaterOrEqual(t, len(medium), 60)
	assert.Equal(t, TierStandard, b.SelectTier(Input{Text: medium}))
}

func TestSelectTier_MoodAdjustments(t *testing.T) {
	b := New(Config{}, nil, nil, nil, nil, nil)

	assert.Equal(t, TierStandard, b.SelectTier(Input{Text: "hi", Mood: "exploratory"}))
	assert.Equal(t, TierStandard, b.SelectTier(Input{Text: "plan my week", Mood: "focused"}))
}

func TestSelectTier_PressureForcesMinimal(t *testing.T) {
	b := New(Config{}, nil, nil, nil, nil, nil)

	assert.Equal(t, TierMinimal, b.SelectTier(Input{Text: "plan my week", Pressure: 0.9}))
	assert.Equal(t, TierMinimal, b.SelectTier(Input{Text: "plan my week", BudgetUsed: 0.95}))
}

func TestBuild_SectionOrder(t *testing.T) {
	b := New(
		Config{SoulText: "I am aide.", Capabilities: "## Tools\n- search"},
		&stubSkills{skills: []Skill{{Name: "planning", Keywords: []string{"plan"}, Body: "break work down"}}},
		&stubGoals{compact: "- ship it", full: "- ship it\n  - started"},
		nil, nil, nil,
	)

	sections, tier := b.Build(context.Background(), Input{Text: "plan my week"})
	require.Equal(t, TierFull, tier)

	names := make([]string, 0, len(sections))
	for _, s := range sections {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"soul", "capabilities", "skills", "goals", "temporal"}, names)
}

func TestBuild_MinimalTierSkipsSkills(t *testing.T) {
	b := New(
		Config{SoulText: "I am aide."},
		&stubSkills{skills: []Skill{{Name: "greeting", Keywords: []string{"hi"}, Body: "wave"}}},
		nil, nil, nil, nil,
	)

	sections, tier := b.Build(context.Background(), Input{Text: "hi"})
	require.Equal(t, TierMinimal, tier)
	for _, s := range sections {
		assert.NotEqual(t, "skills", s.Name)
	}
}

func TestBuild_SkillsAreLowSignal(t *testing.T) {
	b := New(
		Config{},
		&stubSkills{skills: []Skill{{Name: "planning", Keywords: []string{"plan"}, Body: "break work down"}}},
		nil, nil, nil, nil,
	)

	sections, _ := b.Build(context.Background(), Input{Text: "plan my week"})
	var found *contextgate.Section
	for i := range sections {
		if sections[i].Name == "skills" {
			found = &sections[i]
		}
	}
	require.NotNil(t, found)
	assert.True(t, found.LowSignal)
	assert.Contains(t, found.Text, "### planning")
}

func TestBuild_SkillsFilteredByKeyword(t *testing.T) {
	b := New(
		Config{MaxSkills: 5},
		&stubSkills{skills: []Skill{
			{Name: "planning", Keywords: []string{"plan"}, Body: "a"},
			{Name: "cooking", Keywords: []string{"recipe"}, Body: "b"},
		}},
		nil, nil, nil, nil,
	)

	sections, _ := b.Build(context.Background(), Input{Text: "review and plan the sprint"})
	for _, s := range sections {
		if s.Name == "skills" {
			assert.Contains(t, s.Text, "planning")
			assert.NotContains(t, s.Text, "cooking")
		}
	}
}

func TestBuild_FullTierUsesFullGoalSummary(t *testing.T) {
	b := New(Config{}, nil, &stubGoals{compact: "- ship it", full: "- ship it\n  - activity line"}, nil, nil, nil)

	sections, _ := b.Build(context.Background(), Input{Text: "plan my week"})
	var goals string
	for _, s := range sections {
		if s.Name == "goals" {
			goals = s.Text
		}
	}
	assert.Contains(t, goals, "activity line")
}

func TestSoulFor_MinimalTierTruncates(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	b := New(Config{SoulText: strings.Join(lines, "\n")}, nil, nil, nil, nil, nil)

	minimal := b.soulFor(TierMinimal)
	assert.Len(t, strings.Split(minimal, "\n"), soulMinimalLines)

	standard := b.soulFor(TierStandard)
	assert.Len(t, strings.Split(standard, "\n"), soulMinimalLines*2)

	full := b.soulFor(TierFull)
	assert.Len(t, strings.Split(full, "\n"), 100)
}

func TestTemporal_GapRecap(t *testing.T) {
	dir := t.TempDir()
	hist, err := store.NewHistoryStore(dir, 20, nil)
	require.NoError(t, err)
	hist.Append("alice", store.RoleUser, "how was the trip")
	hist.Append("alice", store.RoleAssistant, "great, lots of photos")

	b := New(Config{}, nil, nil, nil, hist, nil)

	recent := b.temporalFor(Input{Peer: "alice", LastMessageAt: time.Now().Add(-10 * time.Minute)})
	assert.NotContains(t, recent, "Recent turns")

	stale := b.temporalFor(Input{Peer: "alice", LastMessageAt: time.Now().Add(-5 * time.Hour)})
	assert.Contains(t, stale, "Recent turns")
	assert.Contains(t, stale, "how was the trip")
}

func TestToneFlags(t *testing.T) {
	assert.Contains(t, toneFlags("and the other one"), "follow-up")
	assert.Contains(t, toneFlags("what about tomorrow"), "follow-up")
	assert.Contains(t, toneFlags("it's still broken"), "frustrated")
	assert.Empty(t, toneFlags("tell me about the roman empire"))
}

func TestSanitizeUserText(t *testing.T) {
	assert.Equal(t, " Fake section", SanitizeUserText("## Fake section"))
	assert.Equal(t, "a\n Header\nb", SanitizeUserText("a\n## Header\nb"))
	assert.Equal(t, "  # indented", SanitizeUserText("  ### indented"))
	assert.Equal(t, "plain text", SanitizeUserText("plain text"))
	assert.Equal(t, "one # hash", SanitizeUserText("one # hash"))
}
