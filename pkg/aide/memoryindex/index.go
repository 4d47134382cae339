// Package memoryindex is the unified retrieval façade over the external
// semantic-memory store. One Search call fans out in parallel to the
// store, the intentions list, goal-linked memories (cached per goal) and
// optional notes, deduplicates by fingerprint, applies source bonuses,
// and packs the winners greedily into the caller's token budget.
package memoryindex

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Item is a scored memory candidate in transit through the index.
type Item struct {
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
	Section     string  `json:"section"`
	Fingerprint string  `json:"fingerprint"`
}

// Source bonuses: core-tier memories outrank goals outrank notes when
// raw scores tie.
const (
	bonusCore  = 0.20
	bonusGoals = 0.15
	bonusNotes = 0.10
)

// goalCacheTTL bounds staleness of goal-linked memory sets.
const goalCacheTTL = 30 * time.Minute

// SemanticStore is the external memory store contract.
type SemanticStore interface {
	// Search returns scored snippets for the query, best first.
	Search(ctx context.Context, query string, limit int) ([]Scored, error)
	// ForGoal returns memories linked to a goal id.
	ForGoal(ctx context.Context, goalID string) ([]Scored, error)
}

// Scored is one raw hit from a source.
type Scored struct {
	Text  string
	Score float64
	Core  bool // core-tier memory, gets the top bonus
}

// IntentionSource looks up goals/reminders indexed by topic.
type IntentionSource interface {
	Intentions(ctx context.Context, query string) ([]string, error)
}

// Goal is the slice of the goals model the index needs.
type Goal struct {
	ID    string
	Title string
}

// GoalSource lists active goals for topic matching.
type GoalSource interface {
	ActiveGoals(ctx context.Context) ([]Goal, error)
}

// NotesSource supplies optional daily-notes / user-notes slices.
type NotesSource interface {
	Notes(ctx context.Context, query string) ([]string, error)
}

// Options tune one search.
type Options struct {
	Limit        int  // semantic result count (tier-dependent)
	TokenBudget  int  // hard cap on the assembled block
	IncludeNotes bool // pull the notes slices too
}

// Stats describes what a search produced.
type Stats struct {
	Candidates int     `json:"candidates"`
	Injected   int     `json:"injected"`
	Deduped    int     `json:"deduped"`
	Tokens     int     `json:"tokens"`
	TookMs     int64   `json:"took_ms"`
	TopScore   float64 `json:"top_score"`
}

// Index is the façade. All fields are optional except Store.
type Index struct {
	store      SemanticStore
	intentions IntentionSource
	goals      GoalSource
	notes      NotesSource
	logger     *slog.Logger

	mu        sync.Mutex
	goalCache map[string]goalCacheEntry
	// lastInjected remembers the most recent injected set for mention
	// tracking; boosts persist per fingerprint.
	lastInjected []Item
	boosts       map[string]float64
}

type goalCacheEntry struct {
	items   []Scored
	fetched time.Time
}

// New creates an index over the given sources; nil sources are skipped.
func New(store SemanticStore, intentions IntentionSource, goals GoalSource, notes NotesSource, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		store:      store,
		intentions: intentions,
		goals:      goals,
		notes:      notes,
		logger:     logger.With("component", "memoryindex"),
		goalCache:  make(map[string]goalCacheEntry),
		boosts:     make(map[string]float64),
	}
}

// Search runs the fan-out and returns the grouped context block.
func (ix *Index) Search(ctx context.Context, query string, opts Options) (string, Stats, error) {
	start := time.Now()
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 600
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		gathered []Item
	)
	add := func(items []Item) {
		mu.Lock()
		gathered = append(gathered, items...)
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		hits, err := ix.store.Search(ctx, query, opts.Limit)
		if err != nil {
			ix.logger.Warn("semantic search failed", "error", err)
			return
		}
		items := make([]Item, 0, len(hits))
		for _, h := range hits {
			score := h.Score
			if h.Core {
				score += bonusCore
			}
			items = append(items, ix.newItem(h.Text, score, "Memories"))
		}
		add(items)
	}()

	if ix.intentions != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lines, err := ix.intentions.Intentions(ctx, query)
			if err != nil {
				ix.logger.Warn("intentions lookup failed", "error", err)
				return
			}
			items := make([]Item, 0, len(lines))
			for _, l := range lines {
				items = append(items, ix.newItem(l, 0.5+bonusGoals, "Intentions"))
			}
			add(items)
		}()
	}

	if ix.goals != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(ix.goalTopicItems(ctx, query))
		}()
	}

	if ix.notes != nil && opts.IncludeNotes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lines, err := ix.notes.Notes(ctx, query)
			if err != nil {
				ix.logger.Warn("notes lookup failed", "error", err)
				return
			}
			items := make([]Item, 0, len(lines))
			for _, l := range lines {
				items = append(items, ix.newItem(l, 0.4+bonusNotes, "Notes"))
			}
			add(items)
		}()
	}

	wg.Wait()

	stats := Stats{Candidates: len(gathered)}

	// Dedup across sources by fingerprint, keeping the best score.
	best := make(map[string]Item, len(gathered))
	for _, it := range gathered {
		if prev, ok := best[it.Fingerprint]; ok {
			stats.Deduped++
			if it.Score <= prev.Score {
				continue
			}
		}
		best[it.Fingerprint] = it
	}
	items := make([]Item, 0, len(best))
	for _, it := range best {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	if len(items) > 0 {
		stats.TopScore = items[0].Score
	}

	// Greedy pack into the token budget.
	var injected []Item
	used := 0
	for _, it := range items {
		cost := estimateTokens(it.Text) + 2 // bullet overhead
		if used+cost > opts.TokenBudget {
			continue
		}
		used += cost
		injected = append(injected, it)
	}
	stats.Injected = len(injected)
	stats.Tokens = used
	stats.TookMs = time.Since(start).Milliseconds()

	ix.mu.Lock()
	ix.lastInjected = injected
	ix.mu.Unlock()

	return renderBlock(injected), stats, nil
}

// ObserveUserMessage closes the feedback loop: if the user's next message
// shares at least two significant words with a previously injected item,
// that item's fingerprint gets a persistent boost.
func (ix *Index) ObserveUserMessage(text string) {
	words := significantWords(text)
	if len(words) < 2 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, it := range ix.lastInjected {
		itemWords := significantWords(it.Text)
		overlap := 0
		for w := range words {
			if itemWords[w] {
				overlap++
			}
		}
		if overlap >= 2 {
			ix.boosts[it.Fingerprint] += 0.1
			if ix.boosts[it.Fingerprint] > 0.5 {
				ix.boosts[it.Fingerprint] = 0.5
			}
		}
	}
}

// goalTopicItems matches the query against active goal titles and pulls
// the cached goal-linked memory set on a hit.
func (ix *Index) goalTopicItems(ctx context.Context, query string) []Item {
	goals, err := ix.goals.ActiveGoals(ctx)
	if err != nil {
		ix.logger.Warn("goal list failed", "error", err)
		return nil
	}
	queryWords := significantWords(query)

	var out []Item
	for _, g := range goals {
		titleWords := significantWords(g.Title)
		matched := false
		for w := range queryWords {
			if titleWords[w] {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		for _, s := range ix.goalMemories(ctx, g.ID) {
			out = append(out, ix.newItem(s.Text, s.Score+bonusGoals, "Goals"))
		}
	}
	return out
}

func (ix *Index) goalMemories(ctx context.Context, goalID string) []Scored {
	ix.mu.Lock()
	entry, ok := ix.goalCache[goalID]
	ix.mu.Unlock()
	if ok && time.Since(entry.fetched) < goalCacheTTL {
		return entry.items
	}

	items, err := ix.store.ForGoal(ctx, goalID)
	if err != nil {
		ix.logger.Warn("goal memories fetch failed", "goal", goalID, "error", err)
		return entry.items // stale beats nothing
	}
	ix.mu.Lock()
	ix.goalCache[goalID] = goalCacheEntry{items: items, fetched: time.Now()}
	ix.mu.Unlock()
	return items
}

func (ix *Index) newItem(text string, score float64, section string) Item {
	fp := Fingerprint(text)
	ix.mu.Lock()
	score += ix.boosts[fp]
	ix.mu.Unlock()
	return Item{Text: strings.TrimSpace(text), Score: score, Section: section, Fingerprint: fp}
}

// Fingerprint normalises text for cross-source dedup: lowercase, spaces
// collapsed, first 80 bytes.
func Fingerprint(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

// renderBlock groups items under section headers as short bullet lines.
func renderBlock(items []Item) string {
	if len(items) == 0 {
		return ""
	}
	order := []string{"Memories", "Goals", "Intentions", "Notes"}
	bySection := make(map[string][]Item)
	for _, it := range items {
		bySection[it.Section] = append(bySection[it.Section], it)
	}

	var b strings.Builder
	for _, sec := range order {
		group := bySection[sec]
		if len(group) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("### " + sec + "\n")
		for _, it := range group {
			b.WriteString("- " + it.Text + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "are": true, "was": true, "have": true,
	"what": true, "about": true, "from": true, "your": true, "not": true,
}

func significantWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) < 4 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
