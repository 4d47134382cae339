// Package memoryindex – filestore.go is the built-in fallback behind
// the SemanticStore contract: a JSON file of memory entries scored by
// keyword overlap. A real embedding store can replace it without the
// index noticing.
package memoryindex

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/aide/pkg/aide/store"
)

// Entry is one persisted memory.
type Entry struct {
	Text      string    `json:"text"`
	Core      bool      `json:"core,omitempty"`
	GoalID    string    `json:"goal_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FileStore implements SemanticStore over a single JSON file.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.Mutex
	entries []Entry
	deb     *store.Debouncer
}

// NewFileStore loads dataDir/memories.json.
func NewFileStore(dataDir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileStore{
		path:   filepath.Join(dataDir, "memories.json"),
		logger: logger.With("component", "memorystore"),
	}
	if err := store.LoadJSON(fs.path, &fs.entries); err != nil {
		return nil, err
	}
	fs.deb = store.NewDebouncer(time.Second, 5*time.Second, fs.save, func(err error) {
		fs.logger.Error("memory save failed", "error", err)
	})
	return fs, nil
}

func (fs *FileStore) save() error {
	fs.mu.Lock()
	snapshot := make([]Entry, len(fs.entries))
	copy(snapshot, fs.entries)
	fs.mu.Unlock()
	return store.SaveJSON(fs.path, snapshot)
}

// Remember appends a memory; core memories get the top source bonus at
// search time.
func (fs *FileStore) Remember(text string, core bool, goalID string) {
	fs.mu.Lock()
	fs.entries = append(fs.entries, Entry{
		Text:      strings.TrimSpace(text),
		Core:      core,
		GoalID:    goalID,
		CreatedAt: time.Now(),
	})
	fs.mu.Unlock()
	fs.deb.Mark()
}

// Flush forces a pending save.
func (fs *FileStore) Flush() {
	fs.deb.Flush()
}

// Search implements SemanticStore with word-overlap scoring.
func (fs *FileStore) Search(ctx context.Context, query string, limit int) ([]Scored, error) {
	queryWords := significantWords(query)
	if len(queryWords) == 0 {
		return nil, nil
	}

	fs.mu.Lock()
	entries := make([]Entry, len(fs.entries))
	copy(entries, fs.entries)
	fs.mu.Unlock()

	var hits []Scored
	for _, e := range entries {
		entryWords := significantWords(e.Text)
		overlap := 0
		for w := range queryWords {
			if entryWords[w] {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		score := float64(overlap) / float64(len(queryWords))
		hits = append(hits, Scored{Text: e.Text, Score: score, Core: e.Core})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ForGoal implements SemanticStore.
func (fs *FileStore) ForGoal(ctx context.Context, goalID string) ([]Scored, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []Scored
	for _, e := range fs.entries {
		if e.GoalID == goalID {
			out = append(out, Scored{Text: e.Text, Score: 0.5, Core: e.Core})
		}
	}
	return out, nil
}
