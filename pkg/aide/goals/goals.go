// Package goals keeps the user's active goals and their milestones,
// persisted as a single JSON file with debounced atomic writes. The
// context assembler reads summaries; the IPC surface does CRUD.
package goals

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/aide/pkg/aide/memoryindex"
	"github.com/jholhewres/aide/pkg/aide/store"
)

// Status of a goal.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Milestone is one checkpoint within a goal.
type Milestone struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Done        bool       `json:"done"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Goal is the persisted model.
type Goal struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Notes      string      `json:"notes,omitempty"`
	Status     Status      `json:"status"`
	Milestones []Milestone `json:"milestones,omitempty"`
	Activity   []string    `json:"activity,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// maxActivity caps the per-goal activity log.
const maxActivity = 20

// Store owns the goals file.
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	goals []Goal
	deb   *store.Debouncer
}

// NewStore loads dataDir/goals.json (missing file = empty list).
func NewStore(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   filepath.Join(dataDir, "goals.json"),
		logger: logger.With("component", "goals"),
	}
	if err := store.LoadJSON(s.path, &s.goals); err != nil {
		return nil, err
	}
	s.deb = store.NewDebouncer(time.Second, 5*time.Second, s.save, func(err error) {
		s.logger.Error("goals save failed", "error", err)
	})
	return s, nil
}

func (s *Store) save() error {
	s.mu.Lock()
	snapshot := make([]Goal, len(s.goals))
	copy(snapshot, s.goals)
	s.mu.Unlock()
	return store.SaveJSON(s.path, snapshot)
}

// Add creates a new active goal and returns it.
func (s *Store) Add(title, notes string) Goal {
	now := time.Now()
	g := Goal{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(title),
		Notes:     strings.TrimSpace(notes),
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.goals = append(s.goals, g)
	s.mu.Unlock()
	s.deb.Mark()
	s.logger.Info("goal added", "id", g.ID, "title", g.Title)
	return g
}

// Get returns a goal by id.
func (s *Store) Get(id string) (Goal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.goals {
		if g.ID == id {
			return g, true
		}
	}
	return Goal{}, false
}

// List returns all goals, active first, newest first within a status.
func (s *Store) List() []Goal {
	s.mu.Lock()
	out := make([]Goal, len(s.goals))
	copy(out, s.goals)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if (out[i].Status == StatusActive) != (out[j].Status == StatusActive) {
			return out[i].Status == StatusActive
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Update applies fn to the goal under the lock. Returns false if absent.
func (s *Store) Update(id string, fn func(*Goal)) bool {
	s.mu.Lock()
	defer func() {
		s.mu.Unlock()
		s.deb.Mark()
	}()
	for i := range s.goals {
		if s.goals[i].ID == id {
			fn(&s.goals[i])
			s.goals[i].UpdatedAt = time.Now()
			return true
		}
	}
	return false
}

// Delete removes a goal. Returns false if absent.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.goals {
		if s.goals[i].ID == id {
			s.goals = append(s.goals[:i], s.goals[i+1:]...)
			s.deb.Mark()
			return true
		}
	}
	return false
}

// AddMilestone appends a milestone to the goal.
func (s *Store) AddMilestone(goalID, title string) (Milestone, bool) {
	m := Milestone{ID: uuid.NewString(), Title: strings.TrimSpace(title)}
	ok := s.Update(goalID, func(g *Goal) {
		g.Milestones = append(g.Milestones, m)
		g.Activity = appendActivity(g.Activity, "milestone added: "+m.Title)
	})
	return m, ok
}

// CompleteMilestone marks a milestone done. When every milestone is
// done the goal itself completes.
func (s *Store) CompleteMilestone(goalID, milestoneID string) bool {
	found := false
	s.Update(goalID, func(g *Goal) {
		allDone := true
		for i := range g.Milestones {
			if g.Milestones[i].ID == milestoneID {
				now := time.Now()
				g.Milestones[i].Done = true
				g.Milestones[i].CompletedAt = &now
				g.Activity = appendActivity(g.Activity, "milestone completed: "+g.Milestones[i].Title)
				found = true
			}
			if !g.Milestones[i].Done {
				allDone = false
			}
		}
		if found && allDone && len(g.Milestones) > 0 {
			g.Status = StatusCompleted
			g.Activity = appendActivity(g.Activity, "goal completed")
		}
	})
	return found
}

// Flush forces a pending save to disk.
func (s *Store) Flush() {
	s.deb.Flush()
}

// ActiveGoals implements memoryindex.GoalSource.
func (s *Store) ActiveGoals(ctx context.Context) ([]memoryindex.Goal, error) {
	var out []memoryindex.Goal
	for _, g := range s.List() {
		if g.Status == StatusActive {
			out = append(out, memoryindex.Goal{ID: g.ID, Title: g.Title})
		}
	}
	return out, nil
}

// Summary implements contextbuilder.GoalSummarizer. Compact list by
// default; full=true appends the recent activity log per goal.
func (s *Store) Summary(ctx context.Context, full bool) (string, error) {
	var sb strings.Builder
	for _, g := range s.List() {
		if g.Status != StatusActive {
			continue
		}
		done, total := 0, len(g.Milestones)
		for _, m := range g.Milestones {
			if m.Done {
				done++
			}
		}
		if total > 0 {
			fmt.Fprintf(&sb, "- %s (%d/%d milestones)\n", g.Title, done, total)
		} else {
			fmt.Fprintf(&sb, "- %s\n", g.Title)
		}
		if full {
			for _, a := range tail(g.Activity, 5) {
				fmt.Fprintf(&sb, "  - %s\n", a)
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func appendActivity(log []string, entry string) []string {
	log = append(log, time.Now().Format("2006-01-02")+" "+entry)
	if len(log) > maxActivity {
		log = log[len(log)-maxActivity:]
	}
	return log
}

func tail(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
