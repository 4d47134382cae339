// Package store – history.go keeps per-correspondent conversation history.
// The view handed to the LLM always starts with a user turn and never
// exceeds the configured maximum; writes are debounced (≤ 5 s lag).
package store

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// Role identifies the author of a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// HistoryEntry is a single turn in a conversation.
type HistoryEntry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryStore holds ordered conversation history per correspondent.
type HistoryStore struct {
	path       string
	maxEntries int

	mu     sync.Mutex
	byPeer map[string][]HistoryEntry
	saver  *Debouncer
	logger *slog.Logger
}

// NewHistoryStore loads history from dataDir/history.json.
func NewHistoryStore(dataDir string, maxEntries int, logger *slog.Logger) (*HistoryStore, error) {
	if maxEntries <= 0 {
		maxEntries = 40
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &HistoryStore{
		path:       filepath.Join(dataDir, "history.json"),
		maxEntries: maxEntries,
		byPeer:     make(map[string][]HistoryEntry),
		logger:     logger.With("component", "history"),
	}
	if err := LoadJSON(h.path, &h.byPeer); err != nil {
		return nil, err
	}
	// Re-normalize whatever was on disk.
	for peer := range h.byPeer {
		h.byPeer[peer] = normalize(h.byPeer[peer], maxEntries)
	}

	h.saver = NewDebouncer(time.Second, 5*time.Second, h.saveLocked, func(err error) {
		h.logger.Error("history save failed", "error", err)
	})
	return h, nil
}

// Append records a turn for the correspondent and schedules a save.
func (h *HistoryStore) Append(peer string, role Role, content string) {
	h.mu.Lock()
	entries := append(h.byPeer[peer], HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	h.byPeer[peer] = normalize(entries, h.maxEntries)
	h.mu.Unlock()

	h.saver.Mark()
}

// View returns a copy of the correspondent's history suitable for the LLM:
// trimmed to maxEntries with any leading assistant turns dropped.
func (h *HistoryStore) View(peer string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	src := h.byPeer[peer]
	out := make([]HistoryEntry, len(src))
	copy(out, src)
	return out
}

// Recent returns up to n most recent entries for the correspondent.
func (h *HistoryStore) Recent(peer string, n int) []HistoryEntry {
	view := h.View(peer)
	if len(view) > n {
		view = view[len(view)-n:]
	}
	// Trimming may expose an assistant turn at the head.
	return dropLeadingAssistant(view)
}

// Clear wipes one correspondent's history.
func (h *HistoryStore) Clear(peer string) {
	h.mu.Lock()
	delete(h.byPeer, peer)
	h.mu.Unlock()
	h.saver.Mark()
}

// Flush forces any pending write to disk. Used on shutdown.
func (h *HistoryStore) Flush() error {
	return h.saver.Flush()
}

func (h *HistoryStore) saveLocked() error {
	h.mu.Lock()
	snapshot := make(map[string][]HistoryEntry, len(h.byPeer))
	for k, v := range h.byPeer {
		cp := make([]HistoryEntry, len(v))
		copy(cp, v)
		snapshot[k] = cp
	}
	h.mu.Unlock()
	return SaveJSON(h.path, snapshot)
}

// normalize trims to max entries and discards any non-user prefix so the
// first element, if present, has role user.
func normalize(entries []HistoryEntry, max int) []HistoryEntry {
	if len(entries) > max {
		entries = entries[len(entries)-max:]
	}
	return dropLeadingAssistant(entries)
}

func dropLeadingAssistant(entries []HistoryEntry) []HistoryEntry {
	i := 0
	for i < len(entries) && entries[i].Role != RoleUser {
		i++
	}
	return entries[i:]
}
