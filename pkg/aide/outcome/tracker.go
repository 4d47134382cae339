// Package outcome classifies the user's reaction to the bot's last
// outbound action. A reaction only counts if it lands within the reply
// window; outside it the user is assumed to have moved on. Classified
// rows go to the relational store and feed memory/trust signals.
package outcome

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/aide/pkg/aide/store"
)

// DefaultWindow is how long after a bot message a reply still counts as
// a reaction to it.
const DefaultWindow = 10 * time.Minute

// maxResponseLen bounds the stored user_response excerpt.
const maxResponseLen = 200

// Signal names what kind of bot action the reaction refers to.
type Signal string

const (
	SignalReply    Signal = "reply"    // normal chat answer
	SignalCron     Signal = "cron"     // scheduled delivery
	SignalWorkflow Signal = "workflow" // workflow notification
	SignalFile     Signal = "file"     // file transfer
)

// Classification buckets the user's reaction.
type Classification string

const (
	ClassAcknowledged Classification = "acknowledged"
	ClassEngaged      Classification = "engaged"
	ClassCorrected    Classification = "corrected"
	ClassIgnoredTopic Classification = "ignored_topic"
)

var positiveHints = []string{
	"thanks", "thank you", "perfect", "great", "nice", "awesome",
	"exactly", "love it", "good", "👍", "🙏", "obrigado", "valeu",
}

var negativeHints = []string{
	"wrong", "no,", "not what", "that's not", "incorrect", "stop",
	"bad", "useless", "again?", "👎",
}

var correctionHints = []string{
	"actually", "i meant", "not that", "instead", "no, i", "rather",
}

// Tracker watches outbound bot messages and classifies inbound replies.
type Tracker struct {
	db     *store.DB
	window time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]pending // keyed by peer
}

type pending struct {
	msgID  string
	signal Signal
	sentAt time.Time
	topic  string
}

// New creates a tracker writing to db. window <= 0 uses DefaultWindow.
func New(db *store.DB, window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		db:     db,
		window: window,
		logger: logger.With("component", "outcome"),
		last:   make(map[string]pending),
	}
}

// NoteOutbound records the bot's latest message to a peer. topic is a
// short content hint used for the ignored_topic classification.
func (t *Tracker) NoteOutbound(peer, msgID string, signal Signal, topic string) {
	t.mu.Lock()
	t.last[peer] = pending{msgID: msgID, signal: signal, sentAt: time.Now(), topic: topic}
	t.mu.Unlock()
}

// ObserveInbound classifies the peer's message against the pending bot
// message, if any and if within the window. Returns whether an outcome
// was recorded.
func (t *Tracker) ObserveInbound(ctx context.Context, peer, text string) bool {
	t.mu.Lock()
	p, ok := t.last[peer]
	if ok {
		// One reaction per bot message.
		delete(t.last, peer)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	elapsed := time.Since(p.sentAt)
	if elapsed > t.window {
		return false
	}

	sentiment, class := classify(text, p.topic)
	row := store.OutcomeRow{
		BotMsgID:       p.msgID,
		Signal:         string(p.signal),
		Sentiment:      sentiment,
		Classification: string(class),
		UserResponse:   truncate(text, maxResponseLen),
		WindowMs:       elapsed.Milliseconds(),
	}
	if err := t.db.RecordOutcome(ctx, row); err != nil {
		t.logger.Warn("outcome insert failed", "error", err)
		return false
	}
	t.logger.Debug("outcome recorded",
		"signal", p.signal, "class", class, "sentiment", sentiment, "window_ms", row.WindowMs)
	return true
}

// classify derives sentiment and a reaction bucket from the reply text.
func classify(text, topic string) (sentiment string, class Classification) {
	lower := strings.ToLower(text)

	switch {
	case hasAny(lower, negativeHints):
		sentiment = "negative"
	case hasAny(lower, positiveHints):
		sentiment = "positive"
	}

	switch {
	case hasAny(lower, correctionHints) || sentiment == "negative":
		class = ClassCorrected
	case len(strings.Fields(text)) > 8:
		class = ClassEngaged
	case sentiment == "positive" || len(lower) < 30:
		class = ClassAcknowledged
	default:
		class = ClassEngaged
	}

	// A longer reply that shares nothing with the bot's topic means the
	// user changed subject.
	if class == ClassEngaged && topic != "" && !sharesWord(lower, strings.ToLower(topic)) {
		class = ClassIgnoredTopic
	}
	return sentiment, class
}

func sharesWord(a, b string) bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		if len(w) >= 4 {
			words[w] = true
		}
	}
	for _, w := range strings.Fields(b) {
		if len(w) >= 4 && words[w] {
			return true
		}
	}
	return false
}

func hasAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
