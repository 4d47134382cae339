// Package intent classifies short user utterances into built-in verbs
// so trivial requests never cost an LLM call. Anything unmatched routes
// to the free-form turn.
package intent

import (
	"strings"
)

// Verb is a built-in command the core can answer directly.
type Verb string

const (
	// VerbNone routes the message to the LLM pipeline.
	VerbNone Verb = ""
	// VerbStatus reports daemon/session health.
	VerbStatus Verb = "status"
	// VerbCronList lists scheduled jobs.
	VerbCronList Verb = "cron_list"
	// VerbWorkflowList lists workflows and their states.
	VerbWorkflowList Verb = "workflow_list"
	// VerbHelp prints the built-in command summary.
	VerbHelp Verb = "help"
	// VerbMemorySave stores the trailing text as an explicit memory.
	VerbMemorySave Verb = "memory_save"
	// VerbClear resets the conversation session.
	VerbClear Verb = "clear"
)

// Match is the router's decision for one message.
type Match struct {
	Verb Verb
	// Arg carries the remainder for verbs that take one (memory_save).
	Arg string
}

// maxRoutableLen bounds how long an utterance can be and still count as
// a command. Long messages are conversation, even if they start with a
// command word.
const maxRoutableLen = 80

var exact = map[string]Verb{
	"status":         VerbStatus,
	"ping":           VerbStatus,
	"crons":          VerbCronList,
	"cron list":      VerbCronList,
	"list crons":     VerbCronList,
	"workflows":      VerbWorkflowList,
	"workflow list":  VerbWorkflowList,
	"list workflows": VerbWorkflowList,
	"help":           VerbHelp,
	"commands":       VerbHelp,
	"clear":          VerbClear,
	"reset":          VerbClear,
	"new session":    VerbClear,
}

var savePrefixes = []string{"remember ", "remember: ", "save memory ", "note that "}

// Route classifies the utterance. Only short messages are eligible.
func Route(text string) Match {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || len(trimmed) > maxRoutableLen {
		return Match{Verb: VerbNone}
	}

	lower := strings.ToLower(strings.TrimSuffix(trimmed, "?"))
	lower = strings.TrimSuffix(lower, "!")
	lower = strings.TrimSuffix(lower, ".")
	lower = strings.TrimPrefix(lower, "/")

	if v, ok := exact[lower]; ok {
		return Match{Verb: v}
	}

	for _, p := range savePrefixes {
		if strings.HasPrefix(lower, p) {
			arg := strings.TrimSpace(trimmed[len(p):])
			if arg != "" {
				return Match{Verb: VerbMemorySave, Arg: arg}
			}
		}
	}

	return Match{Verb: VerbNone}
}

// HelpText is the reply for VerbHelp.
const HelpText = `Built-in commands:
- status: daemon and session health
- crons: list scheduled jobs
- workflows: list workflows
- clear: start a fresh session
- remember <text>: save a memory
Everything else goes to the assistant.`
