// Package llm – markers.go tokenises action markers out of the model's
// final text. The grammar is small and bracket-delimited:
//
//	[CRON_ADD: name | cron-expr | prompt | delivery? | model?]
//	[CRON_DELETE: id-or-name]
//	[CRON_TOGGLE: id-or-name]
//	[CRON_RUN: id-or-name]
//	[SEND_FILE: path]
//	[TOOL_CALL: name | json-params]
//
// plus the XML form <tool_call name="...">json</tool_call>. Verbs match
// case-sensitively. Markers are stripped from the text handed onward.
// TOOL_CALL params are scanned with JSON bracket/string awareness so a
// ']' inside the payload does not terminate the marker early.
package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ActionKind discriminates extracted actions.
type ActionKind string

const (
	ActionCronAdd    ActionKind = "cron_add"
	ActionCronDelete ActionKind = "cron_delete"
	ActionCronToggle ActionKind = "cron_toggle"
	ActionCronRun    ActionKind = "cron_run"
	ActionSendFile   ActionKind = "send_file"
	ActionToolCall   ActionKind = "tool_call"
)

// Action is one side-effect requested by the model.
type Action struct {
	Kind ActionKind

	// Cron fields (ActionCronAdd) and the target of delete/toggle/run.
	Name     string
	Schedule string
	Prompt   string
	Delivery string // "announce" (default) or "silent"
	Target   string

	// SendFile
	Path string

	// ToolCall
	Tool   string
	Params json.RawMessage

	// Model override for CRON_ADD.
	Model string
}

var xmlToolCallRe = regexp.MustCompile(`(?s)<tool_call\s+name="([^"]+)">(.*?)</tool_call>`)

// ExtractActions scans text for markers, returning the typed actions and
// the text with all markers removed.
func ExtractActions(text string) ([]Action, string) {
	var actions []Action
	var out strings.Builder

	i := 0
	for i < len(text) {
		open := strings.IndexByte(text[i:], '[')
		if open < 0 {
			out.WriteString(text[i:])
			break
		}
		open += i
		out.WriteString(text[i:open])

		action, consumed, ok := parseMarker(text[open:])
		if !ok {
			out.WriteByte('[')
			i = open + 1
			continue
		}
		actions = append(actions, action)
		i = open + consumed
	}

	stripped := out.String()

	// XML tool-call form.
	matches := xmlToolCallRe.FindAllStringSubmatch(stripped, -1)
	for _, m := range matches {
		actions = append(actions, Action{
			Kind:   ActionToolCall,
			Tool:   strings.TrimSpace(m[1]),
			Params: normalizeParams(m[2]),
		})
	}
	if len(matches) > 0 {
		stripped = xmlToolCallRe.ReplaceAllString(stripped, "")
	}

	return actions, tidyWhitespace(stripped)
}

// parseMarker parses one "[VERB: ...]" starting at s[0]=='['. Returns the
// action, the byte count consumed, and whether it was a known marker.
func parseMarker(s string) (Action, int, bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return Action{}, 0, false
	}
	verb := s[1:colon]

	switch verb {
	case "CRON_ADD", "CRON_DELETE", "CRON_TOGGLE", "CRON_RUN", "SEND_FILE":
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Action{}, 0, false
		}
		body := strings.TrimSpace(s[colon+1 : end])
		action, ok := buildSimpleAction(verb, body)
		if !ok {
			return Action{}, 0, false
		}
		return action, end + 1, true

	case "TOOL_CALL":
		body, consumed, ok := scanToolCallBody(s[colon+1:])
		if !ok {
			return Action{}, 0, false
		}
		name, params, found := strings.Cut(body, "|")
		if !found {
			return Action{}, 0, false
		}
		return Action{
			Kind:   ActionToolCall,
			Tool:   strings.TrimSpace(name),
			Params: normalizeParams(params),
		}, colon + 1 + consumed, true
	}
	return Action{}, 0, false
}

func buildSimpleAction(verb, body string) (Action, bool) {
	switch verb {
	case "CRON_ADD":
		parts := splitPipes(body)
		if len(parts) < 3 {
			return Action{}, false
		}
		a := Action{
			Kind:     ActionCronAdd,
			Name:     parts[0],
			Schedule: parts[1],
			Prompt:   parts[2],
			Delivery: "announce",
		}
		if len(parts) > 3 && parts[3] != "" {
			a.Delivery = parts[3]
		}
		if len(parts) > 4 {
			a.Model = parts[4]
		}
		return a, true
	case "CRON_DELETE":
		return Action{Kind: ActionCronDelete, Target: body}, body != ""
	case "CRON_TOGGLE":
		return Action{Kind: ActionCronToggle, Target: body}, body != ""
	case "CRON_RUN":
		return Action{Kind: ActionCronRun, Target: body}, body != ""
	case "SEND_FILE":
		return Action{Kind: ActionSendFile, Path: body}, body != ""
	}
	return Action{}, false
}

// scanToolCallBody reads up to the marker's closing ']', ignoring any
// ']' nested inside JSON arrays, objects or strings. Returns the body,
// bytes consumed (including the ']'), and success.
func scanToolCallBody(s string) (string, int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ']':
			if depth == 0 {
				return strings.TrimSpace(s[:i]), i + 1, true
			}
			depth--
		}
	}
	return "", 0, false
}

func splitPipes(s string) []string {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// normalizeParams validates the params as JSON; invalid payloads become a
// JSON string so the tool still receives something parseable.
func normalizeParams(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

// tidyWhitespace collapses the blank runs left behind by stripped markers.
func tidyWhitespace(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
