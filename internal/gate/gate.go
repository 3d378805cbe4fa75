// Package gate implements the Conversational Gate: a check, run before
// --check, that skips hook orchestration entirely when the tail of the
// conversation is a pure question-and-answer exchange rather than work in
// progress.
package gate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// fileEditingTools are the tool names that count as "the assistant made a
// file-modifying change" for the purposes of the user-question rule.
var fileEditingTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"NotebookEdit": true,
	"MultiEdit":    true,
}

// interrogativePatterns are fixed phrasings treated as questions even
// without a trailing "?" (e.g. a truncated or multi-sentence message).
var interrogativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(would you like|do you want|should i|shall i|which (one|option)|what (would|should)) `),
	regexp.MustCompile(`(?i)^(can you (confirm|clarify|specify))`),
}

// ContentBlock is one block of a transcript message's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool_use block's tool name
}

// Message is one transcript turn, in the shape written by the assistant's
// session transcript log: a role and a list of content blocks.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// transcriptLine is one JSONL record; only user/assistant turns carry a message.
type transcriptLine struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// text concatenates a message's text blocks.
func (m Message) text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// hasToolCall reports whether the message contains a tool_use block for name.
func (m Message) hasToolCall(name string) bool {
	for _, b := range m.Content {
		if b.Type == "tool_use" && b.Name == name {
			return true
		}
	}
	return false
}

// editedFiles reports whether the message invoked a file-modifying tool.
func (m Message) editedFiles() bool {
	for _, b := range m.Content {
		if b.Type == "tool_use" && fileEditingTools[b.Name] {
			return true
		}
	}
	return false
}

// isQuestion reports whether the message text reads as a question.
func isQuestion(m Message) bool {
	text := strings.TrimSpace(m.text())
	if strings.Contains(text, "?") {
		return true
	}
	for _, p := range interrogativePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return m.hasToolCall("AskUserQuestion")
}

// LoadTranscript reads a session transcript JSONL file, returning its
// messages in file order. Lines that don't carry a user/assistant message
// (tool-result records, summaries, etc.) are skipped.
func LoadTranscript(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript %s: %w", path, err)
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var rec transcriptLine
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // malformed line, best-effort parse
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}
		messages = append(messages, rec.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript %s: %w", path, err)
	}
	return messages, nil
}

// Decide applies the Conversational Gate rule to a conversation's messages
// (oldest first) and reports whether hook orchestration should be skipped.
func Decide(messages []Message) (skip bool, reason string) {
	lastAssistant := lastIndexOf(messages, "assistant")
	if lastAssistant >= 0 && isQuestion(messages[lastAssistant]) {
		return true, "most recent assistant message is a question"
	}

	lastUser := lastIndexOf(messages, "user")
	if lastUser < 0 || !isQuestion(messages[lastUser]) {
		return false, ""
	}

	for _, m := range messages[lastUser+1:] {
		if m.Role == "assistant" && m.editedFiles() {
			return false, ""
		}
	}
	return true, "most recent user message is a question with no file edits since"
}

func lastIndexOf(messages []Message, role string) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return i
		}
	}
	return -1
}

// DecideFromTranscript loads a transcript file and applies Decide to it. A
// missing or unreadable transcript is not fatal to the gate: the driver
// falls back to running hooks (skip=false) rather than blocking on a
// diagnostic feature.
func DecideFromTranscript(path string) (skip bool, reason string, err error) {
	if path == "" {
		return false, "", nil
	}
	messages, loadErr := LoadTranscript(path)
	if loadErr != nil {
		return false, "", loadErr
	}
	skip, reason = Decide(messages)
	return skip, reason, nil
}
