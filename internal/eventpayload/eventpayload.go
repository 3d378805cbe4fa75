// Package eventpayload parses the stdin JSON payload a hook event arrives
// with. The payload shape is open-ended: only the fields the driver actually
// branches on are typed, and everything else — including the tool-specific
// shape of tool_input — is retained verbatim as raw JSON so callers that
// care about a particular tool can decode it themselves.
package eventpayload

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the parsed stdin JSON document for one hook event invocation.
type Payload struct {
	SessionID      string          `json:"session_id"`
	HookEventName  string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	StopHookActive bool            `json:"stop_hook_active,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	PermissionMode string          `json:"permission_mode,omitempty"`

	// Extra retains every field not named above, so event-specific additions
	// (e.g. a SubagentStop's subagent identity) survive round-tripping even
	// though this package never interprets them.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields lists the JSON keys decoded into typed struct fields above, so
// Parse can split the remainder into Extra.
var knownFields = map[string]bool{
	"session_id":       true,
	"hook_event_name":  true,
	"tool_name":        true,
	"tool_input":       true,
	"stop_hook_active": true,
	"cwd":              true,
	"permission_mode":  true,
}

// Parse decodes raw stdin JSON. An empty or all-whitespace input is not an
// error: it returns a zero Payload, matching "stdin is optional".
func Parse(raw []byte) (Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, nil
	}

	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("parse stdin payload: %w", err)
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return Payload{}, fmt.Errorf("parse stdin payload fields: %w", err)
	}
	for k, v := range all {
		if knownFields[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}

	return p, nil
}

// Synthesize builds the fallback payload the driver uses when stdin carried
// nothing: {session_id, cwd, permission_mode: "default", hook_event_name}.
func Synthesize(sessionID, cwd, eventType string) Payload {
	return Payload{
		SessionID:      sessionID,
		Cwd:            cwd,
		PermissionMode: "default",
		HookEventName:  eventType,
	}
}

// ValidateEventType checks that a non-empty HookEventName in the payload
// matches the CLI's event_type argument. An empty HookEventName (payload
// didn't set it) is not a mismatch.
func (p Payload) ValidateEventType(eventType string) error {
	if p.HookEventName != "" && p.HookEventName != eventType {
		return fmt.Errorf("payload hook_event_name %q does not match event_type argument %q", p.HookEventName, eventType)
	}
	return nil
}

// DecodeToolInput unmarshals ToolInput into dst. Returns nil without
// touching dst if ToolInput is absent.
func (p Payload) DecodeToolInput(dst any) error {
	if len(p.ToolInput) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.ToolInput, dst); err != nil {
		return fmt.Errorf("decode tool_input: %w", err)
	}
	return nil
}
