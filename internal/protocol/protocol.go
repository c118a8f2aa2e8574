package protocol

import (
	"encoding/json"
	"errors"
)

// Command type strings accepted on the host's input stream. The set is
// closed: anything else yields a failure response echoing the type.
const (
	CmdCreateSession         = "create_session"
	CmdCloseSession          = "close_session"
	CmdListSessions          = "list_sessions"
	CmdPrompt                = "prompt"
	CmdSteer                 = "steer"
	CmdFollowUp              = "follow_up"
	CmdAbort                 = "abort"
	CmdNewSession            = "new_session"
	CmdGetMessages           = "get_messages"
	CmdGetState              = "get_state"
	CmdSetModel              = "set_model"
	CmdCycleModel            = "cycle_model"
	CmdSetThinkingLevel      = "set_thinking_level"
	CmdGetAvailableModels    = "get_available_models"
	CmdOAuthListProviders    = "oauth_list_providers"
	CmdOAuthStartLogin       = "oauth_start_login"
	CmdOAuthPollLogin        = "oauth_poll_login"
	CmdOAuthSubmitLoginInput = "oauth_submit_login_input"
	CmdOAuthCancelLogin      = "oauth_cancel_login"
	CmdOAuthLogout           = "oauth_logout"
	CmdShutdown              = "shutdown"
	CmdPing                  = "ping"
)

// CommandParse is the pseudo-command echoed in failure responses for
// input lines that never made it past the codec.
const CommandParse = "parse"

// ErrMalformedCommand is returned by ParseCommand for any line that is
// not a JSON object carrying a string "type" field.
var ErrMalformedCommand = errors.New("Command must be a JSON object with a string 'type' field")

// Command is the envelope for one line of host input. The field set is
// flat: every command type reads the subset it needs and validation of
// required fields happens at dispatch.
type Command struct {
	ID                string            `json:"id,omitempty"`
	Type              string            `json:"type"`
	SessionID         string            `json:"sessionId,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	Message           string            `json:"message,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	ModelID           string            `json:"modelId,omitempty"`
	StreamingBehavior string            `json:"streamingBehavior,omitempty"`
	SessionFile       string            `json:"sessionFile,omitempty"`
	Level             string            `json:"level,omitempty"`
	Images            []json.RawMessage `json:"images,omitempty"`
}

// ParseCommand decodes one input line. On failure the returned Command
// still carries the caller's id when one could be recovered, so the
// parse-failure response can be correlated.
func ParseCommand(line []byte) (*Command, error) {
	var head struct {
		ID   json.RawMessage `json:"id"`
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return &Command{}, ErrMalformedCommand
	}

	var cmd Command
	if head.ID != nil {
		// Best effort: a non-string id is simply dropped.
		_ = json.Unmarshal(head.ID, &cmd.ID)
	}

	var cmdType string
	if head.Type == nil || json.Unmarshal(head.Type, &cmdType) != nil || cmdType == "" {
		return &cmd, ErrMalformedCommand
	}

	// The body decode shadows id with a raw field: a non-string id is
	// dropped, not treated as a malformed command.
	var body struct {
		Command
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &body); err != nil {
		return &Command{ID: cmd.ID}, ErrMalformedCommand
	}
	id := cmd.ID
	cmd = body.Command
	cmd.ID = id
	return &cmd, nil
}

// Response is the envelope for exactly-one-per-command replies.
// Data is omitted entirely for commands that produce no result.
type Response struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Command string `json:"command"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK builds a success response. Pass nil data for commands with no result.
func OK(id, command string, data any) Response {
	return Response{ID: id, Type: "response", Command: command, Success: true, Data: data}
}

// Fail builds a failure response carrying a human-readable message.
func Fail(id, command, message string) Response {
	return Response{ID: id, Type: "response", Command: command, Success: false, Error: message}
}

// SessionEvent is the unsolicited envelope for events fanned out from a
// hosted session, interleaved arbitrarily with responses.
type SessionEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Event     json.RawMessage `json:"event"`
}

// compactedAgentEnd is what agent_end events are reduced to on the
// wire. The event is purely an end-of-turn signal; some agents attach
// the full message history to it, which callers never need.
var compactedAgentEnd = json.RawMessage(`{"type":"agent_end"}`)

// NewSessionEvent wraps a raw session event with its owning session id,
// compacting bulky terminal events.
func NewSessionEvent(sessionID string, event json.RawMessage) SessionEvent {
	return SessionEvent{
		Type:      "session_event",
		SessionID: sessionID,
		Event:     CompactEvent(event),
	}
}

// CompactEvent strips the payload from agent_end events and passes
// every other event through untouched.
func CompactEvent(event json.RawMessage) json.RawMessage {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(event, &head); err != nil {
		return event
	}
	if head.Type == "agent_end" {
		return compactedAgentEnd
	}
	return event
}

// ImageAttachment is a base64-encoded image carried by prompt, steer,
// and follow_up commands.
type ImageAttachment struct {
	Type     string `json:"type"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// DecodeImages filters a raw image array down to well-formed entries.
// Malformed entries are dropped silently; an empty result is nil so
// callers treat it as "no images".
func DecodeImages(raw []json.RawMessage) []ImageAttachment {
	var images []ImageAttachment
	for _, entry := range raw {
		var img ImageAttachment
		if err := json.Unmarshal(entry, &img); err != nil {
			continue
		}
		if img.Type != "image" || img.Data == "" || img.MimeType == "" {
			continue
		}
		images = append(images, img)
	}
	return images
}
