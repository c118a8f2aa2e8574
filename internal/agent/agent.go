// Package agent defines the capabilities the host consumes but never
// implements itself: the per-conversation agent session, the model
// registry, and the credential store. The production implementations
// shell out to the coding-agent CLI; tests use Double.
package agent

import (
	"context"
	"encoding/json"

	"github.com/graphone/agent-host/internal/protocol"
)

// ModelInfo identifies one selectable model.
type ModelInfo struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
}

// State is a point-in-time snapshot of a session.
type State struct {
	Model         *ModelInfo `json:"model,omitempty"`
	ThinkingLevel string     `json:"thinkingLevel,omitempty"`
	IsStreaming   bool       `json:"isStreaming"`
}

// PromptOptions carries the optional parts of a prompt.
type PromptOptions struct {
	StreamingBehavior string
	Images            []protocol.ImageAttachment
}

// Session is one independent, stateful conversation. Prompt returns as
// soon as the underlying agent has accepted the message; generation is
// observed through the event subscription. All other mutating calls
// block until the agent has applied them.
type Session interface {
	Prompt(ctx context.Context, message string, opts PromptOptions) error
	Steer(ctx context.Context, message string, images []protocol.ImageAttachment) error
	FollowUp(ctx context.Context, message string, images []protocol.ImageAttachment) error
	Abort(ctx context.Context) error

	// Reset discards the conversation history while keeping the
	// session (and its working directory) alive.
	Reset(ctx context.Context) error

	SetModel(ctx context.Context, provider, modelID string) error
	CycleModel(ctx context.Context) (ModelInfo, error)
	SetThinkingLevel(ctx context.Context, level string) error
	ThinkingLevels(ctx context.Context) ([]string, error)

	State(ctx context.Context) (State, error)
	Messages(ctx context.Context) ([]json.RawMessage, error)

	// Cwd is the effective working directory: for restored sessions it
	// is whatever the persisted session reports, not what the caller
	// asked for.
	Cwd() string

	// SessionFile is the path of the backing persisted session, empty
	// for fresh sessions.
	SessionFile() string

	// Subscribe attaches a listener to the session's event stream and
	// returns an idempotent detach function.
	Subscribe(listener func(event json.RawMessage)) (unsubscribe func())

	Dispose() error
}

// Options configures session creation.
type Options struct {
	Cwd         string
	SessionFile string
}

// Created is the result of Factory.New. ModelFallbackMessage is set
// when the session came up on a different model than configured.
type Created struct {
	Session              Session
	ModelFallbackMessage string
}

// Factory creates sessions.
type Factory interface {
	New(ctx context.Context, opts Options) (Created, error)
}

// Provider describes one identity provider known to the credential store.
type Provider struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LoggedIn bool   `json:"loggedIn"`
}

// AuthInfo is the browser-visit step of a login flow.
type AuthInfo struct {
	URL          string
	Instructions string
}

// InputRequest asks the human for text (e.g. a pasted redirect URL).
type InputRequest struct {
	Message     string
	Placeholder string
	AllowEmpty  bool
	InputType   string
}

// LoginHooks are the callbacks a login routine drives. OnPrompt blocks
// the routine until input arrives or the context is cancelled.
type LoginHooks struct {
	OnAuth     func(AuthInfo)
	OnPrompt   func(InputRequest) (string, error)
	OnProgress func(message string)
}

// CredentialStore is the host-wide identity layer shared by all sessions.
type CredentialStore interface {
	Providers() []Provider
	Login(ctx context.Context, providerID string, hooks LoginHooks) error
	Logout(providerID string) error
}

// ModelRegistry is the host-wide, read-mostly model listing. Refresh is
// called after login/logout so the listing reflects current credentials.
type ModelRegistry interface {
	Available() []ModelInfo
	Refresh() error
}
