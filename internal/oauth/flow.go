// Package oauth runs provider login flows in the background and
// exposes them to the command loop as a poll/submit/cancel state
// machine, at most one live flow per session.
package oauth

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/graphone/agent-host/internal/agent"
)

// Flow statuses. awaiting_input and idle are computed views: a flow is
// awaiting_input while running with an unanswered prompt, and a session
// with no flow at all polls as idle.
const (
	StatusRunning       = "running"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
	StatusAwaitingInput = "awaiting_input"
	StatusIdle          = "idle"
)

// cancelSentinel marks a login routine aborted by the caller rather
// than by the provider.
const cancelSentinel = "Login cancelled"

// Update is one progress item buffered for the UI to poll.
type Update struct {
	Type         string `json:"type"`
	URL          string `json:"url,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Message      string `json:"message,omitempty"`
	Placeholder  string `json:"placeholder,omitempty"`
	AllowEmpty   *bool  `json:"allowEmpty,omitempty"`
	InputType    string `json:"inputType,omitempty"`
	Success      *bool  `json:"success,omitempty"`
	Error        string `json:"error,omitempty"`
}

// PollResult is the oauth_poll_login response payload. Updates are
// consumed exactly once; they never reappear in a later poll.
type PollResult struct {
	Status   string   `json:"status"`
	Provider string   `json:"provider,omitempty"`
	Updates  []Update `json:"updates"`
}

type pendingInput struct {
	allowEmpty bool
	result     chan string
}

type flow struct {
	provider string
	status   string
	updates  []Update
	pending  *pendingInput
	cancel   context.CancelFunc
}

func (f *flow) terminal() bool {
	return f.status == StatusCompleted || f.status == StatusFailed || f.status == StatusCancelled
}

// Controller owns all login flows, keyed by the session that started
// them. Flows run on background goroutines; the command loop only ever
// touches the buffered update queue under the controller lock.
type Controller struct {
	creds  agent.CredentialStore
	models agent.ModelRegistry

	mu    sync.Mutex
	flows map[string]*flow
}

// NewController creates a controller with no active flows.
func NewController(creds agent.CredentialStore, models agent.ModelRegistry) *Controller {
	return &Controller{
		creds:  creds,
		models: models,
		flows:  make(map[string]*flow),
	}
}

// Start launches a login flow for the session against the provider. A
// session with a flow still running (or blocked on input) cannot start
// another; a finished flow whose updates were never drained is
// replaced.
func (c *Controller) Start(sessionID, providerID string) error {
	known := false
	for _, p := range c.creds.Providers() {
		if p.ID == providerID {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("Unknown OAuth provider: %s", providerID)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if existing, ok := c.flows[sessionID]; ok && !existing.terminal() {
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("OAuth login already in progress for session: %s", sessionID)
	}
	f := &flow{provider: providerID, status: StatusRunning, cancel: cancel}
	c.flows[sessionID] = f
	c.mu.Unlock()

	go c.run(ctx, f)
	return nil
}

// run drives the credential store's login routine and translates its
// hooks into buffered updates. It owns the flow's terminal transition.
func (c *Controller) run(ctx context.Context, f *flow) {
	err := c.creds.Login(ctx, f.provider, agent.LoginHooks{
		OnAuth: func(info agent.AuthInfo) {
			c.push(f, Update{Type: "auth", URL: info.URL, Instructions: info.Instructions})
		},
		OnProgress: func(message string) {
			c.push(f, Update{Type: "progress", Message: message})
		},
		OnPrompt: func(req agent.InputRequest) (string, error) {
			pending := &pendingInput{
				allowEmpty: req.AllowEmpty,
				result:     make(chan string, 1),
			}
			allowEmpty := req.AllowEmpty

			c.mu.Lock()
			if f.pending != nil {
				c.mu.Unlock()
				return "", fmt.Errorf("login requested input while another request was pending")
			}
			f.pending = pending
			f.updates = append(f.updates, Update{
				Type:        "prompt",
				Message:     req.Message,
				Placeholder: req.Placeholder,
				AllowEmpty:  &allowEmpty,
				InputType:   req.InputType,
			})
			c.mu.Unlock()

			select {
			case input := <-pending.result:
				return input, nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	})

	success := err == nil
	var message string
	if err != nil {
		message = err.Error()
	}
	cancelled := ctx.Err() != nil || message == cancelSentinel

	c.mu.Lock()
	switch {
	case success:
		f.status = StatusCompleted
	case cancelled:
		f.status = StatusCancelled
		message = cancelSentinel
	default:
		f.status = StatusFailed
	}
	f.pending = nil
	complete := Update{Type: "complete", Success: &success}
	if !success {
		complete.Error = message
	}
	f.updates = append(f.updates, complete)
	c.mu.Unlock()

	if success {
		if rerr := c.models.Refresh(); rerr != nil {
			log.Printf("model refresh after login: %v", rerr)
		}
	}
}

func (c *Controller) push(f *flow, u Update) {
	c.mu.Lock()
	f.updates = append(f.updates, u)
	c.mu.Unlock()
}

// Poll drains the flow's buffered updates in one call. A terminal flow
// polled with nothing left in its buffer is evicted, so the session
// reads as idle afterwards and a new login can start.
func (c *Controller) Poll(sessionID string) PollResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flows[sessionID]
	if !ok {
		return PollResult{Status: StatusIdle, Updates: []Update{}}
	}

	if f.terminal() && len(f.updates) == 0 {
		delete(c.flows, sessionID)
		return PollResult{Status: StatusIdle, Updates: []Update{}}
	}

	updates := f.updates
	if updates == nil {
		updates = []Update{}
	}
	f.updates = nil

	status := f.status
	if status == StatusRunning && f.pending != nil {
		status = StatusAwaitingInput
	}
	return PollResult{Status: status, Provider: f.provider, Updates: updates}
}

// Submit answers the flow's pending input prompt.
func (c *Controller) Submit(sessionID, input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flows[sessionID]
	if !ok || f.pending == nil {
		return fmt.Errorf("No pending input request for session: %s", sessionID)
	}
	if input == "" && !f.pending.allowEmpty {
		return fmt.Errorf("Input must not be empty")
	}

	f.pending.result <- input
	f.pending = nil
	return nil
}

// Cancel aborts the session's running flow. A flow blocked on input
// unwinds through its prompt's cancellation rather than hanging.
func (c *Controller) Cancel(sessionID string) error {
	c.mu.Lock()
	f, ok := c.flows[sessionID]
	if !ok || f.terminal() {
		c.mu.Unlock()
		return fmt.Errorf("No active OAuth flow for session: %s", sessionID)
	}
	cancel := f.cancel
	c.mu.Unlock()

	cancel()
	return nil
}

// CancelSession aborts the session's flow if one is running. Unlike
// Cancel it is a no-op for sessions with no live flow; session abort
// and teardown call it unconditionally.
func (c *Controller) CancelSession(sessionID string) {
	c.mu.Lock()
	var cancel context.CancelFunc
	if f, ok := c.flows[sessionID]; ok && !f.terminal() {
		cancel = f.cancel
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Discard cancels and forgets the session's flow. Used when the
// session itself is closed: nothing will ever poll it again.
func (c *Controller) Discard(sessionID string) {
	c.mu.Lock()
	var cancel context.CancelFunc
	if f, ok := c.flows[sessionID]; ok {
		if !f.terminal() {
			cancel = f.cancel
		}
		delete(c.flows, sessionID)
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll aborts every non-terminal flow. Used at shutdown.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.flows))
	for _, f := range c.flows {
		if !f.terminal() {
			cancels = append(cancels, f.cancel)
		}
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Logout drops the provider's credentials and refreshes the model
// listing so models unlocked by those credentials disappear.
func (c *Controller) Logout(providerID string) error {
	if err := c.creds.Logout(providerID); err != nil {
		return err
	}
	if err := c.models.Refresh(); err != nil {
		log.Printf("model refresh after logout: %v", err)
	}
	return nil
}

// Providers lists the credential store's providers.
func (c *Controller) Providers() []agent.Provider {
	return c.creds.Providers()
}

// Len reports the number of flow records not yet evicted.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flows)
}
