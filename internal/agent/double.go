package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/graphone/agent-host/internal/protocol"
)

// Double is an in-memory stand-in for the whole external agent stack:
// Factory, CredentialStore, and ModelRegistry. It records calls and
// lets tests inject failures without spawning processes.
type Double struct {
	mu       sync.Mutex
	sessions []*DoubleSession

	// NewErr makes Factory.New fail.
	NewErr error
	// FallbackMessage is reported as the model fallback on every create.
	FallbackMessage string
	// RestoredCwd, when set, is the cwd restored sessions report
	// instead of the requested one.
	RestoredCwd string
	// SetModelErr is copied onto newly created sessions.
	SetModelErr error

	ProviderList []Provider
	// LoginFn scripts the login routine; nil means immediate success.
	LoginFn   func(ctx context.Context, providerID string, hooks LoginHooks) error
	LogoutErr error

	Models       []ModelInfo
	RefreshErr   error
	refreshCalls int
}

var (
	_ Factory         = (*Double)(nil)
	_ CredentialStore = (*Double)(nil)
	_ ModelRegistry   = (*Double)(nil)
)

// NewDouble creates a double with one logged-out provider and one model.
func NewDouble() *Double {
	return &Double{
		ProviderList: []Provider{{ID: "acme", Name: "Acme"}},
		Models:       []ModelInfo{{Provider: "acme", ID: "acme-large", Name: "Acme Large"}},
	}
}

// New creates a scripted in-memory session.
func (d *Double) New(_ context.Context, opts Options) (Created, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.NewErr != nil {
		return Created{}, d.NewErr
	}

	cwd := opts.Cwd
	if opts.SessionFile != "" && d.RestoredCwd != "" {
		cwd = d.RestoredCwd
	}

	s := &DoubleSession{
		cwd:         cwd,
		sessionFile: opts.SessionFile,
		thinking:    "medium",
		levels:      []string{"off", "low", "medium", "high"},
		listeners:   make(map[int]func(json.RawMessage)),
		SetModelErr: d.SetModelErr,
	}
	d.sessions = append(d.sessions, s)
	return Created{Session: s, ModelFallbackMessage: d.FallbackMessage}, nil
}

// Sessions returns every session the factory has created, disposed or not.
func (d *Double) Sessions() []*DoubleSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*DoubleSession(nil), d.sessions...)
}

func (d *Double) Providers() []Provider {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Provider(nil), d.ProviderList...)
}

func (d *Double) Login(ctx context.Context, providerID string, hooks LoginHooks) error {
	d.mu.Lock()
	fn := d.LoginFn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, providerID, hooks)
	}
	return nil
}

func (d *Double) Logout(string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.LogoutErr
}

func (d *Double) Available() []ModelInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ModelInfo(nil), d.Models...)
}

func (d *Double) Refresh() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshCalls++
	return d.RefreshErr
}

// RefreshCalls reports how many times the model listing was refreshed.
func (d *Double) RefreshCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refreshCalls
}

// DoubleSession is the in-memory Session created by Double.
type DoubleSession struct {
	mu          sync.Mutex
	cwd         string
	sessionFile string
	model       *ModelInfo
	thinking    string
	levels      []string
	streaming   bool
	messages    []json.RawMessage

	listeners map[int]func(json.RawMessage)
	nextSub   int

	prompts   []string
	steers    []string
	followUps []string
	aborts    int
	resets    int

	disposed   bool
	unsubCalls int

	PromptErr   error
	SteerErr    error
	FollowUpErr error
	AbortErr    error
	ResetErr    error
	SetModelErr error
	CycleErr    error
}

var _ Session = (*DoubleSession)(nil)

func (s *DoubleSession) Prompt(_ context.Context, message string, _ PromptOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PromptErr != nil {
		return s.PromptErr
	}
	s.prompts = append(s.prompts, message)
	return nil
}

func (s *DoubleSession) Steer(_ context.Context, message string, _ []protocol.ImageAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SteerErr != nil {
		return s.SteerErr
	}
	s.steers = append(s.steers, message)
	return nil
}

func (s *DoubleSession) FollowUp(_ context.Context, message string, _ []protocol.ImageAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FollowUpErr != nil {
		return s.FollowUpErr
	}
	s.followUps = append(s.followUps, message)
	return nil
}

func (s *DoubleSession) Abort(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AbortErr != nil {
		return s.AbortErr
	}
	s.aborts++
	s.streaming = false
	return nil
}

func (s *DoubleSession) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResetErr != nil {
		return s.ResetErr
	}
	s.resets++
	s.messages = nil
	return nil
}

func (s *DoubleSession) SetModel(_ context.Context, provider, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetModelErr != nil {
		return s.SetModelErr
	}
	s.model = &ModelInfo{Provider: provider, ID: modelID}
	return nil
}

func (s *DoubleSession) CycleModel(context.Context) (ModelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CycleErr != nil {
		return ModelInfo{}, s.CycleErr
	}
	if s.model == nil {
		s.model = &ModelInfo{Provider: "acme", ID: "acme-large"}
	}
	return *s.model, nil
}

func (s *DoubleSession) SetThinkingLevel(_ context.Context, level string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinking = level
	return nil
}

func (s *DoubleSession) ThinkingLevels(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.levels...), nil
}

func (s *DoubleSession) State(context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Model: s.model, ThinkingLevel: s.thinking, IsStreaming: s.streaming}, nil
}

func (s *DoubleSession) Messages(context.Context) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.messages...), nil
}

func (s *DoubleSession) Cwd() string         { return s.cwd }
func (s *DoubleSession) SessionFile() string { return s.sessionFile }

func (s *DoubleSession) Subscribe(listener func(event json.RawMessage)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.unsubCalls++
			s.mu.Unlock()
		})
	}
}

func (s *DoubleSession) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	return nil
}

// Emit delivers an event to all current subscribers, as the real agent
// does from its own goroutine.
func (s *DoubleSession) Emit(event json.RawMessage) {
	s.mu.Lock()
	listeners := make([]func(json.RawMessage), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// SetStreaming flips the busy flag tests read back through State.
func (s *DoubleSession) SetStreaming(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = v
}

// Prompts returns recorded prompt messages.
func (s *DoubleSession) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Steers returns recorded steer messages.
func (s *DoubleSession) Steers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steers...)
}

// Disposed reports whether Dispose was called.
func (s *DoubleSession) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// UnsubscribeCalls reports how many listeners were detached.
func (s *DoubleSession) UnsubscribeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubCalls
}

// ListenerCount reports how many listeners are currently attached.
func (s *DoubleSession) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
