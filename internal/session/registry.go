// Package session owns the table of live agent sessions and the
// event fan-out that tags each session's events with its id.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphone/agent-host/internal/agent"
)

// EmitFunc receives every event a hosted session produces, already
// tagged with the owning session id. It must not block on slow
// consumers; the output writer queues behind it.
type EmitFunc func(sessionID string, event json.RawMessage)

// Hosted is one registered session.
type Hosted struct {
	ID          string
	Cwd         string
	CreatedAt   time.Time
	SessionFile string
	Session     agent.Session

	unsubscribe  func()
	teardownOnce sync.Once
}

// teardown detaches the event listener before disposing the underlying
// session, so a disposed session can never emit. Safe to call twice.
func (h *Hosted) teardown() error {
	var err error
	h.teardownOnce.Do(func() {
		if h.unsubscribe != nil {
			h.unsubscribe()
		}
		err = h.Session.Dispose()
	})
	return err
}

// Info is the list_sessions view of one session.
type Info struct {
	SessionID   string           `json:"sessionId"`
	Cwd         string           `json:"cwd"`
	CreatedAt   string           `json:"createdAt"`
	Model       *agent.ModelInfo `json:"model,omitempty"`
	Busy        bool             `json:"busy"`
	SessionFile string           `json:"sessionFile,omitempty"`
}

// Registry is the in-memory table of live sessions. It has no global
// state: every dependency is constructor-injected so tests can run
// multiple registries side by side.
type Registry struct {
	factory     agent.Factory
	emit        EmitFunc
	maxSessions int

	mu     sync.Mutex
	hosted map[string]*Hosted
}

// NewRegistry creates an empty registry. maxSessions <= 0 means unlimited.
func NewRegistry(factory agent.Factory, emit EmitFunc, maxSessions int) *Registry {
	return &Registry{
		factory:     factory,
		emit:        emit,
		maxSessions: maxSessions,
		hosted:      make(map[string]*Hosted),
	}
}

// CreateParams are the caller-supplied fields of create_session.
type CreateParams struct {
	SessionID   string
	Cwd         string
	Provider    string
	ModelID     string
	SessionFile string
}

// CreateResult is the create_session response payload.
type CreateResult struct {
	SessionID            string `json:"sessionId"`
	Cwd                  string `json:"cwd"`
	ModelFallbackMessage string `json:"modelFallbackMessage,omitempty"`
	SessionFile          string `json:"sessionFile,omitempty"`
}

// Create validates inputs, builds the underlying session, optionally
// selects a model, and registers the session with its event
// subscription attached. A duplicate live id degrades gracefully by
// returning the existing session's identity instead of erroring.
func (r *Registry) Create(ctx context.Context, p CreateParams) (CreateResult, error) {
	if p.SessionID != "" {
		r.mu.Lock()
		if existing, ok := r.hosted[p.SessionID]; ok {
			r.mu.Unlock()
			return CreateResult{SessionID: existing.ID, Cwd: existing.Cwd}, nil
		}
		r.mu.Unlock()
	}

	if err := validateDir(p.Cwd); err != nil {
		return CreateResult{}, err
	}
	if p.SessionFile != "" {
		if err := validateFile(p.SessionFile); err != nil {
			return CreateResult{}, err
		}
	}

	r.mu.Lock()
	if r.maxSessions > 0 && len(r.hosted) >= r.maxSessions {
		r.mu.Unlock()
		return CreateResult{}, fmt.Errorf("maximum session limit reached (%d)", r.maxSessions)
	}
	r.mu.Unlock()

	created, err := r.factory.New(ctx, agent.Options{Cwd: p.Cwd, SessionFile: p.SessionFile})
	if err != nil {
		return CreateResult{}, err
	}
	sess := created.Session

	// Restored sessions report their own cwd from the persisted file;
	// it gets the same validation as a caller-supplied one.
	cwd := sess.Cwd()
	if cwd == "" {
		cwd = p.Cwd
	}
	if cwd != p.Cwd {
		if err := validateDir(cwd); err != nil {
			if derr := sess.Dispose(); derr != nil {
				log.Printf("dispose after invalid restored cwd: %v", derr)
			}
			return CreateResult{}, err
		}
	}

	if p.Provider != "" && p.ModelID != "" {
		if err := sess.SetModel(ctx, p.Provider, p.ModelID); err != nil {
			// No orphaned half-initialized session stays registered.
			if derr := sess.Dispose(); derr != nil {
				log.Printf("dispose after model selection failure: %v", derr)
			}
			return CreateResult{}, err
		}
	}

	id := p.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	h := &Hosted{
		ID:          id,
		Cwd:         cwd,
		CreatedAt:   time.Now().UTC(),
		SessionFile: sess.SessionFile(),
		Session:     sess,
	}
	h.unsubscribe = sess.Subscribe(func(event json.RawMessage) {
		r.emit(id, event)
	})

	r.mu.Lock()
	if existing, ok := r.hosted[id]; ok {
		// Lost a race with a concurrent create for the same id.
		r.mu.Unlock()
		if terr := h.teardown(); terr != nil {
			log.Printf("teardown duplicate session %s: %v", id, terr)
		}
		return CreateResult{SessionID: existing.ID, Cwd: existing.Cwd}, nil
	}
	r.hosted[id] = h
	r.mu.Unlock()

	return CreateResult{
		SessionID:            id,
		Cwd:                  cwd,
		ModelFallbackMessage: created.ModelFallbackMessage,
		SessionFile:          h.SessionFile,
	}, nil
}

// Get resolves a session by id, failing fast on unknown ids.
func (r *Registry) Get(sessionID string) (*Hosted, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosted[sessionID]
	if !ok {
		return nil, fmt.Errorf("Unknown sessionId: %s", sessionID)
	}
	return h, nil
}

// Close tears one session down: unsubscribe, dispose, deregister.
func (r *Registry) Close(sessionID string) error {
	r.mu.Lock()
	h, ok := r.hosted[sessionID]
	if ok {
		delete(r.hosted, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("Unknown sessionId: %s", sessionID)
	}
	return h.teardown()
}

// CloseAll tears down every session. Teardown errors are logged, not
// returned: shutdown must always finish.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Hosted, 0, len(r.hosted))
	for _, h := range r.hosted {
		all = append(all, h)
	}
	r.hosted = make(map[string]*Hosted)
	r.mu.Unlock()

	for _, h := range all {
		if err := h.teardown(); err != nil {
			log.Printf("close session %s: %v", h.ID, err)
		}
	}
}

// List snapshots all sessions sorted by creation time ascending.
func (r *Registry) List(ctx context.Context) []Info {
	r.mu.Lock()
	all := make([]*Hosted, 0, len(r.hosted))
	for _, h := range r.hosted {
		all = append(all, h)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	infos := make([]Info, 0, len(all))
	for _, h := range all {
		info := Info{
			SessionID:   h.ID,
			Cwd:         h.Cwd,
			CreatedAt:   h.CreatedAt.Format(time.RFC3339Nano),
			SessionFile: h.SessionFile,
		}
		if st, err := h.Session.State(ctx); err == nil {
			info.Model = st.Model
			info.Busy = st.IsStreaming
		}
		infos = append(infos, info)
	}
	return infos
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosted)
}

func validateDir(path string) error {
	if path == "" {
		return fmt.Errorf("cwd must be a non-empty string")
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("working directory does not exist: %s", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}

func validateFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("session file does not exist: %s", path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("session file is not a regular file: %s", path)
	}
	return nil
}
