package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/graphone/agent-host/internal/agent"
	"github.com/graphone/agent-host/internal/metrics"
	"github.com/graphone/agent-host/internal/oauth"
	"github.com/graphone/agent-host/internal/protocol"
	"github.com/graphone/agent-host/internal/session"
	"github.com/graphone/agent-host/internal/watcher"
)

// Dispatcher executes commands one at a time against the registry and
// the OAuth controller and produces exactly one response per command.
// A command that panics is converted to a failure response; the
// process never dies because of one bad command.
type Dispatcher struct {
	registry *session.Registry
	oauth    *oauth.Controller
	models   agent.ModelRegistry
	watch    *watcher.Watcher
	metrics  *metrics.Metrics
}

// NewDispatcher wires the dispatcher. watch and metrics may be nil.
func NewDispatcher(
	registry *session.Registry,
	oauthCtrl *oauth.Controller,
	models agent.ModelRegistry,
	watch *watcher.Watcher,
	m *metrics.Metrics,
) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		oauth:    oauthCtrl,
		models:   models,
		watch:    watch,
		metrics:  m,
	}
}

// Dispatch runs one command to completion and returns its response.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *protocol.Command) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("panic handling %s: %v", cmd.Type, r)
			resp = protocol.Fail(cmd.ID, cmd.Type, fmt.Sprintf("internal error: %v", r))
		}
		d.metrics.Command(cmd.Type, resp.Success)
	}()

	data, err := d.execute(ctx, cmd)
	if err != nil {
		return protocol.Fail(cmd.ID, cmd.Type, err.Error())
	}
	return protocol.OK(cmd.ID, cmd.Type, data)
}

func (d *Dispatcher) execute(ctx context.Context, cmd *protocol.Command) (any, error) {
	switch cmd.Type {
	case protocol.CmdCreateSession:
		return d.createSession(ctx, cmd)

	case protocol.CmdCloseSession:
		return d.closeSession(cmd)

	case protocol.CmdListSessions:
		return map[string]any{"sessions": d.registry.List(ctx)}, nil

	case protocol.CmdPrompt:
		return nil, d.prompt(cmd)

	case protocol.CmdSteer:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		if err := requireMessage(cmd); err != nil {
			return nil, err
		}
		return nil, h.Session.Steer(ctx, cmd.Message, protocol.DecodeImages(cmd.Images))

	case protocol.CmdFollowUp:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		if err := requireMessage(cmd); err != nil {
			return nil, err
		}
		return nil, h.Session.FollowUp(ctx, cmd.Message, protocol.DecodeImages(cmd.Images))

	case protocol.CmdAbort:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		// Session abort also unwinds the session's login flow.
		d.oauth.CancelSession(cmd.SessionID)
		return nil, h.Session.Abort(ctx)

	case protocol.CmdNewSession:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		return nil, h.Session.Reset(ctx)

	case protocol.CmdGetMessages:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		msgs, err := h.Session.Messages(ctx)
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []json.RawMessage{}
		}
		return map[string]any{"messages": msgs}, nil

	case protocol.CmdGetState:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		state, err := h.Session.State(ctx)
		if err != nil {
			return nil, err
		}
		return state, nil

	case protocol.CmdSetModel:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		if cmd.Provider == "" {
			return nil, fmt.Errorf("provider must be a non-empty string")
		}
		if cmd.ModelID == "" {
			return nil, fmt.Errorf("modelId must be a non-empty string")
		}
		return nil, h.Session.SetModel(ctx, cmd.Provider, cmd.ModelID)

	case protocol.CmdCycleModel:
		h, err := d.target(cmd)
		if err != nil {
			return nil, err
		}
		model, err := h.Session.CycleModel(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"model": model}, nil

	case protocol.CmdSetThinkingLevel:
		return nil, d.setThinkingLevel(ctx, cmd)

	case protocol.CmdGetAvailableModels:
		models := d.models.Available()
		if models == nil {
			models = []agent.ModelInfo{}
		}
		return map[string]any{"models": models}, nil

	case protocol.CmdOAuthListProviders:
		if _, err := d.target(cmd); err != nil {
			return nil, err
		}
		providers := d.oauth.Providers()
		if providers == nil {
			providers = []agent.Provider{}
		}
		return map[string]any{"providers": providers}, nil

	case protocol.CmdOAuthStartLogin:
		if _, err := d.target(cmd); err != nil {
			return nil, err
		}
		if cmd.Provider == "" {
			return nil, fmt.Errorf("provider must be a non-empty string")
		}
		if err := d.oauth.Start(cmd.SessionID, cmd.Provider); err != nil {
			return nil, err
		}
		d.metrics.SetOAuthFlows(d.oauth.Len())
		return map[string]any{"started": true}, nil

	case protocol.CmdOAuthPollLogin:
		if err := requireSessionID(cmd); err != nil {
			return nil, err
		}
		res := d.oauth.Poll(cmd.SessionID)
		d.metrics.SetOAuthFlows(d.oauth.Len())
		return res, nil

	case protocol.CmdOAuthSubmitLoginInput:
		if err := requireSessionID(cmd); err != nil {
			return nil, err
		}
		return nil, d.oauth.Submit(cmd.SessionID, cmd.Message)

	case protocol.CmdOAuthCancelLogin:
		if err := requireSessionID(cmd); err != nil {
			return nil, err
		}
		return nil, d.oauth.Cancel(cmd.SessionID)

	case protocol.CmdOAuthLogout:
		if err := requireSessionID(cmd); err != nil {
			return nil, err
		}
		if cmd.Provider == "" {
			return nil, fmt.Errorf("provider must be a non-empty string")
		}
		return nil, d.oauth.Logout(cmd.Provider)

	case protocol.CmdShutdown:
		// Everything is torn down before the acknowledgement goes out;
		// the I/O loop exits once the response has been flushed.
		d.Shutdown()
		return nil, nil

	case protocol.CmdPing:
		return nil, nil

	default:
		return nil, fmt.Errorf("Unknown command type: %s", cmd.Type)
	}
}

func (d *Dispatcher) createSession(ctx context.Context, cmd *protocol.Command) (any, error) {
	res, err := d.registry.Create(ctx, session.CreateParams{
		SessionID:   cmd.SessionID,
		Cwd:         cmd.Cwd,
		Provider:    cmd.Provider,
		ModelID:     cmd.ModelID,
		SessionFile: cmd.SessionFile,
	})
	if err != nil {
		return nil, err
	}
	d.metrics.SetSessions(d.registry.Len())

	if d.watch != nil {
		if werr := d.watch.Watch(res.SessionID, res.Cwd); werr != nil {
			log.Printf("watch %s: %v", res.Cwd, werr)
		}
	}
	return res, nil
}

func (d *Dispatcher) closeSession(cmd *protocol.Command) (any, error) {
	if err := requireSessionID(cmd); err != nil {
		return nil, err
	}
	d.oauth.Discard(cmd.SessionID)
	d.metrics.SetOAuthFlows(d.oauth.Len())
	if d.watch != nil {
		d.watch.Unwatch(cmd.SessionID)
	}
	if err := d.registry.Close(cmd.SessionID); err != nil {
		return nil, err
	}
	d.metrics.SetSessions(d.registry.Len())
	return nil, nil
}

// prompt acknowledges immediately and runs the generation detached:
// the response only means the prompt was accepted. Completion and
// output arrive as session events, failures as an error event.
func (d *Dispatcher) prompt(cmd *protocol.Command) error {
	h, err := d.target(cmd)
	if err != nil {
		return err
	}
	if err := requireMessage(cmd); err != nil {
		return err
	}

	opts := agent.PromptOptions{
		StreamingBehavior: cmd.StreamingBehavior,
		Images:            protocol.DecodeImages(cmd.Images),
	}
	go func() {
		if perr := h.Session.Prompt(context.Background(), cmd.Message, opts); perr != nil {
			log.Printf("prompt failed for session %s: %v", h.ID, perr)
		}
	}()
	return nil
}

func (d *Dispatcher) setThinkingLevel(ctx context.Context, cmd *protocol.Command) error {
	h, err := d.target(cmd)
	if err != nil {
		return err
	}
	if cmd.Level == "" {
		return fmt.Errorf("level must be a non-empty string")
	}

	levels, err := h.Session.ThinkingLevels(ctx)
	if err != nil {
		return err
	}
	valid := false
	for _, l := range levels {
		if l == cmd.Level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("Unknown thinking level: %s", cmd.Level)
	}
	return h.Session.SetThinkingLevel(ctx, cmd.Level)
}

// Shutdown tears down everything the dispatcher owns: every session
// (unsubscribed before disposed), every OAuth flow, every watch.
func (d *Dispatcher) Shutdown() {
	d.registry.CloseAll()
	d.oauth.CancelAll()
	if d.watch != nil {
		d.watch.Shutdown()
	}
	d.metrics.SetSessions(0)
}

// target resolves the command's session, validating the field first.
func (d *Dispatcher) target(cmd *protocol.Command) (*session.Hosted, error) {
	if err := requireSessionID(cmd); err != nil {
		return nil, err
	}
	return d.registry.Get(cmd.SessionID)
}

func requireSessionID(cmd *protocol.Command) error {
	if cmd.SessionID == "" {
		return fmt.Errorf("sessionId must be a non-empty string")
	}
	return nil
}

func requireMessage(cmd *protocol.Command) error {
	if cmd.Message == "" {
		return fmt.Errorf("message must be a non-empty string")
	}
	return nil
}
