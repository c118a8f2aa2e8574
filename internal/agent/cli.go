package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphone/agent-host/internal/protocol"
)

const (
	defaultBinary         = "pi"
	defaultScannerBufSize = 4 * 1024 * 1024 // 4 MB; event lines can carry full histories
	defaultReadyTimeout   = 20 * time.Second
	disposeGraceTimeout   = 5 * time.Second
)

// CLI creates sessions by spawning one coding-agent CLI process per
// conversation in RPC mode: newline-delimited JSON commands on its
// stdin, responses and session events on its stdout.
type CLI struct {
	// Binary is the agent executable; looked up on PATH when relative.
	Binary string
	// ReadyTimeout bounds how long New waits for the child's ready line.
	ReadyTimeout time.Duration
}

// NewCLI returns a factory using the given binary, or the default when empty.
func NewCLI(binary string) *CLI {
	if binary == "" {
		binary = defaultBinary
	}
	return &CLI{Binary: binary, ReadyTimeout: defaultReadyTimeout}
}

// stdinWriter wraps the child's stdin pipe with mutex protection so
// concurrent callers never interleave partial lines.
type stdinWriter struct {
	mu     sync.Mutex
	writer *os.File
	closed bool
}

func (sw *stdinWriter) WriteLine(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return errors.New("stdin pipe closed")
	}
	if _, err := sw.writer.Write(data); err != nil {
		return err
	}
	_, err := sw.writer.Write([]byte{'\n'})
	return err
}

func (sw *stdinWriter) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !sw.closed {
		sw.writer.Close()
		sw.closed = true
	}
}

type rpcResult struct {
	data json.RawMessage
	err  error
}

type cliSession struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  *stdinWriter

	cwd         string
	sessionFile string

	mu        sync.Mutex
	pending   map[string]chan rpcResult
	listeners map[int]func(json.RawMessage)
	nextSub   int
	disposed  bool

	exited chan struct{}
}

// readyLine is the first line the child emits once its session is live.
type readyLine struct {
	Type                 string `json:"type"`
	Cwd                  string `json:"cwd"`
	SessionFile          string `json:"sessionFile"`
	ModelFallbackMessage string `json:"modelFallbackMessage"`
	Error                string `json:"error"`
}

// New spawns an agent process for one session and waits for it to
// report ready. For restored sessions the child reports the effective
// cwd from the persisted file.
func (c *CLI) New(ctx context.Context, opts Options) (Created, error) {
	binaryPath, err := exec.LookPath(c.binary())
	if err != nil {
		return Created{}, fmt.Errorf("agent CLI %q not found in PATH", c.binary())
	}

	args := []string{"--mode", "rpc"}
	if opts.SessionFile != "" {
		args = append(args, "--session-file", opts.SessionFile)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binaryPath, args...)
	cmd.Dir = opts.Cwd
	cmd.Stderr = os.Stderr

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		cancel()
		return Created{}, fmt.Errorf("create stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return Created{}, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		stdinW.Close()
		stdinR.Close()
		return Created{}, fmt.Errorf("failed to start agent CLI: %w", err)
	}
	stdinR.Close()

	s := &cliSession{
		cmd:       cmd,
		cancel:    cancel,
		stdin:     &stdinWriter{writer: stdinW},
		cwd:       opts.Cwd,
		pending:   make(map[string]chan rpcResult),
		listeners: make(map[int]func(json.RawMessage)),
		exited:    make(chan struct{}),
	}

	ready := make(chan readyLine, 1)
	go s.readLoop(stdoutPipe, ready)
	go s.waitForExit()

	timeout := c.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}

	select {
	case line := <-ready:
		if line.Error != "" {
			s.Dispose()
			return Created{}, errors.New(line.Error)
		}
		if line.Cwd != "" {
			s.cwd = line.Cwd
		}
		s.sessionFile = line.SessionFile
		return Created{Session: s, ModelFallbackMessage: line.ModelFallbackMessage}, nil
	case <-s.exited:
		return Created{}, errors.New("agent process exited before reporting ready")
	case <-time.After(timeout):
		s.Dispose()
		return Created{}, fmt.Errorf("agent process not ready after %s", timeout)
	case <-ctx.Done():
		s.Dispose()
		return Created{}, ctx.Err()
	}
}

func (c *CLI) binary() string {
	if c.Binary == "" {
		return defaultBinary
	}
	return c.Binary
}

// readLoop consumes the child's stdout: responses are routed to their
// pending call, the ready line resolves startup, and every other line
// is delivered to event listeners as-is.
func (s *cliSession) readLoop(pipe io.Reader, ready chan<- readyLine) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, defaultScannerBufSize), defaultScannerBufSize)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			log.Printf("agent stdout: dropping non-JSON line (%d bytes)", len(line))
			continue
		}

		switch head.Type {
		case "ready":
			var r readyLine
			_ = json.Unmarshal(line, &r)
			select {
			case ready <- r:
			default:
			}
		case "response":
			s.routeResponse(head.ID, line)
		default:
			s.fanOut(line)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("agent stdout scanner error: %v", err)
	}
}

func (s *cliSession) routeResponse(id string, line []byte) {
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		log.Printf("agent response: malformed envelope: %v", err)
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "agent command failed"
		}
		ch <- rpcResult{err: errors.New(msg)}
		return
	}
	ch <- rpcResult{data: resp.Data}
}

func (s *cliSession) fanOut(event json.RawMessage) {
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

func (s *cliSession) waitForExit() {
	err := s.cmd.Wait()
	if err != nil {
		log.Printf("agent process exited: %v", err)
	}
	s.stdin.Close()

	// Fail every in-flight call so no caller hangs on a dead process.
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan rpcResult)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcResult{err: errors.New("agent process exited")}
	}

	close(s.exited)
}

// call sends one command line to the child and waits for its response.
func (s *cliSession) call(ctx context.Context, req map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	req["id"] = id

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent command: %w", err)
	}

	ch := make(chan rpcResult, 1)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, errors.New("session disposed")
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.stdin.WriteLine(data); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("write to agent: %w", err)
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-s.exited:
		return nil, errors.New("agent process exited")
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (s *cliSession) Prompt(ctx context.Context, message string, opts PromptOptions) error {
	req := map[string]any{"type": "prompt", "message": message}
	if opts.StreamingBehavior != "" {
		req["streamingBehavior"] = opts.StreamingBehavior
	}
	if len(opts.Images) > 0 {
		req["images"] = opts.Images
	}
	_, err := s.call(ctx, req)
	return err
}

func (s *cliSession) Steer(ctx context.Context, message string, images []protocol.ImageAttachment) error {
	req := map[string]any{"type": "steer", "message": message}
	if len(images) > 0 {
		req["images"] = images
	}
	_, err := s.call(ctx, req)
	return err
}

func (s *cliSession) FollowUp(ctx context.Context, message string, images []protocol.ImageAttachment) error {
	req := map[string]any{"type": "follow_up", "message": message}
	if len(images) > 0 {
		req["images"] = images
	}
	_, err := s.call(ctx, req)
	return err
}

func (s *cliSession) Abort(ctx context.Context) error {
	_, err := s.call(ctx, map[string]any{"type": "abort"})
	return err
}

func (s *cliSession) Reset(ctx context.Context) error {
	_, err := s.call(ctx, map[string]any{"type": "new_session"})
	return err
}

func (s *cliSession) SetModel(ctx context.Context, provider, modelID string) error {
	_, err := s.call(ctx, map[string]any{"type": "set_model", "provider": provider, "modelId": modelID})
	return err
}

func (s *cliSession) CycleModel(ctx context.Context) (ModelInfo, error) {
	data, err := s.call(ctx, map[string]any{"type": "cycle_model"})
	if err != nil {
		return ModelInfo{}, err
	}
	var out struct {
		Model ModelInfo `json:"model"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return ModelInfo{}, fmt.Errorf("decode cycle_model result: %w", err)
	}
	return out.Model, nil
}

func (s *cliSession) SetThinkingLevel(ctx context.Context, level string) error {
	_, err := s.call(ctx, map[string]any{"type": "set_thinking_level", "level": level})
	return err
}

func (s *cliSession) ThinkingLevels(ctx context.Context) ([]string, error) {
	data, err := s.call(ctx, map[string]any{"type": "get_thinking_levels"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Levels []string `json:"levels"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode thinking levels: %w", err)
	}
	return out.Levels, nil
}

func (s *cliSession) State(ctx context.Context) (State, error) {
	data, err := s.call(ctx, map[string]any{"type": "get_state"})
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode session state: %w", err)
	}
	return st, nil
}

func (s *cliSession) Messages(ctx context.Context) ([]json.RawMessage, error) {
	data, err := s.call(ctx, map[string]any{"type": "get_messages"})
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return out.Messages, nil
}

func (s *cliSession) Cwd() string         { return s.cwd }
func (s *cliSession) SessionFile() string { return s.sessionFile }

func (s *cliSession) Subscribe(listener func(event json.RawMessage)) func() {
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
			s.mu.Unlock()
		})
	}
}

// Dispose closes stdin so the child can exit cleanly, then escalates to
// a kill when it lingers past the grace period.
func (s *cliSession) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-s.exited:
	case <-time.After(disposeGraceTimeout):
		s.cancel()
		<-s.exited
	}
	return nil
}
