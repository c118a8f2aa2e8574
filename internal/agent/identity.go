package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"sync"
)

// CLIIdentity implements CredentialStore and ModelRegistry by shelling
// out to the agent CLI's auth and model subcommands. One instance is
// shared host-wide so a login in any session is visible to all.
type CLIIdentity struct {
	binary string

	mu        sync.RWMutex
	providers []Provider
	models    []ModelInfo
}

// NewCLIIdentity returns a store backed by the given binary, or the
// default agent binary when empty.
func NewCLIIdentity(binary string) *CLIIdentity {
	if binary == "" {
		binary = defaultBinary
	}
	return &CLIIdentity{binary: binary}
}

// Providers returns the last known provider listing, refreshing it
// first on a best-effort basis.
func (c *CLIIdentity) Providers() []Provider {
	out, err := exec.Command(c.binary, "auth", "list", "--json").Output()
	if err != nil {
		log.Printf("auth list failed, using cached providers: %v", err)
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.providers
	}

	var providers []Provider
	if err := json.Unmarshal(out, &providers); err != nil {
		log.Printf("auth list returned malformed JSON: %v", err)
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.providers
	}

	c.mu.Lock()
	c.providers = providers
	c.mu.Unlock()
	return providers
}

// loginEvent is one NDJSON line on the login subprocess's stdout.
type loginEvent struct {
	Type         string `json:"type"`
	URL          string `json:"url"`
	Instructions string `json:"instructions"`
	Message      string `json:"message"`
	Placeholder  string `json:"placeholder"`
	AllowEmpty   bool   `json:"allowEmpty"`
	InputType    string `json:"inputType"`
	Success      bool   `json:"success"`
	Error        string `json:"error"`
}

// Login drives `auth login` for one provider. The subprocess reports
// auth/prompt/progress steps as NDJSON; prompt answers are written back
// on its stdin. Cancelling the context kills the subprocess.
func (c *CLIIdentity) Login(ctx context.Context, providerID string, hooks LoginHooks) error {
	cmd := exec.CommandContext(ctx, c.binary, "auth", "login", providerID, "--no-browser", "--json")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create login stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create login stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	var flowErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		var ev loginEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "auth":
			if hooks.OnAuth != nil {
				hooks.OnAuth(AuthInfo{URL: ev.URL, Instructions: ev.Instructions})
			}
		case "progress":
			if hooks.OnProgress != nil {
				hooks.OnProgress(ev.Message)
			}
		case "prompt":
			if hooks.OnPrompt == nil {
				flowErr = errors.New("login requires input but no prompt handler is available")
			} else {
				input, perr := hooks.OnPrompt(InputRequest{
					Message:     ev.Message,
					Placeholder: ev.Placeholder,
					AllowEmpty:  ev.AllowEmpty,
					InputType:   ev.InputType,
				})
				if perr != nil {
					flowErr = perr
				} else if _, werr := fmt.Fprintln(stdin, input); werr != nil {
					flowErr = fmt.Errorf("write login input: %w", werr)
				}
			}
		case "complete":
			if !ev.Success && ev.Error != "" {
				flowErr = errors.New(ev.Error)
			}
		}

		if flowErr != nil {
			break
		}
	}

	stdin.Close()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if flowErr != nil {
		return flowErr
	}
	if waitErr != nil {
		return fmt.Errorf("login failed: %w", waitErr)
	}
	return nil
}

// Logout drops credentials for one provider.
func (c *CLIIdentity) Logout(providerID string) error {
	out, err := exec.Command(c.binary, "auth", "logout", providerID).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("logout failed: %s", msg)
	}
	return nil
}

// Available returns the cached model listing.
func (c *CLIIdentity) Available() []ModelInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models
}

// Refresh re-queries the model listing, picking up models newly
// unlocked (or lost) by credential changes.
func (c *CLIIdentity) Refresh() error {
	out, err := exec.Command(c.binary, "models", "--json").Output()
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	var models []ModelInfo
	if err := json.Unmarshal(out, &models); err != nil {
		return fmt.Errorf("decode model listing: %w", err)
	}

	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	return nil
}
