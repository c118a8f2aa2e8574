package oauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphone/agent-host/internal/agent"
)

// pollUntil polls until the predicate accepts a result or the deadline
// expires. Login routines run on background goroutines, so tests
// observe them the way a real caller does.
func pollUntil(t *testing.T, c *Controller, sessionID string, pred func(PollResult) bool) PollResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var collected []Update
	for time.Now().Before(deadline) {
		res := c.Poll(sessionID)
		collected = append(collected, res.Updates...)
		res.Updates = collected
		if pred(res) {
			return res
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("poll condition never met for session %s", sessionID)
	return PollResult{}
}

func hasUpdate(updates []Update, typ string) *Update {
	for i := range updates {
		if updates[i].Type == typ {
			return &updates[i]
		}
	}
	return nil
}

func TestStartRejectsUnknownProvider(t *testing.T) {
	double := agent.NewDouble()
	c := NewController(double, double)

	err := c.Start("s-1", "ghost")
	require.Error(t, err)
	assert.Equal(t, "Unknown OAuth provider: ghost", err.Error())
}

func TestSuccessfulFlowCompletesAndRefreshesModels(t *testing.T) {
	double := agent.NewDouble()
	double.LoginFn = func(_ context.Context, _ string, hooks agent.LoginHooks) error {
		hooks.OnAuth(agent.AuthInfo{URL: "https://auth.example/device", Instructions: "visit the link"})
		hooks.OnProgress("exchanging token")
		return nil
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))

	res := pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusCompleted })
	assert.Equal(t, "acme", res.Provider)

	auth := hasUpdate(res.Updates, "auth")
	require.NotNil(t, auth)
	assert.Equal(t, "https://auth.example/device", auth.URL)

	complete := hasUpdate(res.Updates, "complete")
	require.NotNil(t, complete)
	require.NotNil(t, complete.Success)
	assert.True(t, *complete.Success)
	assert.Equal(t, 1, double.RefreshCalls())
}

func TestFailedFlowCarriesErrorAndSkipsRefresh(t *testing.T) {
	double := agent.NewDouble()
	double.LoginFn = func(context.Context, string, agent.LoginHooks) error {
		return errors.New("token exchange rejected")
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))

	res := pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusFailed })
	complete := hasUpdate(res.Updates, "complete")
	require.NotNil(t, complete)
	assert.False(t, *complete.Success)
	assert.Equal(t, "token exchange rejected", complete.Error)
	assert.Equal(t, 0, double.RefreshCalls())
}

func TestPromptSuspendsUntilSubmit(t *testing.T) {
	got := make(chan string, 1)
	double := agent.NewDouble()
	double.LoginFn = func(_ context.Context, _ string, hooks agent.LoginHooks) error {
		input, err := hooks.OnPrompt(agent.InputRequest{Message: "paste the redirect URL"})
		if err != nil {
			return err
		}
		got <- input
		return nil
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))

	res := pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusAwaitingInput })
	prompt := hasUpdate(res.Updates, "prompt")
	require.NotNil(t, prompt)
	assert.Equal(t, "paste the redirect URL", prompt.Message)
	require.NotNil(t, prompt.AllowEmpty)
	assert.False(t, *prompt.AllowEmpty)

	require.NoError(t, c.Submit("s-1", "https://app.example/callback?code=ok"))

	select {
	case input := <-got:
		assert.Equal(t, "https://app.example/callback?code=ok", input)
	case <-time.After(2 * time.Second):
		t.Fatal("login routine never received the submitted input")
	}

	pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusCompleted })
}

func TestSubmitWithoutPendingInputFails(t *testing.T) {
	double := agent.NewDouble()
	c := NewController(double, double)

	err := c.Submit("s-1", "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No pending input request")
}

func TestSubmitEmptyInputRejectedUnlessAllowed(t *testing.T) {
	double := agent.NewDouble()
	double.LoginFn = func(_ context.Context, _ string, hooks agent.LoginHooks) error {
		_, err := hooks.OnPrompt(agent.InputRequest{Message: "code?", AllowEmpty: false})
		return err
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))
	pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusAwaitingInput })

	err := c.Submit("s-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be empty")

	// The prompt is still pending after the rejected submit.
	require.NoError(t, c.Submit("s-1", "abc123"))
}

func TestSecondConcurrentPromptIsRejected(t *testing.T) {
	firstPending := make(chan struct{})
	secondDone := make(chan error, 1)
	double := agent.NewDouble()
	double.LoginFn = func(_ context.Context, _ string, hooks agent.LoginHooks) error {
		go func() {
			<-firstPending
			_, err := hooks.OnPrompt(agent.InputRequest{Message: "second"})
			secondDone <- err
		}()
		_, err := hooks.OnPrompt(agent.InputRequest{Message: "first"})
		return err
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))
	pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusAwaitingInput })
	close(firstPending)

	select {
	case err := <-secondDone:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "another request was pending")
	case <-time.After(2 * time.Second):
		t.Fatal("second prompt was never rejected")
	}

	// The first prompt is still serviceable.
	require.NoError(t, c.Submit("s-1", "abc123"))
	pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusCompleted })
}

func TestCancelUnwindsPendingPrompt(t *testing.T) {
	double := agent.NewDouble()
	double.LoginFn = func(ctx context.Context, _ string, hooks agent.LoginHooks) error {
		_, err := hooks.OnPrompt(agent.InputRequest{Message: "code?"})
		return err
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))
	pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusAwaitingInput })

	require.NoError(t, c.Cancel("s-1"))

	res := pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusCancelled })
	complete := hasUpdate(res.Updates, "complete")
	require.NotNil(t, complete)
	assert.False(t, *complete.Success)
	assert.Equal(t, "Login cancelled", complete.Error)
}

func TestCancelWithoutFlowFails(t *testing.T) {
	double := agent.NewDouble()
	c := NewController(double, double)

	err := c.Cancel("s-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No active OAuth flow")
}

func TestPollDrainsOnceAndEvictsTerminalFlow(t *testing.T) {
	double := agent.NewDouble()
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))
	pollUntil(t, c, "s-1", func(r PollResult) bool {
		return r.Status == StatusCompleted && hasUpdate(r.Updates, "complete") != nil
	})

	// Terminal with an empty buffer: the record is gone.
	res := c.Poll("s-1")
	assert.Equal(t, StatusIdle, res.Status)
	assert.Empty(t, res.Updates)

	// A fresh login can now start for the same session.
	require.NoError(t, c.Start("s-1", "acme"))
}

func TestPollUnknownSessionIsIdle(t *testing.T) {
	c := NewController(agent.NewDouble(), agent.NewDouble())
	res := c.Poll("nobody")
	assert.Equal(t, StatusIdle, res.Status)
	require.NotNil(t, res.Updates)
	assert.Empty(t, res.Updates)
}

func TestStartRejectsConcurrentFlowForSameSession(t *testing.T) {
	release := make(chan struct{})
	double := agent.NewDouble()
	double.LoginFn = func(ctx context.Context, _ string, _ agent.LoginHooks) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))
	err := c.Start("s-1", "acme")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in progress")

	// Other sessions are unaffected.
	require.NoError(t, c.Start("s-2", "acme"))
	close(release)
}

func TestLogoutRefreshesModels(t *testing.T) {
	double := agent.NewDouble()
	c := NewController(double, double)

	require.NoError(t, c.Logout("acme"))
	assert.Equal(t, 1, double.RefreshCalls())
}

func TestLogoutErrorPropagates(t *testing.T) {
	double := agent.NewDouble()
	double.LogoutErr = errors.New("no stored credentials")
	c := NewController(double, double)

	err := c.Logout("acme")
	require.Error(t, err)
	assert.Equal(t, 0, double.RefreshCalls())
}

func TestDiscardForgetsFlow(t *testing.T) {
	double := agent.NewDouble()
	double.LoginFn = func(ctx context.Context, _ string, hooks agent.LoginHooks) error {
		_, err := hooks.OnPrompt(agent.InputRequest{Message: "code?"})
		return err
	}
	c := NewController(double, double)

	require.NoError(t, c.Start("s-1", "acme"))
	pollUntil(t, c, "s-1", func(r PollResult) bool { return r.Status == StatusAwaitingInput })

	c.Discard("s-1")
	res := c.Poll("s-1")
	assert.Equal(t, StatusIdle, res.Status)
}
