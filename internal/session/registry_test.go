package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphone/agent-host/internal/agent"
)

type eventSink struct {
	mu     sync.Mutex
	events []taggedEvent
}

type taggedEvent struct {
	sessionID string
	event     json.RawMessage
}

func (s *eventSink) emit(sessionID string, event json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, taggedEvent{sessionID, event})
}

func (s *eventSink) all() []taggedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]taggedEvent(nil), s.events...)
}

func TestCreateAssignsIDAndRegisters(t *testing.T) {
	double := agent.NewDouble()
	reg := NewRegistry(double, (&eventSink{}).emit, 0)

	res, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	assert.Equal(t, 1, reg.Len())

	h, err := reg.Get(res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.Cwd, h.Cwd)
}

func TestCreateRejectsMissingCwd(t *testing.T) {
	reg := NewRegistry(agent.NewDouble(), (&eventSink{}).emit, 0)

	_, err := reg.Create(context.Background(), CreateParams{Cwd: ""})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cwd must be a non-empty string")

	_, err = reg.Create(context.Background(), CreateParams{Cwd: "/no/such/dir/anywhere"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Equal(t, 0, reg.Len())
}

func TestCreateRejectsFileAsCwd(t *testing.T) {
	reg := NewRegistry(agent.NewDouble(), (&eventSink{}).emit, 0)

	f := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))

	_, err := reg.Create(context.Background(), CreateParams{Cwd: f})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestCreateDuplicateIDReturnsExisting(t *testing.T) {
	double := agent.NewDouble()
	reg := NewRegistry(double, (&eventSink{}).emit, 0)
	dir := t.TempDir()

	first, err := reg.Create(context.Background(), CreateParams{SessionID: "s-1", Cwd: dir})
	require.NoError(t, err)

	second, err := reg.Create(context.Background(), CreateParams{SessionID: "s-1", Cwd: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Cwd, second.Cwd)
	assert.Equal(t, 1, reg.Len())
	assert.Len(t, double.Sessions(), 1)
}

func TestCreateModelSelectionFailureTearsDown(t *testing.T) {
	double := agent.NewDouble()
	double.SetModelErr = errors.New("no such model")
	reg := NewRegistry(double, (&eventSink{}).emit, 0)

	_, err := reg.Create(context.Background(), CreateParams{
		Cwd:      t.TempDir(),
		Provider: "acme",
		ModelID:  "acme-large",
	})
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())

	sessions := double.Sessions()
	require.Len(t, sessions, 1)
	assert.True(t, sessions[0].Disposed())
}

func TestCreateRestoredSessionUsesReportedCwd(t *testing.T) {
	restored := t.TempDir()
	double := agent.NewDouble()
	double.RestoredCwd = restored
	reg := NewRegistry(double, (&eventSink{}).emit, 0)

	sf := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(sf, []byte("{}"), 0o644))

	res, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir(), SessionFile: sf})
	require.NoError(t, err)
	assert.Equal(t, restored, res.Cwd)
	assert.Equal(t, sf, res.SessionFile)
}

func TestCreateRejectsMissingSessionFile(t *testing.T) {
	reg := NewRegistry(agent.NewDouble(), (&eventSink{}).emit, 0)

	_, err := reg.Create(context.Background(), CreateParams{
		Cwd:         t.TempDir(),
		SessionFile: "/no/such/session.json",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session file does not exist")
}

func TestCreateEnforcesSessionLimit(t *testing.T) {
	reg := NewRegistry(agent.NewDouble(), (&eventSink{}).emit, 1)

	_, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
	require.NoError(t, err)

	_, err = reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maximum session limit")
}

func TestEventsAreTaggedWithSessionID(t *testing.T) {
	double := agent.NewDouble()
	sink := &eventSink{}
	reg := NewRegistry(double, sink.emit, 0)

	a, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
	require.NoError(t, err)
	b, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
	require.NoError(t, err)
	require.NotEqual(t, a.SessionID, b.SessionID)

	sessions := double.Sessions()
	require.Len(t, sessions, 2)
	sessions[0].Emit(json.RawMessage(`{"type":"message_delta"}`))
	sessions[1].Emit(json.RawMessage(`{"type":"agent_start"}`))

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, a.SessionID, events[0].sessionID)
	assert.Equal(t, b.SessionID, events[1].sessionID)
}

func TestCloseUnsubscribesBeforeDispose(t *testing.T) {
	double := agent.NewDouble()
	sink := &eventSink{}
	reg := NewRegistry(double, sink.emit, 0)

	res, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, reg.Close(res.SessionID))

	sess := double.Sessions()[0]
	assert.True(t, sess.Disposed())
	assert.Equal(t, 1, sess.UnsubscribeCalls())
	assert.Equal(t, 0, sess.ListenerCount())

	// Late events from a closed session go nowhere.
	sess.Emit(json.RawMessage(`{"type":"agent_end"}`))
	assert.Empty(t, sink.all())

	assert.Equal(t, 0, reg.Len())
	_, err = reg.Get(res.SessionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown sessionId")
}

func TestCloseUnknownID(t *testing.T) {
	reg := NewRegistry(agent.NewDouble(), (&eventSink{}).emit, 0)
	err := reg.Close("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown sessionId: ghost")
}

func TestCloseAllDisposesEverySession(t *testing.T) {
	double := agent.NewDouble()
	reg := NewRegistry(double, (&eventSink{}).emit, 0)

	for i := 0; i < 3; i++ {
		_, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
		require.NoError(t, err)
	}
	reg.CloseAll()

	assert.Equal(t, 0, reg.Len())
	for _, s := range double.Sessions() {
		assert.True(t, s.Disposed())
	}
}

func TestListSortedByCreation(t *testing.T) {
	double := agent.NewDouble()
	reg := NewRegistry(double, (&eventSink{}).emit, 0)

	var ids []string
	for i := 0; i < 3; i++ {
		res, err := reg.Create(context.Background(), CreateParams{Cwd: t.TempDir()})
		require.NoError(t, err)
		ids = append(ids, res.SessionID)
	}
	double.Sessions()[1].SetStreaming(true)

	infos := reg.List(context.Background())
	require.Len(t, infos, 3)
	for i, info := range infos {
		assert.Equal(t, ids[i], info.SessionID)
		assert.NotEmpty(t, info.CreatedAt)
	}
	assert.True(t, infos[1].Busy)
	assert.False(t, infos[0].Busy)
}
