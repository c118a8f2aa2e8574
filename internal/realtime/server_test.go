package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferChronologicalOrder(t *testing.T) {
	rb := newRingBuffer(3)
	rb.Write([]byte("a"))
	rb.Write([]byte("b"))

	lines := rb.ReadAll()
	require.Len(t, lines, 2)
	assert.Equal(t, "a", string(lines[0]))
	assert.Equal(t, "b", string(lines[1]))

	rb.Write([]byte("c"))
	rb.Write([]byte("d")) // overwrites "a"

	lines = rb.ReadAll()
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{
		string(lines[0]), string(lines[1]), string(lines[2]),
	})
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestBroadcastReachesClients(t *testing.T) {
	s := New(nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	defer conn.Close()

	// Wait until the server has registered the client.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.clientsMu.RLock()
		n := len(s.clients)
		s.clientsMu.RUnlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Broadcast([]byte(`{"type":"response","command":"ping","success":true}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"command":"ping"`)
}

func TestNewClientReceivesHistory(t *testing.T) {
	s := New(nil, nil)
	s.Broadcast([]byte(`{"seq":1}`))
	s.Broadcast([]byte(`{"seq":2}`))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"seq":1}`, string(first))

	_, second, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"seq":2}`, string(second))
}

func TestClientLinesAreSubmitted(t *testing.T) {
	var mu sync.Mutex
	var submitted []string
	s := New(func(line []byte) {
		mu.Lock()
		submitted = append(submitted, string(line))
		mu.Unlock()
	}, nil)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(submitted)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, submitted, 1)
	assert.Equal(t, `{"type":"ping"}`, submitted[0])
}

func TestHealthz(t *testing.T) {
	s := New(nil, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
