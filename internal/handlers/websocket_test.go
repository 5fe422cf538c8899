package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/hub"
	"github.com/ternarybob/integrator/internal/models"
)

type recordingWatchers struct {
	mu     sync.Mutex
	starts []string
}

func (r *recordingWatchers) Start(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, jobID)
	return true
}

func (r *recordingWatchers) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

func newStreamServer(t *testing.T, keepAlive time.Duration) (*hub.Hub, *recordingWatchers, string) {
	t.Helper()
	logger := arbor.NewLogger()

	subscriptions := hub.New(logger)
	watchers := &recordingWatchers{}
	handler := NewProgressStreamHandler(subscriptions, watchers, keepAlive, []string{"*"}, logger)

	router := chi.NewRouter()
	router.Get("/api/ws/mining-progress/{job_id}", handler.HandleProgressStream)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return subscriptions, watchers, "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/mining-progress/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(v))
}

func TestProgressStream_ConnectAttachesAndStartsWatcher(t *testing.T) {
	subscriptions, watchers, url := newStreamServer(t, 5*time.Second)
	conn := dial(t, url+"J1")

	var connected ConnectedFrame
	readJSON(t, conn, &connected)
	assert.Equal(t, ConnectedFrame{Status: "connected", Progress: 0, Message: "Connected to progress stream"}, connected)

	require.Eventually(t, func() bool { return subscriptions.Count("J1") == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(watchers.started()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"J1"}, watchers.started())
}

func TestProgressStream_DeliversBroadcasts(t *testing.T) {
	subscriptions, _, url := newStreamServer(t, 5*time.Second)
	conn := dial(t, url+"J1")

	var connected ConnectedFrame
	readJSON(t, conn, &connected)
	require.Eventually(t, func() bool { return subscriptions.Count("J1") == 1 }, time.Second, 5*time.Millisecond)

	for _, progress := range []int{10, 55, 100} {
		record := &models.ProgressRecord{JobID: "J1", Progress: progress, Status: models.ProgressRunning}
		assert.Equal(t, 1, subscriptions.Broadcast(context.Background(), "J1", record))
	}

	for _, want := range []int{10, 55, 100} {
		var record models.ProgressRecord
		readJSON(t, conn, &record)
		assert.Equal(t, want, record.Progress)
		assert.Equal(t, "J1", record.JobID)
	}
}

func TestProgressStream_PingPong(t *testing.T) {
	_, _, url := newStreamServer(t, 5*time.Second)
	conn := dial(t, url+"J1")

	var connected ConnectedFrame
	readJSON(t, conn, &connected)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))
}

func TestProgressStream_KeepAlive(t *testing.T) {
	_, _, url := newStreamServer(t, 50*time.Millisecond)
	conn := dial(t, url+"J1")

	var connected ConnectedFrame
	readJSON(t, conn, &connected)

	var frame KeepAliveFrame
	readJSON(t, conn, &frame)
	assert.Equal(t, KeepAliveFrame{Type: "keep-alive", Message: "Connection alive"}, frame)
}

func TestProgressStream_DisconnectDetaches(t *testing.T) {
	subscriptions, _, url := newStreamServer(t, 5*time.Second)

	first := dial(t, url+"J1")
	second := dial(t, url+"J1")
	var connected ConnectedFrame
	readJSON(t, first, &connected)
	readJSON(t, second, &connected)
	require.Eventually(t, func() bool { return subscriptions.Count("J1") == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, first.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	first.Close()
	assert.Eventually(t, func() bool { return subscriptions.Count("J1") == 1 }, 2*time.Second, 5*time.Millisecond)

	second.Close()
	assert.Eventually(t, func() bool { return subscriptions.Count("J1") == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, subscriptions.Jobs(), "J1")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://ui.example.com/"})

	req := httptest.NewRequest("GET", "/", nil)
	assert.True(t, check(req), "requests without an origin are accepted")

	req.Header.Set("Origin", "https://ui.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
	assert.True(t, originChecker(nil)(req))
}

func TestProgressStream_CancelledBroadcastKeepsConnection(t *testing.T) {
	subscriptions, _, url := newStreamServer(t, 5*time.Second)
	conn := dial(t, url+"J1")

	var connected ConnectedFrame
	readJSON(t, conn, &connected)
	require.Eventually(t, func() bool { return subscriptions.Count("J1") == 1 }, time.Second, 5*time.Millisecond)

	// A watcher stopped mid-broadcast leaves the observer attached
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	stale := &models.ProgressRecord{JobID: "J1", Progress: 10, Status: models.ProgressRunning}
	subscriptions.Broadcast(cancelled, "J1", stale)
	assert.Equal(t, 1, subscriptions.Count("J1"))

	// and a restarted watcher still reaches it
	fresh := &models.ProgressRecord{JobID: "J1", Progress: 55, Status: models.ProgressRunning}
	assert.Equal(t, 1, subscriptions.Broadcast(context.Background(), "J1", fresh))

	var record models.ProgressRecord
	readJSON(t, conn, &record)
	assert.Equal(t, 55, record.Progress)
}
