package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/common"
)

const (
	DefaultKeepAlive = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// ConnectedFrame is the first frame sent on every progress stream
type ConnectedFrame struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

// KeepAliveFrame is sent when a stream has been idle for the keep-alive window
type KeepAliveFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ProgressStreamHandler serves per-job progress streams over WebSocket
type ProgressStreamHandler struct {
	hub       SubscriptionHub
	watchers  WatchStarter
	keepAlive time.Duration
	upgrader  websocket.Upgrader
	logger    arbor.ILogger
}

// NewProgressStreamHandler creates the handler. An origin list containing
// "*" (or an empty list) accepts any origin.
func NewProgressStreamHandler(hub SubscriptionHub, watchers WatchStarter, keepAlive time.Duration, allowedOrigins []string, logger arbor.ILogger) *ProgressStreamHandler {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}

	return &ProgressStreamHandler{
		hub:       hub,
		watchers:  watchers,
		keepAlive: keepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(origin, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return len(set) == 0 || set["*"] || origin == "" || set[origin]
	}
}

// HandleProgressStream attaches the connection as an observer of the job
// GET /api/ws/mining-progress/{job_id}
func (h *ProgressStreamHandler) HandleProgressStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := common.ValidateJobID(jobID); err != nil {
		WriteServiceError(w, h.logger, err, "Invalid job id")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("WebSocket upgrade failed")
		return
	}

	obs := newWSObserver(conn)
	defer conn.Close()

	ctx := context.Background()
	connected := ConnectedFrame{Status: "connected", Progress: 0, Message: "Connected to progress stream"}
	if err := obs.Send(ctx, connected); err != nil {
		h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress observer left before attach")
		return
	}

	observers := h.hub.Attach(jobID, obs)
	defer h.hub.Detach(jobID, obs)

	h.watchers.Start(jobID)

	h.logger.Debug().
		Str("job_id", jobID).
		Str("observer_id", obs.ID()).
		Int("observers", observers).
		Msg("Progress observer connected")

	h.serve(ctx, jobID, obs)

	h.logger.Debug().
		Str("job_id", jobID).
		Str("observer_id", obs.ID()).
		Msg("Progress observer disconnected")
}

// serve answers client pings and keeps the connection warm until the
// client goes away or a write fails
func (h *ProgressStreamHandler) serve(ctx context.Context, jobID string, obs *wsObserver) {
	frames := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	common.SafeGo(h.logger, "ws-reader-"+obs.ID(), func() {
		for {
			_, data, err := obs.conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- string(data):
			case <-done:
				return
			}
		}
	})

	timer := time.NewTimer(h.keepAlive)
	defer timer.Stop()

	for {
		select {
		case frame := <-frames:
			obs.touch()
			if strings.TrimSpace(frame) == "ping" {
				if err := obs.sendText("pong"); err != nil {
					return
				}
			}

		case err := <-readErr:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Progress stream read ended")
			}
			return

		case <-timer.C:
			// Events delivered by the hub count as activity
			if idle := obs.idle(); idle < h.keepAlive {
				timer.Reset(h.keepAlive - idle)
				continue
			}
			frame := KeepAliveFrame{Type: "keep-alive", Message: "Connection alive"}
			if err := obs.Send(ctx, frame); err != nil {
				h.logger.Debug().Err(err).Str("job_id", jobID).Msg("Keep-alive send failed")
				return
			}
			timer.Reset(h.keepAlive)
		}
	}
}

// wsObserver is a hub observer backed by a WebSocket connection. Writes are
// serialized; gorilla connections support one concurrent writer.
type wsObserver struct {
	id   string
	conn *websocket.Conn

	mu           sync.Mutex
	lastActivity atomic.Int64
}

func newWSObserver(conn *websocket.Conn) *wsObserver {
	obs := &wsObserver{id: common.NewObserverID(), conn: conn}
	obs.touch()
	return obs
}

func (o *wsObserver) ID() string {
	return o.id
}

// Send writes event as a JSON text frame
func (o *wsObserver) Send(ctx context.Context, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return o.write(ctx, data)
}

func (o *wsObserver) sendText(text string) error {
	return o.write(context.Background(), []byte(text))
}

func (o *wsObserver) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	o.conn.SetWriteDeadline(deadline)

	if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	o.touch()
	return nil
}

func (o *wsObserver) touch() {
	o.lastActivity.Store(time.Now().UnixNano())
}

func (o *wsObserver) idle() time.Duration {
	return time.Since(time.Unix(0, o.lastActivity.Load()))
}
