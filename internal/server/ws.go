package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/textlens/textlens/internal/queue"
	"github.com/textlens/textlens/internal/relay"
)

// WebSocket upgrader with reasonable defaults.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Surfaces connect from arbitrary page origins.
		return true
	},
}

const (
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
	outboundDepth = 64
)

// clientFrame is a message received from a connected surface.
type clientFrame struct {
	Type string `json:"type"`
	// SrcURL names the image to recognize (start_job) or answers a
	// get_last_image request (last_image).
	SrcURL string `json:"src_url,omitempty"`
	// Image carries inline image bytes for start_job, base64 over JSON.
	Image []byte `json:"image,omitempty"`
	// RequestID correlates a last_image answer with its request.
	RequestID string `json:"request_id,omitempty"`
}

// serverFrame is a control message sent to a surface. Job events are sent
// as bare relay events instead, distinguished by their type field.
type serverFrame struct {
	Type          string `json:"type"`
	SurfaceID     string `json:"surface_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

// session is one connected surface. It owns the write side of the
// connection; everything outbound goes through the outbound channel.
type session struct {
	id     string
	conn   *websocket.Conn
	server *Server

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	pendingLast map[string]chan string
	finished    map[string]bool
}

type sessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session)}
}

func (r *sessionRegistry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// sessionHandler upgrades the connection and runs a surface session until
// the peer goes away.
func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}

	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		server:      s,
		outbound:    make(chan []byte, outboundDepth),
		done:        make(chan struct{}),
		pendingLast: make(map[string]chan string),
		finished:    make(map[string]bool),
	}

	websocketConnections.Inc()
	defer websocketConnections.Dec()
	slog.Info("Surface connected", "surface_id", sess.id, "remote_addr", r.RemoteAddr)

	s.sessions.add(sess)
	s.relay.Register(relay.NewDestination(sess.id, sess.deliver))
	defer sess.close()

	sess.enqueueFrame(serverFrame{Type: "hello", SurfaceID: sess.id})

	go sess.writeLoop()
	sess.readLoop()
}

// close tears the session down exactly once: the relay stops seeing it, the
// write loop exits and the connection closes.
func (sess *session) close() {
	sess.closeOnce.Do(func() {
		sess.server.relay.Unregister(sess.id)
		sess.server.sessions.remove(sess.id)
		close(sess.done)
		_ = sess.conn.Close()
		slog.Info("Surface disconnected", "surface_id", sess.id)
	})
}

// deliver enqueues a job event for the surface. Events for jobs that have
// already reached a terminal state are dropped so a late relay never
// resurrects a finished job on the receiving side.
func (sess *session) deliver(e relay.Event) error {
	sess.mu.Lock()
	if sess.finished[e.CorrelationID] {
		sess.mu.Unlock()
		return nil
	}
	if e.Terminal() {
		sess.finished[e.CorrelationID] = true
	}
	sess.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return sess.enqueue(data)
}

func (sess *session) enqueueFrame(f serverFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("Failed to marshal frame", "error", err)
		return
	}
	if err := sess.enqueue(data); err != nil {
		slog.Debug("Dropping frame for gone surface", "surface_id", sess.id)
	}
}

var errSessionGone = errors.New("session closed")

func (sess *session) enqueue(data []byte) error {
	select {
	case <-sess.done:
		return errSessionGone
	case sess.outbound <- data:
		return nil
	default:
		// A stalled surface must not block the job worker.
		return errSessionGone
	}
}

// writeLoop is the sole writer on the connection. It interleaves outbound
// frames with keepalive pings.
func (sess *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.outbound:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sess.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sess.close()
				return
			}
			websocketMessagesTotal.WithLabelValues("sent").Inc()
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				sess.close()
				return
			}
		}
	}
}

func (sess *session) readLoop() {
	_ = sess.conn.SetReadDeadline(time.Now().Add(readDeadline))
	sess.conn.SetPongHandler(func(string) error {
		_ = sess.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Error("WebSocket error", "surface_id", sess.id, "error", err)
			}
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(readDeadline))

		websocketMessagesTotal.WithLabelValues("received").Inc()
		if messageType == websocket.TextMessage {
			sess.handleFrame(data)
		}
	}
}

func (sess *session) handleFrame(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		sess.enqueueFrame(serverFrame{Type: "error", Error: "invalid frame: " + err.Error()})
		return
	}

	switch frame.Type {
	case "start_job":
		sess.startJob(frame)
	case "last_image":
		sess.resolveLastImage(frame)
	default:
		sess.enqueueFrame(serverFrame{Type: "error", Error: "unsupported frame type: " + frame.Type})
	}
}

// startJob enqueues a recognition job addressed back to this surface.
func (sess *session) startJob(frame clientFrame) {
	var job queue.Job
	switch {
	case len(frame.Image) > 0:
		job = queue.NewInlineJob(frame.Image, sess.id)
	case frame.SrcURL != "":
		job = queue.NewJob(frame.SrcURL, sess.id)
	default:
		sess.enqueueFrame(serverFrame{Type: "error", Error: "start_job needs src_url or image"})
		return
	}

	if err := sess.server.scheduler.Submit(job); err != nil {
		sess.enqueueFrame(serverFrame{Type: "error", Error: "job rejected: " + err.Error()})
		return
	}
	sess.enqueueFrame(serverFrame{Type: "job_accepted", CorrelationID: job.CorrelationID})
}

// requestLastImage asks the surface which image was interacted with last and
// waits for the answer.
func (sess *session) requestLastImage(timeout time.Duration) (string, error) {
	requestID := uuid.NewString()
	answer := make(chan string, 1)

	sess.mu.Lock()
	sess.pendingLast[requestID] = answer
	sess.mu.Unlock()
	defer func() {
		sess.mu.Lock()
		delete(sess.pendingLast, requestID)
		sess.mu.Unlock()
	}()

	sess.enqueueFrame(serverFrame{Type: "get_last_image", RequestID: requestID})

	select {
	case src := <-answer:
		return src, nil
	case <-sess.done:
		return "", errSessionGone
	case <-time.After(timeout):
		return "", errors.New("timed out")
	}
}

func (sess *session) resolveLastImage(frame clientFrame) {
	sess.mu.Lock()
	answer, ok := sess.pendingLast[frame.RequestID]
	sess.mu.Unlock()
	if !ok {
		return
	}
	select {
	case answer <- frame.SrcURL:
	default:
	}
}
