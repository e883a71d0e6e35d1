package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/orchestrator"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsSession is one streaming client: a single writer goroutine owns the
// connection, the read loop is the sole disconnect trigger.
type wsSession struct {
	id   string
	conn *websocket.Conn

	out  chan any
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	sent     map[string]int  // requestID -> forwarded output events
	overflow map[string]bool // requestID -> TRUNCATED already emitted
}

func newWSSession(id string, conn *websocket.Conn) *wsSession {
	return &wsSession{
		id:       id,
		conn:     conn,
		out:      make(chan any, 256),
		done:     make(chan struct{}),
		sent:     make(map[string]int),
		overflow: make(map[string]bool),
	}
}

func (ws *wsSession) close() {
	ws.once.Do(func() {
		close(ws.done)
		ws.conn.Close()
	})
}

func (ws *wsSession) writeLoop() {
	for {
		select {
		case frame := <-ws.out:
			if err := ws.conn.WriteJSON(frame); err != nil {
				ws.close()
				return
			}
		case <-ws.done:
			return
		}
	}
}

// send queues a frame. Terminal frames block until delivered or the
// connection dies; output frames are dropped when the client cannot keep up.
func (ws *wsSession) send(frame any, terminal bool) {
	if terminal {
		select {
		case ws.out <- frame:
		case <-ws.done:
		}
		return
	}
	select {
	case ws.out <- frame:
	case <-ws.done:
	default:
	}
}

// sink adapts orchestrator events to wire frames, enforcing the per-request
// output cap with a one-time TRUNCATED marker.
func (ws *wsSession) sink(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventOutput:
		ws.mu.Lock()
		ws.sent[ev.RequestID]++
		if ws.sent[ev.RequestID] > orchestrator.MaxBufferedEvents {
			first := !ws.overflow[ev.RequestID]
			ws.overflow[ev.RequestID] = true
			ws.mu.Unlock()
			if first {
				ws.send(OutputFrame{
					Type:      "output",
					SessionID: ev.SessionID,
					RequestID: ev.RequestID,
					Stream:    string(orchestrator.StreamSystem),
					Data:      orchestrator.TruncatedMarker,
				}, false)
			}
			return
		}
		ws.mu.Unlock()
		ws.send(frameFor(ev), false)
	default:
		ws.mu.Lock()
		delete(ws.sent, ev.RequestID)
		delete(ws.overflow, ev.RequestID)
		ws.mu.Unlock()
		ws.send(frameFor(ev), true)
	}
}

// handleWS upgrades the connection, assigns the session identifier, and runs
// the read loop until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID := newID()
	ws := newWSSession(sessionID, conn)

	s.mu.Lock()
	s.streams[sessionID] = ws
	s.mu.Unlock()

	go ws.writeLoop()
	ws.send(SessionFrame{Type: "session", SessionID: sessionID}, true)

	logger := s.logger.With().Str("session_id", sessionID).Logger()
	logger.Info().Msg("client connected")

	for {
		var frame IncomingFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		s.handleFrame(ws, frame)
	}

	s.mu.Lock()
	delete(s.streams, sessionID)
	s.mu.Unlock()
	ws.close()

	logger.Info().Msg("client disconnected")
	s.orch.OnDisconnect(sessionID)
}

func (s *Server) handleFrame(ws *wsSession, frame IncomingFrame) {
	switch frame.Type {
	case "run":
		requestID := frame.RequestID
		if requestID == "" {
			requestID = newID()
		}
		req := &orchestrator.Request{
			RequestID: requestID,
			SessionID: ws.id,
			Language:  frame.Language,
			EntryPath: frame.EntryPath,
			Files:     frame.Files,
			Priority:  orchestrator.PriorityInteractive,
		}
		if err := s.orch.Submit(req, ws.sink); err != nil {
			ws.send(ErrorFrame{
				Type:      "error",
				SessionID: ws.id,
				RequestID: requestID,
				Code:      string(errors.CodeOf(err)),
				Message:   err.Error(),
			}, true)
		}

	case "input":
		s.orch.SendInput(ws.id, frame.RequestID, []byte(frame.Data))

	case "stop":
		s.orch.Stop(ws.id, frame.RequestID)

	default:
		ws.send(ErrorFrame{
			Type:      "error",
			SessionID: ws.id,
			Message:   "unknown frame type",
		}, false)
	}
}
