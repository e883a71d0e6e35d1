package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/metrics"
	"github.com/codelab/coderunner/pkg/network"
	"github.com/codelab/coderunner/pkg/orchestrator"
	"github.com/codelab/coderunner/pkg/pool"
)

// Server exposes the two execution surfaces and the read-only observability
// endpoints. The streaming channel and the one-shot call share the same
// orchestrator and the same per-request output cap.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	pool     *pool.Pool
	networks *network.Manager
	docker   *client.Client
	logger   zerolog.Logger

	httpSrv *http.Server

	mu      sync.Mutex
	streams map[string]*wsSession
}

func New(cfg *config.Config, orch *orchestrator.Orchestrator, p *pool.Pool, networks *network.Manager, docker *client.Client, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		orch:     orch,
		pool:     p,
		networks: networks,
		docker:   docker,
		logger:   logger,
		streams:  make(map[string]*wsSession),
	}
}

// HasOpenStream reports whether a streaming client is still connected for the
// session. The pool keeps such sessions' networks alive.
func (s *Server) HasOpenStream(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[sessionID] != nil
}

// Handler returns the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/statz", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.Handler(),
	}
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and closes live streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, ws := range s.streams {
		ws.close()
	}
	s.mu.Unlock()

	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type executeRequest struct {
	SessionID string              `json:"sessionId,omitempty"`
	Language  string              `json:"language"`
	EntryPath string              `json:"entryPath,omitempty"`
	Files     []orchestrator.File `json:"files"`
}

type executeResponse struct {
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exitCode"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
	Truncated       bool   `json:"truncated,omitempty"`
}

// handleExecute is the programmatic one-shot surface: submit, buffer in full
// (bounded), answer with the collected result.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed request body")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = newID()
	}

	buf := newEventBuffer()
	run := &orchestrator.Request{
		RequestID: newID(),
		SessionID: sessionID,
		Language:  req.Language,
		EntryPath: req.EntryPath,
		Files:     req.Files,
		Priority:  orchestrator.PriorityOneShot,
	}

	if err := s.orch.Submit(run, buf.sink); err != nil {
		code := errors.CodeOf(err)
		writeError(w, httpStatusFor(code), string(code), err.Error())
		return
	}

	// Worst case the task sits the whole queue timeout and then runs to its
	// execution limit.
	wait := s.cfg.QueueTimeout + s.cfg.InteractiveTimeout + 2*s.cfg.DockerCommandTimeout
	select {
	case ev := <-buf.terminal:
		if ev.Kind == orchestrator.EventError {
			writeError(w, httpStatusFor(ev.ErrCode), string(ev.ErrCode), ev.Message)
			return
		}
		stdout, stderr, truncated := buf.collect()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(executeResponse{
			Stdout:          stdout,
			Stderr:          stderr,
			ExitCode:        ev.Code,
			ExecutionTimeMs: ev.ExecutionTimeMs,
			Truncated:       truncated,
		})
	case <-time.After(wait):
		writeError(w, http.StatusGatewayTimeout, string(errors.CodeQueueTimeout), "no result within deadline")
	case <-r.Context().Done():
		s.orch.Stop(sessionID, run.RequestID)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"queue":    s.orch.Stats(),
		"pool":     s.pool.Stats(),
		"networks": s.networks.Stats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.docker != nil {
		if _, err := s.docker.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, string(errors.CodeRuntimeUnavailable), "container runtime unreachable")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// eventBuffer buffers a one-shot run's output, keeping the most recent
// fragments when the cap overflows.
type eventBuffer struct {
	mu        sync.Mutex
	events    []orchestrator.Event
	truncated bool
	terminal  chan orchestrator.Event
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{terminal: make(chan orchestrator.Event, 1)}
}

func (b *eventBuffer) sink(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventOutput:
		b.mu.Lock()
		b.events = append(b.events, ev)
		if len(b.events) > orchestrator.MaxBufferedEvents {
			// Overflow discards at the head.
			b.events = b.events[1:]
			b.truncated = true
		}
		b.mu.Unlock()
	default:
		select {
		case b.terminal <- ev:
		default:
		}
	}
}

func (b *eventBuffer) collect() (stdout, stderr string, truncated bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out, errOut []byte
	for _, ev := range b.events {
		if ev.Stream == orchestrator.StreamStderr {
			errOut = append(errOut, ev.Data...)
		} else {
			out = append(out, ev.Data...)
		}
	}
	return string(out), string(errOut), b.truncated
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}

func httpStatusFor(code errors.Code) int {
	switch code {
	case errors.CodeQueueFull, errors.CodeCapacity:
		return http.StatusTooManyRequests
	case errors.CodeInputTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.CodeLanguageUnsupported, errors.CodeConfigInvalid:
		return http.StatusBadRequest
	case errors.CodeQueueTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

// newID returns a hex-only identifier that fits docker object names.
func newID() string {
	id := uuid.New().String()
	out := make([]byte, 0, 32)
	for i := 0; i < len(id); i++ {
		if id[i] != '-' {
			out = append(out, id[i])
		}
	}
	return string(out)
}
