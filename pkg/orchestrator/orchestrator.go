package orchestrator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/metrics"
)

// Backend executes one request inside a container and reports through the
// task. The docker implementation lives in backend.go; tests substitute their
// own.
type Backend interface {
	Run(ctx context.Context, task *RunningTask)
}

// RunningTask is the live state of a dispatched request: its event emission
// (with the exactly-one-terminal guarantee) and the control handles the
// backend registers for stdin and stop.
type RunningTask struct {
	Req  *Request
	sink Sink

	mu            sync.Mutex
	terminalSent  bool
	stdin         io.Writer
	stopFn        func()
	stopRequested bool

	cancel context.CancelFunc
}

// Emit forwards an event to the client. Output after the terminal event is
// dropped; only the first terminal event wins.
func (t *RunningTask) Emit(ev Event) {
	ev.SessionID = t.Req.SessionID
	ev.RequestID = t.Req.RequestID

	t.mu.Lock()
	if t.terminalSent {
		t.mu.Unlock()
		return
	}
	if ev.Kind == EventExit || ev.Kind == EventError {
		t.terminalSent = true
	}
	t.mu.Unlock()

	t.sink(ev)
}

// EmitOutput is a convenience wrapper for stream fragments.
func (t *RunningTask) EmitOutput(stream Stream, data string) {
	t.Emit(Event{Kind: EventOutput, Stream: stream, Data: data})
}

// EmitExit emits the terminal exit event.
func (t *RunningTask) EmitExit(code int, reason string, elapsed time.Duration) {
	t.Emit(Event{Kind: EventExit, Code: code, Reason: reason, ExecutionTimeMs: elapsed.Milliseconds()})
}

// EmitError emits a terminal error event.
func (t *RunningTask) EmitError(code errors.Code, message string) {
	t.Emit(Event{Kind: EventError, ErrCode: code, Message: message})
}

// BindStdin registers the writer that SendInput forwards to.
func (t *RunningTask) BindStdin(w io.Writer) {
	t.mu.Lock()
	t.stdin = w
	t.mu.Unlock()
}

// BindStopper registers the backend's kill sequence.
func (t *RunningTask) BindStopper(fn func()) {
	t.mu.Lock()
	t.stopFn = fn
	t.mu.Unlock()
}

// WriteInput forwards client bytes to the process stdin. Dropped when no
// stdin is bound yet.
func (t *RunningTask) WriteInput(data []byte) {
	t.mu.Lock()
	w := t.stdin
	t.mu.Unlock()
	if w != nil {
		_, _ = w.Write(data)
	}
}

// RequestStop triggers the kill sequence once. Safe to call repeatedly.
func (t *RunningTask) RequestStop() {
	t.mu.Lock()
	if t.stopRequested {
		t.mu.Unlock()
		return
	}
	t.stopRequested = true
	fn := t.stopFn
	t.mu.Unlock()

	if fn != nil {
		go fn()
	}
}

// StopRequested reports whether the client asked this run to stop.
func (t *RunningTask) StopRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopRequested
}

// Stats is the queue/dispatch snapshot for the observability surface.
type Stats struct {
	QueueDepth  int `json:"queueDepth"`
	ActiveCount int `json:"activeCount"`
}

// Orchestrator owns admission and dispatch: one bounded priority queue, one
// single-threaded scheduling loop, parallel task execution.
type Orchestrator struct {
	cfg     *config.Config
	backend Backend
	logger  zerolog.Logger

	// teardown destroys a session's containers and network; installed at
	// wiring time so this package holds no pool reference.
	teardown func(sessionID string)

	mu          sync.Mutex
	queue       *taskQueue
	activeCount int
	active      map[string]map[string]*RunningTask
	closed      bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func New(cfg *config.Config, backend Backend, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		backend:  backend,
		logger:   logger,
		teardown: func(string) {},
		queue:    newTaskQueue(),
		active:   make(map[string]map[string]*RunningTask),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// SetTeardown installs the session-destruction hook. Must be called before
// Start.
func (o *Orchestrator) SetTeardown(fn func(sessionID string)) {
	if fn != nil {
		o.teardown = fn
	}
}

// Start launches the dispatch loop.
func (o *Orchestrator) Start() {
	go o.dispatchLoop()
}

// Submit validates and enqueues a request. Validation failures and a full
// queue are returned synchronously; everything after acceptance arrives on
// the sink, ending in exactly one terminal event.
func (o *Orchestrator) Submit(req *Request, sink Sink) error {
	if _, ok := o.cfg.Runtimes[req.Language]; !ok {
		metrics.TasksRejected.WithLabelValues(string(errors.CodeLanguageUnsupported)).Inc()
		return errors.New(errors.CodeLanguageUnsupported, "unknown language %q", req.Language)
	}
	if len(req.Files) == 0 || len(req.Files) > o.cfg.FilesMaxCount {
		metrics.TasksRejected.WithLabelValues(string(errors.CodeInputTooLarge)).Inc()
		return errors.New(errors.CodeInputTooLarge, "file count %d outside 1..%d", len(req.Files), o.cfg.FilesMaxCount)
	}
	var total int64
	for _, f := range req.Files {
		total += int64(len(f.Content))
	}
	if total > o.cfg.FilesMaxBytes {
		metrics.TasksRejected.WithLabelValues(string(errors.CodeInputTooLarge)).Inc()
		return errors.New(errors.CodeInputTooLarge, "%d bytes exceeds limit %d", total, o.cfg.FilesMaxBytes)
	}

	now := time.Now()
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.New(errors.CodeRuntimeUnavailable, "shutting down")
	}
	if o.queue.Len() >= o.cfg.MaxQueueSize {
		o.mu.Unlock()
		metrics.TasksRejected.WithLabelValues(string(errors.CodeQueueFull)).Inc()
		return errors.New(errors.CodeQueueFull, "queue is full (%d tasks)", o.cfg.MaxQueueSize)
	}
	o.queue.Push(&queuedTask{req: req, sink: sink, enqueuedAt: now})
	depth := o.queue.Len()
	o.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	o.signalWake()
	return nil
}

// SendInput writes bytes to the stdin of a matching active run. No-op when
// the run is not active.
func (o *Orchestrator) SendInput(sessionID, requestID string, data []byte) {
	if t := o.lookup(sessionID, requestID); t != nil {
		t.WriteInput(data)
	}
}

// Stop terminates a matching active run: SIGTERM, a grace period, SIGKILL.
// The run's terminal event follows. No-op when the run is not active.
func (o *Orchestrator) Stop(sessionID, requestID string) {
	if t := o.lookup(sessionID, requestID); t != nil {
		t.RequestStop()
	}
}

// OnDisconnect cancels everything the session has in flight or queued and
// schedules its containers and network for destruction.
func (o *Orchestrator) OnDisconnect(sessionID string) {
	o.mu.Lock()
	var tasks []*RunningTask
	for _, t := range o.active[sessionID] {
		tasks = append(tasks, t)
	}
	// Queued work for a gone client never starts.
	dropped := 0
	requeue := make([]*queuedTask, 0, o.queue.Len())
	for {
		t := o.queue.Pop()
		if t == nil {
			break
		}
		if t.req.SessionID == sessionID {
			dropped++
			continue
		}
		requeue = append(requeue, t)
	}
	for _, t := range requeue {
		o.queue.Push(t)
	}
	depth := o.queue.Len()
	o.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	for _, t := range tasks {
		t.RequestStop()
		if t.cancel != nil {
			t.cancel()
		}
	}
	if dropped > 0 {
		o.logger.Debug().Str("session_id", sessionID).Int("count", dropped).
			Msg("dropped queued tasks for disconnected session")
	}

	go o.teardown(sessionID)
}

// HasActive reports whether the session has a running request. Queued
// requests are not counted.
func (o *Orchestrator) HasActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active[sessionID]) > 0
}

// Stats returns the queue/dispatch snapshot.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{QueueDepth: o.queue.Len(), ActiveCount: o.activeCount}
}

// Shutdown stops intake, fails queued tasks, cancels active runs, and waits
// for them to wind down or the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	o.closed = true
	var queued []*queuedTask
	for {
		t := o.queue.Pop()
		if t == nil {
			break
		}
		queued = append(queued, t)
	}
	var running []*RunningTask
	for _, m := range o.active {
		for _, t := range m {
			running = append(running, t)
		}
	}
	o.mu.Unlock()

	for _, t := range queued {
		rt := &RunningTask{Req: t.req, sink: t.sink}
		rt.EmitError(errors.CodeRuntimeUnavailable, "server shutting down")
	}
	for _, t := range running {
		t.RequestStop()
		if t.cancel != nil {
			t.cancel()
		}
	}

	close(o.stop)
	<-o.done

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		o.mu.Lock()
		n := o.activeCount
		o.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) lookup(sessionID, requestID string) *RunningTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[sessionID][requestID]
}

func (o *Orchestrator) signalWake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single scheduling thread. It never blocks on I/O: tasks
// are launched fire-and-forget with a completion hook that re-enters
// dispatch.
func (o *Orchestrator) dispatchLoop() {
	defer close(o.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-o.wake:
		case <-ticker.C:
		}
		o.dispatchPass()
	}
}

func (o *Orchestrator) dispatchPass() {
	o.mu.Lock()
	expired := o.queue.Expire(time.Now(), o.cfg.QueueTimeout)

	var launched []*queuedTask
	for o.activeCount < o.cfg.MaxConcurrentSessions && o.queue.Len() > 0 {
		t := o.queue.Pop()
		o.activeCount++
		launched = append(launched, t)
	}
	depth := o.queue.Len()
	activeCount := o.activeCount
	o.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	metrics.ActiveExecutions.Set(float64(activeCount))

	for _, t := range expired {
		rt := &RunningTask{Req: t.req, sink: t.sink}
		rt.EmitError(errors.CodeQueueTimeout, "queued too long, task never started")
		metrics.TasksRejected.WithLabelValues(string(errors.CodeQueueTimeout)).Inc()
	}

	for _, t := range launched {
		go o.runTask(t)
	}
}

func (o *Orchestrator) runTask(t *queuedTask) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &RunningTask{Req: t.req, sink: t.sink, cancel: cancel}

	o.mu.Lock()
	if o.active[t.req.SessionID] == nil {
		o.active[t.req.SessionID] = make(map[string]*RunningTask)
	}
	o.active[t.req.SessionID][t.req.RequestID] = rt
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.active[t.req.SessionID], t.req.RequestID)
		if len(o.active[t.req.SessionID]) == 0 {
			delete(o.active, t.req.SessionID)
		}
		o.activeCount--
		o.mu.Unlock()
		o.signalWake()
	}()

	o.backend.Run(ctx, rt)

	// The backend owns the happy paths; this is the backstop for the
	// exactly-one-terminal guarantee.
	rt.EmitError(errors.CodeRuntimeUnavailable, "execution ended without result")
}
