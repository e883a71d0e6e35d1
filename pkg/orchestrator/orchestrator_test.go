package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
)

type fakeBackend struct {
	fn func(ctx context.Context, task *RunningTask)
}

func (b *fakeBackend) Run(ctx context.Context, task *RunningTask) {
	b.fn(ctx, task)
}

type eventCollector struct {
	mu       sync.Mutex
	events   []Event
	terminal chan Event
}

func newCollector() *eventCollector {
	return &eventCollector{terminal: make(chan Event, 1)}
}

func (c *eventCollector) sink(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if ev.Kind == EventExit || ev.Kind == EventError {
		c.terminal <- ev
	}
}

func (c *eventCollector) waitTerminal(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-c.terminal:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal event")
		return Event{}
	}
}

func (c *eventCollector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func testConfig(t *testing.T, overrides map[string]string) *config.Config {
	t.Helper()
	env := map[string]string{
		"CODERUNNER_MAX_CONCURRENT_SESSIONS": "2",
		"CODERUNNER_MAX_QUEUE_SIZE":          "4",
		"CODERUNNER_SUBNET_POOLS":            "test:10.60.0.0/20",
	}
	for k, v := range overrides {
		env[k] = v
	}
	cfg, err := config.LoadFromEnv(func(key string) string { return env[key] })
	require.NoError(t, err)
	return cfg
}

func newRequest(session, id string, priority Priority) *Request {
	return &Request{
		RequestID: id,
		SessionID: session,
		Language:  "python",
		Files:     []File{{Name: "main.py", Content: "print('hi')", ToBeExec: true}},
		Priority:  priority,
	}
}

func startOrchestrator(t *testing.T, cfg *config.Config, backend Backend) *Orchestrator {
	t.Helper()
	o := New(cfg, backend, zerolog.Nop())
	o.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func TestSubmitValidation(t *testing.T) {
	cfg := testConfig(t, map[string]string{"CODERUNNER_FILES_MAX_BYTES": "10"})
	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		task.EmitExit(0, "", 0)
	}})

	err := o.Submit(newRequest("s1", "r1", PriorityOneShot), newCollector().sink)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInputTooLarge, errors.CodeOf(err))

	req := newRequest("s1", "r2", PriorityOneShot)
	req.Language = "cobol"
	err = o.Submit(req, newCollector().sink)
	require.Error(t, err)
	assert.Equal(t, errors.CodeLanguageUnsupported, errors.CodeOf(err))
}

func TestConcurrencyCapHolds(t *testing.T) {
	cfg := testConfig(t, nil)

	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	backend := &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		task.EmitExit(0, "", 0)
	}}
	o := startOrchestrator(t, cfg, backend)

	collectors := make([]*eventCollector, 4)
	for i := range collectors {
		collectors[i] = newCollector()
		require.NoError(t, o.Submit(newRequest("s1", fmt.Sprintf("r%d", i), PriorityOneShot), collectors[i].sink))
	}

	// Two run, two queue.
	require.Eventually(t, func() bool { return o.Stats().ActiveCount == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, o.Stats().QueueDepth)

	close(release)
	for _, c := range collectors {
		c.waitTerminal(t)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"CODERUNNER_MAX_CONCURRENT_SESSIONS": "1",
		"CODERUNNER_MAX_QUEUE_SIZE":          "2",
	})

	release := make(chan struct{})
	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		<-release
		task.EmitExit(0, "", 0)
	}})
	defer close(release)

	c := newCollector()
	require.NoError(t, o.Submit(newRequest("s1", "r0", PriorityOneShot), c.sink))
	require.Eventually(t, func() bool { return o.Stats().ActiveCount == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, o.Submit(newRequest("s1", "r1", PriorityOneShot), c.sink))
	require.NoError(t, o.Submit(newRequest("s1", "r2", PriorityOneShot), c.sink))

	err := o.Submit(newRequest("s1", "r3", PriorityOneShot), c.sink)
	require.Error(t, err)
	assert.Equal(t, errors.CodeQueueFull, errors.CodeOf(err))
}

func TestPriorityOrdering(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"CODERUNNER_MAX_CONCURRENT_SESSIONS": "1",
		"CODERUNNER_MAX_QUEUE_SIZE":          "10",
	})

	var mu sync.Mutex
	var order []string
	gate := make(chan struct{})
	first := make(chan struct{}, 1)

	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		mu.Lock()
		order = append(order, task.Req.RequestID)
		mu.Unlock()
		select {
		case first <- struct{}{}:
			<-gate
		default:
		}
		task.EmitExit(0, "", 0)
	}})

	done := make([]*eventCollector, 0, 4)
	submit := func(id string, p Priority) {
		c := newCollector()
		done = append(done, c)
		require.NoError(t, o.Submit(newRequest("s1", id, p), c.sink))
	}

	// Occupy the single slot, then queue mixed priorities.
	submit("blocker", PriorityBackground)
	<-first
	submit("bg", PriorityBackground)
	submit("oneshot", PriorityOneShot)
	submit("interactive", PriorityInteractive)
	close(gate)

	for _, c := range done {
		c.waitTerminal(t)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"blocker", "interactive", "oneshot", "bg"}, order)
}

func TestQueueTimeout(t *testing.T) {
	cfg := testConfig(t, map[string]string{
		"CODERUNNER_MAX_CONCURRENT_SESSIONS": "1",
		"CODERUNNER_QUEUE_TIMEOUT_MS":        "50",
	})

	release := make(chan struct{})
	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		<-release
		task.EmitExit(0, "", 0)
	}})
	defer close(release)

	blocker := newCollector()
	require.NoError(t, o.Submit(newRequest("s1", "blocker", PriorityOneShot), blocker.sink))
	require.Eventually(t, func() bool { return o.Stats().ActiveCount == 1 }, time.Second, 10*time.Millisecond)

	waiting := newCollector()
	require.NoError(t, o.Submit(newRequest("s1", "stuck", PriorityOneShot), waiting.sink))

	time.Sleep(80 * time.Millisecond)
	// Any wake runs the expiry pass.
	o.signalWake()

	ev := waiting.waitTerminal(t)
	assert.Equal(t, EventError, ev.Kind)
	assert.Equal(t, errors.CodeQueueTimeout, ev.ErrCode)
}

func TestExactlyOneTerminal(t *testing.T) {
	cfg := testConfig(t, nil)

	t.Run("backend emits exit", func(t *testing.T) {
		o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
			task.EmitExit(0, "", time.Second)
		}})
		c := newCollector()
		require.NoError(t, o.Submit(newRequest("s1", "r1", PriorityOneShot), c.sink))
		c.waitTerminal(t)
		time.Sleep(50 * time.Millisecond)

		terminals := 0
		for _, ev := range c.all() {
			if ev.Kind == EventExit || ev.Kind == EventError {
				terminals++
			}
		}
		assert.Equal(t, 1, terminals)
	})

	t.Run("backend emits nothing", func(t *testing.T) {
		o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {}})
		c := newCollector()
		require.NoError(t, o.Submit(newRequest("s1", "r1", PriorityOneShot), c.sink))
		ev := c.waitTerminal(t)
		assert.Equal(t, EventError, ev.Kind)
	})
}

func TestNoOutputAfterTerminal(t *testing.T) {
	cfg := testConfig(t, nil)
	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		task.EmitOutput(StreamStdout, "before\n")
		task.EmitExit(0, "", 0)
		task.EmitOutput(StreamStdout, "after\n")
	}})

	c := newCollector()
	require.NoError(t, o.Submit(newRequest("s1", "r1", PriorityOneShot), c.sink))
	c.waitTerminal(t)
	time.Sleep(50 * time.Millisecond)

	events := c.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventExit, events[len(events)-1].Kind)
}

func TestSendInputRouting(t *testing.T) {
	cfg := testConfig(t, nil)

	received := make(chan []byte, 1)
	bound := make(chan struct{})
	release := make(chan struct{})

	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		task.BindStdin(writerFunc(func(p []byte) (int, error) {
			received <- append([]byte(nil), p...)
			return len(p), nil
		}))
		close(bound)
		<-release
		task.EmitExit(0, "", 0)
	}})

	c := newCollector()
	require.NoError(t, o.Submit(newRequest("s1", "r1", PriorityOneShot), c.sink))
	<-bound

	// Unknown request ids are silently dropped.
	o.SendInput("s1", "nope", []byte("lost"))

	o.SendInput("s1", "r1", []byte("42\n"))
	select {
	case data := <-received:
		assert.Equal(t, "42\n", string(data))
	case <-time.After(time.Second):
		t.Fatal("input not delivered")
	}

	close(release)
	c.waitTerminal(t)
}

func TestStopProducesStoppedExit(t *testing.T) {
	cfg := testConfig(t, nil)

	started := make(chan struct{})
	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		close(started)
		for !task.StopRequested() {
			time.Sleep(5 * time.Millisecond)
		}
		task.EmitExit(-1, "stopped", 200*time.Millisecond)
	}})

	c := newCollector()
	require.NoError(t, o.Submit(newRequest("s1", "r1", PriorityInteractive), c.sink))
	<-started

	o.Stop("s1", "r1")
	ev := c.waitTerminal(t)
	assert.Equal(t, EventExit, ev.Kind)
	assert.Equal(t, -1, ev.Code)
	assert.Equal(t, "stopped", ev.Reason)
}

func TestOnDisconnectCancelsAndTearsDown(t *testing.T) {
	cfg := testConfig(t, nil)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	o := startOrchestrator(t, cfg, &fakeBackend{fn: func(ctx context.Context, task *RunningTask) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		task.EmitExit(-1, "stopped", 0)
	}})

	torndown := make(chan string, 1)
	o.SetTeardown(func(sessionID string) { torndown <- sessionID })

	c := newCollector()
	require.NoError(t, o.Submit(newRequest("s1", "r1", PriorityInteractive), c.sink))
	<-started

	o.OnDisconnect("s1")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context not cancelled")
	}
	select {
	case sessionID := <-torndown:
		assert.Equal(t, "s1", sessionID)
	case <-time.After(time.Second):
		t.Fatal("teardown not invoked")
	}
	c.waitTerminal(t)
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
