package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/metrics"
	"github.com/codelab/coderunner/pkg/pool"
)

const (
	workdir = "/workspace"

	// Grace between SIGTERM and SIGKILL on stop.
	stopGrace = 500 * time.Millisecond

	// Exit code reported when a run hits its wall-clock limit, matching the
	// conventional timeout(1) code.
	exitCodeTimeout = 124
)

// DockerBackend runs requests through the container pool: stage the project,
// exec the language recipe, stream the demuxed output.
type DockerBackend struct {
	docker *client.Client
	pool   *pool.Pool
	cfg    *config.Config
	logger zerolog.Logger
}

func NewDockerBackend(docker *client.Client, p *pool.Pool, cfg *config.Config, logger zerolog.Logger) *DockerBackend {
	return &DockerBackend{docker: docker, pool: p, cfg: cfg, logger: logger}
}

func (b *DockerBackend) Run(ctx context.Context, task *RunningTask) {
	req := task.Req

	entry, err := b.pool.Acquire(ctx, req.SessionID, req.Language)
	if err != nil {
		task.EmitError(errors.CodeOf(err), err.Error())
		metrics.ExecutionsTotal.WithLabelValues("rejected").Inc()
		return
	}

	success := true
	defer func() {
		b.pool.Release(entry, success)
	}()

	if err := b.stageFiles(ctx, entry.ContainerID, req.Files); err != nil {
		task.EmitError(errors.CodeRuntimeUnavailable, err.Error())
		metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		return
	}

	rt := b.cfg.Runtimes[req.Language]
	entryPath := filepath.Join(workdir, filepath.Clean("/"+req.Entry()))
	binPath := fmt.Sprintf("/tmp/.bin-%s", req.RequestID)

	if rt.Compile != "" {
		compileCmd := b.wrapWithPidFile(req.RequestID, config.ExpandCommand(rt.Compile, entryPath, binPath))
		code, err := b.execStreaming(ctx, task, entry.ContainerID, compileCmd, b.cfg.DockerCommandTimeout, false)
		if err != nil {
			success = false
			task.EmitExit(-1, "runtime-error", 0)
			metrics.ExecutionsTotal.WithLabelValues("runtime-error").Inc()
			return
		}
		if code != 0 {
			task.EmitExit(code, "", 0)
			metrics.ExecutionsTotal.WithLabelValues("compile-error").Inc()
			return
		}
	}

	timeout := b.cfg.ExecutionTimeout
	if req.Priority == PriorityInteractive {
		timeout = b.cfg.InteractiveTimeout
	}

	start := time.Now()
	runCmd := config.ExpandCommand(rt.Run, entryPath, binPath)
	code, err := b.execStreaming(ctx, task, entry.ContainerID, b.wrapWithPidFile(req.RequestID, runCmd), timeout, true)
	elapsed := time.Since(start)

	switch {
	case task.StopRequested():
		task.EmitExit(-1, "stopped", elapsed)
		metrics.ExecutionsTotal.WithLabelValues("stopped").Inc()
	case err == errTimeout:
		task.EmitExit(exitCodeTimeout, "timeout", elapsed)
		metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
	case err != nil:
		success = false
		b.logger.Warn().Err(err).Str("session_id", req.SessionID).
			Str("request_id", req.RequestID).Msg("execution failed")
		task.EmitExit(-1, "runtime-error", elapsed)
		metrics.ExecutionsTotal.WithLabelValues("runtime-error").Inc()
	default:
		if code < 0 || code > 127 || !b.containerAlive(entry.ContainerID) {
			success = false
		}
		task.EmitExit(code, "", elapsed)
		metrics.ExecutionsTotal.WithLabelValues("exit").Inc()
	}
}

// stageFiles writes the project into a fresh temp directory and copies it to
// the container workdir in one tar stream.
func (b *DockerBackend) stageFiles(ctx context.Context, containerID string, files []File) error {
	dir, err := os.MkdirTemp("", "coderunner-stage-")
	if err != nil {
		return fmt.Errorf("stage dir: %w", err)
	}
	defer os.RemoveAll(dir)

	for _, f := range files {
		rel := f.Path
		if rel == "" {
			rel = f.Name
		}
		// Confine the file inside the staging root regardless of what the
		// client sent as a path.
		rel = filepath.Clean("/" + rel)
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("stage mkdir: %w", err)
		}
		if err := os.WriteFile(dst, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("stage write: %w", err)
		}
	}

	tarStream, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("stage tar: %w", err)
	}
	defer tarStream.Close()

	if err := b.docker.CopyToContainer(ctx, containerID, workdir, tarStream, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("stage copy: %w", err)
	}
	return nil
}

// wrapWithPidFile records the shell pid so Stop can signal the process from a
// separate exec, then replaces the shell with the payload.
func (b *DockerBackend) wrapWithPidFile(requestID, cmd string) string {
	return fmt.Sprintf("echo $$ > /tmp/.run-%s.pid; exec %s", requestID, cmd)
}

var errTimeout = fmt.Errorf("execution timed out")

// execStreaming runs one command inside the container and streams demuxed
// stdout/stderr fragments to the task. Returns the command's exit code.
// Interactive runs get their stdin and stopper bound for the duration.
func (b *DockerBackend) execStreaming(ctx context.Context, task *RunningTask, containerID, cmd string, timeout time.Duration, interactive bool) (int, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := b.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", cmd},
		WorkingDir:   workdir,
		AttachStdin:  interactive,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.docker.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	if interactive {
		task.BindStdin(attach.Conn)
		task.BindStopper(func() {
			b.signalProcess(task.Req.RequestID, containerID)
		})
	}

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(
			&streamWriter{task: task, stream: StreamStdout},
			&streamWriter{task: task, stream: StreamStderr},
			attach.Reader,
		)
		copyDone <- err
	}()

	timedOut := false
	select {
	case <-copyDone:
	case <-execCtx.Done():
		timedOut = ctx.Err() == nil
		// Kill the process so the exec stream closes, then drain it.
		b.signalProcess(task.Req.RequestID, containerID)
		select {
		case <-copyDone:
		case <-time.After(b.cfg.DockerCommandTimeout):
		}
	}

	code, err := b.waitExecExit(created.ID)
	if err != nil {
		return 0, err
	}
	if timedOut {
		return code, errTimeout
	}
	if ctx.Err() != nil {
		return code, ctx.Err()
	}
	return code, nil
}

// signalProcess terminates the payload of a run: SIGTERM through the recorded
// pid file, a grace period, then SIGKILL. Runs in its own exec so it works
// while the payload owns the interactive stream.
func (b *DockerBackend) signalProcess(requestID, containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DockerCommandTimeout)
	defer cancel()

	pidFile := fmt.Sprintf("/tmp/.run-%s.pid", requestID)
	b.execDetached(ctx, containerID, fmt.Sprintf(`kill -TERM "$(cat %s 2>/dev/null)" 2>/dev/null`, pidFile))
	time.Sleep(stopGrace)
	b.execDetached(ctx, containerID, fmt.Sprintf(`kill -KILL "$(cat %s 2>/dev/null)" 2>/dev/null`, pidFile))
}

func (b *DockerBackend) execDetached(ctx context.Context, containerID, cmd string) {
	created, err := b.docker.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:    []string{"/bin/sh", "-c", cmd},
		Detach: true,
	})
	if err != nil {
		return
	}
	_ = b.docker.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true})
}

// waitExecExit polls the exec until the process is gone and returns its exit
// code. Bounded by the docker command timeout.
func (b *DockerBackend) waitExecExit(execID string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DockerCommandTimeout)
	defer cancel()

	for {
		inspect, err := b.docker.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect: %w", err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *DockerBackend) containerAlive(containerID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.DockerCommandTimeout)
	defer cancel()

	inspect, err := b.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// streamWriter adapts one demuxed stream to task events, splitting on line
// boundaries when the fragment carries several.
type streamWriter struct {
	task   *RunningTask
	stream Stream
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data := string(p)
	for len(data) > 0 {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			w.task.EmitOutput(w.stream, data)
			break
		}
		w.task.EmitOutput(w.stream, data[:idx+1])
		data = data[idx+1:]
	}
	return len(p), nil
}
