package pool

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/metrics"
	"github.com/codelab/coderunner/pkg/network"
)

const (
	// How long Acquire waits for an in-use container to free before failing
	// with CAPACITY.
	acquireWait = 2 * time.Second

	// Removals during session teardown retry this many times before the
	// container is logged as leaked for the external janitor.
	teardownRetries = 3
)

// Entry is one cached container. InUse guards it against the reaper; an
// expired idle entry is eligible for removal on the next sweep.
type Entry struct {
	SessionID   string
	Language    string
	ContainerID string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	ExpiresAt   time.Time
	InUse       bool

	dead bool
}

type listKey struct {
	sessionID string
	language  string
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	ContainersCreated uint64 `json:"containersCreated"`
	ContainersReused  uint64 `json:"containersReused"`
	ContainersDeleted uint64 `json:"containersDeleted"`
	CleanupErrors     uint64 `json:"cleanupErrors"`
	TotalActive       int    `json:"totalActive"`
	InUse             int    `json:"inUse"`
	LastCleanupMs     int64  `json:"lastCleanupDurationMs"`
}

// Pool caches one container per (session, language) slot up to MaxPerSession,
// reusing idle ones inside the TTL and reaping expired ones in the background.
type Pool struct {
	docker   *client.Client
	networks *network.Manager
	cfg      *config.Config
	logger   zerolog.Logger

	mu    sync.Mutex
	lists map[listKey][]*Entry
	byID  map[string]*Entry
	freed chan struct{}

	created       uint64
	reused        uint64
	deleted       uint64
	cleanupErrors uint64
	lastCleanup   time.Duration

	// hasOpenStream reports whether a client still holds a streaming
	// connection for the session; such sessions keep their network.
	hasOpenStream func(sessionID string) bool

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

func New(docker *client.Client, networks *network.Manager, cfg *config.Config, logger zerolog.Logger) *Pool {
	return &Pool{
		docker:        docker,
		networks:      networks,
		cfg:           cfg,
		logger:        logger,
		lists:         make(map[listKey][]*Entry),
		byID:          make(map[string]*Entry),
		freed:         make(chan struct{}, 1),
		hasOpenStream: func(string) bool { return false },
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}
}

// SetStreamChecker installs the open-stream callback. Must be called before
// Start.
func (p *Pool) SetStreamChecker(fn func(sessionID string) bool) {
	if fn != nil {
		p.hasOpenStream = fn
	}
}

// Start launches the background reaper.
func (p *Pool) Start() {
	go p.cleanupLoop()
}

// Stop halts the reaper and waits for the in-flight sweep to finish.
func (p *Pool) Stop() {
	close(p.cleanupStop)
	<-p.cleanupDone
}

// Acquire returns a container for (sessionID, language), creating the session
// network and the container as needed. The returned entry is marked in-use
// and must be handed back via Release.
func (p *Pool) Acquire(ctx context.Context, sessionID, language string) (*Entry, error) {
	rt, ok := p.cfg.Runtimes[language]
	if !ok {
		return nil, errors.New(errors.CodeLanguageUnsupported, "unknown language %q", language)
	}

	networkName, err := p.networks.EnsureNetwork(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	key := listKey{sessionID: sessionID, language: language}
	deadline := time.Now().Add(acquireWait)

	for {
		p.mu.Lock()
		now := time.Now()

		for _, e := range p.lists[key] {
			if e.InUse || e.dead || !e.ExpiresAt.After(now) {
				continue
			}
			e.InUse = true
			e.LastUsedAt = now
			p.reused++
			p.mu.Unlock()
			metrics.ContainersReused.Inc()
			return e, nil
		}

		if len(p.lists[key]) < p.cfg.MaxPerSession {
			// Reserve the slot before the (slow) create so concurrent
			// acquires cannot exceed the per-session cap.
			e := &Entry{
				SessionID:  sessionID,
				Language:   language,
				CreatedAt:  now,
				LastUsedAt: now,
				ExpiresAt:  now.Add(p.cfg.SessionTTL),
				InUse:      true,
			}
			p.lists[key] = append(p.lists[key], e)
			p.mu.Unlock()

			containerID, err := p.createContainer(ctx, sessionID, language, rt, networkName)

			p.mu.Lock()
			if err != nil {
				p.removeEntryLocked(e)
				p.mu.Unlock()
				return nil, errors.Wrap(errors.CodeRuntimeUnavailable, err, "container create failed")
			}
			e.ContainerID = containerID
			p.created++
			total := len(p.byID) + 1
			p.byID[containerID] = e
			p.mu.Unlock()

			metrics.ContainersCreated.Inc()
			metrics.ContainersActive.Set(float64(total))
			p.logger.Info().Str("session_id", sessionID).Str("language", language).
				Str("container_id", shortID(containerID)).Msg("container created")
			return e, nil
		}

		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New(errors.CodeCapacity,
				"session %s already runs %d %s containers", sessionID, p.cfg.MaxPerSession, language)
		}
		select {
		case <-p.freed:
		case <-time.After(remaining):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release hands a container back. On success the TTL is pushed out and the
// entry becomes reusable; on failure it is removed and never reused.
func (p *Pool) Release(e *Entry, success bool) {
	if e == nil {
		return
	}

	if !success {
		p.MarkDead(e)
		return
	}

	p.mu.Lock()
	now := time.Now()
	e.InUse = false
	e.LastUsedAt = now
	e.ExpiresAt = now.Add(p.cfg.SessionTTL)
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// MarkDead drops the entry and removes its container. Used when the container
// exited underneath an execution or a command failed with a runtime-fatal
// signal.
func (p *Pool) MarkDead(e *Entry) {
	p.mu.Lock()
	p.removeEntryLocked(e)
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DockerCommandTimeout)
		defer cancel()
		p.removeContainer(ctx, e.ContainerID)
	}()
}

// DestroySession force-removes every container of the session and destroys
// its network. Individual removal failures are retried a bounded number of
// times, then logged as leaks for the external janitor.
func (p *Pool) DestroySession(ctx context.Context, sessionID string) {
	p.mu.Lock()
	var victims []*Entry
	for key, list := range p.lists {
		if key.sessionID != sessionID {
			continue
		}
		victims = append(victims, list...)
		delete(p.lists, key)
	}
	for _, e := range victims {
		delete(p.byID, e.ContainerID)
	}
	total := len(p.byID)
	p.mu.Unlock()
	metrics.ContainersActive.Set(float64(total))

	for _, e := range victims {
		removed := false
		for attempt := 0; attempt < teardownRetries; attempt++ {
			if p.removeContainer(ctx, e.ContainerID) {
				removed = true
				break
			}
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
		if !removed {
			p.logger.Error().Str("session_id", sessionID).
				Str("container_id", shortID(e.ContainerID)).
				Msg("container leaked, leaving for janitor")
		}
	}

	p.networks.DestroyNetwork(ctx, sessionID)
}

// Shutdown destroys every session. Called once on process exit.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	sessions := make(map[string]bool)
	for key := range p.lists {
		sessions[key.sessionID] = true
	}
	p.mu.Unlock()

	for sessionID := range sessions {
		p.DestroySession(ctx, sessionID)
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	inUse := 0
	for _, e := range p.byID {
		if e.InUse {
			inUse++
		}
	}
	return Stats{
		ContainersCreated: p.created,
		ContainersReused:  p.reused,
		ContainersDeleted: p.deleted,
		CleanupErrors:     p.cleanupErrors,
		TotalActive:       len(p.byID),
		InUse:             inUse,
		LastCleanupMs:     p.lastCleanup.Milliseconds(),
	}
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	defer close(p.cleanupDone)

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.cleanupStop:
			return
		}
	}
}

// sweep removes expired idle containers and tears down networks of sessions
// that no longer hold containers or streams.
func (p *Pool) sweep() {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CleanupInterval)
	defer cancel()

	// Candidate selection and the InUse flag share p.mu, so a running
	// execution's container can never enter the reap set.
	p.mu.Lock()
	now := time.Now()
	var expired []*Entry
	for _, list := range p.lists {
		for _, e := range list {
			if !e.InUse && (e.dead || !e.ExpiresAt.After(now)) && e.ContainerID != "" {
				e.dead = true
				expired = append(expired, e)
			}
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		if p.removeContainer(ctx, e.ContainerID) {
			p.mu.Lock()
			p.removeEntryLocked(e)
			p.mu.Unlock()
		}
	}

	// Networks of sessions with no containers, no open stream, and some idle
	// age are torn down. The age guard keeps a sweep from racing a session
	// whose first container is still being created.
	active := make(map[string]bool)
	p.mu.Lock()
	for key, list := range p.lists {
		if len(list) > 0 {
			active[key.sessionID] = true
		}
	}
	p.mu.Unlock()

	for _, n := range p.networks.Stats().Networks {
		if active[n.SessionID] || p.hasOpenStream(n.SessionID) {
			continue
		}
		if time.Since(n.CreatedAt) < p.cfg.SessionTTL {
			continue
		}
		p.networks.DestroyNetwork(ctx, n.SessionID)
	}

	p.networks.RetryPending(ctx)

	p.mu.Lock()
	p.lastCleanup = time.Since(start)
	p.mu.Unlock()
	metrics.LastCleanupDuration.Set(time.Since(start).Seconds())
}

func (p *Pool) createContainer(ctx context.Context, sessionID, language string, rt config.Runtime, networkName string) (string, error) {
	name := fmt.Sprintf("%s-%s-%s", networkName, language, uuid.New().String()[:8])

	containerConfig := &container.Config{
		Image:      rt.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Labels: map[string]string{
			config.SessionLabelKey:   config.SessionLabelValue,
			config.SessionIDLabelKey: sessionID,
			config.LanguageLabelKey:  language,
			config.CreatedAtLabelKey: fmt.Sprintf("%d", time.Now().Unix()),
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(networkName),
		Memory:      p.cfg.Memory(rt),
		NanoCPUs:    p.cfg.NanoCPUs(),
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
	}

	resp, err := p.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if client.IsErrNotFound(err) {
		if pullErr := p.pullImage(ctx, rt.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = p.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", rt.Image, err)
	}

	if err := p.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = p.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start %s: %w", rt.Image, err)
	}
	return resp.ID, nil
}

func (p *Pool) pullImage(ctx context.Context, imageRef string) error {
	out, err := p.docker.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageRef, err)
	}
	defer out.Close()
	// Drain the progress stream; completion is signalled by EOF.
	_, err = io.Copy(io.Discard, out)
	return err
}

// removeContainer force-removes a container, reporting success. Missing
// containers count as removed.
func (p *Pool) removeContainer(ctx context.Context, containerID string) bool {
	if containerID == "" {
		return true
	}
	err := p.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) &&
		!strings.Contains(err.Error(), "is already in progress") {
		p.mu.Lock()
		p.cleanupErrors++
		p.mu.Unlock()
		metrics.CleanupErrors.Inc()
		p.logger.Warn().Err(err).Str("container_id", shortID(containerID)).
			Msg("container remove failed")
		return false
	}

	p.mu.Lock()
	p.deleted++
	p.mu.Unlock()
	metrics.ContainersDeleted.Inc()
	return true
}

func (p *Pool) removeEntryLocked(e *Entry) {
	key := listKey{sessionID: e.SessionID, language: e.Language}
	list := p.lists[key]
	for i, candidate := range list {
		if candidate == e {
			p.lists[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.lists[key]) == 0 {
		delete(p.lists, key)
	}
	if e.ContainerID != "" {
		delete(p.byID, e.ContainerID)
	}
	metrics.ContainersActive.Set(float64(len(p.byID)))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
