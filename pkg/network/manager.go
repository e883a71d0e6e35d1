package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/metrics"
	"github.com/codelab/coderunner/pkg/subnet"
)

type entry struct {
	sessionID      string
	name           string
	networkID      string
	lease          *subnet.Lease
	createdAt      time.Time
	pendingDestroy bool
}

// Manager owns the bridge network of each session: one network, one subnet
// lease, deterministic name. Components above it refer to sessions by
// identifier only.
type Manager struct {
	docker *client.Client
	alloc  *subnet.Allocator
	prefix string
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type Info struct {
	SessionID string    `json:"sessionId"`
	Name      string    `json:"name"`
	Subnet    string    `json:"subnet"`
	CreatedAt time.Time `json:"createdAt"`
}

type Stats struct {
	Count    int    `json:"count"`
	Networks []Info `json:"networks"`
}

func NewManager(docker *client.Client, alloc *subnet.Allocator, prefix string, logger zerolog.Logger) *Manager {
	return &Manager{
		docker:  docker,
		alloc:   alloc,
		prefix:  prefix,
		logger:  logger,
		entries: make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// Name returns the deterministic network name for a session.
func (m *Manager) Name(sessionID string) string {
	return fmt.Sprintf("%s-%s", m.prefix, sessionID)
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[sessionID] = mu
	}
	return mu
}

// EnsureNetwork creates the session's bridge network if it does not exist and
// returns its name. Idempotent per session; concurrent callers for the same
// session serialize, different sessions proceed in parallel.
func (m *Manager) EnsureNetwork(ctx context.Context, sessionID string) (string, error) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok && !e.pendingDestroy {
		m.mu.Unlock()
		return e.name, nil
	}
	m.mu.Unlock()

	lease, err := m.alloc.Allocate()
	if err != nil {
		return "", err
	}

	name := m.Name(sessionID)
	resp, err := m.docker.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: lease.CIDR}},
		},
		Labels: map[string]string{
			config.SessionLabelKey:   config.SessionLabelValue,
			config.SessionIDLabelKey: sessionID,
		},
	})
	if err != nil {
		// The lease must not leak when creation fails.
		m.alloc.Release(lease)
		return "", errors.Wrap(errors.CodeRuntimeUnavailable, err, "network create failed")
	}

	m.mu.Lock()
	m.entries[sessionID] = &entry{
		sessionID: sessionID,
		name:      name,
		networkID: resp.ID,
		lease:     lease,
		createdAt: time.Now(),
	}
	count := len(m.entries)
	m.mu.Unlock()

	metrics.NetworksActive.Set(float64(count))
	m.logger.Info().Str("session_id", sessionID).Str("network", name).
		Str("subnet", lease.CIDR).Msg("session network created")
	return name, nil
}

// DestroyNetwork removes the session's network and releases its lease.
// Errors are never propagated; a failed removal is kept and retried by
// RetryPending on the next sweep.
func (m *Manager) DestroyNetwork(ctx context.Context, sessionID string) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.destroyEntry(ctx, e)
}

func (m *Manager) destroyEntry(ctx context.Context, e *entry) {
	// Disconnect stragglers best-effort before removal.
	if inspect, err := m.docker.NetworkInspect(ctx, e.networkID, network.InspectOptions{}); err == nil {
		for containerID := range inspect.Containers {
			_ = m.docker.NetworkDisconnect(ctx, e.networkID, containerID, true)
		}
	}

	if err := m.docker.NetworkRemove(ctx, e.networkID); err != nil && !client.IsErrNotFound(err) {
		e.pendingDestroy = true
		metrics.CleanupErrors.Inc()
		m.logger.Warn().Err(err).Str("session_id", e.sessionID).Str("network", e.name).
			Msg("network remove failed, will retry")
		return
	}

	m.alloc.Release(e.lease)

	m.mu.Lock()
	delete(m.entries, e.sessionID)
	count := len(m.entries)
	m.mu.Unlock()

	m.locksMu.Lock()
	delete(m.locks, e.sessionID)
	m.locksMu.Unlock()

	metrics.NetworksActive.Set(float64(count))
	m.logger.Info().Str("session_id", e.sessionID).Str("network", e.name).
		Msg("session network destroyed")
}

// RetryPending re-attempts removals that failed earlier. Called from the pool
// reaper tick.
func (m *Manager) RetryPending(ctx context.Context) {
	m.mu.Lock()
	var pending []*entry
	for _, e := range m.entries {
		if e.pendingDestroy {
			pending = append(pending, e)
		}
	}
	m.mu.Unlock()

	for _, e := range pending {
		lock := m.sessionLock(e.sessionID)
		lock.Lock()
		m.destroyEntry(ctx, e)
		lock.Unlock()
	}
}

// Reconcile adopts networks left behind by a previous process: every network
// carrying the project label is re-registered and its subnet marked used, so
// the allocator never hands out an overlapping lease.
func (m *Manager) Reconcile(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", config.SessionLabel)

	networks, err := m.docker.NetworkList(ctx, network.ListOptions{Filters: filterArgs})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}

	adopted := 0
	m.mu.Lock()
	for _, n := range networks {
		sessionID := n.Labels[config.SessionIDLabelKey]
		if sessionID == "" || m.entries[sessionID] != nil {
			continue
		}
		var lease *subnet.Lease
		if len(n.IPAM.Config) > 0 {
			lease = m.alloc.MarkUsed(n.IPAM.Config[0].Subnet)
		}
		m.entries[sessionID] = &entry{
			sessionID: sessionID,
			name:      n.Name,
			networkID: n.ID,
			lease:     lease,
			createdAt: n.Created,
		}
		adopted++
	}
	count := len(m.entries)
	m.mu.Unlock()

	metrics.NetworksActive.Set(float64(count))
	if adopted > 0 {
		m.logger.Info().Int("count", adopted).Msg("adopted leftover session networks")
	}
	return nil
}

// Stats returns the current network registry for monitoring. Read-only.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Count: len(m.entries), Networks: make([]Info, 0, len(m.entries))}
	for _, e := range m.entries {
		info := Info{
			SessionID: e.sessionID,
			Name:      e.name,
			CreatedAt: e.createdAt,
		}
		if e.lease != nil {
			info.Subnet = e.lease.CIDR
		}
		s.Networks = append(s.Networks, info)
	}
	return s
}
