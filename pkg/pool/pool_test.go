package pool

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelab/coderunner/pkg/config"
	"github.com/codelab/coderunner/pkg/errors"
	"github.com/codelab/coderunner/pkg/network"
	"github.com/codelab/coderunner/pkg/subnet"
)

func dockerAvailable() bool {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer docker.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = docker.Ping(ctx)
	return err == nil
}

func testPool(t *testing.T, overrides map[string]string) (*Pool, *subnet.Allocator, *client.Client) {
	t.Helper()

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	require.NoError(t, err)
	t.Cleanup(func() { docker.Close() })

	env := map[string]string{
		"CODERUNNER_SUBNET_POOLS":            "test:10.88.0.0/20",
		"CODERUNNER_SESSION_NETWORK_PREFIX":  "coderunner-pooltest",
		"CODERUNNER_MAX_CONCURRENT_SESSIONS": "8",
	}
	for k, v := range overrides {
		env[k] = v
	}
	cfg, err := config.LoadFromEnv(func(key string) string { return env[key] })
	require.NoError(t, err)

	// The stock images are not present on CI hosts; run everything on alpine.
	cfg.Runtimes = map[string]config.Runtime{
		"alpine": {Image: "alpine:latest", Run: "sh {entry}"},
	}

	alloc := subnet.NewAllocator(cfg.SubnetPools, zerolog.Nop())
	networks := network.NewManager(docker, alloc, cfg.SessionNetworkPrefix, zerolog.Nop())
	return New(docker, networks, cfg, zerolog.Nop()), alloc, docker
}

func containerGone(ctx context.Context, docker *client.Client, id string) bool {
	_, err := docker.ContainerInspect(ctx, id)
	return client.IsErrNotFound(err)
}

func TestAcquireCreatesThenReuses(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, _, _ := testPool(t, nil)
	ctx := context.Background()
	sessionID := "aaaa1111bbbb2222cccc3333dddd4444"
	t.Cleanup(func() { p.DestroySession(ctx, sessionID) })

	first, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	require.True(t, first.InUse)
	p.Release(first, true)

	second, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	assert.Equal(t, first.ContainerID, second.ContainerID)
	p.Release(second, true)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.ContainersCreated)
	assert.Equal(t, uint64(1), stats.ContainersReused)
}

func TestAcquireUnknownLanguage(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, _, _ := testPool(t, nil)
	_, err := p.Acquire(context.Background(), "ffff0000ffff0000ffff0000ffff0000", "prolog")
	require.Error(t, err)
	assert.Equal(t, errors.CodeLanguageUnsupported, errors.CodeOf(err))
}

func TestAcquireCapacity(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, _, _ := testPool(t, map[string]string{"CODERUNNER_MAX_PER_SESSION": "1"})
	ctx := context.Background()
	sessionID := "bbbb2222cccc3333dddd4444eeee5555"
	t.Cleanup(func() { p.DestroySession(ctx, sessionID) })

	held, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	defer p.Release(held, true)

	_, err = p.Acquire(ctx, sessionID, "alpine")
	require.Error(t, err)
	assert.Equal(t, errors.CodeCapacity, errors.CodeOf(err))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, _, _ := testPool(t, map[string]string{"CODERUNNER_MAX_PER_SESSION": "1"})
	ctx := context.Background()
	sessionID := "cccc3333dddd4444eeee5555ffff6666"
	t.Cleanup(func() { p.DestroySession(ctx, sessionID) })

	held, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)

	go func() {
		time.Sleep(200 * time.Millisecond)
		p.Release(held, true)
	}()

	again, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	assert.Equal(t, held.ContainerID, again.ContainerID)
	p.Release(again, true)
}

func TestReaperRemovesExpired(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, alloc, docker := testPool(t, map[string]string{
		"CODERUNNER_SESSION_TTL_MS":      "200",
		"CODERUNNER_CLEANUP_INTERVAL_MS": "100",
	})
	ctx := context.Background()
	sessionID := "dddd4444eeee5555ffff6666aaaa7777"
	t.Cleanup(func() { p.DestroySession(ctx, sessionID) })

	e, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	containerID := e.ContainerID
	p.Release(e, true)

	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return containerGone(ctx, docker, containerID)
	}, 10*time.Second, 100*time.Millisecond, "expired container not reaped")

	// With the container gone and no open stream, the sweep also tears the
	// session network down and frees the lease.
	require.Eventually(t, func() bool {
		return alloc.Used() == 0
	}, 10*time.Second, 100*time.Millisecond, "session network not reaped")
}

func TestInUseProtectedFromReaper(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, _, docker := testPool(t, map[string]string{
		"CODERUNNER_SESSION_TTL_MS":      "100",
		"CODERUNNER_CLEANUP_INTERVAL_MS": "100",
	})
	ctx := context.Background()
	sessionID := "eeee5555ffff6666aaaa7777bbbb8888"
	t.Cleanup(func() { p.DestroySession(ctx, sessionID) })

	e, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)

	p.Start()
	defer p.Stop()

	// Well past the TTL the in-use container must still exist.
	time.Sleep(500 * time.Millisecond)
	assert.False(t, containerGone(ctx, docker, e.ContainerID))
	p.Release(e, true)
}

func TestMarkDeadRemovesContainer(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, _, docker := testPool(t, nil)
	ctx := context.Background()
	sessionID := "ffff6666aaaa7777bbbb8888cccc9999"
	t.Cleanup(func() { p.DestroySession(ctx, sessionID) })

	e, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	containerID := e.ContainerID

	p.Release(e, false)

	require.Eventually(t, func() bool {
		return containerGone(ctx, docker, containerID)
	}, 10*time.Second, 100*time.Millisecond)

	// A dead container is never reused.
	next, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	assert.NotEqual(t, containerID, next.ContainerID)
	p.Release(next, true)
}

func TestDestroySessionRemovesEverything(t *testing.T) {
	if !dockerAvailable() {
		t.Skip("Docker not available")
	}

	p, alloc, docker := testPool(t, nil)
	ctx := context.Background()
	sessionID := "aaaa7777bbbb8888cccc9999dddd0000"

	e, err := p.Acquire(ctx, sessionID, "alpine")
	require.NoError(t, err)
	containerID := e.ContainerID
	p.Release(e, true)

	p.DestroySession(ctx, sessionID)

	assert.True(t, containerGone(ctx, docker, containerID))
	assert.Equal(t, 0, alloc.Used())
	assert.Equal(t, 0, p.Stats().TotalActive)
}
