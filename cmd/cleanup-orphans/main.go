// cleanup-orphans removes session containers and networks that survived a
// crash. All process state is in-memory, so after an unclean exit this tool
// must run before the service restarts. It matches on the session label only
// and needs no state from the dead process.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/codelab/coderunner/pkg/config"
)

const (
	// Running containers younger than this are left alone unless --all is
	// given; a live service may still own them.
	maxAge = 10 * time.Minute
)

func main() {
	all := len(os.Args) > 1 && os.Args[1] == "--all"

	ctx := context.Background()

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		fmt.Fprintf(os.Stderr, "docker client: %v\n", err)
		os.Exit(1)
	}
	defer docker.Close()

	filterArgs := filters.NewArgs()
	filterArgs.Add("label", config.SessionLabel)

	containers, err := docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list containers: %v\n", err)
		os.Exit(1)
	}

	removed := 0
	failed := 0

	for _, c := range containers {
		age := time.Duration(0)
		if ts, ok := c.Labels[config.CreatedAtLabelKey]; ok {
			if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
				age = time.Since(time.Unix(unix, 0))
			}
		}

		if !all && c.State == "running" && age < maxAge {
			fmt.Printf("keeping %s (%s, running, age %s)\n", c.ID[:12], c.Labels[config.SessionIDLabelKey], age.Round(time.Second))
			continue
		}

		if err := docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			fmt.Fprintf(os.Stderr, "remove container %s: %v\n", c.ID[:12], err)
			failed++
			continue
		}
		fmt.Printf("removed container %s (session %s)\n", c.ID[:12], c.Labels[config.SessionIDLabelKey])
		removed++
	}

	networks, err := docker.NetworkList(ctx, network.ListOptions{Filters: filterArgs})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list networks: %v\n", err)
		os.Exit(1)
	}

	for _, n := range networks {
		if inspect, err := docker.NetworkInspect(ctx, n.ID, network.InspectOptions{}); err == nil {
			if !all && len(inspect.Containers) > 0 {
				fmt.Printf("keeping network %s (%d containers attached)\n", n.Name, len(inspect.Containers))
				continue
			}
			// Disconnect anything still attached so removal succeeds.
			for containerID := range inspect.Containers {
				_ = docker.NetworkDisconnect(ctx, n.ID, containerID, true)
			}
		}
		if err := docker.NetworkRemove(ctx, n.ID); err != nil {
			fmt.Fprintf(os.Stderr, "remove network %s: %v\n", n.Name, err)
			failed++
			continue
		}
		fmt.Printf("removed network %s\n", n.Name)
		removed++
	}

	fmt.Printf("done: %d removed, %d failed\n", removed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
