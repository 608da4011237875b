package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// RunSpec describes a long-running container started from a built image.
type RunSpec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
	Ports  nat.PortMap
	// Health is an optional command-based healthcheck; nil keeps the image default.
	Health *container.HealthConfig
	Memory int64
	// NanoCPUs is the CPU limit in units of 1e-9 CPUs.
	NanoCPUs int64
}

// ContainerState is the subset of inspect output the runtime driver needs.
type ContainerState struct {
	ID      string
	Running bool
	Health  string
	Status  string
	Error   string
}

// RunContainer creates and starts a container, restarting it unless stopped.
func (c *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		Healthcheck:  spec.Health,
		ExposedPorts: nat.PortSet{},
	}
	for p := range spec.Ports {
		cfg.ExposedPorts[p] = struct{}{}
	}
	hostCfg := &container.HostConfig{
		PortBindings:  spec.Ports,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// InspectContainer reports the runtime state of a container by name or id.
func (c *Client) InspectContainer(ctx context.Context, name string) (ContainerState, error) {
	info, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{ID: info.ID}
	if info.State != nil {
		state.Running = info.State.Running
		state.Status = info.State.Status
		state.Error = info.State.Error
		if info.State.Health != nil {
			state.Health = info.State.Health.Status
		}
	}
	return state, nil
}

// RemoveContainer force-removes a container; a missing container is not an error.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
