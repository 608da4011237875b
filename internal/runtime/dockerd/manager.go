// Package dockerd runs bot workloads as plain containers on a Docker daemon for
// local development.
package dockerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/helGmoro/tardiaplataforma-code/internal/docker"
	"github.com/helGmoro/tardiaplataforma-code/internal/domain"
	"github.com/helGmoro/tardiaplataforma-code/internal/runtime"
)

const (
	defaultPollInterval = time.Second
	healthHealthy       = "healthy"
	healthUnhealthy     = "unhealthy"
)

// probeScript issues an HTTP GET against the bot port with the image's own node binary.
const probeScript = `require('http').get('http://127.0.0.1:%d%s',r=>process.exit(r.statusCode<500?0:1)).on('error',()=>process.exit(1))`

type containerAPI interface {
	RunContainer(ctx context.Context, spec docker.RunSpec) (string, error)
	InspectContainer(ctx context.Context, name string) (docker.ContainerState, error)
	RemoveContainer(ctx context.Context, name string) error
}

// Manager maps a deployment request onto a single container named after the deployment.
type Manager struct {
	api          containerAPI
	hostIP       string
	logger       *slog.Logger
	pollInterval time.Duration
}

var _ runtime.Manager = (*Manager)(nil)

// New returns a docker-backed runtime manager. Bot ports are published on hostIP with
// an ephemeral host port.
func New(api containerAPI, hostIP string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if hostIP == "" {
		hostIP = "127.0.0.1"
	}
	return &Manager{
		api:          api,
		hostIP:       hostIP,
		logger:       log.With("component", "docker-runtime"),
		pollInterval: defaultPollInterval,
	}
}

// Apply replaces any container with the same name and starts a fresh one.
func (m *Manager) Apply(ctx context.Context, req runtime.Request) (runtime.Ref, error) {
	spec, err := m.runSpec(req)
	if err != nil {
		return runtime.Ref{}, domain.NewStageError(domain.StageApply, domain.ErrDeploy, err, "")
	}
	if err := m.api.RemoveContainer(ctx, spec.Name); err != nil {
		return runtime.Ref{}, domain.NewStageError(domain.StageApply, domain.ErrDeploy, err, "")
	}
	id, err := m.api.RunContainer(ctx, spec)
	if err != nil {
		return runtime.Ref{}, domain.NewStageError(domain.StageApply, domain.ErrDeploy, err, "")
	}
	m.logger.Info("bot container started", "container", spec.Name, "id", shortID(id), "image", spec.Image)
	return runtime.RefFor(req), nil
}

// AwaitReady waits for the container to run and pass its healthcheck.
func (m *Manager) AwaitReady(ctx context.Context, ref runtime.Ref, timeout time.Duration) error {
	var last docker.ContainerState
	err := wait.PollUntilContextTimeout(ctx, m.pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		state, err := m.api.InspectContainer(ctx, ref.DeploymentName)
		if err != nil {
			if errors.Is(err, docker.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		last = state
		switch {
		case state.Status == "exited" || state.Status == "dead":
			msg := state.Error
			if msg == "" {
				msg = "container " + state.Status
			}
			return false, fmt.Errorf("bot container stopped: %s", msg)
		case state.Health == healthUnhealthy:
			return false, fmt.Errorf("bot container reported unhealthy")
		case state.Running && (state.Health == "" || state.Health == healthHealthy):
			return true, nil
		}
		return false, nil
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.NewStageError(domain.StageReadiness, domain.ErrDeploy,
			fmt.Errorf("readiness wait for %s interrupted: %w", ref.DeploymentName, ctxErr), "")
	}
	if wait.Interrupted(err) || errors.Is(err, context.DeadlineExceeded) {
		detail := ""
		if last.Status != "" {
			detail = fmt.Sprintf("last observed: status=%s health=%s", last.Status, last.Health)
		}
		return domain.NewStageError(domain.StageReadiness, domain.ErrReadinessTimeout,
			fmt.Errorf("container %s not ready after %s", ref.DeploymentName, timeout), detail)
	}
	return domain.NewStageError(domain.StageReadiness, domain.ErrDeploy, err, "")
}

// Teardown removes the container; a missing container is not an error.
func (m *Manager) Teardown(ctx context.Context, ref runtime.Ref) error {
	if ref.DeploymentName == "" {
		return nil
	}
	if err := m.api.RemoveContainer(ctx, ref.DeploymentName); err != nil {
		return domain.NewStageError(domain.StageTeardown, domain.ErrDeploy, err, "")
	}
	return nil
}

func (m *Manager) runSpec(req runtime.Request) (docker.RunSpec, error) {
	if req.DeploymentName == "" || req.Image == "" || req.Port <= 0 {
		return docker.RunSpec{}, fmt.Errorf("%w: incomplete deployment request", domain.ErrValidation)
	}
	memory, err := resource.ParseQuantity(req.Resources.LimitMemory)
	if err != nil {
		return docker.RunSpec{}, fmt.Errorf("parse memory limit: %w", err)
	}
	cpu, err := resource.ParseQuantity(req.Resources.LimitCPU)
	if err != nil {
		return docker.RunSpec{}, fmt.Errorf("parse cpu limit: %w", err)
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(req.Port))
	if err != nil {
		return docker.RunSpec{}, fmt.Errorf("container port: %w", err)
	}

	env := make([]string, 0, len(req.Env))
	for _, kv := range req.Env {
		env = append(env, kv.Name+"="+kv.Value)
	}
	return docker.RunSpec{
		Name:   req.DeploymentName,
		Image:  req.Image,
		Env:    env,
		Labels: req.Labels,
		Ports: nat.PortMap{
			port: []nat.PortBinding{{HostIP: m.hostIP}},
		},
		Health: &container.HealthConfig{
			Test:        []string{"CMD", "node", "-e", fmt.Sprintf(probeScript, req.Port, req.Readiness.Path)},
			Interval:    req.Readiness.Period,
			StartPeriod: req.Readiness.InitialDelay,
			Timeout:     5 * time.Second,
			Retries:     3,
		},
		Memory:   memory.Value(),
		NanoCPUs: cpu.MilliValue() * 1_000_000,
	}, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
