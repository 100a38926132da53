// Package container implements the Container Controller (C2): per-MCP
// container lifecycle (spec derivation, create/start/stop/remove,
// wait-for-healthy, port discovery) against the Docker Engine API.
package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// healthWaitPollInterval is the short poll interval used by WaitHealthy
// (spec.md §4.2: "a short poll interval").
const healthWaitPollInterval = 500 * time.Millisecond

// healthWaitTimeout bounds how long WaitHealthy blocks before giving up.
const healthWaitTimeout = 30 * time.Second

// OnStateChange is invoked synchronously on every ContainerState mutation;
// the owning wrapper (C6) uses it to trigger a StatusSummary re-publish
// through C9 (spec.md §3: "Recomputed on any state mutation").
type OnStateChange func(model.ContainerState)

// Controller is one MCP's container lifecycle manager. It is the sole
// writer of its ContainerState (spec.md "Concurrency & Resource Model").
type Controller struct {
	docker dockerapi.DockerAPI
	logger logging.Logger

	mu    sync.Mutex
	state model.ContainerState

	onChange OnStateChange
}

// New constructs a Controller for containerName, not yet created.
func New(docker dockerapi.DockerAPI, containerName string, onChange OnStateChange) *Controller {
	return &Controller{
		docker: docker,
		logger: logging.NewComponentLogger("container").With("container_name", containerName),
		state: model.ContainerState{
			State:         model.ContainerNotCreated,
			ContainerName: containerName,
		},
		onChange: onChange,
	}
}

// State returns a value-copy snapshot of the current ContainerState.
func (c *Controller) State() model.ContainerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *Controller) setState(mutate func(*model.ContainerState)) {
	c.mu.Lock()
	mutate(&c.state)
	snapshot := c.state.Clone()
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(snapshot)
	}
}

// StartOrCreate is idempotent (spec.md P6): if the container already exists
// and is running, it is treated as up without reopening anything; if it
// exists but is stopped, it is started; otherwise it is created from spec
// then started. After any start, it waits for healthy.
func (c *Controller) StartOrCreate(ctx context.Context, spec Spec) error {
	info, err := c.docker.ContainerInspect(ctx, spec.Name)
	switch {
	case err == nil && info.State != nil && info.State.Running:
		c.logger.Debug("container already running, treating as up")
		c.setState(func(s *model.ContainerState) {
			s.State = model.ContainerRunning
			s.StartupPercentage = 100
			s.Message = "already running"
		})
		return nil

	case err == nil:
		// Exists, not running: start it directly (case ii).
		c.setState(func(s *model.ContainerState) {
			s.State = model.ContainerInitializing
			s.StartupPercentage = 30
			s.Message = "starting existing container"
		})
		if startErr := c.docker.ContainerStart(ctx, spec.Name, container.StartOptions{}); startErr != nil {
			return c.fail(fmt.Errorf("start existing container: %w", startErr))
		}

	default:
		// Does not exist: create then start (case iii).
		if createErr := c.create(ctx, spec); createErr != nil {
			return createErr
		}
		c.setState(func(s *model.ContainerState) {
			s.StartupPercentage = 50
			s.Message = "start acknowledged"
		})
		if startErr := c.docker.ContainerStart(ctx, spec.Name, container.StartOptions{}); startErr != nil {
			_, _ = c.removeAfterFailure(ctx, spec.Name)
			return c.fail(fmt.Errorf("start container: %w", startErr))
		}
		c.setState(func(s *model.ContainerState) {
			s.StartupPercentage = 60
			s.Message = "start ack received"
		})
	}

	if !c.WaitHealthy(ctx, spec.Name) {
		_, _ = c.removeAfterFailure(ctx, spec.Name)
		return c.fail(fmt.Errorf("container did not become healthy"))
	}
	c.setState(func(s *model.ContainerState) {
		s.StartupPercentage = 80
		s.Message = "healthy"
	})

	c.setState(func(s *model.ContainerState) {
		s.StartupPercentage = 90
		s.Message = "logs attached"
	})

	c.setState(func(s *model.ContainerState) {
		s.State = model.ContainerRunning
		s.StartupPercentage = 100
		s.Message = "running"
		s.Error = ""
	})
	return nil
}

func (c *Controller) create(ctx context.Context, spec Spec) error {
	c.setState(func(s *model.ContainerState) {
		s.State = model.ContainerInitializing
		s.StartupPercentage = 10
		s.Message = "spec built"
	})

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envSlice(spec.Env),
		OpenStdin:    spec.StdinOpen,
		Tty:          false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}
	if spec.Command != "" {
		cfg.Entrypoint = append([]string{spec.Command}, spec.Args...)
	} else if len(spec.Args) > 0 {
		cfg.Cmd = spec.Args
	}

	hostCfg := &container.HostConfig{
		AutoRemove: spec.Remove,
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Destination,
			ReadOnly: m.ReadOnly,
		})
	}

	if len(spec.Ports) > 0 {
		exposed := nat.PortSet{}
		bindings := nat.PortMap{}
		for _, p := range spec.Ports {
			port, err := nat.NewPort(p.Protocol, fmt.Sprint(p.ContainerPort))
			if err != nil {
				return c.fail(fmt.Errorf("build port mapping: %w", err))
			}
			exposed[port] = struct{}{}
			bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprint(p.HostPort)}}
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	_, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return c.fail(fmt.Errorf("create container: %w", err))
	}

	c.setState(func(s *model.ContainerState) {
		s.StartupPercentage = 30
		s.Message = "created"
	})
	return nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// fail transitions the ContainerState to error, preferring a structured
// "message" sub-field from the runtime's error text if present, and returns
// the wrapped error to the caller (spec.md §4.2 "Startup progress").
func (c *Controller) fail(err error) error {
	msg := extractStructuredMessage(err.Error())
	c.setState(func(s *model.ContainerState) {
		s.State = model.ContainerError
		s.Error = msg
		s.Message = msg
	})
	c.logger.Error("container failed: %v", err)
	return err
}

// extractStructuredMessage pulls a `message":"..."` field out of a Docker
// API JSON error body if present, else returns the error text unchanged.
func extractStructuredMessage(text string) string {
	const marker = `"message":"`
	idx := strings.Index(text, marker)
	if idx < 0 {
		return text
	}
	rest := text[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return text
	}
	return rest[:end]
}

// removeAfterFailure is the cleanup invoked on a creation failure following
// a partial start; its own errors are logged but never mask the original
// error (spec.md §4.2 "Failure semantics").
func (c *Controller) removeAfterFailure(ctx context.Context, name string) (bool, error) {
	if err := c.Remove(ctx, name, true); err != nil {
		c.logger.Warn("cleanup after failed start: %v", err)
		return false, err
	}
	return true, nil
}

// Stop stops the container, tolerating "already stopped" and "not found".
func (c *Controller) Stop(ctx context.Context, name string) error {
	c.setState(func(s *model.ContainerState) { s.State = model.ContainerStopping })

	timeout := 10
	err := c.docker.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !isNotFoundOrNotRunning(err) {
		return c.fail(fmt.Errorf("stop container: %w", err))
	}

	c.setState(func(s *model.ContainerState) {
		s.State = model.ContainerStopped
		s.StartupPercentage = 0
		s.Message = "stopped"
	})
	return nil
}

// Remove deletes the container (stopping it first if running) and its
// volumes.
func (c *Controller) Remove(ctx context.Context, name string, force bool) error {
	_ = c.Stop(ctx, name)

	err := c.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !isNotFoundOrNotRunning(err) {
		return fmt.Errorf("remove container: %w", err)
	}

	c.setState(func(s *model.ContainerState) {
		s.State = model.ContainerExited
		s.StartupPercentage = 0
		s.AssignedHostPort = 0
		s.Message = "removed"
	})
	return nil
}

// WaitHealthy polls ContainerInspect every healthWaitPollInterval for up to
// healthWaitTimeout. It returns true once the health status is "healthy",
// or once the container is running when it has no healthcheck; it returns
// false on "unhealthy", an inspect error, a cancelled context or the
// deadline. It does not use the runtime's wait-for-condition endpoint.
func (c *Controller) WaitHealthy(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthWaitTimeout)
	defer cancel()

	deadline := time.Now().Add(healthWaitTimeout)
	ticker := time.NewTicker(healthWaitPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		info, err := c.docker.ContainerInspect(ctx, name)
		if err != nil {
			return false
		}
		if info.State == nil {
			return false
		}
		if info.State.Health != nil {
			if info.State.Health.Status == "healthy" {
				return true
			}
			if info.State.Health.Status == "unhealthy" {
				return false
			}
		} else if info.State.Running {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return false
}

// DiscoverAssignedPort inspects the container to read the randomly assigned
// host port mapped to containerPort and stores it in ContainerState
// (spec.md §4.2, S6).
func (c *Controller) DiscoverAssignedPort(ctx context.Context, name string, containerPort int) (int, error) {
	info, err := c.docker.ContainerInspect(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("inspect container for port discovery: %w", err)
	}
	if info.NetworkSettings == nil {
		return 0, fmt.Errorf("no network settings for container %s", name)
	}

	port, err := nat.NewPort("tcp", fmt.Sprint(containerPort))
	if err != nil {
		return 0, fmt.Errorf("build port spec: %w", err)
	}
	bindings, ok := info.NetworkSettings.Ports[port]
	if !ok || len(bindings) == 0 {
		return 0, fmt.Errorf("no host port bound for container port %d/tcp", containerPort)
	}

	hostPort := bindings[0].HostPort
	var assigned int
	if _, err := fmt.Sscanf(hostPort, "%d", &assigned); err != nil {
		return 0, fmt.Errorf("parse assigned host port %q: %w", hostPort, err)
	}

	c.setState(func(s *model.ContainerState) { s.AssignedHostPort = assigned })
	return assigned, nil
}

func isNotFoundOrNotRunning(err error) bool {
	if client.IsErrNotFound(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "is not running") || strings.Contains(msg, "no such container")
}
