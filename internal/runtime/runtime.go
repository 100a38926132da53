// Package runtime implements the Runtime Driver (C1): bringing the local
// container runtime online, pulling the base image used by stdio MCPs, and
// resolving the runtime's control socket path for downstream components.
package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/dockerapi"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/events"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/logging"
	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// Callbacks lets the caller react to async runtime bring-up outcomes,
// mirroring spec.md §4.1's ensure_runtime_running(callbacks).
type Callbacks struct {
	OnSuccess func()
	OnError   func(err error)
}

// Driver is the C1 Runtime Driver. It owns the RuntimeState value and the
// Docker API client used by every other component.
type Driver struct {
	mu    sync.Mutex
	state model.RuntimeState

	dockerClient dockerapi.DockerAPI
	bus          *events.Bus
	logger       logging.Logger

	baseImage string
}

// New constructs a Driver. dockerClient is accepted as dockerapi.DockerAPI so
// tests can substitute a fake; production wiring uses client.NewClientWithOpts
// with client.FromEnv (honoring DOCKER_HOST, the same socket discovery the
// Docker CLI itself uses).
func New(dockerClient dockerapi.DockerAPI, bus *events.Bus, baseImage string) *Driver {
	return &Driver{
		state:        model.RuntimeState{Status: model.RuntimeNotInstalled},
		dockerClient: dockerClient,
		bus:          bus,
		baseImage:    baseImage,
		logger:       logging.NewComponentLogger("runtime"),
	}
}

// NewDockerClient opens a real client against the local daemon, resolving
// the socket the same way the Docker CLI does: DOCKER_HOST if set, else the
// platform default (unix:///var/run/docker.sock on Linux/macOS,
// npipe:////./pipe/docker_engine on Windows).
func NewDockerClient() (dockerapi.DockerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("construct docker client: %w", err)
	}
	return cli, nil
}

// State returns a value-copy snapshot of the current RuntimeState.
func (d *Driver) State() model.RuntimeState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(mutate func(*model.RuntimeState)) {
	d.mu.Lock()
	mutate(&d.state)
	snapshot := d.state
	d.mu.Unlock()
	if d.bus != nil {
		d.bus.PublishRuntimeState(snapshot)
	}
}

// EnsureRunningAsync starts the runtime daemon check/bring-up asynchronously
// and invokes callbacks on completion, matching spec.md §4.1's signature.
func (d *Driver) EnsureRunningAsync(ctx context.Context, cb Callbacks) {
	go func() {
		if err := d.EnsureRunning(ctx); err != nil {
			if cb.OnError != nil {
				cb.OnError(err)
			}
			return
		}
		if cb.OnSuccess != nil {
			cb.OnSuccess()
		}
	}()
}

// EnsureRunning pings the container runtime daemon once, transitioning
// RuntimeState through initializing -> running (or -> error if the ping
// fails). It does not start a daemon that is down and does not retry.
func (d *Driver) EnsureRunning(ctx context.Context) error {
	d.setState(func(s *model.RuntimeState) {
		s.Status = model.RuntimeInitializing
		s.MachineStartupPct = 10
		s.MachineMessage = "checking container runtime"
	})

	if _, err := d.dockerClient.Ping(ctx); err != nil {
		d.setState(func(s *model.RuntimeState) {
			s.Status = model.RuntimeError
			s.MachineError = fmt.Sprintf("container runtime unreachable: %v", err)
		})
		return fmt.Errorf("ping container runtime: %w", err)
	}

	d.setState(func(s *model.RuntimeState) {
		s.MachineStartupPct = 100
		s.MachineMessage = "container runtime reachable"
		s.Status = model.RuntimeRunning
	})
	d.logger.Info("container runtime is up")
	return nil
}

// ResolveSocketPath returns the runtime's control socket address: DOCKER_HOST
// unchanged if set, else the platform default as a URL
// (unix:///var/run/docker.sock, after checking that file exists, or
// npipe:////./pipe/docker_engine on Windows). It never returns a bare
// filesystem path.
func (d *Driver) ResolveSocketPath() (string, error) {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		d.setState(func(s *model.RuntimeState) { s.SocketPath = host })
		return host, nil
	}

	var def string
	switch runtime.GOOS {
	case "windows":
		def = "npipe:////./pipe/docker_engine"
	default:
		def = "unix:///var/run/docker.sock"
	}
	path := def
	if runtime.GOOS != "windows" {
		p := filepath.Clean("/var/run/docker.sock")
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("resolve runtime socket: %w", err)
		}
	}
	d.setState(func(s *model.RuntimeState) { s.SocketPath = path })
	return path, nil
}

// pullProgressLine is one line of the newline-delimited JSON progress stream
// the Docker Engine API emits for an image pull.
type pullProgressLine struct {
	Status         string `json:"status"`
	Error          string `json:"error"`
	Progress       string `json:"progress"`
	ProgressDetail struct {
		Current int64 `json:"current"`
		Total   int64 `json:"total"`
	} `json:"progressDetail"`
}

// PullBaseImage pulls the configured base image used by stdio MCPs,
// publishing incremental progress via the event bus as ImagePullPct/ImageMessage
// update (spec.md §4.1).
func (d *Driver) PullBaseImage(ctx context.Context) error {
	d.setState(func(s *model.RuntimeState) {
		s.ImagePullPct = 0
		s.ImageMessage = fmt.Sprintf("pulling %s", d.baseImage)
	})

	rc, err := d.dockerClient.ImagePull(ctx, d.baseImage, image.PullOptions{})
	if err != nil {
		d.setState(func(s *model.RuntimeState) {
			s.ImageError = err.Error()
		})
		return fmt.Errorf("pull base image %s: %w", d.baseImage, err)
	}
	defer rc.Close()

	if err := d.consumePullProgress(rc); err != nil {
		d.setState(func(s *model.RuntimeState) { s.ImageError = err.Error() })
		return err
	}

	d.setState(func(s *model.RuntimeState) {
		s.ImagePullPct = 100
		s.ImageMessage = "base image ready"
	})
	return nil
}

func (d *Driver) consumePullProgress(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lastPct int
	for scanner.Scan() {
		var line pullProgressLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			return fmt.Errorf("image pull error: %s", line.Error)
		}
		pct := lastPct
		if line.ProgressDetail.Total > 0 {
			pct = int(100 * line.ProgressDetail.Current / line.ProgressDetail.Total)
		}
		if pct != lastPct || line.Status != "" {
			lastPct = pct
			d.setState(func(s *model.RuntimeState) {
				if pct > s.ImagePullPct {
					s.ImagePullPct = pct
				}
				s.ImageMessage = line.Status
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read image pull progress: %w", err)
	}
	return nil
}

// StopRuntime transitions the runtime out of running; the supervisor itself
// does not manage the underlying VM process (Non-goal per spec.md §1), so
// this only updates in-process state.
func (d *Driver) StopRuntime(ctx context.Context) error {
	d.setState(func(s *model.RuntimeState) { s.Status = model.RuntimeStopping })
	d.setState(func(s *model.RuntimeState) {
		s.Status = model.RuntimeStopped
		s.SocketPath = ""
	})
	return nil
}

// RemoveRuntime resets RuntimeState back to not_installed. force is accepted
// for API symmetry with spec.md §4.1 but unused: there is no local runtime
// lifecycle for the supervisor to force-tear-down (Non-goal per spec.md §1).
func (d *Driver) RemoveRuntime(ctx context.Context, force bool) error {
	d.setState(func(s *model.RuntimeState) {
		*s = model.RuntimeState{Status: model.RuntimeNotInstalled}
	})
	return nil
}
