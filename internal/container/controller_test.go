package container

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// fakeDocker is a minimal in-memory stand-in for dockerapi.DockerAPI, used
// to test Controller's state machine without a real daemon.
type fakeDocker struct {
	created  bool
	running  bool
	healthy  bool
	existsAt string

	createErr error
	startErr  error
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDocker) ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.created = true
	f.existsAt = name
	return container.CreateResponse{ID: name}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.healthy = true
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.running = false
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.created = false
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if !f.created {
		return types.ContainerJSON{}, errors.New("no such container: " + id)
	}
	state := &types.ContainerState{Running: f.running}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: state},
	}, nil
}

func (f *fakeDocker) ContainerAttach(ctx context.Context, id string, options container.AttachOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{}, errors.New("not implemented in fake")
}

func (f *fakeDocker) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func TestStartOrCreateFromScratchReachesRunning(t *testing.T) {
	docker := &fakeDocker{}
	var states []model.ContainerState
	ctrl := New(docker, "test-mcp", func(s model.ContainerState) { states = append(states, s) })

	spec := Spec{Name: "test-mcp", Image: "busybox:latest", StdinOpen: true}
	err := ctrl.StartOrCreate(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, model.ContainerRunning, ctrl.State().State)
	require.Equal(t, 100, ctrl.State().StartupPercentage)
	require.NotEmpty(t, states)
}

func TestStartOrCreateIsIdempotentWhenAlreadyRunning(t *testing.T) {
	docker := &fakeDocker{created: true, running: true}
	ctrl := New(docker, "test-mcp", nil)

	spec := Spec{Name: "test-mcp", Image: "busybox:latest"}
	require.NoError(t, ctrl.StartOrCreate(context.Background(), spec))
	require.Equal(t, model.ContainerRunning, ctrl.State().State)
	require.Equal(t, "already running", ctrl.State().Message)
}

func TestStartOrCreateCreateFailureTransitionsToError(t *testing.T) {
	docker := &fakeDocker{createErr: errors.New(`API error (400): {"message":"invalid image name"}`)}
	ctrl := New(docker, "test-mcp", nil)

	spec := Spec{Name: "test-mcp", Image: "bad image"}
	err := ctrl.StartOrCreate(context.Background(), spec)
	require.Error(t, err)
	require.Equal(t, model.ContainerError, ctrl.State().State)
	require.Equal(t, "invalid image name", ctrl.State().Error)
}

func TestDiscoverAssignedPortErrorsWithoutHostPortBinding(t *testing.T) {
	docker := &fakeDocker{created: true, running: true}
	ctrl := New(docker, "test-mcp", nil)

	// fakeDocker.ContainerInspect doesn't model port bindings, so this
	// documents the expected error path when none are present.
	_, err := ctrl.DiscoverAssignedPort(context.Background(), "test-mcp", 8000)
	require.Error(t, err)
}

func TestStopToleratesAlreadyStopped(t *testing.T) {
	docker := &fakeDocker{}
	ctrl := New(docker, "test-mcp", nil)
	require.NoError(t, ctrl.Stop(context.Background(), "test-mcp"))
	require.Equal(t, model.ContainerStopped, ctrl.State().State)
}
