// Package dockerapi declares the narrow slice of the Docker Engine API
// client that the supervisor actually calls, mirroring the teacher's own
// pattern of a small interface in front of a concrete client (cf.
// internal/devops/docker.Client) so every consuming package can be unit
// tested against a fake instead of a running daemon.
//
// *github.com/docker/docker/client.Client satisfies this interface
// structurally; production code constructs one via runtime.NewDockerClient
// and passes it around as a DockerAPI.
package dockerapi

import (
	"context"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerAPI is the subset of the Docker Engine API used by the supervisor:
// daemon liveness (C1), container lifecycle (C2), attach (C3), and logs (C4).
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)

	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
}
