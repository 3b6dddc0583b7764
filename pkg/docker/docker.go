// Package docker runs sweep jobs as containers on the local Docker daemon.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Labels applied to every container created by sweepoor.
const (
	LabelManagedBy = "sweepoor.managed-by"
	LabelRunKey    = "sweepoor.run-key"
	LabelSweepID   = "sweepoor.sweep-id"

	ManagedByValue = "sweepoor"
)

// managedFilter selects containers created by sweepoor.
var managedFilter = LabelManagedBy + "=" + ManagedByValue

// ContainerManager is the container runtime used by the local batch backend
// and the cleanup command. Docker and Podman both implement it.
type ContainerManager interface {
	Start(ctx context.Context) error
	Stop() error

	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerState, error)

	PullImage(ctx context.Context, imageName string, policy string) error

	// ListContainers returns all containers managed by sweepoor.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
}

// ResourceLimits defines container resource constraints.
type ResourceLimits struct {
	CPUs        int   // whole CPUs, 0 = unlimited
	MemoryBytes int64 // memory limit in bytes, 0 = unlimited
	GPUs        int   // number of GPUs requested
}

// ContainerSpec defines container configuration.
type ContainerSpec struct {
	Name           string
	Image          string
	Command        []string
	Env            map[string]string
	Mounts         []Mount
	NetworkName    string
	Labels         map[string]string
	ResourceLimits *ResourceLimits
	// MaxRetries restarts the container on non-zero exit up to this many times.
	MaxRetries int
}

// Mount defines a bind mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// ContainerState is the runtime-neutral state of a container.
type ContainerState struct {
	// Status is the lower-case runtime status, e.g. "created", "running",
	// "exited".
	Status    string
	ExitCode  int64
	OOMKilled bool
}

// NewManager creates a new Docker manager.
func NewManager(log logrus.FieldLogger) (ContainerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
}

// Ensure interface compliance.
var _ ContainerManager = (*manager)(nil)

// Start verifies the connection to the Docker daemon.
func (m *manager) Start(ctx context.Context) error {
	_, err := m.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

// CreateContainer creates a new container described by spec.
func (m *manager) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	log := m.log.WithField("container", spec.Name)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))

	for _, mnt := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   mnt.Source,
			Target:   mnt.Target,
			ReadOnly: mnt.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
		Cmd:    spec.Command,
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkName),
	}

	if spec.MaxRetries > 0 {
		hostCfg.RestartPolicy = container.RestartPolicy{
			Name:              container.RestartPolicyOnFailure,
			MaximumRetryCount: spec.MaxRetries,
		}
	}

	if spec.ResourceLimits != nil {
		hostCfg.NanoCPUs = int64(spec.ResourceLimits.CPUs) * 1e9
		hostCfg.Memory = spec.ResourceLimits.MemoryBytes

		if spec.ResourceLimits.GPUs > 0 {
			hostCfg.DeviceRequests = []container.DeviceRequest{{
				Driver:       "nvidia",
				Count:        spec.ResourceLimits.GPUs,
				Capabilities: [][]string{{"gpu"}},
			}}
		}
	}

	resp, err := m.client.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", shortID(resp.ID)).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Started container")

	return nil
}

// RemoveContainer removes a container.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// InspectContainer returns the current state of a container.
func (m *manager) InspectContainer(ctx context.Context, containerID string) (*ContainerState, error) {
	inspect, err := m.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", shortID(containerID), err)
	}

	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return nil, fmt.Errorf("container %s has no state", shortID(containerID))
	}

	return &ContainerState{
		Status:    strings.ToLower(string(inspect.State.Status)),
		ExitCode:  int64(inspect.State.ExitCode),
		OOMKilled: inspect.State.OOMKilled,
	}, nil
}

// PullImage pulls a Docker image.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// Consume the pull output.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// ListContainers returns all containers managed by sweepoor.
func (m *manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedFilter)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   ContainerName(c.Names),
			Labels: c.Labels,
		})
	}

	return result, nil
}

// ManagedFilter returns the label filter selecting sweepoor containers.
func ManagedFilter() string {
	return managedFilter
}

// ContainerName returns the first name without the leading slash Docker adds.
func ContainerName(names []string) string {
	if len(names) == 0 {
		return ""
	}

	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
