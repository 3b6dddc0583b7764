// Package podman implements the container manager on top of the Podman
// REST bindings.
package podman

import (
	"context"
	"fmt"
	"strings"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/ethpandaops/sweepoor/pkg/docker"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	nettypes "go.podman.io/common/libnetwork/types"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// cpuPeriod is the CFS period used to express whole-CPU quotas.
const cpuPeriod = 100000

// qualifyImageName ensures the image name is fully qualified for Podman.
// Podman requires fully-qualified names unless unqualified-search
// registries are configured.
func qualifyImageName(name string) string {
	// Already has a registry (contains a dot or colon before the first slash).
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":") || parts[0] == "localhost") {
		return name
	}

	return "docker.io/" + name
}

// manager implements docker.ContainerManager using Podman Go bindings.
type manager struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
}

// Ensure interface compliance.
var _ docker.ContainerManager = (*manager)(nil)

// NewManager creates a new Podman container manager. An empty socket uses
// DefaultSocket.
func NewManager(log logrus.FieldLogger, socket string) docker.ContainerManager {
	if socket == "" {
		socket = DefaultSocket
	}

	return &manager{
		log:    log.WithField("component", "podman"),
		socket: socket,
	}
}

// Start opens the Podman connection.
func (m *manager) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, m.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			m.socket, err,
		)
	}

	m.conn = conn

	info, err := system.Info(m.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"version":  info.Version.Version,
		"runtime":  info.Host.OCIRuntime.Name,
		"rootless": info.Host.Security.Rootless,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop is a no-op; the bindings hold no resources beyond the context.
func (m *manager) Stop() error {
	return nil
}

// CreateContainer creates a new container described by spec using Podman's specgen.
func (m *manager) CreateContainer(
	_ context.Context, spec *docker.ContainerSpec,
) (string, error) {
	log := m.log.WithField("container", spec.Name)

	s := specgen.NewSpecGenerator(qualifyImageName(spec.Image), false)
	s.Name = spec.Name
	s.Command = spec.Command
	s.Labels = spec.Labels

	if len(spec.Env) > 0 {
		s.Env = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			s.Env[k] = v
		}
	}

	for _, mnt := range spec.Mounts {
		mount := specs.Mount{
			Destination: mnt.Target,
			Source:      mnt.Source,
			Type:        "bind",
			Options:     []string{"rbind"},
		}

		if mnt.ReadOnly {
			mount.Options = append(mount.Options, "ro")
		}

		s.Mounts = append(s.Mounts, mount)
	}

	if spec.NetworkName != "" {
		s.Networks = map[string]nettypes.PerNetworkOptions{
			spec.NetworkName: {},
		}
	}

	if spec.MaxRetries > 0 {
		retries := uint(spec.MaxRetries) //nolint:gosec // positive by check above
		s.RestartPolicy = "on-failure"
		s.RestartRetries = &retries
	}

	if limits := spec.ResourceLimits; limits != nil {
		s.ResourceLimits = &specs.LinuxResources{}

		if limits.CPUs > 0 {
			quota := int64(limits.CPUs) * cpuPeriod
			period := uint64(cpuPeriod)
			s.ResourceLimits.CPU = &specs.LinuxCPU{
				Quota:  &quota,
				Period: &period,
			}
		}

		if limits.MemoryBytes > 0 {
			mem := limits.MemoryBytes
			s.ResourceLimits.Memory = &specs.LinuxMemory{
				Limit: &mem,
			}
		}

		if limits.GPUs > 0 {
			// CDI device name; requires the NVIDIA container toolkit.
			s.Devices = append(s.Devices, specs.LinuxDevice{Path: "nvidia.com/gpu=all"})
		}
	}

	resp, err := containers.CreateWithSpec(m.conn, s, nil)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.WithField("id", shortID(resp.ID)).Debug("Created container")

	return resp.ID, nil
}

// StartContainer starts a container.
func (m *manager) StartContainer(_ context.Context, containerID string) error {
	if err := containers.Start(m.conn, containerID, nil); err != nil {
		return fmt.Errorf("starting container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Started container")

	return nil
}

// RemoveContainer removes a container.
func (m *manager) RemoveContainer(_ context.Context, containerID string) error {
	force := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	if _, err := containers.Remove(m.conn, containerID, &containers.RemoveOptions{
		Force:   &force,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// InspectContainer returns the current state of a container.
func (m *manager) InspectContainer(_ context.Context, containerID string) (*docker.ContainerState, error) {
	inspect, err := containers.Inspect(m.conn, containerID, nil)
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", shortID(containerID), err)
	}

	if inspect.State == nil {
		return nil, fmt.Errorf("container %s has no state", shortID(containerID))
	}

	return &docker.ContainerState{
		Status:    strings.ToLower(inspect.State.Status),
		ExitCode:  int64(inspect.State.ExitCode),
		OOMKilled: inspect.State.OOMKilled,
	}, nil
}

// PullImage pulls a container image.
func (m *manager) PullImage(_ context.Context, imageName string, policy string) error {
	imageName = qualifyImageName(imageName)
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		_, err := images.GetImage(m.conn, imageName, nil)
		if err == nil {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(m.conn, imageName, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// ListContainers returns all containers managed by sweepoor.
func (m *manager) ListContainers(_ context.Context) ([]docker.ContainerInfo, error) {
	all := true

	podmanContainers, err := containers.List(m.conn, &containers.ListOptions{
		All: &all,
		Filters: map[string][]string{
			"label": {docker.ManagedFilter()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   docker.ContainerName(c.Names),
			Labels: c.Labels,
		})
	}

	return result, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
