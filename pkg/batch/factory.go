package batch

import (
	"context"
	"fmt"

	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/docker"
	"github.com/ethpandaops/sweepoor/pkg/podman"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/ethpandaops/sweepoor/pkg/sysinfo"
	"github.com/sirupsen/logrus"
)

// New creates the batch client selected by cfg. The returned stop function
// releases runtime connections and must be called when done.
func New(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.BatchConfig,
	mounts []docker.Mount,
) (Client, func() error, error) {
	switch cfg.Backend {
	case config.BatchBackendAWS:
		return NewAWSClient(log, cfg.AWS), func() error { return nil }, nil
	case config.BatchBackendLocal:
		mgr, err := NewContainerManager(log, cfg.Local.Runtime)
		if err != nil {
			return nil, nil, err
		}

		if err := mgr.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("starting container runtime: %w", err)
		}

		host, err := sysinfo.Collect(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to collect host info")
		}

		return NewContainerClient(log, mgr, ContainerOptions{
			PullPolicy: cfg.Local.PullPolicy,
			Network:    cfg.Local.Network,
			Mounts:     mounts,
			Host:       host,
		}), mgr.Stop, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported batch backend %q", sweep.ErrInvalidConfiguration, cfg.Backend)
	}
}

// NewContainerManager returns the manager for a container runtime name.
func NewContainerManager(log logrus.FieldLogger, runtime string) (docker.ContainerManager, error) {
	switch runtime {
	case config.RuntimeDocker, "":
		return docker.NewManager(log)
	case config.RuntimePodman:
		return podman.NewManager(log, ""), nil
	default:
		return nil, fmt.Errorf("%w: unsupported container runtime %q", sweep.ErrInvalidConfiguration, runtime)
	}
}
