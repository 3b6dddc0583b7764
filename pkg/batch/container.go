package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethpandaops/sweepoor/pkg/docker"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/ethpandaops/sweepoor/pkg/sysinfo"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContainerOptions configures the local container backend.
type ContainerOptions struct {
	PullPolicy string
	Network    string
	// Mounts are bind-mounted into every job, e.g. the local store directory.
	Mounts []docker.Mount
	// Host, when set, is used to warn about shapes the host cannot satisfy.
	Host *sysinfo.SystemInfo
}

type containerClient struct {
	log  logrus.FieldLogger
	mgr  docker.ContainerManager
	opts ContainerOptions

	mu     sync.Mutex
	pulled map[string]error
	warned map[Shape]struct{}
}

var _ Client = (*containerClient)(nil)

// NewContainerClient runs each job as a single container through mgr.
// Multi-node jobs run as one container with the node count exported in
// the environment.
func NewContainerClient(
	log logrus.FieldLogger,
	mgr docker.ContainerManager,
	opts ContainerOptions,
) Client {
	return &containerClient{
		log:    log.WithField("component", "container-batch"),
		mgr:    mgr,
		opts:   opts,
		pulled: make(map[string]error, 1),
		warned: make(map[Shape]struct{}, 2),
	}
}

// SubmitJob implements Client.
func (c *containerClient) SubmitJob(ctx context.Context, req *JobRequest) (string, error) {
	if err := c.ensureImage(ctx, req.Image); err != nil {
		return "", err
	}

	c.checkCapacity(req.Shape)

	labels := make(map[string]string, len(req.Labels)+1)
	for k, v := range req.Labels {
		labels[k] = v
	}

	labels[docker.LabelManagedBy] = docker.ManagedByValue

	spec := &docker.ContainerSpec{
		Name:        containerName(req.Name),
		Image:       req.Image,
		Command:     req.Command,
		Env:         req.Env,
		Mounts:      c.opts.Mounts,
		NetworkName: c.opts.Network,
		Labels:      labels,
		MaxRetries:  req.MaxRetries,
		ResourceLimits: &docker.ResourceLimits{
			CPUs:        req.Shape.VCPUs,
			MemoryBytes: req.Shape.MemoryBytes,
			GPUs:        req.Shape.AcceleratorCount,
		},
	}

	id, err := c.mgr.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}

	if err := c.mgr.StartContainer(ctx, id); err != nil {
		if rmErr := c.mgr.RemoveContainer(context.Background(), id); rmErr != nil {
			c.log.WithError(rmErr).Warn("Failed to remove container after start failure")
		}

		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}

	c.log.WithFields(logrus.Fields{
		"job_name":  req.Name,
		"job_id":    id,
		"container": spec.Name,
	}).Debug("Started job container")

	return id, nil
}

// ensureImage pulls an image once per client. A failed pull is permanent
// for every later job using the same image.
func (c *containerClient) ensureImage(ctx context.Context, image string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err, ok := c.pulled[image]; ok {
		return err
	}

	err := c.mgr.PullImage(ctx, image, c.opts.PullPolicy)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	c.pulled[image] = err

	return err
}

func (c *containerClient) checkCapacity(shape Shape) {
	if c.opts.Host == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.warned[shape]; ok {
		return
	}

	c.warned[shape] = struct{}{}

	if err := c.opts.Host.Fits(shape.VCPUs, shape.MemoryBytes); err != nil {
		c.log.WithError(err).WithField("machine_type", shape.MachineType).
			Warn("Job shape exceeds local host capacity")
	}
}

// GetStatus implements Client.
func (c *containerClient) GetStatus(ctx context.Context, jobID string) (sweep.JobState, error) {
	state, err := c.mgr.InspectContainer(ctx, jobID)
	if err != nil {
		return sweep.JobPending, fmt.Errorf("%w: %w", ErrTransient, err)
	}

	return mapContainerState(state), nil
}

func mapContainerState(s *docker.ContainerState) sweep.JobState {
	switch s.Status {
	case "configured", "created":
		return sweep.JobPending
	case "running", "restarting", "paused", "stopping":
		return sweep.JobRunning
	case "exited", "stopped":
		if s.ExitCode == 0 && !s.OOMKilled {
			return sweep.JobSucceeded
		}

		return sweep.JobFailed
	case "dead", "removing":
		return sweep.JobFailed
	default:
		return sweep.JobPending
	}
}

// containerName makes a unique container name for a job name.
func containerName(jobName string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	return "sweepoor-" + jobName + "-" + suffix
}
