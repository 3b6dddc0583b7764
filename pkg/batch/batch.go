// Package batch submits jobs to a batch compute service and reports their
// state.
package batch

import (
	"context"
	"errors"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
)

// Error classes returned by Client implementations. Transient failures may
// succeed on retry; permanent ones will not.
var (
	ErrTransient = errors.New("transient batch error")
	ErrPermanent = errors.New("permanent batch error")
)

// Environment variables exported to every job.
const (
	EnvRunKey    = "SWEEP_RUN_KEY"
	EnvInputURI  = "SWEEP_INPUT_URI"
	EnvOutputURI = "SWEEP_OUTPUT_URI"
	EnvNodes     = "SWEEP_NODES"
	EnvNTasks    = "SWEEP_NTASKS"
)

// Shape is the machine shape a job is scheduled on.
type Shape struct {
	MachineType      string
	VCPUs            int
	MemoryBytes      int64
	AcceleratorType  string
	AcceleratorCount int
}

// JobRequest describes one job to submit.
type JobRequest struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	Nodes      int
	Shape      Shape
	InputURI   string
	OutputURI  string
	MaxRetries int
	Labels     map[string]string
}

// Client is the batch compute service.
type Client interface {
	// SubmitJob submits one job and returns its service-assigned ID.
	SubmitJob(ctx context.Context, req *JobRequest) (string, error)
	// GetStatus returns the current state of a job.
	GetStatus(ctx context.Context, jobID string) (sweep.JobState, error)
}

// BatchStatusGetter is implemented by clients that can query many jobs in
// one call. IDs missing from the result are treated as unknown.
type BatchStatusGetter interface {
	GetStatuses(ctx context.Context, jobIDs []string) (map[string]sweep.JobState, error)
	// MaxBatch is the largest number of IDs accepted per call.
	MaxBatch() int
}
