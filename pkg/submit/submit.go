// Package submit turns staged runs into batch jobs.
package submit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/batch"
	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/docker"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrAlreadySubmitted is returned when a run key was already submitted by
// this submitter. It matches sweep.ErrSubmission as well.
var ErrAlreadySubmitted = fmt.Errorf("%w: run already submitted", sweep.ErrSubmission)

// Options configures a Submitter.
type Options struct {
	Image         string
	MaxRetryCount int
	Profiles      map[string]config.MachineProfile
	// Labels are attached to every job in addition to the run labels.
	Labels  map[string]string
	SweepID string

	MaxAttempts   int
	BaseDelay     time.Duration
	Factor        float64
	MaxDelay      time.Duration
	RatePerSecond float64
}

// OptionsFromConfig builds submitter options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config, sweepID string) Options {
	return Options{
		Image:         cfg.Batch.Image,
		MaxRetryCount: cfg.Batch.MaxRetryCount,
		Profiles:      cfg.Profiles,
		Labels:        cfg.Sweep.Labels,
		SweepID:       sweepID,
		MaxAttempts:   cfg.Batch.Submit.MaxAttempts,
		BaseDelay:     cfg.Batch.Submit.BaseDelay,
		Factor:        cfg.Batch.Submit.Factor,
		MaxDelay:      cfg.Batch.Submit.MaxDelay,
		RatePerSecond: cfg.Batch.Submit.RatePerSecond,
	}
}

// Submitter submits staged runs. It is safe for concurrent use; all
// goroutines share one rate limiter.
type Submitter struct {
	log     logrus.FieldLogger
	client  batch.Client
	store   storage.Store
	opts    Options
	limiter *rate.Limiter

	mu        sync.Mutex
	submitted map[sweep.RunKey]struct{}
}

// New creates a Submitter.
func New(log logrus.FieldLogger, client batch.Client, store storage.Store, opts Options) *Submitter {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}

	if opts.Factor < 1 {
		opts.Factor = 2
	}

	limit := rate.Inf
	burst := 1

	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
		burst = max(1, int(opts.RatePerSecond))
	}

	return &Submitter{
		log:       log.WithField("component", "submitter"),
		client:    client,
		store:     store,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, burst),
		submitted: make(map[sweep.RunKey]struct{}, 16),
	}
}

// Submit submits the job for spec. A run key is submitted at most once per
// Submitter: the key is reserved before the first remote call and stays
// reserved when submission fails, since a failed call may still have
// created the job. Every error matches sweep.ErrSubmission.
func (s *Submitter) Submit(
	ctx context.Context,
	staged sweep.StagedInput,
	spec sweep.RunSpec,
) (*sweep.JobHandle, error) {
	key := spec.Key()
	log := s.log.WithField("run_key", key)

	if staged.RunKey != key {
		return nil, fmt.Errorf(
			"%w: staged input %s does not belong to run %s",
			sweep.ErrSubmission, staged.RunKey, key,
		)
	}

	req, err := s.buildRequest(staged, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", sweep.ErrSubmission, key, err)
	}

	if !s.reserve(key) {
		return nil, ErrAlreadySubmitted
	}

	var lastErr error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", sweep.ErrSubmission, key, err)
		}

		jobID, err := s.client.SubmitJob(ctx, req)
		if err == nil {
			log.WithFields(logrus.Fields{
				"job_id":  jobID,
				"attempt": attempt,
			}).Info("Submitted job")

			return &sweep.JobHandle{
				RunKey:     key,
				Spec:       spec,
				JobID:      jobID,
				SubmitTime: time.Now(),
				State:      sweep.JobPending,
			}, nil
		}

		lastErr = err

		if errors.Is(err, batch.ErrPermanent) {
			break
		}

		if attempt == s.opts.MaxAttempts {
			break
		}

		delay := s.backoff(attempt)

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Job submission failed, retrying")

		if err := sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", sweep.ErrSubmission, key, err)
		}
	}

	return nil, fmt.Errorf("%w: %s: %w", sweep.ErrSubmission, key, lastErr)
}

func (s *Submitter) reserve(key sweep.RunKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submitted[key]; ok {
		return false
	}

	s.submitted[key] = struct{}{}

	return true
}

// backoff returns the delay after the given failed attempt (1-based).
func (s *Submitter) backoff(attempt int) time.Duration {
	d := float64(s.opts.BaseDelay) * math.Pow(s.opts.Factor, float64(attempt-1))

	if s.opts.MaxDelay > 0 && d > float64(s.opts.MaxDelay) {
		return s.opts.MaxDelay
	}

	return time.Duration(d)
}

func (s *Submitter) buildRequest(staged sweep.StagedInput, spec sweep.RunSpec) (*batch.JobRequest, error) {
	device := strings.ToLower(string(spec.Device))

	profile, ok := s.opts.Profiles[device]
	if !ok {
		return nil, fmt.Errorf("no machine profile for device %s", spec.Device)
	}

	memory, err := profile.MemoryBytes()
	if err != nil {
		return nil, fmt.Errorf("parsing profile memory %q: %w", profile.Memory, err)
	}

	key := spec.Key()
	outputURI := s.store.URI(storage.OutputPrefix(key))

	labels := make(map[string]string, len(s.opts.Labels)+2)
	for k, v := range s.opts.Labels {
		labels[k] = v
	}

	labels[docker.LabelRunKey] = string(key)

	if s.opts.SweepID != "" {
		labels[docker.LabelSweepID] = s.opts.SweepID
	}

	return &batch.JobRequest{
		Name:    string(key),
		Image:   s.opts.Image,
		Command: profile.Command,
		Env: map[string]string{
			batch.EnvRunKey:    string(key),
			batch.EnvInputURI:  staged.Location,
			batch.EnvOutputURI: outputURI,
			batch.EnvNodes:     strconv.Itoa(spec.Nodes),
			batch.EnvNTasks:    strconv.Itoa(spec.Nodes * profile.TasksPerNode),
		},
		Nodes: spec.Nodes,
		Shape: batch.Shape{
			MachineType:      profile.MachineType,
			VCPUs:            profile.VCPUs,
			MemoryBytes:      memory,
			AcceleratorType:  profile.AcceleratorType,
			AcceleratorCount: profile.AcceleratorCount,
		},
		InputURI:   staged.Location,
		OutputURI:  outputURI,
		MaxRetries: s.opts.MaxRetryCount,
		Labels:     labels,
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
