// Package collect fetches the timing artifact of finished jobs and turns
// each job into a RunResult.
package collect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
)

// Failure reasons recorded on FAILED results.
const (
	ReasonJobFailed      = "job failed"
	ReasonJobTimedOut    = "job timed out"
	ReasonJobUnfinished  = "job not finished"
	ReasonTimingMissing  = "timing artifact missing"
	ReasonTimingInvalid  = "timing artifact invalid"
	ReasonTimingReadFail = "timing artifact unreadable"
)

// Timing is the content of the timing.json artifact a job writes.
type Timing struct {
	WallTimeSeconds *float64 `json:"wall_time_seconds"`
}

// Collector produces one RunResult per job handle.
type Collector struct {
	log   logrus.FieldLogger
	store storage.Store
}

// New creates a Collector reading outputs from store.
func New(log logrus.FieldLogger, store storage.Store) *Collector {
	return &Collector{
		log:   log.WithField("component", "collector"),
		store: store,
	}
}

// Collect returns the result of h. It never fails: a missing or malformed
// artifact yields a FAILED result without a wall time. Only SUCCEEDED jobs
// touch the store.
func (c *Collector) Collect(ctx context.Context, h *sweep.JobHandle) sweep.RunResult {
	log := c.log.WithFields(logrus.Fields{
		"run_key": h.RunKey,
		"job_id":  h.JobID,
	})

	switch h.State {
	case sweep.JobSucceeded:
	case sweep.JobFailed:
		return sweep.FailedResult(h.Spec, ReasonJobFailed)
	case sweep.JobTimedOut:
		return sweep.FailedResult(h.Spec, ReasonJobTimedOut)
	default:
		return sweep.FailedResult(h.Spec, ReasonJobUnfinished)
	}

	seconds, err := c.wallTime(ctx, h.RunKey)
	if err != nil {
		reason := ReasonTimingReadFail

		switch {
		case errors.Is(err, storage.ErrNotFound):
			reason = ReasonTimingMissing
		case errors.Is(err, errInvalidTiming):
			reason = ReasonTimingInvalid
		}

		log.WithError(err).Warn("No usable timing for succeeded job")

		return sweep.FailedResult(h.Spec, reason)
	}

	log.WithField("wall_time_seconds", seconds).Debug("Collected timing")

	return sweep.RunResult{
		RunKey:   h.RunKey,
		Spec:     h.Spec,
		WallTime: &seconds,
		Status:   sweep.StatusSucceeded,
	}
}

var errInvalidTiming = errors.New("invalid timing value")

// timingSource is one location a run's timing may be stored at.
type timingSource struct {
	key   func(sweep.RunKey) string
	parse func([]byte) (float64, error)
}

// timingSources are tried in order; a later one is read only when the
// earlier ones do not exist. elapsed_time.txt holds decimal hours and was
// written either below output/ or at the run root.
var timingSources = []timingSource{
	{
		key:   func(k sweep.RunKey) string { return storage.OutputKey(k, storage.TimingFile) },
		parse: ParseTiming,
	},
	{
		key:   func(k sweep.RunKey) string { return storage.OutputKey(k, storage.LegacyTimeFile) },
		parse: ParseLegacyTiming,
	},
	{
		key:   storage.LegacyTimeKey,
		parse: ParseLegacyTiming,
	},
}

func (c *Collector) wallTime(ctx context.Context, key sweep.RunKey) (float64, error) {
	var err error

	for _, src := range timingSources {
		objKey := src.key(key)

		var data []byte

		data, err = c.store.Get(ctx, objKey)
		if err == nil {
			return src.parse(data)
		}

		if !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s: %w", sweep.ErrResultFetch, objKey, err)
		}
	}

	return 0, fmt.Errorf("%w: no timing artifact: %w", sweep.ErrResultFetch, err)
}

// ParseTiming decodes a timing.json artifact.
func ParseTiming(data []byte) (float64, error) {
	var t Timing
	if err := json.Unmarshal(data, &t); err != nil {
		return 0, fmt.Errorf("%w: %w", errInvalidTiming, err)
	}

	if t.WallTimeSeconds == nil {
		return 0, fmt.Errorf("%w: wall_time_seconds missing", errInvalidTiming)
	}

	return checkPositive(*t.WallTimeSeconds)
}

// ParseLegacyTiming decodes an elapsed_time.txt artifact (hours) into
// seconds.
func ParseLegacyTiming(data []byte) (float64, error) {
	hours, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errInvalidTiming, err)
	}

	return checkPositive(hours * 3600)
}

func checkPositive(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("%w: %v", errInvalidTiming, v)
	}

	return v, nil
}
