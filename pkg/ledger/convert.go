package ledger

import (
	"time"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
)

// NewRun returns the ledger row of a run that has not been submitted.
func NewRun(sweepID string, spec sweep.RunSpec) *Run {
	return &Run{
		SweepID:    sweepID,
		RunKey:     string(spec.Key()),
		KPoints:    spec.KPoints.Name,
		Functional: string(spec.Functional),
		Device:     string(spec.Device),
		Nodes:      spec.Nodes,
		State:      sweep.JobPending.String(),
		UpdatedAt:  time.Now().UTC(),
	}
}

// WithHandle records the submitted job on the run.
func (r *Run) WithHandle(h *sweep.JobHandle) *Run {
	submitted := h.SubmitTime.UTC()

	r.JobID = h.JobID
	r.State = h.State.String()
	r.SubmittedAt = &submitted
	r.UpdatedAt = time.Now().UTC()

	return r
}

// WithResult records the collected outcome on the run.
func (r *Run) WithResult(res sweep.RunResult) *Run {
	r.Status = string(res.Status)
	r.Reason = res.Reason
	r.WallTimeSeconds = res.WallTime
	r.UpdatedAt = time.Now().UTC()

	return r
}
