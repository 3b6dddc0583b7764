package pipeline

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/ethpandaops/sweepoor/pkg/collect"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
)

// Stage names the pipeline step a run failed in.
type Stage string

// Failure stages.
const (
	StageInput   Stage = "input"
	StageSubmit  Stage = "submit"
	StageJob     Stage = "job"
	StageTimeout Stage = "timeout"
	StageCollect Stage = "collect"
)

// NotSubmitted is the ledger state of runs that never got a job.
const NotSubmitted = "NOT_SUBMITTED"

// failureStage classifies a collected result. Successful results have no
// stage.
func failureStage(state sweep.JobState, res sweep.RunResult) Stage {
	if res.Status == sweep.StatusSucceeded {
		return ""
	}

	switch state {
	case sweep.JobFailed:
		return StageJob
	case sweep.JobTimedOut:
		return StageTimeout
	case sweep.JobSucceeded:
		return StageCollect
	default:
		if res.Reason == collect.ReasonJobUnfinished {
			return StageTimeout
		}

		return StageJob
	}
}

// Summary counts the outcome of a sweep.
type Summary struct {
	Total     int `json:"total" yaml:"total"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	// States counts the final job state of submitted runs.
	States       map[sweep.JobState]int `json:"-" yaml:"-"`
	NotSubmitted int                    `json:"not_submitted" yaml:"not_submitted"`
	// Stages counts failed runs by the stage they failed in.
	Stages map[Stage]int `json:"failure_stages,omitempty" yaml:"failure_stages,omitempty"`
}

// Summarize counts results, job states and failure stages.
func Summarize(results []sweep.RunResult, handles []*sweep.JobHandle, failures map[sweep.RunKey]Stage) Summary {
	s := Summary{
		Total:  len(results),
		States: make(map[sweep.JobState]int, len(sweep.AllJobStates)),
		Stages: make(map[Stage]int, 5),
	}

	for _, r := range results {
		if r.Status == sweep.StatusSucceeded {
			s.Succeeded++

			continue
		}

		s.Failed++

		if stage, ok := failures[r.RunKey]; ok {
			s.Stages[stage]++
		}
	}

	for _, h := range handles {
		s.States[h.State]++
	}

	s.NotSubmitted = s.Total - len(handles)

	return s
}

// Print writes the per-status summary shown at the end of a sweep.
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Runs: %d total, %d succeeded, %d failed\n", s.Total, s.Succeeded, s.Failed)

	for _, st := range sweep.AllJobStates {
		if n := s.States[st]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", st, n)
		}
	}

	if s.NotSubmitted > 0 {
		fmt.Fprintf(w, "  %-10s %d\n", "NOT SUBMITTED", s.NotSubmitted)
	}

	for _, stage := range slices.Sorted(maps.Keys(s.Stages)) {
		fmt.Fprintf(w, "  failed in %s: %d\n", stage, s.Stages[stage])
	}
}
