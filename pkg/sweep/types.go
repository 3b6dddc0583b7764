package sweep

import (
	"fmt"
	"strings"
	"time"
)

// Functional is the exchange-correlation functional used by a run.
type Functional string

// Supported functionals.
const (
	FunctionalPBE   Functional = "PBE"
	FunctionalHSE06 Functional = "HSE06"
)

// ParseFunctional parses a functional name case-insensitively.
func ParseFunctional(s string) (Functional, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(FunctionalPBE):
		return FunctionalPBE, nil
	case string(FunctionalHSE06):
		return FunctionalHSE06, nil
	default:
		return "", fmt.Errorf("%w: unknown functional %q", ErrInvalidConfiguration, s)
	}
}

// Device is the compute device class a run is scheduled on.
type Device string

// Supported devices.
const (
	DeviceCPU Device = "CPU"
	DeviceGPU Device = "GPU"
)

// ParseDevice parses a device name case-insensitively.
func ParseDevice(s string) (Device, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(DeviceCPU):
		return DeviceCPU, nil
	case string(DeviceGPU):
		return DeviceGPU, nil
	default:
		return "", fmt.Errorf("%w: unknown device %q", ErrInvalidConfiguration, s)
	}
}

// KPointConfig is a named Monkhorst-Pack style k-point grid.
type KPointConfig struct {
	Name  string `yaml:"name" mapstructure:"name" json:"name"`
	Grid  [3]int `yaml:"grid" mapstructure:"grid" json:"grid"`
	Count int    `yaml:"count" mapstructure:"count" json:"count"`
}

// RunKey is the deterministic identity of a RunSpec. It is safe to use as an
// object-store path segment and as a batch job name.
type RunKey string

// RunSpec is one point of the sweep. It is created by BuildMatrix and never
// mutated afterwards.
type RunSpec struct {
	KPoints    KPointConfig `json:"kpoints" yaml:"kpoints"`
	Functional Functional   `json:"functional" yaml:"functional"`
	Device     Device       `json:"device" yaml:"device"`
	Nodes      int          `json:"nodes" yaml:"nodes"`
}

// Key returns the run key, e.g. "2x2x6-pbe-cpu-n4".
func (s RunSpec) Key() RunKey {
	return RunKey(strings.ToLower(fmt.Sprintf(
		"%s-%s-%s-n%d", s.KPoints.Name, s.Functional, s.Device, s.Nodes,
	)))
}

// Group returns the key this run aggregates under in a scaling series.
func (s RunSpec) Group() GroupKey {
	return GroupKey{
		KPoints:    s.KPoints.Name,
		Functional: s.Functional,
		Device:     s.Device,
	}
}

// GroupKey identifies one scaling series.
type GroupKey struct {
	KPoints    string     `json:"kpoints"`
	Functional Functional `json:"functional"`
	Device     Device     `json:"device"`
}

// String returns a human readable label.
func (g GroupKey) String() string {
	return fmt.Sprintf("%s %s %s", g.Device, g.KPoints, g.Functional)
}

// StagedInput references the uploaded inputs of a run.
type StagedInput struct {
	RunKey   RunKey
	Location string
}

// JobState is the lifecycle state of a submitted job.
type JobState int

// Job states. Terminal states are SUCCEEDED, FAILED and TIMED_OUT.
const (
	JobPending JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobTimedOut
)

// AllJobStates lists every state in lifecycle order.
var AllJobStates = []JobState{JobPending, JobRunning, JobSucceeded, JobFailed, JobTimedOut}

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobSucceeded:
		return "SUCCEEDED"
	case JobFailed:
		return "FAILED"
	case JobTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transition can occur.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobTimedOut
}

// ParseJobState is the inverse of JobState.String.
func ParseJobState(s string) (JobState, error) {
	for _, st := range AllJobStates {
		if st.String() == s {
			return st, nil
		}
	}

	return JobPending, fmt.Errorf("unknown job state %q", s)
}

// JobHandle tracks one submitted job. State is owned by the monitor.
type JobHandle struct {
	RunKey     RunKey
	Spec       RunSpec
	JobID      string
	SubmitTime time.Time
	State      JobState
}

// Status is the outcome recorded for a run.
type Status string

// Run outcomes.
const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// RunResult is the collected outcome of one RunSpec.
type RunResult struct {
	RunKey RunKey  `json:"run_key"`
	Spec   RunSpec `json:"spec"`
	// WallTime is in seconds and nil when no timing is available.
	WallTime *float64 `json:"wall_time_seconds,omitempty"`
	Status   Status   `json:"status"`
	// Reason is empty on success and names the failing stage otherwise.
	Reason string `json:"reason,omitempty"`
}

// FailedResult synthesizes a FAILED result for a run.
func FailedResult(spec RunSpec, reason string) RunResult {
	return RunResult{
		RunKey: spec.Key(),
		Spec:   spec,
		Status: StatusFailed,
		Reason: reason,
	}
}
