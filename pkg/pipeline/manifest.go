package pipeline

import (
	"time"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/ethpandaops/sweepoor/pkg/sysinfo"
)

// Manifest describes a finished sweep. It is uploaded as sweep.yaml and
// rendered into the markdown summary.
type Manifest struct {
	SweepID    string              `yaml:"sweep_id"`
	StartedAt  time.Time           `yaml:"started_at"`
	FinishedAt time.Time           `yaml:"finished_at"`
	Backend    string              `yaml:"backend,omitempty"`
	Bucket     string              `yaml:"bucket,omitempty"`
	Image      string              `yaml:"image,omitempty"`
	Labels     map[string]string   `yaml:"labels,omitempty"`
	System     *sysinfo.SystemInfo `yaml:"system,omitempty"`
	Summary    Summary             `yaml:"summary"`
	Runs       []ManifestRun       `yaml:"runs"`
}

// ManifestRun is one run of the manifest.
type ManifestRun struct {
	RunKey          sweep.RunKey `yaml:"run_key"`
	KPoints         string       `yaml:"kpoints"`
	Functional      string       `yaml:"functional"`
	Device          string       `yaml:"device"`
	Nodes           int          `yaml:"nodes"`
	JobID           string       `yaml:"job_id,omitempty"`
	State           string       `yaml:"state"`
	Status          string       `yaml:"status"`
	WallTimeSeconds *float64     `yaml:"wall_time_seconds,omitempty"`
	Reason          string       `yaml:"reason,omitempty"`
}

func (p *Pipeline) manifest(sw *Sweep, out *Outcome, finished time.Time) *Manifest {
	handles := make(map[sweep.RunKey]*sweep.JobHandle, len(out.Handles))
	for _, h := range out.Handles {
		handles[h.RunKey] = h
	}

	m := &Manifest{
		SweepID:    sw.ID,
		StartedAt:  sw.StartedAt,
		FinishedAt: finished,
		Backend:    p.opts.Backend,
		Bucket:     p.opts.Bucket,
		Image:      p.opts.Image,
		Labels:     p.opts.Labels,
		System:     p.opts.System,
		Summary:    out.Summary,
		Runs:       make([]ManifestRun, 0, len(out.Results)),
	}

	for _, r := range out.Results {
		run := ManifestRun{
			RunKey:          r.RunKey,
			KPoints:         r.Spec.KPoints.Name,
			Functional:      string(r.Spec.Functional),
			Device:          string(r.Spec.Device),
			Nodes:           r.Spec.Nodes,
			State:           NotSubmitted,
			Status:          string(r.Status),
			WallTimeSeconds: r.WallTime,
			Reason:          r.Reason,
		}

		if h, ok := handles[r.RunKey]; ok {
			run.JobID = h.JobID
			run.State = h.State.String()
		}

		m.Runs = append(m.Runs, run)
	}

	return m
}
