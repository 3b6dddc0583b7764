package ledger

import "time"

// Sweep statuses.
const (
	SweepRunning   = "running"
	SweepCompleted = "completed"
	SweepFailed    = "failed"
)

// Sweep is one execution of the pipeline.
type Sweep struct {
	ID      uint   `gorm:"primaryKey" json:"-"`
	SweepID string `gorm:"not null;uniqueIndex" json:"sweep_id"`
	Status  string `gorm:"index" json:"status"`
	Backend string `json:"backend"`
	Bucket  string `json:"bucket"`
	Image   string `json:"image"`

	TotalRuns int `json:"total_runs"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`

	// ManifestYAML is the sweep manifest as uploaded to the report prefix.
	ManifestYAML string `gorm:"type:text" json:"-"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Run is the latest known state of one RunSpec in a sweep.
type Run struct {
	ID         uint   `gorm:"primaryKey" json:"-"`
	SweepID    string `gorm:"not null;uniqueIndex:idx_runs_sweep_key" json:"sweep_id"`
	RunKey     string `gorm:"not null;uniqueIndex:idx_runs_sweep_key" json:"run_key"`
	KPoints    string `json:"kpoints"`
	Functional string `json:"functional"`
	Device     string `gorm:"index" json:"device"`
	Nodes      int    `json:"nodes"`

	JobID string `json:"job_id,omitempty"`
	// State is the job state while monitored; Status the collected outcome.
	State           string   `json:"state"`
	Status          string   `json:"status,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	WallTimeSeconds *float64 `json:"wall_time_seconds,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
