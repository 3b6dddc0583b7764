// Package pipeline runs a sweep end to end: stage, submit, monitor, collect
// and report.
package pipeline

import (
	"context"
	"encoding/json"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/ledger"
	"github.com/ethpandaops/sweepoor/pkg/monitor"
	"github.com/ethpandaops/sweepoor/pkg/render"
	"github.com/ethpandaops/sweepoor/pkg/report"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/ethpandaops/sweepoor/pkg/sysinfo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Stager uploads the inputs of a run.
type Stager interface {
	Stage(ctx context.Context, spec sweep.RunSpec) (sweep.StagedInput, error)
}

// Submitter creates the batch job of a staged run.
type Submitter interface {
	Submit(ctx context.Context, staged sweep.StagedInput, spec sweep.RunSpec) (*sweep.JobHandle, error)
}

// Watcher polls job handles until they are terminal.
type Watcher interface {
	Watch(ctx context.Context, handles []*sweep.JobHandle) iter.Seq[monitor.Snapshot]
}

// Collector turns a terminal job into a result.
type Collector interface {
	Collect(ctx context.Context, h *sweep.JobHandle) sweep.RunResult
}

// Report artifact names below {sweep_id}/report/.
const (
	ManifestFile = "sweep.yaml"
	ResultsFile  = "results.json"
)

// Options configures a pipeline run.
type Options struct {
	SweepID     string
	Specs       []sweep.RunSpec
	Concurrency int

	ComparisonNodes int

	// OutputDir receives the local copies of the report artifacts. Empty
	// file names skip the local copy.
	OutputDir      string
	ScalingPlot    string
	ComparisonPlot string
	SummaryFile    string

	// CollectGrace bounds result collection after ctx was cancelled.
	CollectGrace time.Duration

	// Descriptive fields recorded in the manifest and ledger.
	Backend string
	Bucket  string
	Image   string
	Labels  map[string]string
	System  *sysinfo.SystemInfo
}

// Pipeline wires the sweep stages together.
type Pipeline struct {
	log       logrus.FieldLogger
	stager    Stager
	submitter Submitter
	watcher   Watcher
	collector Collector
	store     storage.Store
	ledger    ledger.Store
	opts      Options
}

// New creates a pipeline. ledger may be nil.
func New(
	log logrus.FieldLogger,
	stager Stager,
	submitter Submitter,
	watcher Watcher,
	collector Collector,
	store storage.Store,
	ldg ledger.Store,
	opts Options,
) *Pipeline {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	if opts.CollectGrace <= 0 {
		opts.CollectGrace = time.Minute
	}

	return &Pipeline{
		log:       log.WithField("component", "pipeline").WithField("sweep_id", opts.SweepID),
		stager:    stager,
		submitter: submitter,
		watcher:   watcher,
		collector: collector,
		store:     store,
		ledger:    ldg,
		opts:      opts,
	}
}

// Sweep is the pipeline context threaded through the stages. Handles and
// results are appended concurrently; everything else is fixed at creation.
type Sweep struct {
	ID        string
	Specs     []sweep.RunSpec
	StartedAt time.Time

	mu       sync.Mutex
	handles  []*sweep.JobHandle
	results  map[sweep.RunKey]sweep.RunResult
	failures map[sweep.RunKey]Stage
}

func newSweep(id string, specs []sweep.RunSpec) *Sweep {
	return &Sweep{
		ID:        id,
		Specs:     specs,
		StartedAt: time.Now().UTC(),
		results:   make(map[sweep.RunKey]sweep.RunResult, len(specs)),
		failures:  make(map[sweep.RunKey]Stage, len(specs)),
	}
}

func (s *Sweep) addHandle(h *sweep.JobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handles = append(s.handles, h)
}

func (s *Sweep) addResult(res sweep.RunResult, stage Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[res.RunKey] = res

	if stage != "" {
		s.failures[res.RunKey] = stage
	}
}

// Results returns one result per spec in matrix order.
func (s *Sweep) Results() []sweep.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sweep.RunResult, 0, len(s.Specs))

	for _, spec := range s.Specs {
		if res, ok := s.results[spec.Key()]; ok {
			out = append(out, res)
		}
	}

	return out
}

// Outcome is what a finished pipeline run produced.
type Outcome struct {
	SweepID string
	Results []sweep.RunResult
	Handles []*sweep.JobHandle
	Report  report.Report
	Summary Summary
}

// Run executes the sweep. Per-run failures are recorded in the outcome;
// the only error is sweep.ErrNoSuccessfulRuns, returned together with the
// outcome when no run succeeded.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	sw := newSweep(p.opts.SweepID, p.opts.Specs)

	p.log.WithField("runs", len(sw.Specs)).Info("Starting sweep")
	p.recordSweepStart(ctx, sw)

	p.stageAndSubmit(ctx, sw)
	p.watch(ctx, sw)
	p.collect(ctx, sw)

	results := sw.Results()
	rep := report.Build(results, report.Options{ComparisonNodes: p.opts.ComparisonNodes})
	summary := Summarize(results, sw.handles, sw.failures)

	outcome := &Outcome{
		SweepID: sw.ID,
		Results: results,
		Handles: sw.handles,
		Report:  rep,
		Summary: summary,
	}

	finished := time.Now().UTC()

	// Artifacts are written even after cancellation.
	actx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc

		actx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.opts.CollectGrace)
		defer cancel()
	}

	p.writeArtifacts(actx, sw, outcome, finished)
	p.recordSweepEnd(actx, sw, outcome, finished)

	p.log.WithFields(logrus.Fields{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"duration":  finished.Sub(sw.StartedAt).Round(time.Second),
	}).Info("Sweep finished")

	if summary.Succeeded == 0 {
		return outcome, sweep.ErrNoSuccessfulRuns
	}

	return outcome, nil
}

// stageAndSubmit runs staging then submission per spec with bounded
// concurrency. Failures become FAILED results and do not affect siblings.
func (p *Pipeline) stageAndSubmit(ctx context.Context, sw *Sweep) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for _, spec := range sw.Specs {
		g.Go(func() error {
			log := p.log.WithField("run_key", spec.Key())

			staged, err := p.stager.Stage(gCtx, spec)
			if err != nil {
				log.WithError(err).Warn("Failed to stage inputs")
				sw.addResult(sweep.FailedResult(spec, "staging: "+err.Error()), StageInput)
				p.recordResult(gCtx, sw.ID, spec, nil, sw.resultFor(spec))

				return nil
			}

			handle, err := p.submitter.Submit(gCtx, staged, spec)
			if err != nil {
				log.WithError(err).Warn("Failed to submit job")
				sw.addResult(sweep.FailedResult(spec, "submission: "+err.Error()), StageSubmit)
				p.recordResult(gCtx, sw.ID, spec, nil, sw.resultFor(spec))

				return nil
			}

			sw.addHandle(handle)
			p.recordResult(gCtx, sw.ID, spec, handle, nil)

			return nil
		})
	}

	_ = g.Wait()
}

func (s *Sweep) resultFor(spec sweep.RunSpec) *sweep.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[spec.Key()]
	if !ok {
		return nil
	}

	return &res
}

// watch drives the monitor until every handle is terminal.
func (p *Pipeline) watch(ctx context.Context, sw *Sweep) {
	if len(sw.handles) == 0 {
		p.log.Warn("No jobs were submitted")

		return
	}

	p.log.WithField("jobs", len(sw.handles)).Info("Waiting for jobs")

	for snap := range p.watcher.Watch(ctx, sw.handles) {
		p.log.WithFields(logrus.Fields{
			"cycle":     snap.Cycle,
			"pending":   snap.Counts[sweep.JobPending],
			"running":   snap.Counts[sweep.JobRunning],
			"succeeded": snap.Counts[sweep.JobSucceeded],
			"failed":    snap.Counts[sweep.JobFailed],
			"timed_out": snap.Counts[sweep.JobTimedOut],
		}).Info("Job status")

		if p.ledger != nil {
			states := make(map[string]string, len(snap.States))
			for key, st := range snap.States {
				states[string(key)] = st.String()
			}

			if err := p.ledger.UpdateRunStates(ctx, sw.ID, states); err != nil {
				p.log.WithError(err).Warn("Failed to record job states")
			}
		}
	}
}

// collect fetches results for every submitted job with bounded
// concurrency.
func (p *Pipeline) collect(ctx context.Context, sw *Sweep) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.opts.CollectGrace)
		defer cancel()
	}

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Concurrency)

	for _, h := range sw.handles {
		g.Go(func() error {
			res := p.collector.Collect(ctx, h)
			sw.addResult(res, failureStage(h.State, res))
			p.recordResult(ctx, sw.ID, h.Spec, h, &res)

			return nil
		})
	}

	_ = g.Wait()
}

func (p *Pipeline) writeArtifacts(ctx context.Context, sw *Sweep, out *Outcome, finished time.Time) {
	artifacts := make(map[string][]byte, 5)

	if img, err := render.Scaling(out.Report); err != nil {
		p.log.WithError(err).Error("Failed to render scaling plot")
	} else if p.opts.ScalingPlot != "" {
		artifacts[p.opts.ScalingPlot] = img
	}

	if img, err := render.Comparison(out.Report); err != nil {
		p.log.WithError(err).Error("Failed to render comparison plot")
	} else if p.opts.ComparisonPlot != "" {
		artifacts[p.opts.ComparisonPlot] = img
	}

	if p.opts.SummaryFile != "" {
		artifacts[p.opts.SummaryFile] = []byte(GenerateMarkdown(p.manifest(sw, out, finished), out.Report))
	}

	for name, data := range artifacts {
		path := filepath.Join(p.opts.OutputDir, name)

		if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // report files are world readable
			p.log.WithError(err).WithField("path", path).Error("Failed to write report file")

			continue
		}

		p.log.WithField("path", path).Info("Wrote report file")
	}

	manifest, err := yaml.Marshal(p.manifest(sw, out, finished))
	if err != nil {
		p.log.WithError(err).Error("Failed to encode sweep manifest")
	} else {
		artifacts[ManifestFile] = manifest
	}

	results, err := json.MarshalIndent(out.Results, "", "  ")
	if err != nil {
		p.log.WithError(err).Error("Failed to encode results")
	} else {
		artifacts[ResultsFile] = results
	}

	if p.store == nil {
		return
	}

	for name, data := range artifacts {
		key := storage.ReportKey(sw.ID, filepath.Base(name))

		if err := p.store.Put(ctx, key, data, contentType(name)); err != nil {
			p.log.WithError(err).WithField("key", key).Warn("Failed to upload report artifact")
		}
	}
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".png":
		return "image/png"
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return "application/octet-stream"
	}
}

func (p *Pipeline) recordSweepStart(ctx context.Context, sw *Sweep) {
	if p.ledger == nil {
		return
	}

	if err := p.ledger.UpsertSweep(ctx, &ledger.Sweep{
		SweepID:   sw.ID,
		Status:    ledger.SweepRunning,
		Backend:   p.opts.Backend,
		Bucket:    p.opts.Bucket,
		Image:     p.opts.Image,
		TotalRuns: len(sw.Specs),
		StartedAt: sw.StartedAt,
	}); err != nil {
		p.log.WithError(err).Warn("Failed to record sweep")

		return
	}

	for _, spec := range sw.Specs {
		if err := p.ledger.UpsertRun(ctx, ledger.NewRun(sw.ID, spec)); err != nil {
			p.log.WithError(err).WithField("run_key", spec.Key()).Warn("Failed to record run")
		}
	}
}

func (p *Pipeline) recordResult(
	ctx context.Context,
	sweepID string,
	spec sweep.RunSpec,
	h *sweep.JobHandle,
	res *sweep.RunResult,
) {
	if p.ledger == nil {
		return
	}

	run := ledger.NewRun(sweepID, spec)
	if h != nil {
		run.WithHandle(h)
	} else {
		run.State = NotSubmitted
	}

	if res != nil {
		run.WithResult(*res)
	}

	if err := p.ledger.UpsertRun(ctx, run); err != nil {
		p.log.WithError(err).WithField("run_key", spec.Key()).Warn("Failed to record run")
	}
}

func (p *Pipeline) recordSweepEnd(ctx context.Context, sw *Sweep, out *Outcome, finished time.Time) {
	if p.ledger == nil {
		return
	}

	summary := out.Summary

	status := ledger.SweepCompleted
	if summary.Succeeded == 0 {
		status = ledger.SweepFailed
	}

	var manifest string
	if data, err := yaml.Marshal(p.manifest(sw, out, finished)); err == nil {
		manifest = string(data)
	}

	if err := p.ledger.UpsertSweep(ctx, &ledger.Sweep{
		SweepID:      sw.ID,
		Status:       status,
		Backend:      p.opts.Backend,
		Bucket:       p.opts.Bucket,
		Image:        p.opts.Image,
		TotalRuns:    summary.Total,
		Succeeded:    summary.Succeeded,
		Failed:       summary.Failed,
		TimedOut:     summary.States[sweep.JobTimedOut],
		ManifestYAML: manifest,
		StartedAt:    sw.StartedAt,
		FinishedAt:   &finished,
	}); err != nil {
		p.log.WithError(err).Warn("Failed to record sweep result")
	}
}
