// Package monitor polls submitted jobs until they reach a terminal state or
// a deadline passes.
package monitor

import (
	"context"
	"errors"
	"iter"
	"maps"
	"sync"
	"time"

	"github.com/ethpandaops/sweepoor/pkg/batch"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
)

// Options configures a Monitor.
type Options struct {
	PollInterval time.Duration
	// Timeout is the mandatory global deadline, measured from Watch.
	Timeout time.Duration
	// OnTransition, when set, is called for every state change. It runs
	// on the polling goroutine and must not block.
	OnTransition func(h *sweep.JobHandle, from, to sweep.JobState)
}

// Snapshot is a consolidated view of all watched handles after one cycle.
type Snapshot struct {
	Cycle  int
	Time   time.Time
	Counts map[sweep.JobState]int
	States map[sweep.RunKey]sweep.JobState
	// Done is set on the last snapshot of a sequence, when every handle is
	// terminal.
	Done bool
}

// StatusGetter reports the state of one job. Clients that also implement
// batch.BatchStatusGetter are queried in batches.
type StatusGetter interface {
	GetStatus(ctx context.Context, jobID string) (sweep.JobState, error)
}

var _ StatusGetter = (batch.Client)(nil)

// Monitor owns the state of a set of job handles.
type Monitor struct {
	log    logrus.FieldLogger
	client StatusGetter
	opts   Options

	mu       sync.Mutex
	handles  []*sweep.JobHandle
	deadline time.Time
	cycle    int
}

// ErrInvalidOptions is returned by New for a missing deadline or interval.
var ErrInvalidOptions = errors.New("monitor: poll interval and timeout must be positive")

// New creates a Monitor.
func New(client StatusGetter, log logrus.FieldLogger, opts Options) (*Monitor, error) {
	if opts.PollInterval <= 0 || opts.Timeout <= 0 {
		return nil, ErrInvalidOptions
	}

	return &Monitor{
		log:    log.WithField("component", "monitor"),
		client: client,
		opts:   opts,
	}, nil
}

// Watch returns a finite sequence of snapshots for handles. The deadline is
// fixed when Watch is called. Breaking out of a range loop stops polling;
// ranging the sequence again resumes with the handles that are still
// non-terminal, against the same deadline. When ctx is cancelled or the
// deadline passes, every non-terminal handle becomes TIMED_OUT and a final
// snapshot is yielded.
func (m *Monitor) Watch(ctx context.Context, handles []*sweep.JobHandle) iter.Seq[Snapshot] {
	m.mu.Lock()
	m.handles = handles
	m.deadline = time.Now().Add(m.opts.Timeout)
	m.cycle = 0
	m.mu.Unlock()

	return func(yield func(Snapshot) bool) {
		m.run(ctx, yield)
	}
}

func (m *Monitor) run(ctx context.Context, yield func(Snapshot) bool) {
	for {
		if m.expired(ctx) {
			m.timeoutRemaining()
			yield(m.snapshot())

			return
		}

		m.poll(ctx)

		// A query cut short by the deadline leaves handles non-terminal.
		if m.expired(ctx) {
			m.timeoutRemaining()
			yield(m.snapshot())

			return
		}

		snap := m.snapshot()
		if !yield(snap) || snap.Done {
			return
		}

		m.mu.Lock()
		wait := min(m.opts.PollInterval, time.Until(m.deadline))
		m.mu.Unlock()

		if wait > 0 {
			t := time.NewTimer(wait)

			select {
			case <-ctx.Done():
			case <-t.C:
			}

			t.Stop()
		}
	}
}

func (m *Monitor) expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return !time.Now().Before(m.deadline)
}

// pending returns the non-terminal handles.
func (m *Monitor) pending() []*sweep.JobHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*sweep.JobHandle, 0, len(m.handles))

	for _, h := range m.handles {
		if !h.State.IsTerminal() {
			out = append(out, h)
		}
	}

	return out
}

// poll runs one query cycle over the non-terminal handles. Queries are
// bounded by the deadline.
func (m *Monitor) poll(ctx context.Context) {
	pending := m.pending()

	m.mu.Lock()
	m.cycle++
	cycle := m.cycle
	deadline := m.deadline
	m.mu.Unlock()

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if len(pending) == 0 {
		return
	}

	var states map[string]sweep.JobState

	if getter, ok := m.client.(batch.BatchStatusGetter); ok {
		states = m.queryBatched(ctx, getter, pending)
	} else {
		states = m.querySingle(ctx, pending)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range pending {
		next, ok := states[h.JobID]
		if !ok {
			continue
		}

		m.transition(h, next)
	}

	m.log.WithFields(logrus.Fields{
		"cycle":   cycle,
		"queried": len(pending),
	}).Debug("Poll cycle completed")
}

func (m *Monitor) queryBatched(
	ctx context.Context,
	getter batch.BatchStatusGetter,
	pending []*sweep.JobHandle,
) map[string]sweep.JobState {
	size := getter.MaxBatch()
	if size <= 0 {
		size = len(pending)
	}

	states := make(map[string]sweep.JobState, len(pending))

	for start := 0; start < len(pending); start += size {
		chunk := pending[start:min(start+size, len(pending))]

		ids := make([]string, 0, len(chunk))
		for _, h := range chunk {
			ids = append(ids, h.JobID)
		}

		got, err := getter.GetStatuses(ctx, ids)
		if err != nil {
			m.log.WithError(err).WithField("jobs", len(ids)).
				Warn("Batched status query failed, retrying next cycle")

			continue
		}

		maps.Copy(states, got)
	}

	return states
}

func (m *Monitor) querySingle(ctx context.Context, pending []*sweep.JobHandle) map[string]sweep.JobState {
	states := make(map[string]sweep.JobState, len(pending))

	for _, h := range pending {
		state, err := m.client.GetStatus(ctx, h.JobID)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"run_key": h.RunKey,
				"job_id":  h.JobID,
			}).Warn("Status query failed, retrying next cycle")

			continue
		}

		states[h.JobID] = state
	}

	return states
}

// transition applies a reported state. Callers hold m.mu. A RUNNING job
// reported as PENDING again (e.g. requeued by the service) keeps RUNNING.
func (m *Monitor) transition(h *sweep.JobHandle, next sweep.JobState) {
	from := h.State

	if next == from || from.IsTerminal() {
		return
	}

	if from == sweep.JobRunning && next == sweep.JobPending {
		return
	}

	h.State = next

	m.log.WithFields(logrus.Fields{
		"run_key": h.RunKey,
		"job_id":  h.JobID,
		"from":    from.String(),
		"state":   next.String(),
	}).Info("Job state changed")

	if m.opts.OnTransition != nil {
		m.opts.OnTransition(h, from, next)
	}
}

func (m *Monitor) timeoutRemaining() {
	m.mu.Lock()
	defer m.mu.Unlock()

	timedOut := 0

	for _, h := range m.handles {
		if !h.State.IsTerminal() {
			m.transition(h, sweep.JobTimedOut)
			timedOut++
		}
	}

	if timedOut > 0 {
		m.log.WithField("jobs", timedOut).Warn("Stopped waiting for jobs")
	}
}

func (m *Monitor) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Cycle:  m.cycle,
		Time:   time.Now(),
		Counts: make(map[sweep.JobState]int, len(sweep.AllJobStates)),
		States: make(map[sweep.RunKey]sweep.JobState, len(m.handles)),
		Done:   true,
	}

	for _, h := range m.handles {
		snap.Counts[h.State]++
		snap.States[h.RunKey] = h.State

		if !h.State.IsTerminal() {
			snap.Done = false
		}
	}

	return snap
}

// Handles returns the watched handles. Their states must not be read while
// a sequence is being ranged on another goroutine.
func (m *Monitor) Handles() []*sweep.JobHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.handles
}
