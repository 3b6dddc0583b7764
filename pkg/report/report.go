// Package report aggregates run results into the series behind the sweep
// plots.
package report

import (
	"cmp"
	"maps"
	"slices"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
)

// DefaultComparisonNodes is the node count the functional comparison is
// taken at when none is configured.
const DefaultComparisonNodes = 1

// Point is one measured run of a series.
type Point struct {
	Nodes    int     `json:"nodes"`
	WallTime float64 `json:"wall_time_seconds"`
}

// Series is the scaling curve of one group. Points are strictly ascending by
// node count. An empty series means the group produced no timing at all.
type Series struct {
	Group  sweep.GroupKey `json:"group"`
	Points []Point        `json:"points"`
}

// Empty reports whether the series has no data.
func (s Series) Empty() bool {
	return len(s.Points) == 0
}

// ComparisonRow holds the wall time of each functional for one
// (kpoints, device) pair at the comparison node count. Functionals without
// a measurement are absent from WallTimes.
type ComparisonRow struct {
	KPoints   string                       `json:"kpoints"`
	Device    sweep.Device                 `json:"device"`
	WallTimes map[sweep.Functional]float64 `json:"wall_times"`
}

// Report is the immutable aggregation of a sweep's results.
type Report struct {
	Series          map[sweep.GroupKey]Series `json:"-"`
	Comparison      []ComparisonRow           `json:"comparison"`
	ComparisonNodes int                       `json:"comparison_nodes"`
	Functionals     []sweep.Functional        `json:"functionals"`
}

// Options configures Build.
type Options struct {
	ComparisonNodes int
}

// Build groups results by (kpoints, functional, device). Results without a
// wall time are dropped from their series, but their group is still
// present. When a node count appears more than once in a group the
// smallest wall time is kept. The output does not depend on input order.
func Build(results []sweep.RunResult, opts Options) Report {
	if opts.ComparisonNodes <= 0 {
		opts.ComparisonNodes = DefaultComparisonNodes
	}

	best := make(map[sweep.GroupKey]map[int]float64, len(results))
	functionals := make(map[sweep.Functional]struct{}, 2)

	for _, r := range results {
		group := r.Spec.Group()
		functionals[group.Functional] = struct{}{}

		points, ok := best[group]
		if !ok {
			points = make(map[int]float64, 4)
			best[group] = points
		}

		if r.WallTime == nil || r.Status != sweep.StatusSucceeded {
			continue
		}

		if cur, seen := points[r.Spec.Nodes]; !seen || *r.WallTime < cur {
			points[r.Spec.Nodes] = *r.WallTime
		}
	}

	rep := Report{
		Series:          make(map[sweep.GroupKey]Series, len(best)),
		ComparisonNodes: opts.ComparisonNodes,
		Functionals:     slices.Sorted(maps.Keys(functionals)),
	}

	for group, points := range best {
		series := Series{Group: group, Points: make([]Point, 0, len(points))}

		for _, nodes := range slices.Sorted(maps.Keys(points)) {
			series.Points = append(series.Points, Point{Nodes: nodes, WallTime: points[nodes]})
		}

		rep.Series[group] = series
	}

	rep.Comparison = comparisonRows(rep, opts.ComparisonNodes)

	return rep
}

func comparisonRows(rep Report, nodes int) []ComparisonRow {
	type pair struct {
		kpoints string
		device  sweep.Device
	}

	rows := make(map[pair]*ComparisonRow, len(rep.Series))
	order := make([]pair, 0, len(rep.Series))

	for _, group := range rep.Groups() {
		p := pair{kpoints: group.KPoints, device: group.Device}

		row, ok := rows[p]
		if !ok {
			row = &ComparisonRow{
				KPoints:   group.KPoints,
				Device:    group.Device,
				WallTimes: make(map[sweep.Functional]float64, 2),
			}
			rows[p] = row
			order = append(order, p)
		}

		for _, pt := range rep.Series[group].Points {
			if pt.Nodes == nodes {
				row.WallTimes[group.Functional] = pt.WallTime
			}
		}
	}

	out := make([]ComparisonRow, 0, len(order))
	for _, p := range order {
		out = append(out, *rows[p])
	}

	return out
}

// Groups returns the group keys ordered by device, kpoints and functional.
func (r Report) Groups() []sweep.GroupKey {
	return slices.SortedFunc(maps.Keys(r.Series), compareGroups)
}

// OrderedSeries returns the series in Groups order.
func (r Report) OrderedSeries() []Series {
	groups := r.Groups()
	out := make([]Series, 0, len(groups))

	for _, g := range groups {
		out = append(out, r.Series[g])
	}

	return out
}

// HasData reports whether any series has at least one point.
func (r Report) HasData() bool {
	for _, s := range r.Series {
		if !s.Empty() {
			return true
		}
	}

	return false
}

func compareGroups(a, b sweep.GroupKey) int {
	return cmp.Or(
		cmp.Compare(a.Device, b.Device),
		compareKPoints(a.KPoints, b.KPoints),
		cmp.Compare(a.Functional, b.Functional),
	)
}

// compareKPoints orders grid names like "2x2x6" < "4x4x12" by length
// first so that "10x10x10" sorts after "4x4x12".
func compareKPoints(a, b string) int {
	return cmp.Or(cmp.Compare(len(a), len(b)), cmp.Compare(a, b))
}
