package report

import (
	"testing"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	k226  = sweep.KPointConfig{Name: "2x2x6", Grid: [3]int{2, 2, 6}, Count: 16}
	k339  = sweep.KPointConfig{Name: "3x3x9", Grid: [3]int{3, 3, 9}, Count: 72}
	k4412 = sweep.KPointConfig{Name: "4x4x12", Grid: [3]int{4, 4, 12}, Count: 100}
)

func spec(k sweep.KPointConfig, f sweep.Functional, d sweep.Device, nodes int) sweep.RunSpec {
	return sweep.RunSpec{KPoints: k, Functional: f, Device: d, Nodes: nodes}
}

func ok(s sweep.RunSpec, wall float64) sweep.RunResult {
	return sweep.RunResult{RunKey: s.Key(), Spec: s, WallTime: &wall, Status: sweep.StatusSucceeded}
}

func failed(s sweep.RunSpec) sweep.RunResult {
	return sweep.FailedResult(s, "job failed")
}

func TestBuild_Scenario(t *testing.T) {
	results := []sweep.RunResult{
		ok(spec(k226, sweep.FunctionalPBE, sweep.DeviceCPU, 1), 120.5),
		failed(spec(k226, sweep.FunctionalPBE, sweep.DeviceCPU, 4)),
	}

	rep := Build(results, Options{})

	group := sweep.GroupKey{KPoints: "2x2x6", Functional: sweep.FunctionalPBE, Device: sweep.DeviceCPU}

	require.Len(t, rep.Series, 1)
	assert.Equal(t, []Point{{Nodes: 1, WallTime: 120.5}}, rep.Series[group].Points)
}

func TestBuild_EmptyGroupKept(t *testing.T) {
	results := []sweep.RunResult{
		ok(spec(k226, sweep.FunctionalPBE, sweep.DeviceCPU, 1), 10),
		failed(spec(k226, sweep.FunctionalHSE06, sweep.DeviceCPU, 1)),
		failed(spec(k226, sweep.FunctionalHSE06, sweep.DeviceCPU, 2)),
	}

	rep := Build(results, Options{})

	hse := sweep.GroupKey{KPoints: "2x2x6", Functional: sweep.FunctionalHSE06, Device: sweep.DeviceCPU}

	require.Contains(t, rep.Series, hse)
	assert.True(t, rep.Series[hse].Empty())
	assert.NotNil(t, rep.Series[hse].Points)
	assert.True(t, rep.HasData())
}

func TestBuild_NoData(t *testing.T) {
	rep := Build([]sweep.RunResult{failed(spec(k226, sweep.FunctionalPBE, sweep.DeviceGPU, 1))}, Options{})

	assert.False(t, rep.HasData())
	assert.Len(t, rep.Groups(), 1)
	require.Len(t, rep.Comparison, 1)
	assert.Empty(t, rep.Comparison[0].WallTimes)

	empty := Build(nil, Options{})
	assert.Empty(t, empty.Series)
	assert.Empty(t, empty.Comparison)
}

func TestBuild_DuplicateNodesKeepSmallest(t *testing.T) {
	s := spec(k226, sweep.FunctionalPBE, sweep.DeviceCPU, 2)

	rep := Build([]sweep.RunResult{ok(s, 30), ok(s, 20), ok(s, 25)}, Options{})

	assert.Equal(t, []Point{{Nodes: 2, WallTime: 20}}, rep.Series[s.Group()].Points)
}

func TestBuild_SucceededWithoutWallTimeIgnored(t *testing.T) {
	s := spec(k226, sweep.FunctionalPBE, sweep.DeviceCPU, 2)
	r := sweep.RunResult{RunKey: s.Key(), Spec: s, Status: sweep.StatusSucceeded}

	rep := Build([]sweep.RunResult{r}, Options{})

	assert.True(t, rep.Series[s.Group()].Empty())
}

func TestGroups_Order(t *testing.T) {
	results := []sweep.RunResult{
		failed(spec(k4412, sweep.FunctionalPBE, sweep.DeviceGPU, 1)),
		failed(spec(k226, sweep.FunctionalPBE, sweep.DeviceGPU, 1)),
		failed(spec(k339, sweep.FunctionalHSE06, sweep.DeviceCPU, 1)),
		failed(spec(k339, sweep.FunctionalPBE, sweep.DeviceCPU, 1)),
		failed(spec(k4412, sweep.FunctionalPBE, sweep.DeviceCPU, 1)),
	}

	rep := Build(results, Options{})

	var names []string
	for _, g := range rep.Groups() {
		names = append(names, g.String())
	}

	assert.Equal(t, []string{
		"CPU 3x3x9 HSE06",
		"CPU 3x3x9 PBE",
		"CPU 4x4x12 PBE",
		"GPU 2x2x6 PBE",
		"GPU 4x4x12 PBE",
	}, names)
}

func TestBuild_Comparison(t *testing.T) {
	results := []sweep.RunResult{
		ok(spec(k226, sweep.FunctionalPBE, sweep.DeviceCPU, 1), 100),
		ok(spec(k226, sweep.FunctionalHSE06, sweep.DeviceCPU, 1), 900),
		ok(spec(k226, sweep.FunctionalPBE, sweep.DeviceCPU, 2), 60),
		ok(spec(k339, sweep.FunctionalPBE, sweep.DeviceCPU, 2), 70),
		failed(spec(k339, sweep.FunctionalHSE06, sweep.DeviceCPU, 2)),
	}

	rep := Build(results, Options{})

	assert.Equal(t, 1, rep.ComparisonNodes)
	assert.Equal(t, []sweep.Functional{sweep.FunctionalHSE06, sweep.FunctionalPBE}, rep.Functionals)
	require.Len(t, rep.Comparison, 2)
	assert.Equal(t, ComparisonRow{
		KPoints: "2x2x6",
		Device:  sweep.DeviceCPU,
		WallTimes: map[sweep.Functional]float64{
			sweep.FunctionalPBE:   100,
			sweep.FunctionalHSE06: 900,
		},
	}, rep.Comparison[0])
	assert.Empty(t, rep.Comparison[1].WallTimes)

	at2 := Build(results, Options{ComparisonNodes: 2})
	require.Len(t, at2.Comparison, 2)
	assert.Equal(t, map[sweep.Functional]float64{sweep.FunctionalPBE: 60}, at2.Comparison[0].WallTimes)
	assert.Equal(t, map[sweep.Functional]float64{sweep.FunctionalPBE: 70}, at2.Comparison[1].WallTimes)
}

func genResult() *rapid.Generator[sweep.RunResult] {
	return rapid.Custom(func(t *rapid.T) sweep.RunResult {
		s := spec(
			rapid.SampledFrom([]sweep.KPointConfig{k226, k339, k4412}).Draw(t, "kpoints"),
			rapid.SampledFrom([]sweep.Functional{sweep.FunctionalPBE, sweep.FunctionalHSE06}).Draw(t, "functional"),
			rapid.SampledFrom([]sweep.Device{sweep.DeviceCPU, sweep.DeviceGPU}).Draw(t, "device"),
			rapid.IntRange(1, 8).Draw(t, "nodes"),
		)

		if rapid.Bool().Draw(t, "failed") {
			return failed(s)
		}

		return ok(s, rapid.Float64Range(0.1, 1e5).Draw(t, "wall"))
	})
}

func TestBuild_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		results := rapid.SliceOf(genResult()).Draw(t, "results")
		shuffled := rapid.Permutation(results).Draw(t, "shuffled")

		rep := Build(results, Options{})
		again := Build(shuffled, Options{})

		if !assert.ObjectsAreEqual(rep, again) {
			t.Fatalf("report depends on input order")
		}

		observed := make(map[sweep.GroupKey]struct{})
		for _, r := range results {
			observed[r.Spec.Group()] = struct{}{}
		}

		if len(observed) != len(rep.Series) {
			t.Fatalf("got %d series, want %d", len(rep.Series), len(observed))
		}

		for g, s := range rep.Series {
			if s.Group != g {
				t.Fatalf("series %v stored under %v", s.Group, g)
			}

			for i := 1; i < len(s.Points); i++ {
				if s.Points[i-1].Nodes >= s.Points[i].Nodes {
					t.Fatalf("series %v not strictly ascending: %v", g, s.Points)
				}
			}

			for _, p := range s.Points {
				if p.WallTime <= 0 {
					t.Fatalf("series %v has point without wall time", g)
				}
			}
		}
	})
}
