package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/ethpandaops/sweepoor/pkg/docker"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log = logrus.New()
	log.SetOutput(io.Discard)

	os.Exit(m.Run())
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{" yes \n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"y", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var out bytes.Buffer

			ok, err := confirm(strings.NewReader(tt.input), &out, "Submit 12 jobs to aws? [y/N] ")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, "Submit 12 jobs to aws? [y/N] ", out.String())
		})
	}
}

func TestPrintPlan(t *testing.T) {
	specs, err := sweep.BuildMatrix(sweep.Axes{
		KPoints:     []sweep.KPointConfig{{Name: "2x2x6", Grid: [3]int{2, 2, 6}, Count: 16}},
		Functionals: []sweep.Functional{sweep.FunctionalPBE},
		Devices:     []sweep.Device{sweep.DeviceCPU},
		Nodes:       []int{1, 2},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	printPlan(&out, "sweep-abc", specs)

	text := out.String()
	assert.Contains(t, text, "Sweep sweep-abc: 2 runs")

	for _, s := range specs {
		assert.Contains(t, text, string(s.Key()))
	}
}

func TestNewSweepID(t *testing.T) {
	a := newSweepID("scale")
	b := newSweepID("scale")

	assert.True(t, strings.HasPrefix(a, "scale-"))
	assert.Len(t, a, len("scale-")+12)
	assert.NotEqual(t, a, b)
}

type fakeManager struct {
	docker.ContainerManager

	containers []docker.ContainerInfo
	removed    []string
}

func (f *fakeManager) ListContainers(context.Context) ([]docker.ContainerInfo, error) {
	return f.containers, nil
}

func (f *fakeManager) RemoveContainer(_ context.Context, id string) error {
	f.removed = append(f.removed, id)

	return nil
}

func TestPerformCleanup(t *testing.T) {
	newManager := func() *fakeManager {
		return &fakeManager{containers: []docker.ContainerInfo{
			{ID: "aaaaaaaaaaaaaaaa", Name: "sweepoor-a", Labels: map[string]string{docker.LabelSweepID: "s1"}},
			{ID: "bbbbbbbbbbbbbbbb", Name: "sweepoor-b", Labels: map[string]string{docker.LabelSweepID: "s2"}},
		}}
	}

	t.Run("force removes all", func(t *testing.T) {
		mgr := newManager()

		var out bytes.Buffer
		require.NoError(t, performCleanup(context.Background(),
			[]docker.ContainerManager{mgr}, "", true, strings.NewReader(""), &out))

		assert.Equal(t, []string{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"}, mgr.removed)
		assert.Contains(t, out.String(), "aaaaaaaaaaaa")
	})

	t.Run("sweep filter", func(t *testing.T) {
		mgr := newManager()

		require.NoError(t, performCleanup(context.Background(),
			[]docker.ContainerManager{mgr}, "s2", true, strings.NewReader(""), io.Discard))

		assert.Equal(t, []string{"bbbbbbbbbbbbbbbb"}, mgr.removed)
	})

	t.Run("declined", func(t *testing.T) {
		mgr := newManager()

		require.NoError(t, performCleanup(context.Background(),
			[]docker.ContainerManager{mgr}, "", false, strings.NewReader("n\n"), io.Discard))

		assert.Empty(t, mgr.removed)
	})
}
