package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ethpandaops/sweepoor/pkg/docker"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	mu       sync.Mutex
	pulls    int
	pullErr  error
	startErr error
	created  []*docker.ContainerSpec
	removed  []string
	states   map[string]*docker.ContainerState
}

var _ docker.ContainerManager = (*fakeManager)(nil)

func (f *fakeManager) Start(context.Context) error { return nil }
func (f *fakeManager) Stop() error { return nil }

func (f *fakeManager) CreateContainer(_ context.Context, spec *docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.created = append(f.created, spec)

	return "container-" + spec.Name, nil
}

func (f *fakeManager) StartContainer(context.Context, string) error {
	return f.startErr
}

func (f *fakeManager) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, id)

	return nil
}

func (f *fakeManager) InspectContainer(_ context.Context, id string) (*docker.ContainerState, error) {
	st, ok := f.states[id]
	if !ok {
		return nil, errors.New("no such container")
	}

	return st, nil
}

func (f *fakeManager) PullImage(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pulls++

	return f.pullErr
}

func (f *fakeManager) ListContainers(context.Context) ([]docker.ContainerInfo, error) {
	return nil, nil
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func TestContainerClient_SubmitJob(t *testing.T) {
	mgr := &fakeManager{}
	mounts := []docker.Mount{{Source: "/data", Target: "/data"}}
	c := NewContainerClient(quietLogger(), mgr, ContainerOptions{PullPolicy: "never", Mounts: mounts})

	req := testRequest(2)
	req.Shape.AcceleratorCount = 1

	id, err := c.SubmitJob(context.Background(), req)
	require.NoError(t, err)

	_, err = c.SubmitJob(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, mgr.pulls)
	require.Len(t, mgr.created, 2)

	spec := mgr.created[0]
	assert.Equal(t, "container-"+spec.Name, id)
	assert.True(t, strings.HasPrefix(spec.Name, "sweepoor-2x2x6-pbe-cpu-n1-"))
	assert.NotEqual(t, spec.Name, mgr.created[1].Name)
	assert.Equal(t, "sweepoor", spec.Labels[docker.LabelManagedBy])
	assert.Equal(t, "s1", spec.Labels["sweep"])
	assert.Equal(t, 3, spec.MaxRetries)
	assert.Equal(t, mounts, spec.Mounts)
	assert.Equal(t, &docker.ResourceLimits{CPUs: 4, MemoryBytes: 16 << 30, GPUs: 1}, spec.ResourceLimits)
}

func TestContainerClient_PullFailureIsPermanent(t *testing.T) {
	mgr := &fakeManager{pullErr: errors.New("manifest unknown")}
	c := NewContainerClient(quietLogger(), mgr, ContainerOptions{})

	for range 2 {
		_, err := c.SubmitJob(context.Background(), testRequest(1))
		require.ErrorIs(t, err, ErrPermanent)
	}

	assert.Equal(t, 1, mgr.pulls)
	assert.Empty(t, mgr.created)
}

func TestContainerClient_StartFailureRemovesContainer(t *testing.T) {
	mgr := &fakeManager{startErr: errors.New("port in use")}
	c := NewContainerClient(quietLogger(), mgr, ContainerOptions{})

	_, err := c.SubmitJob(context.Background(), testRequest(1))
	require.ErrorIs(t, err, ErrTransient)
	require.Len(t, mgr.removed, 1)
}

func TestContainerClient_GetStatus(t *testing.T) {
	mgr := &fakeManager{states: map[string]*docker.ContainerState{
		"ok": {Status: "exited", ExitCode: 0},
	}}
	c := NewContainerClient(quietLogger(), mgr, ContainerOptions{})

	state, err := c.GetStatus(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, sweep.JobSucceeded, state)

	_, err = c.GetStatus(context.Background(), "gone")
	require.ErrorIs(t, err, ErrTransient)
}

func TestMapContainerState(t *testing.T) {
	tests := []struct {
		state docker.ContainerState
		want  sweep.JobState
	}{
		{state: docker.ContainerState{Status: "created"}, want: sweep.JobPending},
		{state: docker.ContainerState{Status: "configured"}, want: sweep.JobPending},
		{state: docker.ContainerState{Status: "running"}, want: sweep.JobRunning},
		{state: docker.ContainerState{Status: "restarting"}, want: sweep.JobRunning},
		{state: docker.ContainerState{Status: "exited"}, want: sweep.JobSucceeded},
		{state: docker.ContainerState{Status: "stopped"}, want: sweep.JobSucceeded},
		{state: docker.ContainerState{Status: "exited", ExitCode: 1}, want: sweep.JobFailed},
		{state: docker.ContainerState{Status: "exited", OOMKilled: true}, want: sweep.JobFailed},
		{state: docker.ContainerState{Status: "dead"}, want: sweep.JobFailed},
	}

	for _, tt := range tests {
		t.Run(tt.state.Status, func(t *testing.T) {
			assert.Equal(t, tt.want, mapContainerState(&tt.state))
		})
	}
}
