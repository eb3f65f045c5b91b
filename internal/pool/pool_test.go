package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanman2024/agentswarm/internal/process"
)

// fakeBackend provisions in-memory process records and tracks what was
// terminated, without touching the OS.
type fakeBackend struct {
	mu           sync.Mutex
	provisioned  []int
	terminated   []int
	failAfter    int // fail provisioning once this many instances exist; 0 disables
	provisionErr error
}

func (f *fakeBackend) provisioner(_ context.Context, instanceID int) (*process.AgentProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAfter > 0 && len(f.provisioned) >= f.failAfter {
		if f.provisionErr != nil {
			return nil, f.provisionErr
		}
		return nil, errors.New("provisioning failed")
	}
	f.provisioned = append(f.provisioned, instanceID)
	return &process.AgentProcess{
		PID:        -1,
		AgentType:  "codex",
		InstanceID: instanceID,
		Command:    fmt.Sprintf("codex exec %d", instanceID),
		Status:     process.StatusRunning,
		StartTime:  time.Now().UTC(),
	}, nil
}

func (f *fakeBackend) terminator(_ context.Context, proc *process.AgentProcess, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, proc.InstanceID)
	proc.Status = process.StatusTerminated
	return nil
}

func newTestPool(backend *fakeBackend) *AgentPool {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New("swarm-test-0", "codex", backend.provisioner, backend.terminator, logger)
}

func instanceIDs(procs []*process.AgentProcess) []int {
	ids := make([]int, 0, len(procs))
	for _, proc := range procs {
		ids = append(ids, proc.InstanceID)
	}
	return ids
}

func TestPool_ScaleUpAssignsSequentialIDs(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	created, removed, err := p.Scale(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, []int{1, 2, 3}, instanceIDs(created))
	assert.Equal(t, 3, p.Size())
}

func TestPool_ScaleDownPopsLIFO(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	_, _, err := p.Scale(context.Background(), 3)
	require.NoError(t, err)

	_, removed, err := p.Scale(context.Background(), -2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, instanceIDs(removed))
	assert.Equal(t, []int{3, 2}, backend.terminated)
	assert.Equal(t, []int{1}, instanceIDs(p.Instances()))
}

func TestPool_ScaleUpThenDownRestoresSize(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	_, _, err := p.Scale(context.Background(), 2)
	require.NoError(t, err)

	_, _, err = p.Scale(context.Background(), 5)
	require.NoError(t, err)
	_, _, err = p.Scale(context.Background(), -5)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Size())
	assert.Equal(t, []int{1, 2}, instanceIDs(p.Instances()))
}

func TestPool_ScaleDownClampsToSize(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	_, _, err := p.Scale(context.Background(), 2)
	require.NoError(t, err)

	_, removed, err := p.Scale(context.Background(), -10)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
	assert.Zero(t, p.Size())
}

func TestPool_NextIDFollowsHighestRemaining(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	_, _, err := p.Scale(context.Background(), 3)
	require.NoError(t, err)
	_, _, err = p.Scale(context.Background(), -1)
	require.NoError(t, err)

	created, _, err := p.Scale(context.Background(), 1)
	require.NoError(t, err)
	// Highest remaining id is 2, so the new instance gets 3.
	assert.Equal(t, []int{3}, instanceIDs(created))
}

func TestPool_PartialScaleUpKeepsCreatedInstances(t *testing.T) {
	backend := &fakeBackend{failAfter: 2}
	p := newTestPool(backend)

	created, _, err := p.Scale(context.Background(), 5)
	require.Error(t, err)
	assert.Len(t, created, 2)
	assert.Equal(t, 2, p.Size())
}

func TestPool_RegisterExistingReplacesRoster(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	p.RegisterExisting([]*process.AgentProcess{
		{PID: -1, AgentType: "codex", InstanceID: 4, Status: process.StatusUnknown},
		{PID: -1, AgentType: "codex", InstanceID: 7, Status: process.StatusUnknown},
	})
	assert.Equal(t, []int{4, 7}, instanceIDs(p.Instances()))

	// Next id continues past the hydrated maximum.
	created, _, err := p.Scale(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []int{8}, instanceIDs(created))
}

func TestPool_RestartInstanceReusesID(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	_, _, err := p.Scale(context.Background(), 3)
	require.NoError(t, err)

	replacement, err := p.RestartInstance(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, replacement.InstanceID)
	assert.Contains(t, backend.terminated, 2)
	assert.Equal(t, []int{1, 2, 3}, instanceIDs(p.Instances()))
}

func TestPool_RestartUnknownInstance(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	_, err := p.RestartInstance(context.Background(), 42)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestPool_HealthCheck(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	// Empty pool is unhealthy.
	health := p.HealthCheck()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Zero(t, health.TotalInstances)

	// Dead PIDs are unhealthy; a mix is degraded, all dead is unhealthy.
	p.RegisterExisting([]*process.AgentProcess{
		{PID: 999999, AgentType: "codex", InstanceID: 1, Status: process.StatusUnknown},
	})
	health = p.HealthCheck()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, 1, health.UnhealthyInstances)
	assert.Equal(t, "unhealthy", health.Details["instance_1"])
}

func TestPool_InstanceStatusForDeadProcess(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	p.RegisterExisting([]*process.AgentProcess{
		{PID: 999999, AgentType: "codex", InstanceID: 1, Status: process.StatusUnknown},
	})

	status, err := p.InstanceStatus(1)
	require.NoError(t, err)
	assert.Equal(t, "stopped", status.Status)
	assert.Equal(t, "0MB", status.MemoryUsage)
	assert.Equal(t, "inactive", status.LastActivity)

	_, err = p.InstanceStatus(9)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestPool_DrainTerminatesEverything(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	_, _, err := p.Scale(context.Background(), 3)
	require.NoError(t, err)

	require.NoError(t, p.Drain(context.Background(), false))
	assert.Zero(t, p.Size())
	assert.Len(t, backend.terminated, 3)
}

func TestPool_ConcurrentScalesSerialize(t *testing.T) {
	backend := &fakeBackend{}
	p := newTestPool(backend)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = p.Scale(context.Background(), 1)
		}()
	}
	wg.Wait()

	ids := instanceIDs(p.Instances())
	require.Len(t, ids, 10)
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate instance id %d", id)
		seen[id] = true
		assert.LessOrEqual(t, id, 10)
	}
}
