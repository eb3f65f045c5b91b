package process

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSupervisor() *Supervisor {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewSupervisor(logger)
}

func TestSupervisor_StartCapturesOutput(t *testing.T) {
	s := testSupervisor()

	proc, err := s.Start(context.Background(), "codex", 1, "echo hello-agent", t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, proc.PID)
	assert.Equal(t, "codex", proc.AgentType)
	assert.Equal(t, 1, proc.InstanceID)
	assert.Equal(t, StatusRunning, proc.Status)

	// The echo exits on its own; the reaper observes it.
	require.Eventually(t, func() bool {
		return !proc.IsAlive()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, s.Output(proc.PID), "hello-agent")
	s.Release(proc.PID)
	assert.Empty(t, s.Output(proc.PID))
}

func TestSupervisor_StartSpawnFailure(t *testing.T) {
	s := testSupervisor()

	// A cwd that does not exist makes the spawn itself fail.
	_, err := s.Start(context.Background(), "codex", 1, "echo hi", "/nonexistent/cwd/for/test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestSupervisor_StartRespectsCancelledContext(t *testing.T) {
	s := testSupervisor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Start(ctx, "codex", 1, "echo hi", t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervisor_TerminateGraceful(t *testing.T) {
	s := testSupervisor()

	proc, err := s.Start(context.Background(), "codex", 1, "sleep 30", t.TempDir())
	require.NoError(t, err)
	require.True(t, proc.IsAlive())

	start := time.Now()
	s.Terminate(proc, true)
	assert.Less(t, time.Since(start), 6*time.Second)
	assert.Equal(t, StatusTerminated, proc.Status)
	assert.False(t, proc.IsAlive())
}

func TestSupervisor_TerminateDeadPIDIsNoError(t *testing.T) {
	s := testSupervisor()

	proc := &AgentProcess{PID: 999999, AgentType: "codex", InstanceID: 1, Status: StatusUnknown}
	s.Terminate(proc, true)
	assert.Equal(t, StatusTerminated, proc.Status)
}

func TestAgentProcess_IsAliveByProbe(t *testing.T) {
	// Our own PID always answers a zero-signal probe.
	proc := &AgentProcess{PID: os.Getpid(), Status: StatusUnknown}
	assert.True(t, proc.IsAlive())

	assert.False(t, (&AgentProcess{PID: -1}).IsAlive())
	assert.False(t, (&AgentProcess{PID: 999999}).IsAlive())
}

func TestAgentProcess_UptimeFormat(t *testing.T) {
	proc := &AgentProcess{StartTime: time.Now().Add(-(time.Hour + 2*time.Minute + 3*time.Second))}
	uptime := proc.Uptime()
	assert.True(t, strings.HasPrefix(uptime, "01:02:0"), "got %s", uptime)

	future := &AgentProcess{StartTime: time.Now().Add(time.Hour)}
	assert.Equal(t, "00:00:00", future.Uptime())
}

func TestMemoryUsage(t *testing.T) {
	assert.Equal(t, "unknown", MemoryUsage(999999))
	// Our own process has a readable RSS on Linux.
	usage := MemoryUsage(os.Getpid())
	if usage != "unknown" {
		assert.True(t, strings.HasSuffix(usage, "MB"), "got %s", usage)
	}
}
