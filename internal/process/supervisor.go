package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrSpawnFailed indicates the supervisor could not start the command.
var ErrSpawnFailed = errors.New("failed to spawn agent process")

// terminateTimeout is how long a graceful terminate waits before escalating
// to SIGKILL.
const terminateTimeout = 5 * time.Second

// Supervisor spawns agent subprocesses, tracks their liveness, and
// terminates them. Commands are handed to the OS shell unparsed.
type Supervisor struct {
	logger *log.Logger

	// outputs holds captured stdout/stderr per spawned PID
	outputs map[int]*bytes.Buffer
	mu      sync.Mutex
}

// NewSupervisor creates a process supervisor.
func NewSupervisor(logger *log.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger,
		outputs: make(map[int]*bytes.Buffer),
	}
}

// Start launches command through /bin/sh in cwd and begins reaping it in
// the background. The returned process carries the live handle. ctx gates
// the spawn only; an already-started child is never tied to it, so
// cancelling a scale operation does not orphan half-terminated agents.
func (s *Supervisor) Start(ctx context.Context, agentType string, instanceID int, command, cwd string) (*AgentProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = cwd

	output := &bytes.Buffer{}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrSpawnFailed, command, err)
	}

	proc := &AgentProcess{
		PID:        cmd.Process.Pid,
		AgentType:  agentType,
		InstanceID: instanceID,
		Command:    command,
		Cwd:        cwd,
		Status:     StatusRunning,
		StartTime:  time.Now().UTC(),
		handle:     cmd,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	s.outputs[proc.PID] = output
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		close(proc.done)
		if err != nil {
			s.logger.WithFields(log.Fields{
				"pid":        proc.PID,
				"agent_type": agentType,
			}).WithError(err).Debug("Agent process exited")
		}
	}()

	s.logger.WithFields(log.Fields{
		"agent_type":  agentType,
		"instance_id": instanceID,
		"pid":         proc.PID,
		"cwd":         cwd,
	}).Info("Started agent process")

	return proc, nil
}

// Terminate stops the process. Graceful termination sends SIGTERM and
// waits up to five seconds for the exit to be reaped before escalating to
// SIGKILL. Processes known only by PID get best-effort signals; a PID that
// no longer exists is not an error. Terminate does not return until the
// process is confirmed gone or the ceiling has passed.
func (s *Supervisor) Terminate(proc *AgentProcess, graceful bool) {
	defer func() { proc.Status = StatusTerminated }()

	if proc.handle != nil {
		if !proc.IsAlive() {
			return
		}
		sig := syscall.SIGKILL
		if graceful {
			sig = syscall.SIGTERM
		}
		_ = proc.handle.Process.Signal(sig)

		select {
		case <-proc.done:
			return
		case <-time.After(terminateTimeout):
		}

		_ = proc.handle.Process.Kill()
		<-proc.done
		return
	}

	if proc.PID <= 0 {
		return
	}

	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	if err := syscall.Kill(proc.PID, sig); err != nil {
		return
	}

	deadline := time.Now().Add(terminateTimeout)
	for time.Now().Before(deadline) {
		if syscall.Kill(proc.PID, 0) != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(proc.PID, syscall.SIGKILL)
}

// Output returns the captured stdout/stderr for a PID spawned by this
// supervisor, or "" when none was recorded.
func (s *Supervisor) Output(pid int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.outputs[pid]; ok {
		return buf.String()
	}
	return ""
}

// Release drops the captured output buffer for a PID.
func (s *Supervisor) Release(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outputs, pid)
}
