package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vanman2024/agentswarm/internal/process"
)

// ErrInstanceNotFound indicates an operation named an instance id that is
// not present in the pool.
var ErrInstanceNotFound = errors.New("instance not found in pool")

// Provisioner starts a new agent process for the given instance id.
type Provisioner func(ctx context.Context, instanceID int) (*process.AgentProcess, error)

// Terminator stops an agent process.
type Terminator func(ctx context.Context, proc *process.AgentProcess, force bool) error

// PoolHealth summarizes the health of all instances in a pool.
type PoolHealth struct {
	// TotalInstances currently in the pool
	TotalInstances int `json:"total_instances"`

	// HealthyInstances that answered the liveness check
	HealthyInstances int `json:"healthy_instances"`

	// UnhealthyInstances that did not
	UnhealthyInstances int `json:"unhealthy_instances"`

	// Status is healthy, degraded, or unhealthy
	Status string `json:"status"`

	// Details maps instance_<id> to its individual verdict
	Details map[string]string `json:"details"`
}

// AgentStatus describes a single instance.
type AgentStatus struct {
	InstanceID   int    `json:"instance_id"`
	Status       string `json:"status"`
	PID          int    `json:"pid"`
	MemoryUsage  string `json:"memory_usage"`
	Uptime       string `json:"uptime"`
	LastActivity string `json:"last_activity"`
}

// AgentPool owns the instances of one agent type within one deployment.
// Instance ids ascend in insertion order; a new instance takes the highest
// current id plus one (1 when empty), so an id freed from the tail can be
// assigned again. Scaling is serialized by a per-pool mutex.
type AgentPool struct {
	// AgentType identifies the agent CLI this pool runs
	AgentType string

	// DeploymentID is the owning deployment
	DeploymentID string

	provisioner Provisioner
	terminator  Terminator

	// instances is the roster, instance_id ascending
	instances []*process.AgentProcess

	mu     sync.Mutex
	logger *log.Entry
}

// New creates an agent pool for one (deployment, agent type) pair.
func New(deploymentID, agentType string, provisioner Provisioner, terminator Terminator, logger *log.Logger) *AgentPool {
	return &AgentPool{
		AgentType:    agentType,
		DeploymentID: deploymentID,
		provisioner:  provisioner,
		terminator:   terminator,
		logger: logger.WithFields(log.Fields{
			"deployment_id": deploymentID,
			"agent_type":    agentType,
		}),
	}
}

// Scale grows or shrinks the pool by delta. Positive deltas append new
// instances with ids max+1 (1 when empty); negative deltas pop and
// terminate instances from the tail, clamped to the pool size. On a
// partial scale-up failure, instances created so far stay in the pool and
// the error is returned.
func (p *AgentPool) Scale(ctx context.Context, delta int) (created, removed []*process.AgentProcess, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case delta > 0:
		created, err = p.scaleUp(ctx, delta)
	case delta < 0:
		removed, err = p.scaleDown(ctx, -delta)
	}
	return created, removed, err
}

func (p *AgentPool) scaleUp(ctx context.Context, count int) ([]*process.AgentProcess, error) {
	created := make([]*process.AgentProcess, 0, count)
	for i := 0; i < count; i++ {
		instanceID := p.nextInstanceID()
		proc, err := p.provisioner(ctx, instanceID)
		if err != nil {
			return created, fmt.Errorf("failed to provision %s instance %d: %w", p.AgentType, instanceID, err)
		}
		p.instances = append(p.instances, proc)
		created = append(created, proc)
		p.logger.WithFields(log.Fields{
			"instance_id": instanceID,
			"pid":         proc.PID,
		}).Info("Provisioned agent instance")
	}
	return created, nil
}

func (p *AgentPool) scaleDown(ctx context.Context, count int) ([]*process.AgentProcess, error) {
	if count > len(p.instances) {
		count = len(p.instances)
	}

	removed := make([]*process.AgentProcess, 0, count)
	for i := 0; i < count; i++ {
		proc := p.instances[len(p.instances)-1]
		p.instances = p.instances[:len(p.instances)-1]
		if err := p.terminator(ctx, proc, false); err != nil {
			return removed, fmt.Errorf("failed to terminate %s instance %d: %w", p.AgentType, proc.InstanceID, err)
		}
		removed = append(removed, proc)
		p.logger.WithFields(log.Fields{
			"instance_id": proc.InstanceID,
			"pid":         proc.PID,
		}).Info("Terminated agent instance")
	}
	return removed, nil
}

// RegisterExisting replaces the roster wholesale. Used during hydration.
func (p *AgentPool) RegisterExisting(processes []*process.AgentProcess) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances = processes
}

// RestartInstance terminates the named instance and provisions a
// replacement reusing the same instance id.
func (p *AgentPool) RestartInstance(ctx context.Context, instanceID int) (*process.AgentProcess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, proc := range p.instances {
		if proc.InstanceID == instanceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s instance %d", ErrInstanceNotFound, p.AgentType, instanceID)
	}

	if err := p.terminator(ctx, p.instances[idx], false); err != nil {
		return nil, fmt.Errorf("failed to terminate instance %d for restart: %w", instanceID, err)
	}

	replacement, err := p.provisioner(ctx, instanceID)
	if err != nil {
		p.instances = append(p.instances[:idx], p.instances[idx+1:]...)
		return nil, fmt.Errorf("failed to reprovision instance %d: %w", instanceID, err)
	}

	p.instances[idx] = replacement
	p.logger.WithFields(log.Fields{
		"instance_id": instanceID,
		"pid":         replacement.PID,
	}).Info("Restarted agent instance")
	return replacement, nil
}

// HealthCheck probes every instance and summarizes the pool state. An
// empty pool reports unhealthy.
func (p *AgentPool) HealthCheck() PoolHealth {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := 0
	details := make(map[string]string, len(p.instances))

	for _, proc := range p.instances {
		key := fmt.Sprintf("instance_%d", proc.InstanceID)
		if proc.IsAlive() {
			healthy++
			details[key] = "healthy"
		} else {
			details[key] = "unhealthy"
		}
	}

	total := len(p.instances)
	status := "unhealthy"
	switch {
	case healthy == total && total > 0:
		status = "healthy"
	case healthy > 0:
		status = "degraded"
	}

	return PoolHealth{
		TotalInstances:     total,
		HealthyInstances:   healthy,
		UnhealthyInstances: total - healthy,
		Status:             status,
		Details:            details,
	}
}

// InstanceStatus reports the state of one instance.
func (p *AgentPool) InstanceStatus(instanceID int) (AgentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proc, err := p.getInstance(instanceID)
	if err != nil {
		return AgentStatus{}, err
	}

	alive := proc.IsAlive()
	status := AgentStatus{
		InstanceID:   instanceID,
		Status:       "stopped",
		PID:          proc.PID,
		MemoryUsage:  "0MB",
		Uptime:       "0s",
		LastActivity: "inactive",
	}
	if alive {
		status.Status = "running"
		status.MemoryUsage = process.MemoryUsage(proc.PID)
		status.Uptime = proc.Uptime()
		status.LastActivity = "active"
	}
	return status, nil
}

// Instances returns a snapshot of the roster.
func (p *AgentPool) Instances() []*process.AgentProcess {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]*process.AgentProcess, len(p.instances))
	copy(snapshot, p.instances)
	return snapshot
}

// Size returns the current number of instances.
func (p *AgentPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// Drain terminates every instance and empties the roster.
func (p *AgentPool) Drain(ctx context.Context, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for _, proc := range p.instances {
		if err := p.terminator(ctx, proc, force); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.instances = nil
	return firstErr
}

func (p *AgentPool) getInstance(instanceID int) (*process.AgentProcess, error) {
	for _, proc := range p.instances {
		if proc.InstanceID == instanceID {
			return proc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s instance %d", ErrInstanceNotFound, p.AgentType, instanceID)
}

func (p *AgentPool) nextInstanceID() int {
	next := 1
	for _, proc := range p.instances {
		if proc.InstanceID >= next {
			next = proc.InstanceID + 1
		}
	}
	return next
}

// Summary returns a compact description of the pool for status listings.
func (p *AgentPool) Summary() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]any{
		"agent_type":        p.AgentType,
		"deployment_id":     p.DeploymentID,
		"running_instances": len(p.instances),
	}
}
