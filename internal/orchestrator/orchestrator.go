package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vanman2024/agentswarm/internal/config"
	"github.com/vanman2024/agentswarm/internal/pool"
	"github.com/vanman2024/agentswarm/internal/process"
	"github.com/vanman2024/agentswarm/internal/state"
)

// ErrUnknownDeployment indicates an operation referenced a deployment the
// orchestrator does not know about.
var ErrUnknownDeployment = errors.New("deployment not found")

// ErrNoDeployments indicates an operation needed a deployment but none
// exist.
var ErrNoDeployments = errors.New("no deployments available")

// SwarmDeployment is a named cohort of agent pools brought up from one
// configuration.
type SwarmDeployment struct {
	// DeploymentID is swarm-<UTC yyyymmddhhmmss>-<N>
	DeploymentID string

	// StartTime is ISO-8601 UTC
	StartTime string

	// Config is a frozen copy of the configuration used to create it
	Config *config.SwarmConfig

	// Agents maps agent type to the processes in that pool
	Agents map[string][]*process.AgentProcess
}

type poolKey struct {
	deploymentID string
	agentType    string
}

// Orchestrator is the external entry point for everything agent-related:
// it owns the pools, grows and shrinks them, persists deployments, and
// reports liveness. At construction it hydrates pools from the state
// store; hydrated processes carry no handle and liveness falls back to
// PID probes.
type Orchestrator struct {
	projectRoot string
	store       *state.Store
	supervisor  *process.Supervisor
	commands    CommandBuilder

	mu          sync.Mutex
	pools       map[poolKey]*pool.AgentPool
	deployments map[string]*SwarmDeployment

	// order tracks deployment creation order; the tail is the most recent
	order []string

	logger *log.Logger
}

// New creates an orchestrator rooted at projectRoot and hydrates it from
// the state store.
func New(projectRoot string, store *state.Store, supervisor *process.Supervisor, commands CommandBuilder, logger *log.Logger) *Orchestrator {
	if commands == nil {
		commands = DefaultCommandBuilder{}
	}

	o := &Orchestrator{
		projectRoot: projectRoot,
		store:       store,
		supervisor:  supervisor,
		commands:    commands,
		pools:       make(map[poolKey]*pool.AgentPool),
		deployments: make(map[string]*SwarmDeployment),
		logger:      logger,
	}
	o.hydrate()
	return o
}

// DeploySwarm brings up a pool per configured agent type and persists the
// resulting deployment. On a partial scale failure the deployment is
// still written reflecting what was actually brought up and the error is
// returned, so operators can scale or shut down rather than losing
// visibility.
func (o *Orchestrator) DeploySwarm(ctx context.Context, cfg *config.SwarmConfig) (*SwarmDeployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	deploymentID := o.generateDeploymentID()
	deployment := &SwarmDeployment{
		DeploymentID: deploymentID,
		StartTime:    time.Now().UTC().Format(time.RFC3339),
		Config:       cfg,
		Agents:       make(map[string][]*process.AgentProcess),
	}
	o.deployments[deploymentID] = deployment
	o.order = append(o.order, deploymentID)

	// Deterministic deploy order
	agentTypes := make([]string, 0, len(cfg.Agents))
	for agentType := range cfg.Agents {
		agentTypes = append(agentTypes, agentType)
	}
	sort.Strings(agentTypes)

	pools := make(map[string]*pool.AgentPool, len(agentTypes))
	for _, agentType := range agentTypes {
		pools[agentType] = o.ensurePool(deploymentID, agentType, cfg.Agents[agentType])
	}
	o.mu.Unlock()

	o.logger.WithField("deployment_id", deploymentID).Info("Deploying swarm")

	// Scaling happens outside the orchestrator lock so distinct
	// deployments can come up in parallel; each pool serializes itself.
	var scaleErr error
	for _, agentType := range agentTypes {
		created, _, err := pools[agentType].Scale(ctx, cfg.Agents[agentType].Instances())
		if err != nil {
			scaleErr = err
			o.logger.WithFields(log.Fields{
				"deployment_id": deploymentID,
				"agent_type":    agentType,
			}).WithError(err).Error("Partial swarm deployment")
			break
		}
		o.logger.WithFields(log.Fields{
			"deployment_id": deploymentID,
			"agent_type":    agentType,
			"created":       len(created),
		}).Debug("Provisioned agent instances")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, agentType := range agentTypes {
		deployment.Agents[agentType] = pools[agentType].Instances()
	}

	if err := o.store.RecordDeployment(toRecord(deployment)); err != nil {
		o.logger.WithError(err).Error("Failed to persist deployment")
		if scaleErr == nil {
			return deployment, err
		}
	}
	return deployment, scaleErr
}

// ScaleAgents grows or shrinks one agent pool. With an empty deployment
// id the most recently created deployment is targeted. Returns the
// created processes for positive deltas and the removed ones for
// negative deltas.
func (o *Orchestrator) ScaleAgents(ctx context.Context, agentType string, delta int, deploymentID string) ([]*process.AgentProcess, error) {
	if delta == 0 {
		return nil, nil
	}

	o.mu.Lock()
	targetID, err := o.resolveDeploymentID(deploymentID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}

	key := poolKey{targetID, agentType}
	p, ok := o.pools[key]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: agent type %s in deployment %s", ErrUnknownDeployment, agentType, targetID)
	}
	o.mu.Unlock()

	// The pool's own mutex serializes scaling; distinct pools proceed in
	// parallel.
	created, removed, scaleErr := p.Scale(ctx, delta)

	o.mu.Lock()
	defer o.mu.Unlock()

	deployment := o.deployments[targetID]
	if deployment == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeployment, targetID)
	}
	deployment.Agents[agentType] = p.Instances()

	if err := o.store.UpdateDeployment(targetID, state.DeploymentPatch{
		Agents: agentsToRecords(deployment.Agents),
	}); err != nil {
		o.logger.WithError(err).Error("Failed to persist scale operation")
		if scaleErr == nil {
			scaleErr = err
		}
	}

	o.logger.WithFields(log.Fields{
		"deployment_id": targetID,
		"agent_type":    agentType,
		"delta":         delta,
	}).Info("Scaled agent pool")

	if delta > 0 {
		return created, scaleErr
	}
	return removed, scaleErr
}

// ShutdownDeployment terminates every instance in every pool of the
// deployment, drops the pools, and removes the deployment from the state
// store.
func (o *Orchestrator) ShutdownDeployment(ctx context.Context, deploymentID string, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	deployment, ok := o.deployments[deploymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDeployment, deploymentID)
	}

	o.logger.WithField("deployment_id", deploymentID).Info("Shutting down deployment")

	for agentType := range deployment.Agents {
		key := poolKey{deploymentID, agentType}
		if p, ok := o.pools[key]; ok {
			if err := p.Drain(ctx, force); err != nil {
				o.logger.WithError(err).Warn("Error draining pool during shutdown")
			}
			delete(o.pools, key)
		}
	}

	delete(o.deployments, deploymentID)
	for i, id := range o.order {
		if id == deploymentID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}

	return o.store.RemoveDeployment(deploymentID)
}

// HealthCheck concurrently polls every pool and returns a map of
// "<deployment>:<agent_type>" to pool health.
func (o *Orchestrator) HealthCheck(ctx context.Context) (map[string]pool.PoolHealth, error) {
	o.mu.Lock()
	snapshot := make(map[poolKey]*pool.AgentPool, len(o.pools))
	for key, p := range o.pools {
		snapshot[key] = p
	}
	o.mu.Unlock()

	summary := make(map[string]pool.PoolHealth, len(snapshot))
	var summaryMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for key, p := range snapshot {
		key, p := key, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			health := p.HealthCheck()
			summaryMu.Lock()
			summary[fmt.Sprintf("%s:%s", key.deploymentID, key.agentType)] = health
			summaryMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summary, nil
}

// ListDeployments returns the known deployments in creation order.
func (o *Orchestrator) ListDeployments() []*SwarmDeployment {
	o.mu.Lock()
	defer o.mu.Unlock()

	deployments := make([]*SwarmDeployment, 0, len(o.order))
	for _, id := range o.order {
		if d, ok := o.deployments[id]; ok {
			deployments = append(deployments, d)
		}
	}
	return deployments
}

// GetDeployment returns one deployment by id.
func (o *Orchestrator) GetDeployment(deploymentID string) (*SwarmDeployment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	deployment, ok := o.deployments[deploymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDeployment, deploymentID)
	}
	return deployment, nil
}

// GetAgentPool returns the pool for an agent type, resolving the
// deployment like ScaleAgents does. Returns nil when no deployment or
// pool matches.
func (o *Orchestrator) GetAgentPool(agentType, deploymentID string) *pool.AgentPool {
	o.mu.Lock()
	defer o.mu.Unlock()

	targetID, err := o.resolveDeploymentID(deploymentID)
	if err != nil {
		return nil
	}
	return o.pools[poolKey{targetID, agentType}]
}

// AgentSnapshot returns the current processes per agent type for the
// resolved deployment, for handing to a workflow executor.
func (o *Orchestrator) AgentSnapshot(deploymentID string) (map[string][]*process.AgentProcess, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	targetID, err := o.resolveDeploymentID(deploymentID)
	if err != nil {
		return nil, err
	}

	deployment := o.deployments[targetID]
	snapshot := make(map[string][]*process.AgentProcess, len(deployment.Agents))
	for agentType := range deployment.Agents {
		if p, ok := o.pools[poolKey{targetID, agentType}]; ok {
			snapshot[agentType] = p.Instances()
		}
	}
	return snapshot, nil
}

// hydrate reconstructs pools and deployments from the state store.
// Hydrated processes have no handle; health checks reveal whether they
// are still alive.
func (o *Orchestrator) hydrate() {
	records := o.store.ListDeployments()

	// Recreate in id order so the creation-order tail is the newest;
	// deployment ids embed their creation timestamp.
	sort.Slice(records, func(i, j int) bool {
		return records[i].DeploymentID < records[j].DeploymentID
	})

	for _, record := range records {
		cfg := record.Config
		if cfg == nil {
			cfg = &config.SwarmConfig{Agents: map[string]config.AgentConfig{}}
		}

		deployment := &SwarmDeployment{
			DeploymentID: record.DeploymentID,
			StartTime:    record.StartTime,
			Config:       cfg,
			Agents:       make(map[string][]*process.AgentProcess),
		}

		for agentType, procRecords := range record.Agents {
			processes := recordsToProcesses(agentType, procRecords)
			p := o.ensurePool(record.DeploymentID, agentType, cfg.Agents[agentType])
			p.RegisterExisting(processes)
			deployment.Agents[agentType] = processes
		}

		o.deployments[record.DeploymentID] = deployment
		o.order = append(o.order, record.DeploymentID)
	}

	if len(records) > 0 {
		o.logger.WithField("deployments", len(records)).Info("Hydrated deployments from state")
	}
}

// ensurePool returns the pool for (deploymentID, agentType), creating it
// with supervisor-backed provisioner and terminator closures on first
// use. Callers hold the orchestrator mutex.
func (o *Orchestrator) ensurePool(deploymentID, agentType string, agentConfig config.AgentConfig) *pool.AgentPool {
	key := poolKey{deploymentID, agentType}
	if p, ok := o.pools[key]; ok {
		return p
	}

	provisioner := func(ctx context.Context, instanceID int) (*process.AgentProcess, error) {
		command := o.commands.Build(agentType, instanceID, agentConfig)
		return o.supervisor.Start(ctx, agentType, instanceID, command, o.projectRoot)
	}
	terminator := func(ctx context.Context, proc *process.AgentProcess, force bool) error {
		o.supervisor.Terminate(proc, !force)
		o.supervisor.Release(proc.PID)
		return nil
	}

	p := pool.New(deploymentID, agentType, provisioner, terminator, o.logger)
	o.pools[key] = p
	return p
}

// resolveDeploymentID maps "" to the most recently created deployment.
// Callers hold the orchestrator mutex.
func (o *Orchestrator) resolveDeploymentID(deploymentID string) (string, error) {
	if deploymentID != "" {
		if _, ok := o.deployments[deploymentID]; !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDeployment, deploymentID)
		}
		return deploymentID, nil
	}
	if len(o.order) == 0 {
		return "", ErrNoDeployments
	}
	return o.order[len(o.order)-1], nil
}

// generateDeploymentID mints swarm-<UTC yyyymmddhhmmss>-<N> where N is
// the number of pre-existing deployments. Callers hold the mutex.
func (o *Orchestrator) generateDeploymentID() string {
	timestamp := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("swarm-%s-%d", timestamp, len(o.deployments))
}

// Serialization helpers

func toRecord(d *SwarmDeployment) *state.DeploymentRecord {
	return &state.DeploymentRecord{
		DeploymentID: d.DeploymentID,
		StartTime:    d.StartTime,
		Config:       d.Config,
		Agents:       agentsToRecords(d.Agents),
	}
}

func agentsToRecords(agents map[string][]*process.AgentProcess) map[string][]state.ProcessRecord {
	records := make(map[string][]state.ProcessRecord, len(agents))
	for agentType, procs := range agents {
		entries := make([]state.ProcessRecord, 0, len(procs))
		for _, proc := range procs {
			entries = append(entries, state.ProcessRecord{
				PID:        proc.PID,
				AgentType:  proc.AgentType,
				InstanceID: proc.InstanceID,
				Command:    proc.Command,
				Status:     string(proc.Status),
				Cwd:        proc.Cwd,
				StartTime:  float64(proc.StartTime.UnixMilli()) / 1000,
			})
		}
		records[agentType] = entries
	}
	return records
}

func recordsToProcesses(agentType string, records []state.ProcessRecord) []*process.AgentProcess {
	processes := make([]*process.AgentProcess, 0, len(records))
	for i, record := range records {
		pid := record.PID
		if pid == 0 {
			pid = -1
		}
		instanceID := record.InstanceID
		if instanceID == 0 {
			instanceID = i + 1
		}
		status := process.Status(record.Status)
		if status == "" {
			status = process.StatusUnknown
		}
		processes = append(processes, &process.AgentProcess{
			PID:        pid,
			AgentType:  agentType,
			InstanceID: instanceID,
			Command:    record.Command,
			Cwd:        record.Cwd,
			Status:     status,
			StartTime:  time.UnixMilli(int64(math.Round(record.StartTime * 1000))).UTC(),
		})
	}
	return processes
}
