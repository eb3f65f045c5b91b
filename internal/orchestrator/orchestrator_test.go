package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanman2024/agentswarm/internal/config"
	"github.com/vanman2024/agentswarm/internal/process"
	"github.com/vanman2024/agentswarm/internal/state"
)

// echoCommands makes every agent type a short-lived echo so tests stay
// hermetic.
type echoCommands struct{}

func (echoCommands) Build(agentType string, instanceID int, _ config.AgentConfig) string {
	return fmt.Sprintf("echo agent-%s-%d", agentType, instanceID)
}

// sleepCommands keeps agents alive long enough for liveness checks.
type sleepCommands struct{}

func (sleepCommands) Build(string, int, config.AgentConfig) string {
	return "sleep 30"
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestOrchestrator(t *testing.T, commands CommandBuilder) (*Orchestrator, *state.Store, string) {
	t.Helper()
	root := t.TempDir()
	store, err := state.NewProjectStore(root, testLogger())
	require.NoError(t, err)
	orch := New(root, store, process.NewSupervisor(testLogger()), commands, testLogger())
	return orch, store, root
}

func swarmConfig(t *testing.T, agents map[string]int) *config.SwarmConfig {
	t.Helper()
	entries := make(map[string]config.AgentConfig, len(agents))
	for agentType, instances := range agents {
		entries[agentType] = config.AgentConfig{"instances": instances}
	}
	cfg, err := config.NewSwarmConfig(entries, nil, nil)
	require.NoError(t, err)
	return cfg
}

func instanceIDs(procs []*process.AgentProcess) []int {
	ids := make([]int, 0, len(procs))
	for _, proc := range procs {
		ids = append(ids, proc.InstanceID)
	}
	return ids
}

func TestOrchestrator_DeployScaleUpScaleDown(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t, echoCommands{})

	deployment, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 2}))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, instanceIDs(deployment.Agents["codex"]))

	created, err := orch.ScaleAgents(context.Background(), "codex", 1, "")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, instanceIDs(created))

	removed, err := orch.ScaleAgents(context.Background(), "codex", -2, "")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, instanceIDs(removed))

	// State file reflects the single remaining agent.
	record, err := store.GetDeployment(deployment.DeploymentID)
	require.NoError(t, err)
	require.Len(t, record.Agents["codex"], 1)
	assert.Equal(t, 1, record.Agents["codex"][0].InstanceID)
}

func TestOrchestrator_DeploymentIDFormat(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, echoCommands{})

	first, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 1}))
	require.NoError(t, err)
	assert.Regexp(t, `^swarm-\d{14}-0$`, first.DeploymentID)

	second, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 1}))
	require.NoError(t, err)
	assert.Regexp(t, `^swarm-\d{14}-1$`, second.DeploymentID)
}

func TestOrchestrator_ScaleResolvesLatestDeployment(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, echoCommands{})

	_, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 1}))
	require.NoError(t, err)
	second, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 1}))
	require.NoError(t, err)

	created, err := orch.ScaleAgents(context.Background(), "codex", 1, "")
	require.NoError(t, err)
	require.Len(t, created, 1)

	latest, err := orch.GetDeployment(second.DeploymentID)
	require.NoError(t, err)
	assert.Len(t, latest.Agents["codex"], 2)
}

func TestOrchestrator_ScaleErrors(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, echoCommands{})

	_, err := orch.ScaleAgents(context.Background(), "codex", 1, "")
	assert.ErrorIs(t, err, ErrNoDeployments)

	_, err = orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 1}))
	require.NoError(t, err)

	_, err = orch.ScaleAgents(context.Background(), "codex", 1, "swarm-bogus-9")
	assert.ErrorIs(t, err, ErrUnknownDeployment)

	_, err = orch.ScaleAgents(context.Background(), "gemini", 1, "")
	assert.ErrorIs(t, err, ErrUnknownDeployment)

	changed, err := orch.ScaleAgents(context.Background(), "codex", 0, "")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestOrchestrator_ShutdownDeployment(t *testing.T) {
	orch, store, _ := newTestOrchestrator(t, echoCommands{})

	deployment, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 2, "claude": 1}))
	require.NoError(t, err)

	require.NoError(t, orch.ShutdownDeployment(context.Background(), deployment.DeploymentID, false))

	assert.Empty(t, orch.ListDeployments())
	_, err = store.GetDeployment(deployment.DeploymentID)
	assert.ErrorIs(t, err, state.ErrDeploymentNotFound)

	err = orch.ShutdownDeployment(context.Background(), deployment.DeploymentID, false)
	assert.ErrorIs(t, err, ErrUnknownDeployment)
}

func TestOrchestrator_HealthCheckLiveAgents(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, sleepCommands{})

	deployment, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 2}))
	require.NoError(t, err)
	defer func() {
		_ = orch.ShutdownDeployment(context.Background(), deployment.DeploymentID, true)
	}()

	summary, err := orch.HealthCheck(context.Background())
	require.NoError(t, err)

	key := deployment.DeploymentID + ":codex"
	require.Contains(t, summary, key)
	assert.Equal(t, "healthy", summary[key].Status)
	assert.Equal(t, 2, summary[key].HealthyInstances)
}

func TestOrchestrator_HydrationFromState(t *testing.T) {
	root := t.TempDir()
	stateDir := filepath.Join(root, state.DirectoryName)
	require.NoError(t, os.MkdirAll(stateDir, 0o755))

	// Hand-written state file with one dead PID, as an earlier process
	// would have left it.
	doc := map[string]any{
		"deployments": map[string]any{
			"swarm-20240101000000-0": map[string]any{
				"deployment_id": "swarm-20240101000000-0",
				"start_time":    "2024-01-01T00:00:00Z",
				"config": map[string]any{
					"agents":     map[string]any{"codex": map[string]any{"instances": 1}},
					"deployment": map[string]any{},
					"metadata":   map[string]any{},
				},
				"agents": map[string]any{
					"codex": []any{
						map[string]any{
							"pid":         999999,
							"agent_type":  "codex",
							"instance_id": 1,
							"command":     `codex exec "Working on instance 1"`,
							"status":      "running",
							"start_time":  1704067200.0,
						},
					},
				},
			},
		},
		"last_deployment_id": "swarm-20240101000000-0",
		"last_updated":       "2024-01-01T00:00:00Z",
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, state.FileName), data, 0o644))

	store, err := state.NewProjectStore(root, testLogger())
	require.NoError(t, err)
	orch := New(root, store, process.NewSupervisor(testLogger()), echoCommands{}, testLogger())

	deployments := orch.ListDeployments()
	require.Len(t, deployments, 1)
	assert.Equal(t, "swarm-20240101000000-0", deployments[0].DeploymentID)

	summary, err := orch.HealthCheck(context.Background())
	require.NoError(t, err)
	health := summary["swarm-20240101000000-0:codex"]
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, 1, health.UnhealthyInstances)

	// Scaling the hydrated pool assigns the next id after the roster.
	created, err := orch.ScaleAgents(context.Background(), "codex", 1, "")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, instanceIDs(created))
}

func TestOrchestrator_HydrationRoundTripIsIdempotent(t *testing.T) {
	root := t.TempDir()
	store, err := state.NewProjectStore(root, testLogger())
	require.NoError(t, err)
	orch := New(root, store, process.NewSupervisor(testLogger()), echoCommands{}, testLogger())

	deployment, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 2}))
	require.NoError(t, err)

	before, err := store.GetDeployment(deployment.DeploymentID)
	require.NoError(t, err)

	// A fresh orchestrator hydrates and re-persists the same record.
	store2, err := state.NewProjectStore(root, testLogger())
	require.NoError(t, err)
	orch2 := New(root, store2, process.NewSupervisor(testLogger()), echoCommands{}, testLogger())

	hydrated, err := orch2.GetDeployment(deployment.DeploymentID)
	require.NoError(t, err)
	require.NoError(t, store2.RecordDeployment(&state.DeploymentRecord{
		DeploymentID: hydrated.DeploymentID,
		StartTime:    hydrated.StartTime,
		Config:       hydrated.Config,
		Agents:       agentsToRecords(hydrated.Agents),
	}))

	after, err := store2.GetDeployment(deployment.DeploymentID)
	require.NoError(t, err)

	assert.Equal(t, before.DeploymentID, after.DeploymentID)
	assert.Equal(t, before.StartTime, after.StartTime)
	assert.Equal(t, before.Agents, after.Agents)
}

func TestOrchestrator_AgentSnapshot(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t, echoCommands{})

	_, err := orch.DeploySwarm(context.Background(), swarmConfig(t, map[string]int{"codex": 2, "claude": 1}))
	require.NoError(t, err)

	snapshot, err := orch.AgentSnapshot("")
	require.NoError(t, err)
	assert.Len(t, snapshot["codex"], 2)
	assert.Len(t, snapshot["claude"], 1)
}

func TestDefaultCommandBuilder(t *testing.T) {
	b := DefaultCommandBuilder{}
	assert.Equal(t, `codex exec "Working on instance 3"`, b.Build("codex", 3, nil))
	assert.Equal(t, `claude -p "Working on instance 1"`, b.Build("claude", 1, nil))
	assert.Equal(t, `gemini "Working on instance 2"`, b.Build("gemini", 2, nil))
	assert.Equal(t, `gh copilot explain "Working on instance 1"`, b.Build("copilot", 1, nil))
	assert.Equal(t, `echo "Unknown agent type: mystery"`, b.Build("mystery", 9, nil))
}
