package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vanman2024/agentswarm/internal/process"
)

// StepExecutor performs the actual work of a step. The engine imposes no
// constraint on the result value beyond being persistable by the state
// store.
type StepExecutor interface {
	// ValidateStep reports whether the step can be executed at all
	ValidateStep(step *Step) bool

	// ExecuteStep performs the step against a snapshot of the execution
	// context and returns its result
	ExecuteStep(ctx context.Context, step *Step, execCtx map[string]any) (any, error)
}

// AgentExecutor executes steps against a snapshot of live agent pools.
// Communication with the agent subprocess is simulated; the executor is
// the pluggable seam where a real wire protocol slots in.
type AgentExecutor struct {
	// Agents maps agent type to the processes available for that type
	Agents map[string][]*process.AgentProcess

	// Latency is the simulated per-step processing time
	Latency time.Duration
}

// NewAgentExecutor creates an executor bound to a pool snapshot.
func NewAgentExecutor(agents map[string][]*process.AgentProcess) *AgentExecutor {
	return &AgentExecutor{
		Agents:  agents,
		Latency: 100 * time.Millisecond,
	}
}

// ValidateStep reports whether any pool exists for the step's agent type.
func (e *AgentExecutor) ValidateStep(step *Step) bool {
	_, ok := e.Agents[step.AgentType]
	return ok
}

// ExecuteStep picks a running agent for the step's type and produces a
// task-shaped result.
func (e *AgentExecutor) ExecuteStep(ctx context.Context, step *Step, _ map[string]any) (any, error) {
	procs, ok := e.Agents[step.AgentType]
	if !ok {
		return nil, fmt.Errorf("no agents available for type: %s", step.AgentType)
	}

	var agent *process.AgentProcess
	for _, proc := range procs {
		if proc.Status == process.StatusRunning {
			agent = proc
			break
		}
	}
	if agent == nil {
		return nil, fmt.Errorf("no running agents available for type: %s", step.AgentType)
	}

	select {
	case <-time.After(e.Latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	task := strings.ToLower(step.Task)
	switch {
	case strings.Contains(task, "search"):
		return map[string]any{"type": "search_results", "count": 10, "data": []any{}}, nil
	case strings.Contains(task, "analyze"):
		return map[string]any{"type": "analysis", "insights": []any{}, "metrics": map[string]any{}}, nil
	case strings.Contains(task, "generate"):
		return map[string]any{"type": "generation", "content": "", "quality_score": 0.8}, nil
	default:
		return map[string]any{"type": "generic", "output": fmt.Sprintf("Executed %s", step.Task)}, nil
	}
}
