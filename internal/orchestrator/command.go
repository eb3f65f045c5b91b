package orchestrator

import (
	"fmt"

	"github.com/vanman2024/agentswarm/internal/config"
)

// CommandBuilder maps an agent type to the shell command that launches
// one instance of it. The supervisor executes the result verbatim.
type CommandBuilder interface {
	Build(agentType string, instanceID int, agentConfig config.AgentConfig) string
}

// DefaultCommandBuilder launches the known agent CLIs and falls back to
// an observable echo for unknown types.
type DefaultCommandBuilder struct{}

// Build returns the launch command for one agent instance.
func (DefaultCommandBuilder) Build(agentType string, instanceID int, _ config.AgentConfig) string {
	switch agentType {
	case "codex":
		return fmt.Sprintf(`codex exec "Working on instance %d"`, instanceID)
	case "claude":
		return fmt.Sprintf(`claude -p "Working on instance %d"`, instanceID)
	case "gemini":
		return fmt.Sprintf(`gemini "Working on instance %d"`, instanceID)
	case "copilot":
		return fmt.Sprintf(`gh copilot explain "Working on instance %d"`, instanceID)
	default:
		return fmt.Sprintf(`echo "Unknown agent type: %s"`, agentType)
	}
}
