package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vanman2024/agentswarm/internal/api"
	"github.com/vanman2024/agentswarm/internal/config"
	"github.com/vanman2024/agentswarm/internal/orchestrator"
	"github.com/vanman2024/agentswarm/internal/process"
	"github.com/vanman2024/agentswarm/internal/state"
	"github.com/vanman2024/agentswarm/internal/workflow"
)

// App wires the deployment core and the workflow engine together and
// runs them until a shutdown signal arrives.
type App struct {
	config       *config.Config
	logger       *logrus.Logger
	supervisor   *process.Supervisor
	stateStore   *state.Store
	orchestrator *orchestrator.Orchestrator
	wfStore      workflow.ExecutionStore
	engine       *workflow.Engine
	monitor      *workflow.Monitor
	registry     *workflow.Registry
	server       *api.Server
}

// New assembles the application from configuration.
func New(cfg *config.Config, logger *logrus.Logger) (*App, error) {
	supervisor := process.NewSupervisor(logger)

	stateStore, err := state.NewProjectStore(cfg.ProjectRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open deployment state: %w", err)
	}

	orch := orchestrator.New(cfg.ProjectRoot, stateStore, supervisor, nil, logger)

	stateDir := cfg.Workflow.StateDir
	if !filepath.IsAbs(stateDir) {
		stateDir = filepath.Join(cfg.ProjectRoot, stateDir)
	}
	fileStore, err := workflow.NewStateStore(stateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open workflow state: %w", err)
	}

	a := &App{
		config:       cfg,
		logger:       logger,
		supervisor:   supervisor,
		stateStore:   stateStore,
		orchestrator: orch,
		wfStore:      fileStore,
		registry:     workflow.NewBuiltinRegistry(),
	}

	// The execution archive mirrors writes into ArangoDB when enabled;
	// the JSON file store stays canonical.
	if cfg.Archive.Enabled {
		archiveStore, err := workflow.DialArangoStore(&cfg.Archive, logger)
		if err != nil {
			logger.WithError(err).Warn("Execution archive unavailable, continuing without it")
		} else {
			a.wfStore = newTeeStore(fileStore, archiveStore, logger)
		}
	}

	a.engine = workflow.NewEngine(&swarmExecutor{orchestrator: orch}, a.wfStore, logger)
	a.monitor = workflow.NewMonitor(a.engine, a.wfStore, cfg.Workflow.MonitorInterval, logger)
	a.monitor.SetRetention(cfg.Workflow.RetentionDays)

	if cfg.Server.Enabled {
		a.server = api.NewServer(&api.ServerConfig{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			Environment:  cfg.Server.Environment,
		}, &api.Services{
			Orchestrator: orch,
			Engine:       a.engine,
			Monitor:      a.monitor,
			Store:        a.wfStore,
			Registry:     a.registry,
			RunWorkflow:  a.runWorkflow,
		}, logger)
	}

	return a, nil
}

// Orchestrator exposes the deployment core.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Deploy brings up a swarm from a validated configuration. Used by the
// deploy CLI path; the status API reaches the orchestrator directly.
func (a *App) Deploy(ctx context.Context, cfg *config.SwarmConfig) (*orchestrator.SwarmDeployment, error) {
	return a.orchestrator.DeploySwarm(ctx, cfg)
}

// Engine exposes the workflow engine.
func (a *App) Engine() *workflow.Engine {
	return a.engine
}

// runWorkflow starts an execution in the background, attaches a monitor
// watcher, and returns the minted execution id.
func (a *App) runWorkflow(def *workflow.Definition, initialContext map[string]any) (string, error) {
	idCh := make(chan string, 1)

	go func() {
		execution, err := a.engine.ExecuteTracked(context.Background(), def, initialContext, func(executionID string) {
			idCh <- executionID
			a.monitor.MonitorExecution(executionID)
		})
		if err != nil {
			a.logger.WithField("definition_id", def.ID).WithError(err).Error("Workflow execution failed")
			return
		}
		a.logger.WithFields(logrus.Fields{
			"definition_id": def.ID,
			"execution_id":  execution.ID,
			"status":        execution.Status,
		}).Info("Workflow execution finished")
	}()

	return <-idCh, nil
}

// Run starts the monitor and API server and blocks until SIGINT/SIGTERM.
func (a *App) Run() error {
	a.monitor.StartMonitoring()

	errCh := make(chan error, 1)
	if a.server != nil {
		go func() {
			errCh <- a.server.Start()
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		a.logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.server != nil {
		if err := a.server.Stop(shutdownCtx); err != nil {
			a.logger.WithError(err).Warn("Error stopping API server")
		}
	}
	a.monitor.StopMonitoring()
	return nil
}

// swarmExecutor is the live StepExecutor: it resolves the current agent
// pool snapshot from the orchestrator at each call, so workflow steps
// always see the post-scale roster.
type swarmExecutor struct {
	orchestrator *orchestrator.Orchestrator
}

func (e *swarmExecutor) snapshot() map[string][]*process.AgentProcess {
	snapshot, err := e.orchestrator.AgentSnapshot("")
	if err != nil {
		return nil
	}
	return snapshot
}

func (e *swarmExecutor) ValidateStep(step *workflow.Step) bool {
	return workflow.NewAgentExecutor(e.snapshot()).ValidateStep(step)
}

func (e *swarmExecutor) ExecuteStep(ctx context.Context, step *workflow.Step, execCtx map[string]any) (any, error) {
	return workflow.NewAgentExecutor(e.snapshot()).ExecuteStep(ctx, step, execCtx)
}

// teeStore writes executions to the file store and mirrors them into the
// archive best-effort; reads come from the file store.
type teeStore struct {
	workflow.ExecutionStore
	archive workflow.ExecutionStore
	logger  *logrus.Logger
}

func newTeeStore(primary, archive workflow.ExecutionStore, logger *logrus.Logger) *teeStore {
	return &teeStore{ExecutionStore: primary, archive: archive, logger: logger}
}

func (t *teeStore) Save(execution *workflow.Execution) error {
	if err := t.archive.Save(execution); err != nil {
		t.logger.WithField("execution_id", execution.ID).WithError(err).Warn("Failed to archive execution")
	}
	return t.ExecutionStore.Save(execution)
}

func (t *teeStore) Delete(executionID string) (bool, error) {
	if _, err := t.archive.Delete(executionID); err != nil {
		t.logger.WithField("execution_id", executionID).WithError(err).Warn("Failed to delete archived execution")
	}
	return t.ExecutionStore.Delete(executionID)
}
