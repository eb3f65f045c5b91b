package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// readinessPollInterval is how often the pipeline dispatcher re-evaluates
// step readiness when nothing is in flight yet.
const readinessPollInterval = 100 * time.Millisecond

// Engine validates workflow definitions, schedules their steps according
// to the workflow type, applies per-step retry, records results, and
// persists every state transition before the next one begins.
type Engine struct {
	executor StepExecutor
	store    ExecutionStore
	logger   *log.Logger

	mu      sync.Mutex
	active  map[string]*run
	cancels map[string]context.CancelFunc
}

// run holds the mutable state of one execution while it is in flight.
type run struct {
	def  *Definition
	exec *Execution

	// mu guards exec; concurrent step goroutines merge results through it
	mu sync.Mutex
}

// NewEngine creates a workflow engine bound to an executor and a state
// store.
func NewEngine(executor StepExecutor, store ExecutionStore, logger *log.Logger) *Engine {
	return &Engine{
		executor: executor,
		store:    store,
		logger:   logger,
		active:   make(map[string]*run),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Execute runs a workflow definition to completion and returns the final
// execution. The returned error is non-nil when the execution failed, or
// when it completed but its final state could not be persisted;
// cancellation yields a cancelled execution and a nil error.
func (e *Engine) Execute(ctx context.Context, def *Definition, initialContext map[string]any) (*Execution, error) {
	return e.ExecuteTracked(ctx, def, initialContext, nil)
}

// ExecuteTracked is Execute with an onStart hook invoked once the
// execution id has been minted and registered, before any step runs.
func (e *Engine) ExecuteTracked(ctx context.Context, def *Definition, initialContext map[string]any, onStart func(executionID string)) (*Execution, error) {
	execution := &Execution{
		ID:           uuid.New().String(),
		DefinitionID: def.ID,
		Status:       StatusPending,
		StepResults:  make(map[string]any),
		Context:      make(map[string]any),
		StepStates:   make(map[string]*StepState),
	}
	for k, v := range initialContext {
		execution.Context[k] = v
	}
	for i := range def.Steps {
		execution.StepStates[def.Steps[i].ID] = &StepState{Status: StepPending}
	}

	r := &run{def: def, exec: execution}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.active[execution.ID] = r
	e.cancels[execution.ID] = cancel
	e.mu.Unlock()

	e.persist(r)
	if onStart != nil {
		onStart(execution.ID)
	}
	e.logger.WithFields(log.Fields{
		"execution_id":  execution.ID,
		"definition_id": def.ID,
	}).Info("Starting workflow execution")

	now := time.Now().UTC()
	r.mu.Lock()
	execution.Status = StatusRunning
	execution.StartTime = &now
	r.mu.Unlock()
	e.persist(r)

	dispatchErr := e.dispatch(runCtx, r)

	// Finalize
	end := time.Now().UTC()
	r.mu.Lock()
	execution.CurrentStep = ""
	execution.EndTime = &end
	if execution.StartTime != nil {
		execution.ExecutionTime = end.Sub(*execution.StartTime).Seconds()
	}

	switch {
	case runCtx.Err() != nil:
		execution.Status = StatusCancelled
		e.logger.WithField("execution_id", execution.ID).Info("Workflow execution cancelled")
		dispatchErr = nil
	case dispatchErr != nil:
		execution.Status = StatusFailed
		execution.Error = dispatchErr.Error()
		e.logger.WithField("execution_id", execution.ID).WithError(dispatchErr).Error("Workflow execution failed")
	default:
		execution.Status = StatusCompleted
		e.logger.WithField("execution_id", execution.ID).Info("Workflow execution completed")
	}
	r.mu.Unlock()
	if err := e.persist(r); err != nil && execution.Status == StatusCompleted {
		dispatchErr = err
	}

	e.mu.Lock()
	delete(e.active, execution.ID)
	delete(e.cancels, execution.ID)
	e.mu.Unlock()

	return execution, dispatchErr
}

// Cancel requests cooperative cancellation of a running execution.
// Returns false when the execution is not active.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// GetExecution returns an active execution snapshot or falls back to the
// state store.
func (e *Engine) GetExecution(executionID string) (*Execution, error) {
	e.mu.Lock()
	r, ok := e.active[executionID]
	e.mu.Unlock()

	if ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.exec.Clone(), nil
	}
	return e.store.Get(executionID)
}

// ActiveExecutions returns snapshots of every in-flight execution.
func (e *Engine) ActiveExecutions() []*Execution {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	executions := make([]*Execution, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		executions = append(executions, r.exec.Clone())
		r.mu.Unlock()
	}
	return executions
}

// dispatch validates the definition and runs it under the discipline its
// type selects.
func (e *Engine) dispatch(ctx context.Context, r *run) error {
	if err := e.validateDefinition(r.def); err != nil {
		return err
	}

	graph, err := NewDependencyGraph(r.def.Steps)
	if err != nil {
		return err
	}
	if err := graph.ValidateAcyclic(); err != nil {
		return err
	}

	switch r.def.Type {
	case TypeSequential, TypeValidation:
		return e.runSequential(ctx, r)
	case TypeParallel:
		return e.runParallel(ctx, r)
	case TypePipeline:
		return e.runPipeline(ctx, r)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedWorkflowType, r.def.Type)
	}
}

func (e *Engine) validateDefinition(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: definition id is required", ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: definition must have at least one step", ErrInvalidDefinition)
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step id is required", ErrInvalidDefinition)
		}
		if seen[step.ID] {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidDefinition, step.ID)
		}
		seen[step.ID] = true
		if step.RetryCount < 0 {
			return fmt.Errorf("%w: step %q has negative retry count", ErrInvalidDefinition, step.ID)
		}
	}
	return nil
}

// runSequential executes steps one at a time in definition order.
// Dependencies are validated for reachability but do not reorder steps.
func (e *Engine) runSequential(ctx context.Context, r *run) error {
	for i := range r.def.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.executeStep(ctx, r, &r.def.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// runParallel launches dependency-free steps concurrently, then drains
// dependency-satisfied steps in waves, re-evaluating readiness after each
// wave. A failure stops further launches; steps already in flight finish
// and are recorded.
func (e *Engine) runParallel(ctx context.Context, r *run) error {
	dispatched := make(map[string]bool, len(r.def.Steps))

	var g errgroup.Group
	for i := range r.def.Steps {
		step := &r.def.Steps[i]
		if len(step.Dependencies) > 0 {
			continue
		}
		dispatched[step.ID] = true
		g.Go(func() error {
			return e.executeStep(ctx, r, step)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wave := make([]*Step, 0)
		for i := range r.def.Steps {
			step := &r.def.Steps[i]
			if dispatched[step.ID] || !e.dependenciesSatisfied(r, step) {
				continue
			}
			dispatched[step.ID] = true
			wave = append(wave, step)
		}
		if len(wave) == 0 {
			return nil
		}

		var wg errgroup.Group
		for _, step := range wave {
			step := step
			wg.Go(func() error {
				return e.executeStep(ctx, r, step)
			})
		}
		if err := wg.Wait(); err != nil {
			return err
		}
	}
}

// runPipeline is fully dependency-driven: a step is dispatched the moment
// every dependency has a result, and independent steps run concurrently.
// Readiness is polled between dispatch passes with a cancellation-aware
// sleep.
func (e *Engine) runPipeline(ctx context.Context, r *run) error {
	type stepOutcome struct {
		id  string
		err error
	}

	pending := make(map[string]*Step, len(r.def.Steps))
	for i := range r.def.Steps {
		pending[r.def.Steps[i].ID] = &r.def.Steps[i]
	}

	inflight := 0
	outcomes := make(chan stepOutcome, len(r.def.Steps))
	var firstErr error

	for {
		if firstErr == nil {
			for id, step := range pending {
				if !e.dependenciesSatisfied(r, step) {
					continue
				}
				delete(pending, id)
				inflight++
				go func(step *Step) {
					outcomes <- stepOutcome{step.ID, e.executeStep(ctx, r, step)}
				}(step)
			}
		}

		if inflight == 0 {
			if firstErr != nil {
				return firstErr
			}
			if len(pending) == 0 {
				return nil
			}
			// Nothing runnable and nothing in flight: wait for upstream
			// state to change or cancellation. With an acyclic graph this
			// only spins when a dependency failed, which sets firstErr.
			select {
			case <-time.After(readinessPollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		outcome := <-outcomes
		inflight--
		if outcome.err != nil && firstErr == nil {
			firstErr = outcome.err
		}
		if err := ctx.Err(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

func (e *Engine) dependenciesSatisfied(r *run, step *Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, depID := range step.Dependencies {
		if _, ok := r.exec.StepResults[depID]; !ok {
			return false
		}
	}
	return true
}

// executeStep drives one step through validation, retried execution, and
// result recording. Each transition is persisted before the next begins.
func (e *Engine) executeStep(ctx context.Context, r *run, step *Step) error {
	start := time.Now().UTC()
	r.mu.Lock()
	r.exec.CurrentStep = step.ID
	state := r.exec.StepStates[step.ID]
	state.Status = StepRunning
	state.StartTime = &start
	r.mu.Unlock()
	e.persist(r)

	finish := func(status StepStatus, result any, stepErr string) {
		end := time.Now().UTC()
		r.mu.Lock()
		state.Status = status
		state.Result = result
		state.Error = stepErr
		state.EndTime = &end
		state.ExecutionTime = end.Sub(start).Seconds()
		if status == StepCompleted {
			r.exec.StepResults[step.ID] = result
			r.exec.Context[fmt.Sprintf("step_%s_result", step.ID)] = result
		}
		r.mu.Unlock()
		e.persist(r)
	}

	if !e.executor.ValidateStep(step) {
		err := fmt.Errorf("%w: %s", ErrStepValidationFailed, step.Name)
		finish(StepFailed, nil, err.Error())
		return err
	}

	result, err := e.executeWithRetry(ctx, r, step)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Cooperative cancellation, not a step failure
			finish(StepSkipped, nil, "")
			return err
		}
		wrapped := fmt.Errorf("%w: step %s: %v", ErrStepExecutionFailed, step.ID, err)
		finish(StepFailed, nil, wrapped.Error())
		e.logger.WithFields(log.Fields{
			"execution_id": r.exec.ID,
			"step_id":      step.ID,
		}).WithError(err).Error("Step failed")
		return wrapped
	}

	finish(StepCompleted, result, "")
	e.logger.WithFields(log.Fields{
		"execution_id": r.exec.ID,
		"step_id":      step.ID,
	}).Info("Step completed")
	return nil
}

// executeWithRetry attempts the step up to RetryCount+1 times with a
// cancellation-aware delay between attempts. The step's timeout bounds a
// single attempt; a timed-out attempt counts toward the retry budget.
func (e *Engine) executeWithRetry(ctx context.Context, r *run, step *Step) (any, error) {
	var lastErr error

	for attempt := 0; attempt <= step.RetryCount; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}

		result, err := e.executor.ExecuteStep(attemptCtx, step, e.contextSnapshot(r))
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, context.Canceled
		}

		lastErr = err
		if attempt < step.RetryCount {
			e.logger.WithFields(log.Fields{
				"execution_id": r.exec.ID,
				"step_id":      step.ID,
				"attempt":      attempt + 1,
				"retry_delay":  step.RetryDelay,
			}).Warn("Step attempt failed, retrying")

			select {
			case <-time.After(step.RetryDelay):
			case <-ctx.Done():
				return nil, context.Canceled
			}
		}
	}

	return nil, lastErr
}

// contextSnapshot copies the execution context for one step dispatch;
// steps never see concurrent mutation of the shared map.
func (e *Engine) contextSnapshot(r *run) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]any, len(r.exec.Context))
	for k, v := range r.exec.Context {
		snapshot[k] = v
	}
	return snapshot
}

// persist writes the execution through to the state store. Persistence
// failures are logged and returned; the next successful save repairs drift.
func (e *Engine) persist(r *run) error {
	r.mu.Lock()
	snapshot := r.exec.Clone()
	r.mu.Unlock()

	if err := e.store.Save(snapshot); err != nil {
		e.logger.WithField("execution_id", snapshot.ID).WithError(err).Error("Failed to persist execution")
		return err
	}
	return nil
}
