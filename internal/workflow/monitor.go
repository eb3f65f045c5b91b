package workflow

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventStatusUpdate is emitted by execution watchers on every observed
// status transition. Further event types may be added; subscribers of
// unknown types simply receive nothing.
const EventStatusUpdate = "status_update"

// Listener receives workflow events. Implementations must be comparable
// values (pointers) so they can be removed again.
type Listener interface {
	HandleEvent(executionID, eventType string, execution *Execution)
}

type funcListener struct {
	fn func(executionID, eventType string, execution *Execution)
}

func (l *funcListener) HandleEvent(executionID, eventType string, execution *Execution) {
	l.fn(executionID, eventType, execution)
}

// ListenerFunc wraps a plain function into a removable Listener.
func ListenerFunc(fn func(executionID, eventType string, execution *Execution)) Listener {
	return &funcListener{fn: fn}
}

// Monitor watches executions from the engine and the state store,
// re-publishes status transitions to subscribers, and produces aggregate
// metrics.
type Monitor struct {
	engine   *Engine
	store    ExecutionStore
	interval time.Duration

	mu        sync.Mutex
	listeners map[string][]Listener
	watchers  map[string]context.CancelFunc
	active    bool

	// retentionDays bounds how long finished executions are kept; zero
	// disables cleanup
	retentionDays int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// cleanupInterval is how often the retention sweep prunes old
// executions.
const cleanupInterval = time.Hour

// NewMonitor creates a workflow monitor. interval is the watcher poll
// period; the background sweep runs at five times that.
func NewMonitor(engine *Engine, store ExecutionStore, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		engine:    engine,
		store:     store,
		interval:  interval,
		listeners: make(map[string][]Listener),
		watchers:  make(map[string]context.CancelFunc),
		logger:    logger,
	}
}

// SetRetention configures how many days finished executions are kept.
// Takes effect the next time monitoring starts; zero or negative
// disables cleanup.
func (m *Monitor) SetRetention(days int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retentionDays = days
}

// AddEventListener subscribes a listener to an event type. Listeners are
// invoked in submission order.
func (m *Monitor) AddEventListener(eventType string, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[eventType] = append(m.listeners[eventType], listener)
}

// RemoveEventListener unsubscribes a previously added listener.
func (m *Monitor) RemoveEventListener(eventType string, listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.listeners[eventType][:0]
	for _, l := range m.listeners[eventType] {
		if l != listener {
			kept = append(kept, l)
		}
	}
	m.listeners[eventType] = kept
}

// StartMonitoring launches the background sweep that discovers active
// executions and attaches a watcher to each.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return
	}
	m.active = true
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.sweepLoop()

	if m.retentionDays > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(m.retentionDays)
	}
	m.logger.Info("Workflow monitoring started")
}

// StopMonitoring cancels every watcher and waits for them to finish.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()

	m.mu.Lock()
	m.watchers = make(map[string]context.CancelFunc)
	m.mu.Unlock()
	m.logger.Info("Workflow monitoring stopped")
}

// MonitorExecution attaches a watcher to one execution. No-op when the
// execution is already being watched or monitoring is stopped.
func (m *Monitor) MonitorExecution(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorExecutionLocked(executionID)
}

func (m *Monitor) monitorExecutionLocked(executionID string) {
	if !m.active {
		return
	}
	if _, watching := m.watchers[executionID]; watching {
		return
	}

	watchCtx, cancel := context.WithCancel(m.ctx)
	m.watchers[executionID] = cancel

	m.wg.Add(1)
	go m.watchExecution(watchCtx, executionID)
	m.logger.WithField("execution_id", executionID).Debug("Started monitoring execution")
}

// sweepLoop periodically scans for running executions that are not yet
// being watched and attaches a watcher to each; watchers remove themselves
// once their execution finishes.
func (m *Monitor) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval * 5)
	defer ticker.Stop()

	for {
		m.sweep()
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sweep() {
	candidates := m.engine.ActiveExecutions()
	if stored, err := m.store.GetActive(); err == nil {
		candidates = append(candidates, stored...)
	} else {
		m.logger.WithError(err).Warn("Failed to list active executions from store")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, execution := range candidates {
		if execution.Status == StatusRunning {
			m.monitorExecutionLocked(execution.ID)
		}
	}
}

// cleanupLoop periodically prunes executions that finished more than
// retention days ago. Unfinished executions are never touched.
func (m *Monitor) cleanupLoop(days int) {
	defer m.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		removed, err := m.store.CleanupOlderThan(days)
		if err != nil {
			m.logger.WithError(err).Warn("Failed to clean up old executions")
		} else if removed > 0 {
			m.logger.WithFields(log.Fields{
				"removed":        removed,
				"retention_days": days,
			}).Info("Pruned old workflow executions")
		}

		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchExecution polls one execution and emits a status_update on every
// observed transition until the execution reaches a terminal status.
func (m *Monitor) watchExecution(ctx context.Context, executionID string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.watchers, executionID)
		m.mu.Unlock()
	}()

	var lastStatus Status

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		execution, err := m.engine.GetExecution(executionID)
		if err != nil {
			m.logger.WithField("execution_id", executionID).WithError(err).Debug("Execution no longer resolvable")
			return
		}

		if execution.Status != lastStatus {
			lastStatus = execution.Status
			m.notify(executionID, EventStatusUpdate, execution)
		}

		if execution.Status.Terminal() {
			m.logger.WithFields(log.Fields{
				"execution_id": executionID,
				"status":       execution.Status,
			}).Debug("Execution finished, stopping watcher")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// notify invokes the listeners for an event type in submission order.
// A panicking listener is logged and isolated; it never stops the others
// or propagates into the engine.
func (m *Monitor) notify(executionID, eventType string, execution *Execution) {
	m.mu.Lock()
	listeners := append([]Listener(nil), m.listeners[eventType]...)
	m.mu.Unlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.WithFields(log.Fields{
						"event_type": eventType,
						"panic":      r,
					}).Error("Event listener panicked")
				}
			}()
			listener.HandleEvent(executionID, eventType, execution)
		}()
	}
}

// ExecutionMetrics is the derived per-execution view the monitor exposes.
type ExecutionMetrics struct {
	ID             string  `json:"id"`
	DefinitionID   string  `json:"definition_id"`
	Status         Status  `json:"status"`
	CurrentStep    string  `json:"current_step,omitempty"`
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	SuccessRate    float64 `json:"success_rate"`
	StartTime      string  `json:"start_time,omitempty"`
	EndTime        string  `json:"end_time,omitempty"`
	ExecutionTime  float64 `json:"execution_time,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// GetExecutionMetrics returns derived metrics for one execution.
func (m *Monitor) GetExecutionMetrics(executionID string) (*ExecutionMetrics, error) {
	execution, err := m.engine.GetExecution(executionID)
	if err != nil {
		return nil, err
	}

	completed := 0
	for _, state := range execution.StepStates {
		if state.Status == StepCompleted {
			completed++
		}
	}

	metrics := &ExecutionMetrics{
		ID:             execution.ID,
		DefinitionID:   execution.DefinitionID,
		Status:         execution.Status,
		CurrentStep:    execution.CurrentStep,
		TotalSteps:     len(execution.StepStates),
		CompletedSteps: completed,
		ExecutionTime:  execution.ExecutionTime,
		Error:          execution.Error,
	}
	if len(execution.StepStates) > 0 {
		metrics.SuccessRate = float64(completed) / float64(len(execution.StepStates))
	}
	if execution.StartTime != nil {
		metrics.StartTime = execution.StartTime.Format(time.RFC3339)
	}
	if execution.EndTime != nil {
		metrics.EndTime = execution.EndTime.Format(time.RFC3339)
	}
	return metrics, nil
}

// SystemMetrics aggregates store statistics with monitor state.
type SystemMetrics struct {
	Stats
	ActiveMonitors int `json:"active_monitors"`
	TotalListeners int `json:"total_listeners"`
}

// GetSystemMetrics returns system-wide workflow metrics.
func (m *Monitor) GetSystemMetrics() (SystemMetrics, error) {
	stats, err := m.store.Stats()
	if err != nil {
		return SystemMetrics{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, listeners := range m.listeners {
		total += len(listeners)
	}
	return SystemMetrics{
		Stats:          stats,
		ActiveMonitors: len(m.watchers),
		TotalListeners: total,
	}, nil
}
