package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ExecutionsFileName is the workflow state document inside the state
// directory.
const ExecutionsFileName = "workflow_executions.json"

// ListFilter narrows List queries. Zero values match everything.
type ListFilter struct {
	Status       Status
	DefinitionID string
	Limit        int
}

// Stats summarizes the stored executions.
type Stats struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Running     int     `json:"running"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// ExecutionStore persists workflow executions. The JSON file store is the
// canonical implementation; the ArangoDB archive implements the same
// contract.
type ExecutionStore interface {
	Save(execution *Execution) error
	Get(executionID string) (*Execution, error)
	List(filter ListFilter) ([]*Execution, error)
	Delete(executionID string) (bool, error)
	GetActive() ([]*Execution, error)
	GetCompleted(limit int) ([]*Execution, error)
	Stats() (Stats, error)
	CleanupOlderThan(days int) (int, error)
}

// document is the persisted JSON shape.
type document struct {
	LastUpdated string       `json:"last_updated"`
	Executions  []*Execution `json:"executions"`
}

// StateStore is the JSON-file execution store. Writes are atomic
// (write-to-temp-then-rename); unknown fields on read are ignored for
// forward compatibility.
type StateStore struct {
	stateDir       string
	executionsPath string

	mu         sync.Mutex
	executions map[string]*Execution
	logger     *log.Logger
}

// NewStateStore opens (or initializes) the execution store under
// stateDir.
func NewStateStore(stateDir string, logger *log.Logger) (*StateStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workflow state directory: %w", err)
	}

	s := &StateStore{
		stateDir:       stateDir,
		executionsPath: filepath.Join(stateDir, ExecutionsFileName),
		executions:     make(map[string]*Execution),
		logger:         logger,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the executions document.
func (s *StateStore) Path() string {
	return s.executionsPath
}

// Save stores an execution snapshot.
func (s *StateStore) Save(execution *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[execution.ID] = execution.Clone()
	return s.save()
}

// Get returns an execution by id.
func (s *StateStore) Get(executionID string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	execution, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return execution.Clone(), nil
}

// List returns executions matching the filter, newest first. The default
// limit is 50.
func (s *StateStore) List(filter ListFilter) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]*Execution, 0, len(s.executions))
	for _, execution := range s.executions {
		if filter.Status != "" && execution.Status != filter.Status {
			continue
		}
		if filter.DefinitionID != "" && execution.DefinitionID != filter.DefinitionID {
			continue
		}
		matches = append(matches, execution.Clone())
	}

	sortByStartTimeDesc(matches)

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Delete removes an execution; reports whether one was removed.
func (s *StateStore) Delete(executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[executionID]; !ok {
		return false, nil
	}
	delete(s.executions, executionID)
	if err := s.save(); err != nil {
		return false, err
	}
	s.logger.WithField("execution_id", executionID).Info("Deleted workflow execution")
	return true, nil
}

// GetActive returns all currently running executions.
func (s *StateStore) GetActive() ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]*Execution, 0)
	for _, execution := range s.executions {
		if execution.Status == StatusRunning {
			active = append(active, execution.Clone())
		}
	}
	sortByStartTimeDesc(active)
	return active, nil
}

// GetCompleted returns recently finished executions, newest end time
// first. The default limit is 20.
func (s *StateStore) GetCompleted(limit int) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := make([]*Execution, 0)
	for _, execution := range s.executions {
		if execution.Status.Terminal() {
			completed = append(completed, execution.Clone())
		}
	}

	sort.Slice(completed, func(i, j int) bool {
		return timeOrZero(completed[i].EndTime).After(timeOrZero(completed[j].EndTime))
	})

	if limit <= 0 {
		limit = 20
	}
	if len(completed) > limit {
		completed = completed[:limit]
	}
	return completed, nil
}

// Stats summarizes the stored executions. The success rate is
// completed/(completed+failed)*100, or zero when nothing finished.
func (s *StateStore) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Total: len(s.executions)}
	for _, execution := range s.executions {
		switch execution.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusRunning:
			stats.Running++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished) * 100
	}
	return stats, nil
}

// CleanupOlderThan deletes executions whose end time is older than the
// cutoff and returns how many were removed. Executions without an end
// time are never deleted.
func (s *StateStore) CleanupOlderThan(days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	removed := 0
	for id, execution := range s.executions {
		if execution.EndTime != nil && execution.EndTime.Before(cutoff) {
			delete(s.executions, id)
			removed++
		}
	}

	if removed > 0 {
		if err := s.save(); err != nil {
			return removed, err
		}
		s.logger.WithField("removed", removed).Info("Cleaned up old workflow executions")
	}
	return removed, nil
}

func (s *StateStore) load() error {
	data, err := os.ReadFile(s.executionsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read workflow state: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse workflow state: %w", err)
	}
	for _, execution := range doc.Executions {
		s.executions[execution.ID] = execution
	}
	s.logger.WithField("executions", len(s.executions)).Debug("Loaded workflow executions from state")
	return nil
}

// save writes the document atomically. Callers hold the mutex.
func (s *StateStore) save() error {
	doc := document{
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
		Executions:  make([]*Execution, 0, len(s.executions)),
	}
	for _, execution := range s.executions {
		doc.Executions = append(doc.Executions, execution)
	}
	sortByStartTimeDesc(doc.Executions)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize workflow state: %w", err)
	}

	tmp, err := os.CreateTemp(s.stateDir, ExecutionsFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write workflow state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write workflow state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write workflow state: %w", err)
	}
	if err := os.Rename(tmpName, s.executionsPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write workflow state: %w", err)
	}
	return nil
}

func sortByStartTimeDesc(executions []*Execution) {
	sort.Slice(executions, func(i, j int) bool {
		return timeOrZero(executions[i].StartTime).After(timeOrZero(executions[j].StartTime))
	})
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
