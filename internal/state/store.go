package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vanman2024/agentswarm/internal/config"
)

const (
	// DirectoryName is the state directory created under the project root
	DirectoryName = ".agentswarm"
	// FileName is the state document inside the state directory
	FileName = "state.json"
)

var (
	// ErrPersistence indicates a state write failed; in-memory and on-disk
	// state may diverge until the next successful save.
	ErrPersistence = errors.New("failed to persist state")

	// ErrDeploymentNotFound indicates the named deployment is absent from
	// the store.
	ErrDeploymentNotFound = errors.New("deployment not found in state")
)

// ProcessRecord is the persisted form of an agent process. StartTime is
// Unix seconds; fresh spawns and hydrated processes share the single
// numeric representation.
type ProcessRecord struct {
	PID        int     `json:"pid"`
	AgentType  string  `json:"agent_type"`
	InstanceID int     `json:"instance_id"`
	Command    string  `json:"command,omitempty"`
	Status     string  `json:"status"`
	Cwd        string  `json:"cwd,omitempty"`
	StartTime  float64 `json:"start_time"`
}

// DeploymentRecord is the persisted form of a swarm deployment.
type DeploymentRecord struct {
	DeploymentID string                     `json:"deployment_id"`
	StartTime    string                     `json:"start_time"`
	Config       *config.SwarmConfig        `json:"config"`
	Agents       map[string][]ProcessRecord `json:"agents"`
}

// DeploymentPatch carries the fields UpdateDeployment may change.
type DeploymentPatch struct {
	Agents map[string][]ProcessRecord
	Config *config.SwarmConfig
}

// document is the single JSON document persisted on disk.
type document struct {
	Deployments      map[string]*DeploymentRecord `json:"deployments"`
	LastDeploymentID *string                      `json:"last_deployment_id"`
	LastUpdated      string                       `json:"last_updated"`
}

// Store is the JSON-backed deployment state store. Writes are atomic
// (write-to-temp-then-rename); the store assumes a single writing process.
type Store struct {
	baseDir   string
	statePath string

	mu     sync.Mutex
	state  document
	logger *log.Logger
}

// NewStore opens (or initializes) the state store under baseDir.
func NewStore(baseDir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &Store{
		baseDir:   baseDir,
		statePath: filepath.Join(baseDir, FileName),
		state: document{
			Deployments: make(map[string]*DeploymentRecord),
		},
		logger: logger,
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewProjectStore opens the store at <projectRoot>/.agentswarm.
func NewProjectStore(projectRoot string, logger *log.Logger) (*Store, error) {
	return NewStore(filepath.Join(projectRoot, DirectoryName), logger)
}

// Path returns the location of the state document.
func (s *Store) Path() string {
	return s.statePath
}

// RecordDeployment writes (or overwrites) a deployment and advances the
// last-deployment pointer to it.
func (s *Store) RecordDeployment(record *DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Deployments[record.DeploymentID] = record
	id := record.DeploymentID
	s.state.LastDeploymentID = &id
	return s.save()
}

// UpdateDeployment patches an existing deployment in place.
func (s *Store) UpdateDeployment(deploymentID string, patch DeploymentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.state.Deployments[deploymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}

	if patch.Agents != nil {
		record.Agents = patch.Agents
	}
	if patch.Config != nil {
		record.Config = patch.Config
	}
	return s.save()
}

// RemoveDeployment deletes a deployment; when it was the most recent, the
// pointer advances to some remaining deployment or becomes null.
func (s *Store) RemoveDeployment(deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.state.Deployments, deploymentID)
	if s.state.LastDeploymentID != nil && *s.state.LastDeploymentID == deploymentID {
		s.state.LastDeploymentID = nil
		for id := range s.state.Deployments {
			next := id
			s.state.LastDeploymentID = &next
			break
		}
	}
	return s.save()
}

// GetDeployment returns a copy of the named deployment.
func (s *Store) GetDeployment(deploymentID string) (*DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.state.Deployments[deploymentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentNotFound, deploymentID)
	}
	return copyRecord(record), nil
}

// LatestDeployment returns the most recently created deployment, or nil
// when the store is empty.
func (s *Store) LatestDeployment() *DeploymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.LastDeploymentID == nil {
		return nil
	}
	record, ok := s.state.Deployments[*s.state.LastDeploymentID]
	if !ok {
		return nil
	}
	return copyRecord(record)
}

// ListDeployments returns copies of every deployment in the store.
func (s *Store) ListDeployments() []*DeploymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]*DeploymentRecord, 0, len(s.state.Deployments))
	for _, record := range s.state.Deployments {
		records = append(records, copyRecord(record))
	}
	return records
}

// LastDeploymentID returns the pointer to the most recently created
// deployment, or "" when none exists.
func (s *Store) LastDeploymentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LastDeploymentID == nil {
		return ""
	}
	return *s.state.LastDeploymentID
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}
	if doc.Deployments == nil {
		doc.Deployments = make(map[string]*DeploymentRecord)
	}
	s.state = doc
	s.logger.WithField("deployments", len(doc.Deployments)).Debug("Loaded deployment state")
	return nil
}

// save writes the document atomically. Callers hold the mutex.
func (s *Store) save() error {
	s.state.LastUpdated = time.Now().UTC().Format(time.RFC3339)

	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(s.baseDir, FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := os.Rename(tmpName, s.statePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

func copyRecord(record *DeploymentRecord) *DeploymentRecord {
	dup := *record
	dup.Agents = make(map[string][]ProcessRecord, len(record.Agents))
	for agentType, procs := range record.Agents {
		dup.Agents[agentType] = append([]ProcessRecord(nil), procs...)
	}
	return &dup
}
