package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/arangodb/go-driver"
	arangohttp "github.com/arangodb/go-driver/http"
	log "github.com/sirupsen/logrus"

	"github.com/vanman2024/agentswarm/internal/config"
)

// ArangoStore is an ExecutionStore backed by ArangoDB. It exists for
// operators who want executions queryable off-box; the JSON file store
// remains the canonical on-disk interface.
type ArangoStore struct {
	db         driver.Database
	executions driver.Collection
	collection string
	logger     *log.Logger
}

// arangoExecution wraps an execution with the document key ArangoDB
// requires.
type arangoExecution struct {
	Key string `json:"_key"`
	*Execution
}

// DialArangoStore connects to the configured ArangoDB endpoint and
// returns an archive store, bringing up the database, the executions
// collection, and its query indexes on the way. Everything the archive
// needs lives behind this one call; there is no separate client to
// manage.
func DialArangoStore(cfg *config.ArchiveConfig, logger *log.Logger) (*ArangoStore, error) {
	conn, err := arangohttp.NewConnection(arangohttp.ConnectionConfig{
		Endpoints: []string{cfg.Endpoint},
	})
	if err != nil {
		return nil, fmt.Errorf("archive connection to %s: %w", cfg.Endpoint, err)
	}
	client, err := driver.NewClient(driver.ClientConfig{
		Connection:     conn,
		Authentication: driver.BasicAuthentication(cfg.Username, cfg.Password),
	})
	if err != nil {
		return nil, fmt.Errorf("archive client: %w", err)
	}

	ctx := context.Background()
	db, err := archiveDatabase(ctx, client, cfg.Database)
	if err != nil {
		return nil, err
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "workflow_executions"
	}

	store, err := NewArangoStore(db, collection, logger)
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"endpoint":   cfg.Endpoint,
		"database":   cfg.Database,
		"collection": collection,
	}).Info("Workflow execution archive ready")
	return store, nil
}

// archiveDatabase opens the archive database, creating it on first use.
func archiveDatabase(ctx context.Context, client driver.Client, name string) (driver.Database, error) {
	exists, err := client.DatabaseExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("archive database lookup %q: %w", name, err)
	}
	if exists {
		db, err := client.Database(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("archive database open %q: %w", name, err)
		}
		return db, nil
	}
	db, err := client.CreateDatabase(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("archive database create %q: %w", name, err)
	}
	return db, nil
}

// NewArangoStore builds the archive store on an already-open database,
// ensuring the executions collection and the indexes the List/Stats
// queries depend on.
func NewArangoStore(db driver.Database, collection string, logger *log.Logger) (*ArangoStore, error) {
	ctx := context.Background()

	exists, err := db.CollectionExists(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("archive collection lookup %q: %w", collection, err)
	}
	if !exists {
		if _, err := db.CreateCollection(ctx, collection, nil); err != nil {
			return nil, fmt.Errorf("archive collection create %q: %w", collection, err)
		}
	}

	col, err := db.Collection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("archive collection open %q: %w", collection, err)
	}

	// status and definition_id back the List filters; start_time backs
	// the newest-first sort.
	for _, field := range []string{"status", "definition_id", "start_time"} {
		_, _, err = col.EnsurePersistentIndex(ctx, []string{field}, &driver.EnsurePersistentIndexOptions{
			Name: "idx_executions_" + field,
		})
		if err != nil {
			return nil, fmt.Errorf("archive index on %s: %w", field, err)
		}
	}

	return &ArangoStore{db: db, executions: col, collection: collection, logger: logger}, nil
}

// Save upserts an execution document keyed by its id.
func (s *ArangoStore) Save(execution *Execution) error {
	ctx := context.Background()
	doc := arangoExecution{Key: execution.ID, Execution: execution}

	exists, err := s.executions.DocumentExists(ctx, execution.ID)
	if err != nil {
		return fmt.Errorf("failed to check execution existence: %w", err)
	}
	if exists {
		if _, err := s.executions.ReplaceDocument(ctx, execution.ID, doc); err != nil {
			return fmt.Errorf("failed to replace execution: %w", err)
		}
		return nil
	}
	if _, err := s.executions.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// Get reads one execution by id.
func (s *ArangoStore) Get(executionID string) (*Execution, error) {
	var execution Execution
	_, err := s.executions.ReadDocument(context.Background(), executionID, &execution)
	if err != nil {
		if driver.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to read execution: %w", err)
	}
	return &execution, nil
}

// List queries executions matching the filter, newest first.
func (s *ArangoStore) List(filter ListFilter) ([]*Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		FOR e IN @@collection
		FILTER (@status == null OR e.status == @status)
		FILTER (@definitionID == null OR e.definition_id == @definitionID)
		SORT e.start_time DESC
		LIMIT @limit
		RETURN e
	`
	bindVars := map[string]interface{}{
		"@collection":  s.collection,
		"status":       nil,
		"definitionID": nil,
		"limit":        limit,
	}
	if filter.Status != "" {
		bindVars["status"] = string(filter.Status)
	}
	if filter.DefinitionID != "" {
		bindVars["definitionID"] = filter.DefinitionID
	}

	return s.query(query, bindVars)
}

// Delete removes an execution; reports whether one was removed.
func (s *ArangoStore) Delete(executionID string) (bool, error) {
	_, err := s.executions.RemoveDocument(context.Background(), executionID)
	if err != nil {
		if driver.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete execution: %w", err)
	}
	return true, nil
}

// GetActive returns all running executions.
func (s *ArangoStore) GetActive() ([]*Execution, error) {
	return s.List(ListFilter{Status: StatusRunning, Limit: 1000})
}

// GetCompleted returns finished executions, newest end time first.
func (s *ArangoStore) GetCompleted(limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		FOR e IN @@collection
		FILTER e.status IN ["completed", "failed", "cancelled"]
		SORT e.end_time DESC
		LIMIT @limit
		RETURN e
	`
	return s.query(query, map[string]interface{}{
		"@collection": s.collection,
		"limit":       limit,
	})
}

// Stats aggregates execution counts by status.
func (s *ArangoStore) Stats() (Stats, error) {
	query := `
		FOR e IN @@collection
		COLLECT status = e.status WITH COUNT INTO count
		RETURN {status, count}
	`
	cursor, err := s.db.Query(context.Background(), query, map[string]interface{}{
		"@collection": s.collection,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query stats: %w", err)
	}
	defer cursor.Close()

	var stats Stats
	for cursor.HasMore() {
		var row struct {
			Status string `json:"status"`
			Count  int    `json:"count"`
		}
		if _, err := cursor.ReadDocument(context.Background(), &row); err != nil {
			return Stats{}, fmt.Errorf("failed to read stats row: %w", err)
		}
		stats.Total += row.Count
		switch Status(row.Status) {
		case StatusCompleted:
			stats.Completed = row.Count
		case StatusFailed:
			stats.Failed = row.Count
		case StatusRunning:
			stats.Running = row.Count
		case StatusCancelled:
			stats.Cancelled = row.Count
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished) * 100
	}
	return stats, nil
}

// CleanupOlderThan removes finished executions whose end time is older
// than the cutoff. Executions without an end time are never deleted.
func (s *ArangoStore) CleanupOlderThan(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
	query := `
		FOR e IN @@collection
		FILTER e.end_time != null AND e.end_time < @cutoff
		REMOVE e IN @@collection
		COLLECT WITH COUNT INTO removed
		RETURN removed
	`
	cursor, err := s.db.Query(context.Background(), query, map[string]interface{}{
		"@collection": s.collection,
		"cutoff":      cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up executions: %w", err)
	}
	defer cursor.Close()

	removed := 0
	if cursor.HasMore() {
		if _, err := cursor.ReadDocument(context.Background(), &removed); err != nil {
			return 0, fmt.Errorf("failed to read cleanup count: %w", err)
		}
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("Cleaned up archived executions")
	}
	return removed, nil
}

func (s *ArangoStore) query(query string, bindVars map[string]interface{}) ([]*Execution, error) {
	ctx := context.Background()
	cursor, err := s.db.Query(ctx, query, bindVars)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer cursor.Close()

	executions := make([]*Execution, 0)
	for cursor.HasMore() {
		var execution Execution
		if _, err := cursor.ReadDocument(ctx, &execution); err != nil {
			return nil, fmt.Errorf("failed to read execution: %w", err)
		}
		executions = append(executions, &execution)
	}
	return executions, nil
}
