package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanman2024/agentswarm/internal/config"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func makeRecord(id string, instances ...int) *DeploymentRecord {
	procs := make([]ProcessRecord, 0, len(instances))
	for _, instanceID := range instances {
		procs = append(procs, ProcessRecord{
			PID:        -1,
			AgentType:  "codex",
			InstanceID: instanceID,
			Command:    "codex exec",
			Status:     "running",
			StartTime:  float64(time.Now().Unix()),
		})
	}
	cfg, _ := config.NewSwarmConfig(map[string]config.AgentConfig{
		"codex": {"instances": len(instances)},
	}, nil, nil)
	return &DeploymentRecord{
		DeploymentID: id,
		StartTime:    time.Now().UTC().Format(time.RFC3339),
		Config:       cfg,
		Agents:       map[string][]ProcessRecord{"codex": procs},
	}
}

func TestStore_RecordAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	record := makeRecord("swarm-20240101000000-0", 1, 2)
	require.NoError(t, store.RecordDeployment(record))

	got, err := store.GetDeployment("swarm-20240101000000-0")
	require.NoError(t, err)
	assert.Equal(t, record.DeploymentID, got.DeploymentID)
	assert.Len(t, got.Agents["codex"], 2)
	assert.Equal(t, "swarm-20240101000000-0", store.LastDeploymentID())

	_, err = store.GetDeployment("missing")
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.RecordDeployment(makeRecord("swarm-20240101000000-0", 1)))

	reopened, err := NewStore(dir, testLogger())
	require.NoError(t, err)

	got, err := reopened.GetDeployment("swarm-20240101000000-0")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Agents["codex"][0].InstanceID)
	assert.Equal(t, "swarm-20240101000000-0", reopened.LastDeploymentID())
}

func TestStore_ReserializationIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	store, err := NewStore(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.RecordDeployment(makeRecord("swarm-20240101000000-0", 1, 2)))

	firstDoc, err := os.ReadFile(store.Path())
	require.NoError(t, err)

	// Reopen and rewrite the same deployment; the document must carry the
	// same deployment payload field for field.
	reopened, err := NewStore(dir, testLogger())
	require.NoError(t, err)
	record, err := reopened.GetDeployment("swarm-20240101000000-0")
	require.NoError(t, err)
	require.NoError(t, reopened.RecordDeployment(record))

	secondDoc, err := os.ReadFile(reopened.Path())
	require.NoError(t, err)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(firstDoc, &first))
	require.NoError(t, json.Unmarshal(secondDoc, &second))
	assert.Equal(t, first["deployments"], second["deployments"])
	assert.Equal(t, first["last_deployment_id"], second["last_deployment_id"])
}

func TestStore_UpdateDeployment(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, store.RecordDeployment(makeRecord("swarm-20240101000000-0", 1)))

	patch := DeploymentPatch{
		Agents: map[string][]ProcessRecord{
			"codex": {
				{PID: -1, AgentType: "codex", InstanceID: 1, Status: "running"},
				{PID: -1, AgentType: "codex", InstanceID: 2, Status: "running"},
			},
		},
	}
	require.NoError(t, store.UpdateDeployment("swarm-20240101000000-0", patch))

	got, err := store.GetDeployment("swarm-20240101000000-0")
	require.NoError(t, err)
	assert.Len(t, got.Agents["codex"], 2)

	assert.ErrorIs(t, store.UpdateDeployment("missing", patch), ErrDeploymentNotFound)
}

func TestStore_RemoveDeploymentAdvancesPointer(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, store.RecordDeployment(makeRecord("swarm-20240101000000-0", 1)))
	require.NoError(t, store.RecordDeployment(makeRecord("swarm-20240102000000-1", 1)))
	assert.Equal(t, "swarm-20240102000000-1", store.LastDeploymentID())

	require.NoError(t, store.RemoveDeployment("swarm-20240102000000-1"))
	assert.Equal(t, "swarm-20240101000000-0", store.LastDeploymentID())

	require.NoError(t, store.RemoveDeployment("swarm-20240101000000-0"))
	assert.Empty(t, store.LastDeploymentID())
	assert.Nil(t, store.LatestDeployment())
}

func TestStore_ListDeployments(t *testing.T) {
	store, err := NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	require.NoError(t, store.RecordDeployment(makeRecord("a", 1)))
	require.NoError(t, store.RecordDeployment(makeRecord("b", 1)))

	assert.Len(t, store.ListDeployments(), 2)
}

func TestStore_WritesAreAtomic(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.RecordDeployment(makeRecord("a", 1)))

	// No temp files left behind and the document is valid JSON.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, FileName, entries[0].Name())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var doc map[string]any
	assert.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "last_updated")
}
