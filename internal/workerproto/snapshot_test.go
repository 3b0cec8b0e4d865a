package workerproto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/govcp/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineFixture() []*types.GovTask {
	return []*types.GovTask{
		{ID: "T1", Title: "a", State: types.TaskReady, AssignedGroup: "developer"},
		{ID: "T2", Title: "b", State: types.TaskDoing, AssignedGroup: "security"},
		{ID: "T3", Title: "c", State: types.TaskInbox},
	}
}

func TestBuildPipelineSnapshot_MainSeesAll(t *testing.T) {
	snap := BuildPipelineSnapshot(pipelineFixture(), "main", true, time.Now())
	assert.Len(t, snap.Tasks, 3)
}

func TestBuildPipelineSnapshot_GroupSeesOnlyItsOwn(t *testing.T) {
	snap := BuildPipelineSnapshot(pipelineFixture(), "developer", false, time.Now())
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "T1", snap.Tasks[0].ID)
}

func TestBuildCapabilitiesSnapshot_StatusPrecedence(t *testing.T) {
	registry := ProviderRegistry{
		"tracker": {
			"create_issue": {Level: 1, Description: "open an issue"},
			"close_board":  {Level: 3, Description: "archive a board"},
			"comment":      {Level: 1, Description: "comment on an issue"},
		},
	}
	grants := map[string]GroupGrant{
		"tracker": {AccessLevel: 1, DeniedActions: []string{"comment"}},
	}

	snap := BuildCapabilitiesSnapshot(registry, grants, time.Now())
	require.Len(t, snap.Capabilities, 1)
	require.Equal(t, []string{"tracker"}, snap.ProvidersAvailable)

	actions := snap.Capabilities[0].Actions
	assert.Equal(t, ActionAvailable, actions["create_issue"].Status)
	assert.Equal(t, ActionRequiresHigher, actions["close_board"].Status)
	assert.Equal(t, ActionDenied, actions["comment"].Status)
}

func TestBuildCapabilitiesSnapshot_AllowListExcludesOthers(t *testing.T) {
	registry := ProviderRegistry{
		"tracker": {
			"create_issue": {Level: 1},
			"comment":      {Level: 1},
		},
	}
	grants := map[string]GroupGrant{
		"tracker": {AccessLevel: 2, AllowedActions: []string{"comment"}},
	}

	snap := BuildCapabilitiesSnapshot(registry, grants, time.Now())
	actions := snap.Capabilities[0].Actions
	assert.Equal(t, ActionDenied, actions["create_issue"].Status)
	assert.Equal(t, ActionAvailable, actions["comment"].Status)
}

func TestEnsureIPCSecret_StableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureIPCSecret(dir)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := EnsureIPCSecret(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestWriteDispatchSnapshot_WritesAllFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "developer")
	now := time.Now()

	pipeline := BuildPipelineSnapshot(pipelineFixture(), "developer", false, now)
	capabilities := BuildCapabilitiesSnapshot(ProviderRegistry{}, nil, now)
	scheduled := BuildScheduledTaskSnapshot(now)

	secret, err := WriteDispatchSnapshot(dir, pipeline, capabilities, scheduled)
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	for _, name := range []string{"gov_pipeline.json", "ext_capabilities.json", "tasks.json", ".ipc_secret"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	data, err := os.ReadFile(filepath.Join(dir, "gov_pipeline.json"))
	require.NoError(t, err)
	var loaded PipelineSnapshot
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.Len(t, loaded.Tasks, 1)
	assert.Equal(t, "T1", loaded.Tasks[0].ID)
}
