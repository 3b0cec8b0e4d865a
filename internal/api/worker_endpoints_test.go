package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/govcp/internal/config"
	"github.com/cuemby/govcp/internal/dispatch"
	"github.com/cuemby/govcp/internal/events"
	"github.com/cuemby/govcp/internal/extbroker"
	"github.com/cuemby/govcp/internal/governance"
	"github.com/cuemby/govcp/internal/limits"
	"github.com/cuemby/govcp/internal/memory"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
	"github.com/cuemby/govcp/internal/workerproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var workerSecret = []byte("0123456789abcdef0123456789abcdef")

func newWorkerTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	core := governance.New(store)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	limitsEngine := limits.NewEngine(store, true, map[string]limits.OpConfig{
		"cockpit_write":  {RateLimitPerMinute: 1000},
		"gov_transition": {RateLimitPerMinute: 1000},
		"ext_call":       {RateLimitPerMinute: 1000, External: true},
	}, limits.DefaultBreakerConfig)
	memStore := memory.New(store, limitsEngine, false, nil, "")

	registry := extbroker.Registry{"tracker": {Name: "tracker", Actions: map[string]extbroker.Action{
		"create_issue": {Name: "create_issue", Level: 1, Description: "open an issue",
			Execute: func(ctx context.Context, params json.RawMessage) (any, error) {
				return map[string]string{"issue": "TR-7"}, nil
			}},
	}}}
	grants := map[string]map[string]extbroker.Grant{
		"developer": {"tracker": {AccessLevel: 1}},
	}
	ext := extbroker.New(store, limitsEngine, registry, grants, true, time.Second)

	require.NoError(t, store.CreateWorker(&types.Worker{
		ID: "worker-1", MaxWIP: 2, CurrentWIP: 1, Status: types.WorkerOnline, Groups: []string{"developer"},
	}))

	loop := dispatch.New(store, core, broker, dispatch.NewGroupQueue(), policyRouting(), false, time.Hour)

	cfg := &config.Config{
		OpsReadSecret:         "read-secret",
		CockpitWriteSecretCur: "write-current",
		DispatchPollInterval:  time.Second,
	}

	s := NewServer(Deps{
		Store: store, Core: core, LimitsEngine: limitsEngine, MemStore: memStore,
		ExtBroker: ext, Broker: broker, Loop: loop, Routing: policyRouting(),
		Config: cfg, Strict: false,
		SecretLookup: func(id string) ([]byte, bool, error) {
			if id == "worker-1" {
				return workerSecret, true, nil
			}
			return nil, false, nil
		},
	})
	return s, store
}

func signedWorkerRequest(t *testing.T, path string, body []byte, group string) *http.Request {
	t.Helper()
	requestID, err := workerproto.NewRequestID()
	require.NoError(t, err)
	timestamp := time.Now().UTC().Format(time.RFC3339)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(workerproto.HeaderWorkerID, "worker-1")
	req.Header.Set(workerproto.HeaderTimestamp, timestamp)
	req.Header.Set(workerproto.HeaderRequestID, requestID)
	req.Header.Set(workerproto.HeaderHMAC, workerproto.Sign(workerSecret, timestamp, requestID, body))
	if group != "" {
		req.Header.Set(workerproto.HeaderGroupFolder, group)
	}
	return req
}

func TestWorkerCompletion_DecrementsWIPAndResolvesDispatch(t *testing.T) {
	s, store := newWorkerTestServer(t)

	_, created, err := s.core.TryCreateDispatch(&types.GovDispatch{
		DispatchKey: "T1:READY->DOING:v0", TaskID: "T1", From: types.TaskReady, To: types.TaskDoing,
		GroupJID: "developer", WorkerID: "worker-1", Status: types.DispatchStarted,
	}, time.Now())
	require.NoError(t, err)
	require.True(t, created)

	body, _ := json.Marshal(completionRequest{
		TaskID: "T1", GroupFolder: "developer", Status: "success", DispatchKey: "T1:READY->DOING:v0",
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, signedWorkerRequest(t, "/ops/worker/completion", body, "developer"))
	require.Equal(t, http.StatusOK, rec.Code)

	w, err := store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.CurrentWIP)

	d, err := store.GetDispatchByKey("T1:READY->DOING:v0")
	require.NoError(t, err)
	assert.Equal(t, types.DispatchDone, d.Status)
}

func TestWorkerEndpoint_ReplayAndTamperDefence(t *testing.T) {
	s, _ := newWorkerTestServer(t)

	body, _ := json.Marshal(completionRequest{TaskID: "T3", GroupFolder: "developer", Status: "success"})
	req := signedWorkerRequest(t, "/ops/worker/completion", body, "developer")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Identical headers and body a second time: the nonce has been seen.
	replay := httptest.NewRequest(http.MethodPost, "/ops/worker/completion", bytes.NewReader(body))
	replay.Header = req.Header.Clone()
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, replay)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, workerproto.CodeReplayDetected, resp.Error)

	// Fresh nonce, old hmac: the signature no longer covers the input.
	tampered := signedWorkerRequest(t, "/ops/worker/completion", body, "developer")
	tampered.Header.Set(workerproto.HeaderHMAC, req.Header.Get(workerproto.HeaderHMAC))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, workerproto.CodeHMACInvalid, resp.Error)
}

func TestWorkerIPC_ExtCallThroughBroker(t *testing.T) {
	s, store := newWorkerTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"op": "ext_call",
		"args": map[string]any{
			"taskId": "T1", "provider": "tracker", "action": "create_issue",
		},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, signedWorkerRequest(t, "/ops/worker/ipc", body, "developer"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK      bool   `json:"ok"`
		Summary string `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "tracker.create_issue", resp.Summary)

	calls, err := store.ListExtCallsByTask("T1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "developer", calls[0].Group)
}

func TestWorkerIPC_ExtCallDeniedForUngrantedGroup(t *testing.T) {
	s, _ := newWorkerTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"op":   "ext_call",
		"args": map[string]any{"provider": "tracker", "action": "create_issue"},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, signedWorkerRequest(t, "/ops/worker/ipc", body, "security"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWorkerIPC_TransitionMovesTask(t *testing.T) {
	s, _ := newWorkerTestServer(t)

	_, err := s.core.CreateGovTask(&types.GovTask{
		ID: "T9", Title: "t", State: types.TaskDoing, AssignedGroup: "developer",
	}, time.Now())
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{
		"op": "transition",
		"args": map[string]any{
			"taskId": "T9", "toState": "REVIEW", "expectedVersion": 0,
		},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, signedWorkerRequest(t, "/ops/worker/ipc", body, "developer"))
	require.Equal(t, http.StatusOK, rec.Code)

	task, err := s.core.GetGovTaskByID("T9")
	require.NoError(t, err)
	assert.Equal(t, types.TaskReview, task.State)
	assert.Equal(t, int64(1), task.Version)
}

func TestWorkerIPC_StoreAndRecallRoundTrip(t *testing.T) {
	s, _ := newWorkerTestServer(t)

	storeBody, _ := json.Marshal(map[string]any{
		"op": "store",
		"args": map[string]any{
			"content": "canary deploys gate on error budget", "scope": "COMPANY",
		},
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, signedWorkerRequest(t, "/ops/worker/ipc", storeBody, "developer"))
	require.Equal(t, http.StatusOK, rec.Code)

	recallBody, _ := json.Marshal(map[string]any{
		"op":   "recall",
		"args": map[string]any{"query": "canary error budget"},
	})
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, signedWorkerRequest(t, "/ops/worker/ipc", recallBody, "developer"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Memories []memoryDTO `json:"memories"`
		Mode     string      `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "keyword", resp.Mode)
	require.Len(t, resp.Memories, 1)
	assert.Contains(t, resp.Memories[0].Content, "canary")
}
