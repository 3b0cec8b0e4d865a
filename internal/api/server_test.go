package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/govcp/internal/config"
	"github.com/cuemby/govcp/internal/dispatch"
	"github.com/cuemby/govcp/internal/events"
	"github.com/cuemby/govcp/internal/governance"
	"github.com/cuemby/govcp/internal/limits"
	"github.com/cuemby/govcp/internal/memory"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	core := governance.New(store)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	limitsEngine := limits.NewEngine(store, true, map[string]limits.OpConfig{
		"cockpit_write": {RateLimitPerMinute: 1000},
	}, limits.DefaultBreakerConfig)
	memStore := memory.New(store, limitsEngine, false, nil, "")

	queue := dispatch.NewGroupQueue()
	loop := dispatch.New(store, core, broker, queue, policyRouting(), false, time.Hour)

	cfg := &config.Config{
		OpsReadSecret:          "read-secret",
		CockpitWriteSecretCur:  "write-current",
		CockpitWriteSecretPrev: "write-previous",
		DispatchPollInterval:   time.Second,
	}

	s := NewServer(Deps{
		Store: store, Core: core, LimitsEngine: limitsEngine, MemStore: memStore,
		Broker: broker, Loop: loop, Routing: policyRouting(), Config: cfg, Strict: false,
		SecretLookup: func(id string) ([]byte, bool, error) { return nil, false, nil },
	})
	return s, store
}

func policyRouting() map[types.GateType]string {
	return map[types.GateType]string{types.GateSecurity: "security"}
}

func TestRequireReadSecret(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ops/stats", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("X-OS-SECRET", "read-secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireWriteSecret_NeedsBoth(t *testing.T) {
	s, _ := newTestServer(t)

	body := bytes.NewBufferString(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/ops/actions/approve", body)
	req.Header.Set("X-OS-SECRET", "read-secret")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/ops/actions/approve", bytes.NewBufferString(`{}`))
	req.Header.Set("X-OS-SECRET", "read-secret")
	req.Header.Set("X-OS-WRITE-SECRET", "write-previous")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleTransition_Success(t *testing.T) {
	s, store := newTestServer(t)

	task := &types.GovTask{ID: "T1", Title: "t", State: types.TaskReady, AssignedGroup: "developer"}
	_, err := s.core.CreateGovTask(task, time.Now())
	require.NoError(t, err)

	reqBody := transitionRequest{TaskID: "T1", ToState: "DOING", ExpectedVersion: int64Ptr(0)}
	payload, _ := json.Marshal(reqBody)
	req := httptest.NewRequest(http.MethodPost, "/ops/actions/transition", bytes.NewReader(payload))
	req.Header.Set("X-OS-SECRET", "read-secret")
	req.Header.Set("X-OS-WRITE-SECRET", "write-current")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	updated, err := store.GetTask("T1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskDoing, updated.State)
	assert.Equal(t, int64(1), updated.Version)

	acts, err := store.ListActivities("T1")
	require.NoError(t, err)
	var transitions int
	for _, a := range acts {
		if a.Action == types.ActivityTransition {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestHandleTransition_MissingExpectedVersionIsVersionConflict(t *testing.T) {
	s, _ := newTestServer(t)

	task := &types.GovTask{ID: "T2", Title: "t", State: types.TaskReady}
	_, err := s.core.CreateGovTask(task, time.Now())
	require.NoError(t, err)

	payload := []byte(`{"taskId":"T2","toState":"DOING"}`)
	req := httptest.NewRequest(http.MethodPost, "/ops/actions/transition", bytes.NewReader(payload))
	req.Header.Set("X-OS-SECRET", "read-secret")
	req.Header.Set("X-OS-WRITE-SECRET", "write-current")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VERSION_CONFLICT", body.Error)
}

func TestHandleOverride_OnlyFromReviewOrApproval(t *testing.T) {
	s, _ := newTestServer(t)

	task := &types.GovTask{ID: "T3", Title: "t", State: types.TaskDoing}
	_, err := s.core.CreateGovTask(task, time.Now())
	require.NoError(t, err)

	payload := []byte(`{"taskId":"T3","by":"main","reason":"ship it","acceptedRisk":true,"reviewDeadlineIso":"2026-08-01T00:00:00Z"}`)
	req := httptest.NewRequest(http.MethodPost, "/ops/actions/override", bytes.NewReader(payload))
	req.Header.Set("X-OS-SECRET", "read-secret")
	req.Header.Set("X-OS-WRITE-SECRET", "write-current")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func int64Ptr(v int64) *int64 { return &v }
