package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/govcp/internal/events"
	"github.com/cuemby/govcp/internal/extbroker"
	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/memory"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
	"github.com/cuemby/govcp/internal/workerproto"
)

// verifySigned runs the HMAC + TTL + nonce replay verification shared by
// both worker-protocol endpoints, writing the appropriate error response
// and returning ok=false on any failure.
func (s *Server) verifySigned(w http.ResponseWriter, r *http.Request) (body []byte, ok bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return nil, false
	}

	env := workerproto.EnvelopeFromRequest(r, body)
	code, err := workerproto.Verify(s.store, s.secretLookup, env, workerproto.DefaultTTL, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return nil, false
	}
	if code != "" {
		status := http.StatusUnauthorized
		if code == workerproto.CodeMissingHeaders || code == workerproto.CodeMissingWorkerID {
			status = http.StatusBadRequest
		}
		writeError(w, status, code)
		return nil, false
	}
	return body, true
}

// handleWorkerIPC implements POST /ops/worker/ipc: the IPC relay forwards a
// worker container's request file here with a signed envelope and
// X-Worker-GroupFolder; each op re-enters governance the same way a
// dispatched job's in-process caller would. The caller's identity for
// access control and rate limiting is the group folder header, never a
// field inside the body.
func (s *Server) handleWorkerIPC(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifySigned(w, r)
	if !ok {
		return
	}

	var req struct {
		Op   string          `json:"op"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	groupFolder := r.Header.Get(workerproto.HeaderGroupFolder)
	isMain := groupFolder == "main"

	switch req.Op {
	case "recall":
		s.ipcRecall(w, req.Args, groupFolder, isMain)
	case "store":
		s.ipcStoreMemory(w, req.Args, groupFolder, isMain)
	case "transition":
		s.ipcTransition(w, req.Args, groupFolder)
	case "ext_call":
		s.ipcExtCall(w, r, req.Args, groupFolder)
	case "context_pack":
		s.ipcContextPack(w, req.Args)
	default:
		writeError(w, http.StatusBadRequest, "UNKNOWN_OP")
	}
}

func (s *Server) ipcRecall(w http.ResponseWriter, args json.RawMessage, groupFolder string, isMain bool) {
	var in struct {
		Query           string `json:"query"`
		AccessorProduct string `json:"accessor_product"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	result, err := s.memStore.Recall(in.Query, groupFolder, isMain, in.AccessorProduct, 10, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	out := make([]memoryDTO, 0, len(result.Memories))
	for _, m := range result.Memories {
		out = append(out, toMemoryDTO(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": out, "mode": result.Mode, "access_denials": result.AccessDenials})
}

func (s *Server) ipcStoreMemory(w http.ResponseWriter, args json.RawMessage, groupFolder string, isMain bool) {
	var in struct {
		ID         string   `json:"id,omitempty"`
		Content    string   `json:"content"`
		Scope      string   `json:"scope"`
		ProductID  string   `json:"product_id,omitempty"`
		Tags       []string `json:"tags,omitempty"`
		SourceType string   `json:"source_type,omitempty"`
		Level      string   `json:"level,omitempty"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	m, err := s.memStore.Upsert(memory.UpsertInput{
		ID:             in.ID,
		Content:        in.Content,
		Scope:          types.Scope(in.Scope),
		ProductID:      in.ProductID,
		GroupFolder:    groupFolder,
		Tags:           in.Tags,
		SourceType:     in.SourceType,
		RequestedLevel: types.Level(in.Level),
		IsMain:         isMain,
	}, time.Now())
	if err == memory.ErrL3AccessDenied {
		writeError(w, http.StatusForbidden, "L3_ACCESS_DENIED")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": m.ID, "level": m.Level, "version": m.Version})
}

// ipcTransition lets a worker drive its own task's state forward, gated by
// the gov_transition rate limit (scope key = group) and the policy engine.
func (s *Server) ipcTransition(w http.ResponseWriter, args json.RawMessage, groupFolder string) {
	var in struct {
		TaskID          string `json:"taskId"`
		ToState         string `json:"toState"`
		Reason          string `json:"reason,omitempty"`
		ExpectedVersion *int64 `json:"expectedVersion"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	if in.ExpectedVersion == nil {
		writeError(w, http.StatusConflict, "VERSION_CONFLICT")
		return
	}

	now := time.Now()
	enforce, err := s.limitsEngine.Enforce("gov_transition", groupFolder, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if !enforce.Allowed {
		writeError(w, http.StatusTooManyRequests, enforce.Code)
		return
	}

	task, err := s.core.GetGovTaskByID(in.TaskID)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	to := types.TaskState(in.ToState)
	result := s.validateWithApprovals(task, to)
	if !result.OK {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: result.Errors[0], CurrentState: string(task.State), CurrentVersion: task.Version,
		})
		return
	}

	from := task.State
	updated, landed, err := s.core.UpdateGovTaskPatch(task.ID, *in.ExpectedVersion, func(t *types.GovTask) {
		t.State = to
	}, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if !landed {
		current, _ := s.core.GetGovTaskByID(in.TaskID)
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "VERSION_CONFLICT", CurrentState: string(current.State), CurrentVersion: current.Version,
		})
		return
	}

	_ = s.core.LogGovActivity(&types.GovActivity{
		ID: idgen.New(), TaskID: task.ID, Action: types.ActivityTransition,
		FromState: from, ToState: to, Actor: groupFolder, Reason: in.Reason,
	}, now)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "from": from, "to": to, "version": updated.Version})
}

func (s *Server) ipcExtCall(w http.ResponseWriter, r *http.Request, args json.RawMessage, groupFolder string) {
	var in struct {
		TaskID   string          `json:"taskId,omitempty"`
		Provider string          `json:"provider"`
		Action   string          `json:"action"`
		Params   json.RawMessage `json:"params,omitempty"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	if s.ext == nil {
		writeError(w, http.StatusForbidden, extbroker.CodeNotAuthorized)
		return
	}

	result, err := s.ext.Call(r.Context(), extbroker.CallInput{
		TaskID:   in.TaskID,
		Group:    groupFolder,
		Provider: in.Provider,
		Action:   in.Action,
		Params:   in.Params,
	}, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if !result.OK {
		status := http.StatusForbidden
		if result.Code == extbroker.CodeProviderError {
			status = http.StatusBadGateway
		}
		writeError(w, status, result.Code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "result": result.Result, "summary": result.Summary, "soft_warn": result.SoftWarn,
	})
}

func (s *Server) ipcContextPack(w http.ResponseWriter, args json.RawMessage) {
	var in struct {
		TaskID  string `json:"taskId"`
		LatestN int    `json:"latest_n,omitempty"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	if in.LatestN <= 0 {
		in.LatestN = 20
	}
	pack, err := s.core.BuildContextPack(in.TaskID, in.LatestN)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"context_pack": pack})
}

type completionRequest struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	Status      string `json:"status"`
	DispatchKey string `json:"dispatchKey,omitempty"`
}

// handleWorkerCompletion implements POST /ops/worker/completion: decrements
// the worker's WIP counter and, if dispatchKey is given, flips that
// dispatch's status to DONE/FAILED.
func (s *Server) handleWorkerCompletion(w http.ResponseWriter, r *http.Request) {
	body, ok := s.verifySigned(w, r)
	if !ok {
		return
	}

	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	workerID := r.Header.Get(workerproto.HeaderWorkerID)
	if err := s.decrementWIP(workerID); err != nil && err != storage.ErrNotFound {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	if req.DispatchKey != "" {
		d, err := s.store.GetDispatchByKey(req.DispatchKey)
		if err == nil {
			status := types.DispatchDone
			if req.Status != "" && req.Status != "success" && req.Status != "done" {
				status = types.DispatchFailed
			}
			_ = s.core.UpdateDispatchStatus(d, status, "", time.Now())
		}
	}

	s.broker.Publish(&events.Event{
		ID:   idgen.New(),
		Type: events.EventWorkerStatus,
		Message: "completion from " + workerID,
		Metadata: map[string]string{"worker_id": workerID, "task_id": req.TaskID, "status": req.Status},
	})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// decrementWIP is written as a read-modify-write under the store's single
// writer, the same atomicity UpdateTaskVersioned relies on — current_wip is
// the only mutable worker counter and is always paired with a dispatch
// update.
func (s *Server) decrementWIP(workerID string) error {
	wkr, err := s.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if wkr.CurrentWIP > 0 {
		wkr.CurrentWIP--
	}
	return s.store.UpdateWorker(wkr)
}
