package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/policy"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
)

type transitionRequest struct {
	TaskID          string `json:"taskId"`
	ToState         string `json:"toState"`
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
	Actor           string `json:"actor,omitempty"`
}

// handleTransition implements POST /ops/actions/transition.
// expectedVersion is mandatory: omitting it is rejected with
// VERSION_CONFLICT rather than silently accepted, so the optimistic
// concurrency check is never bypassed.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}
	if req.ExpectedVersion == nil {
		writeError(w, http.StatusConflict, "VERSION_CONFLICT")
		return
	}

	task, err := s.core.GetGovTaskByID(req.TaskID)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	to := types.TaskState(req.ToState)
	result := s.validateWithApprovals(task, to)
	if !result.OK {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error: result.Errors[0], CurrentState: string(task.State), CurrentVersion: task.Version,
		})
		return
	}

	now := time.Now()
	from := task.State
	updated, ok, err := s.core.UpdateGovTaskPatch(task.ID, *req.ExpectedVersion, func(t *types.GovTask) {
		t.State = to
	}, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if !ok {
		current, _ := s.core.GetGovTaskByID(req.TaskID)
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "VERSION_CONFLICT", CurrentState: string(current.State), CurrentVersion: current.Version,
		})
		return
	}

	actor := req.Actor
	if actor == "" {
		actor = "cockpit"
	}
	_ = s.core.LogGovActivity(&types.GovActivity{
		ID: idgen.New(), TaskID: task.ID, Action: types.ActivityTransition,
		FromState: from, ToState: to, Actor: actor, Reason: req.Reason,
	}, now)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "from": from, "to": to, "version": updated.Version,
	})
}

// validateWithApprovals runs the policy engine with the gate-approval fact
// looked up from the store, so strict mode can tell an approved gate from
// GATE_NOT_APPROVED.
func (s *Server) validateWithApprovals(task *types.GovTask, to types.TaskState) policy.Result {
	gateApproved := false
	if s.strict && to == types.TaskDone && task.Gate != types.GateNone {
		if approvals, err := s.core.ListApprovals(task.ID); err == nil {
			for _, a := range approvals {
				if a.GateType == task.Gate {
					gateApproved = true
					break
				}
			}
		}
	}
	return policy.ValidateTransitionApproved(task.State, to, task, s.strict, gateApproved)
}

type approveRequest struct {
	TaskID     string `json:"taskId"`
	GateType   string `json:"gate_type"`
	Notes      string `json:"notes,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
	ActorGroup string `json:"actor_group,omitempty"`
}

// handleApprove implements POST /ops/actions/approve. Idempotent on
// (task_id, gate_type): a repeat call is a silent ok:true no-op.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	task, err := s.core.GetGovTaskByID(req.TaskID)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	gate := types.GateType(req.GateType)
	if !policy.IsApprover(s.routing, gate, req.ActorGroup, task.AssignedGroup) {
		writeError(w, http.StatusForbidden, "FORBIDDEN")
		return
	}

	now := time.Now()
	_, _, err = s.core.CreateGovApproval(&types.GovApproval{
		TaskID: req.TaskID, GateType: gate, ApprovedBy: req.ApprovedBy, Notes: req.Notes,
	}, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}

	_ = s.core.LogGovActivity(&types.GovActivity{
		ID: idgen.New(), TaskID: req.TaskID, Action: types.ActivityApprove,
		Actor: req.ApprovedBy, Reason: req.Notes,
	}, now)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type overrideRequest struct {
	TaskID            string `json:"taskId"`
	By                string `json:"by"`
	Reason            string `json:"reason"`
	AcceptedRisk      bool   `json:"acceptedRisk"`
	ReviewDeadlineISO string `json:"reviewDeadlineIso"`
}

// handleOverride implements POST /ops/actions/override. Allowed only from
// REVIEW or APPROVAL, and only ever moves a task INTO DONE — DONE remains
// strictly terminal.
func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST")
		return
	}

	task, err := s.core.GetGovTaskByID(req.TaskID)
	if err == storage.ErrNotFound {
		writeError(w, http.StatusNotFound, "NOT_FOUND")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if task.State != types.TaskReview && task.State != types.TaskApproval {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_TRANSITION")
		return
	}

	override := &types.Override{By: req.By, Reason: req.Reason, AcceptedRisk: req.AcceptedRisk, ReviewDeadlineISO: req.ReviewDeadlineISO}
	if missing := policy.ValidateOverride(override); len(missing) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: missing[0]})
		return
	}

	// An override substitutes for the gate approval only; DoD completion
	// and docs-updated remain unconditional preconditions on entering DONE.
	if s.strict {
		for _, code := range policy.CheckEnterDone(task, false) {
			if code == policy.CodeGateNotApproved {
				continue
			}
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: code})
			return
		}
	}

	now := time.Now()
	from := task.State
	updated, ok, err := s.core.UpdateGovTaskPatch(task.ID, task.Version, func(t *types.GovTask) {
		t.State = types.TaskDone
		t.Override = override
	}, now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	if !ok {
		current, _ := s.core.GetGovTaskByID(req.TaskID)
		writeJSON(w, http.StatusConflict, errorBody{
			Error: "VERSION_CONFLICT", CurrentState: string(current.State), CurrentVersion: current.Version,
		})
		return
	}

	_ = s.core.LogGovActivity(&types.GovActivity{
		ID: idgen.New(), TaskID: task.ID, Action: types.ActivityOverride,
		FromState: from, ToState: types.TaskDone, Actor: req.By, Reason: req.Reason,
	}, now)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true, "from": from, "to": types.TaskDone, "override": true, "version": updated.Version,
	})
}

