// Package policy implements the governance state machine as a pure
// function: it never touches the store, never throws, and returns every
// precondition failure as a structured error code.
package policy

import "github.com/cuemby/govcp/internal/types"

// Error codes, stable strings callers may switch on.
const (
	CodeUnknownState        = "UNKNOWN_STATE"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeMissingDoD          = "MISSING_DOD_CHECKLIST"
	CodeMissingEvidenceFlag = "MISSING_EVIDENCE_REQUIRED_FLAG"
	CodeMissingEvidence     = "MISSING_EVIDENCE_LINK"
	CodeDoDIncomplete       = "DOD_INCOMPLETE"
	CodeDocsNotUpdated      = "DOCS_NOT_UPDATED"
	CodeGateNotApproved     = "GATE_NOT_APPROVED"
	CodeOverrideMissingBy       = "OVERRIDE_MISSING_BY"
	CodeOverrideMissingReason   = "OVERRIDE_MISSING_REASON"
	CodeOverrideMissingRisk     = "OVERRIDE_MISSING_ACCEPTED_RISK"
	CodeOverrideMissingDeadline = "OVERRIDE_MISSING_REVIEW_DEADLINE"
)

// graph is the fixed transition table. Edges are checked unconditionally,
// regardless of strict mode.
var graph = map[types.TaskState][]types.TaskState{
	types.TaskInbox:    {types.TaskTriaged, types.TaskBlocked},
	types.TaskTriaged:  {types.TaskReady, types.TaskBlocked},
	types.TaskReady:    {types.TaskDoing, types.TaskBlocked},
	types.TaskDoing:    {types.TaskReview, types.TaskBlocked},
	types.TaskReview:   {types.TaskApproval, types.TaskDoing, types.TaskBlocked},
	types.TaskApproval: {types.TaskDone, types.TaskReview, types.TaskBlocked},
	types.TaskDone:     {}, // terminal: no edge ever leaves DONE, override included
	types.TaskBlocked:  {types.TaskInbox, types.TaskTriaged, types.TaskReady, types.TaskDoing},
}

// docsRequiredTypes are the task types for which DONE requires DocsUpdated.
var docsRequiredTypes = map[types.TaskType]bool{
	types.TaskTypeSecurity: true,
	types.TaskTypeRevOps:   true,
	types.TaskTypeIncident: true,
	types.TaskTypeFeature:  true,
}

// Result is the outcome of validateTransition: either ok, or a non-empty
// set of violated precondition codes.
type Result struct {
	OK     bool
	Errors []string
}

func deny(codes ...string) Result {
	return Result{OK: false, Errors: codes}
}

var ok = Result{OK: true}

// ValidateTransition checks (from, to) against the fixed graph and, in
// strict mode, the additional gates named in the task's current state.
// It never mutates task and never returns an error value — every failure
// is a precondition code in the result.
func ValidateTransition(from, to types.TaskState, task *types.GovTask, strict bool) Result {
	return ValidateTransitionApproved(from, to, task, strict, false)
}

// ValidateTransitionApproved is ValidateTransition for callers that have
// already looked up whether the task's gate carries a recorded approval;
// gateApproved short-circuits the GATE_NOT_APPROVED check on entering DONE.
func ValidateTransitionApproved(from, to types.TaskState, task *types.GovTask, strict, gateApproved bool) Result {
	edges, known := graph[from]
	if !known {
		return deny(CodeUnknownState)
	}
	if !containsState(edges, to) {
		return deny(CodeInvalidTransition)
	}
	if !strict {
		return ok
	}

	var codes []string
	if to == types.TaskDoing {
		codes = append(codes, checkEnterDoing(task)...)
	}
	if from == types.TaskReview || to == types.TaskDone {
		codes = append(codes, checkEvidence(task)...)
	}
	if to == types.TaskDone {
		codes = append(codes, checkEnterDone(task, gateApproved)...)
	}

	if len(codes) > 0 {
		return deny(codes...)
	}
	return ok
}

func checkEnterDoing(task *types.GovTask) []string {
	var codes []string
	if len(task.DoD) == 0 {
		codes = append(codes, CodeMissingDoD)
	}
	if task.EvidenceRequired == nil {
		codes = append(codes, CodeMissingEvidenceFlag)
	}
	return codes
}

func checkEvidence(task *types.GovTask) []string {
	if task.EvidenceRequired != nil && *task.EvidenceRequired && len(task.EvidenceLinks) == 0 {
		return []string{CodeMissingEvidence}
	}
	return nil
}

func checkEnterDone(task *types.GovTask, gateApproved ...bool) []string {
	var codes []string

	for _, done := range task.DoDDone {
		if !done {
			codes = append(codes, CodeDoDIncomplete)
			break
		}
	}

	if docsRequiredTypes[task.TaskType] && !task.DocsUpdated {
		codes = append(codes, CodeDocsNotUpdated)
	}

	approved := len(gateApproved) > 0 && gateApproved[0]
	if task.Gate != types.GateNone && !approved {
		if task.Override != nil {
			codes = append(codes, checkOverride(task.Override)...)
		} else {
			codes = append(codes, CodeGateNotApproved)
		}
	}

	return codes
}

func checkOverride(o *types.Override) []string {
	var codes []string
	if o.By == "" {
		codes = append(codes, CodeOverrideMissingBy)
	}
	if o.Reason == "" {
		codes = append(codes, CodeOverrideMissingReason)
	}
	if !o.AcceptedRisk {
		codes = append(codes, CodeOverrideMissingRisk)
	}
	if o.ReviewDeadlineISO == "" {
		codes = append(codes, CodeOverrideMissingDeadline)
	}
	return codes
}

// ValidateOverride checks that an override record carries every required
// field: by, reason, acceptedRisk, reviewDeadlineIso.
func ValidateOverride(o *types.Override) []string {
	return checkOverride(o)
}

// CheckEnterDone is the exported form of the enter-DONE gate checks, for
// callers (e.g. the ops HTTP write handlers) that already know whether the
// gate has been approved out-of-band.
func CheckEnterDone(task *types.GovTask, gateApproved bool) []string {
	return checkEnterDone(task, gateApproved)
}

func containsState(states []types.TaskState, s types.TaskState) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

// GateRouting maps every GateType to a single approver group. The mapping
// is static per deployment; main always overrides it.
type GateRouting map[types.GateType]string

// IsApprover reports whether actorGroup may approve gate under routing,
// honoring the main-group override and the same-group-cannot-approve rule.
func IsApprover(routing GateRouting, gate types.GateType, actorGroup, executorGroup string) bool {
	if actorGroup == "main" {
		return true
	}
	if actorGroup == executorGroup {
		return false
	}
	return routing[gate] == actorGroup
}
