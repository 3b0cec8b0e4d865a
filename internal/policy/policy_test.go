package policy

import (
	"testing"

	"github.com/cuemby/govcp/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestValidateTransition_GraphEdges(t *testing.T) {
	task := &types.GovTask{State: types.TaskReady}

	result := ValidateTransition(types.TaskReady, types.TaskDoing, task, false)
	assert.True(t, result.OK)

	result = ValidateTransition(types.TaskReady, types.TaskReview, task, false)
	assert.False(t, result.OK)
	assert.Equal(t, []string{CodeInvalidTransition}, result.Errors)
}

func TestValidateTransition_DoneIsTerminal(t *testing.T) {
	task := &types.GovTask{State: types.TaskDone}
	result := ValidateTransition(types.TaskDone, types.TaskReview, task, false)
	assert.False(t, result.OK)
	assert.Equal(t, []string{CodeInvalidTransition}, result.Errors)
}

func TestValidateTransition_UnknownSourceState(t *testing.T) {
	result := ValidateTransition(types.TaskState("BOGUS"), types.TaskReady, &types.GovTask{}, false)
	assert.False(t, result.OK)
	assert.Equal(t, []string{CodeUnknownState}, result.Errors)
}

func boolPtr(b bool) *bool { return &b }

func TestValidateTransition_StrictEnterDoingRequiresDoD(t *testing.T) {
	task := &types.GovTask{State: types.TaskReady}
	result := ValidateTransition(types.TaskReady, types.TaskDoing, task, true)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, CodeMissingDoD)
	assert.Contains(t, result.Errors, CodeMissingEvidenceFlag)

	task.DoD = []string{"write tests"}
	task.EvidenceRequired = boolPtr(false)
	result = ValidateTransition(types.TaskReady, types.TaskDoing, task, true)
	assert.True(t, result.OK)
}

func TestValidateTransition_StrictEnterDoingRequiresExplicitEvidenceFlag(t *testing.T) {
	task := &types.GovTask{State: types.TaskReady, DoD: []string{"write tests"}}
	result := ValidateTransition(types.TaskReady, types.TaskDoing, task, true)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, CodeMissingEvidenceFlag)

	task.EvidenceRequired = boolPtr(true)
	result = ValidateTransition(types.TaskReady, types.TaskDoing, task, true)
	assert.True(t, result.OK)
}

func TestValidateTransition_StrictEvidenceRequired(t *testing.T) {
	task := &types.GovTask{State: types.TaskReview, EvidenceRequired: boolPtr(true)}
	result := ValidateTransition(types.TaskReview, types.TaskApproval, task, true)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, CodeMissingEvidence)

	task.EvidenceLinks = []string{"http://ci/build/1"}
	result = ValidateTransition(types.TaskReview, types.TaskApproval, task, true)
	assert.True(t, result.OK)
}

func TestValidateTransition_StrictEnterDoneGateNotApproved(t *testing.T) {
	task := &types.GovTask{State: types.TaskApproval, Gate: types.GateSecurity}
	result := ValidateTransition(types.TaskApproval, types.TaskDone, task, true)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, CodeGateNotApproved)
}

func TestValidateTransition_StrictEnterDoneDocsRequired(t *testing.T) {
	task := &types.GovTask{State: types.TaskApproval, TaskType: types.TaskTypeSecurity, Gate: types.GateNone}
	result := ValidateTransition(types.TaskApproval, types.TaskDone, task, true)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, CodeDocsNotUpdated)

	task.DocsUpdated = true
	result = ValidateTransition(types.TaskApproval, types.TaskDone, task, true)
	assert.True(t, result.OK)
}

func TestValidateTransition_StrictEnterDoneDoDIncomplete(t *testing.T) {
	task := &types.GovTask{State: types.TaskApproval, Gate: types.GateNone, DoDDone: []bool{true, false}}
	result := ValidateTransition(types.TaskApproval, types.TaskDone, task, true)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, CodeDoDIncomplete)
}

func TestValidateTransition_OverrideSubstitutesForGateApproval(t *testing.T) {
	task := &types.GovTask{
		State: types.TaskApproval, Gate: types.GateSecurity,
		Override: &types.Override{By: "main", Reason: "hotfix", AcceptedRisk: true, ReviewDeadlineISO: "2026-09-01T00:00:00Z"},
	}
	result := ValidateTransition(types.TaskApproval, types.TaskDone, task, true)
	assert.True(t, result.OK)
}

func TestValidateTransition_OverrideMissingFieldsStillDenies(t *testing.T) {
	task := &types.GovTask{
		State: types.TaskApproval, Gate: types.GateSecurity,
		Override: &types.Override{By: "", Reason: "", AcceptedRisk: false},
	}
	result := ValidateTransition(types.TaskApproval, types.TaskDone, task, true)
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, CodeOverrideMissingBy)
	assert.Contains(t, result.Errors, CodeOverrideMissingReason)
	assert.Contains(t, result.Errors, CodeOverrideMissingRisk)
	assert.Contains(t, result.Errors, CodeOverrideMissingDeadline)
}

func TestIsApprover(t *testing.T) {
	routing := GateRouting{types.GateSecurity: "security-team"}

	assert.True(t, IsApprover(routing, types.GateSecurity, "main", "developer"))
	assert.True(t, IsApprover(routing, types.GateSecurity, "security-team", "developer"))
	assert.False(t, IsApprover(routing, types.GateSecurity, "developer", "developer"))
	assert.False(t, IsApprover(routing, types.GateSecurity, "random-group", "developer"))
}

func TestCheckEnterDone_ExportedMatchesInternal(t *testing.T) {
	task := &types.GovTask{Gate: types.GateSecurity}
	assert.Contains(t, CheckEnterDone(task, false), CodeGateNotApproved)
	assert.Empty(t, CheckEnterDone(task, true))
}

func TestValidateTransitionApproved_RecordedApprovalSatisfiesGate(t *testing.T) {
	task := &types.GovTask{State: types.TaskApproval, Gate: types.GateSecurity}
	denied := ValidateTransitionApproved(types.TaskApproval, types.TaskDone, task, true, false)
	assert.Contains(t, denied.Errors, CodeGateNotApproved)

	approved := ValidateTransitionApproved(types.TaskApproval, types.TaskDone, task, true, true)
	assert.True(t, approved.OK)
}
