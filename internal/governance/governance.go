// Package governance implements the governance core: task CRUD under
// optimistic concurrency, the append-only activity log, idempotent
// approval recording, idempotent dispatch-slot creation, and the
// cross-agent context pack builder.
package governance

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
)

// Core exposes the governance operations over a Store.
type Core struct {
	store storage.Store
}

func New(store storage.Store) *Core {
	return &Core{store: store}
}

// CreateGovTask inserts a new task at version 0 and logs a "create"
// activity.
func (c *Core) CreateGovTask(t *types.GovTask, now time.Time) (*types.GovTask, error) {
	if t.ID == "" {
		t.ID = idgen.New()
	}
	t.Version = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Scope == types.ScopeProduct && t.ProductID == "" {
		return nil, fmt.Errorf("product-scoped task requires product_id")
	}

	if err := c.store.CreateTask(t); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if err := c.logActivity(t.ID, types.ActivityCreate, "", t.State, t.CreatedBy, "", now); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Core) GetGovTaskByID(id string) (*types.GovTask, error) {
	return c.store.GetTask(id)
}

func (c *Core) ListGovTasksByState(state types.TaskState) ([]*types.GovTask, error) {
	return c.store.ListTasksByState(state)
}

// ListGovTasks filters the full task set by group, product and scope; any
// empty filter value matches everything.
func (c *Core) ListGovTasks(group, product string, scope types.Scope) ([]*types.GovTask, error) {
	all, err := c.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []*types.GovTask
	for _, t := range all {
		if group != "" && t.AssignedGroup != group {
			continue
		}
		if product != "" && t.ProductID != product {
			continue
		}
		if scope != "" && t.Scope != scope {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// UpdateGovTaskPatch applies patch to a copy of the stored task and writes
// it back under the given expectedVersion, returning whether the write
// landed (i.e. the version matched). This is the Go analogue of
// `UPDATE ... WHERE id=? AND version=?; changes=1`.
func (c *Core) UpdateGovTaskPatch(id string, expectedVersion int64, patch func(*types.GovTask), now time.Time) (*types.GovTask, bool, error) {
	current, err := c.store.GetTask(id)
	if err != nil {
		return nil, false, err
	}
	next := *current
	patch(&next)
	next.UpdatedAt = now

	err = c.store.UpdateTaskVersioned(&next, expectedVersion)
	if err == storage.ErrVersionConflict {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &next, true, nil
}

func (c *Core) logActivity(taskID string, action types.ActivityAction, from, to types.TaskState, actor, reason string, now time.Time) error {
	return c.store.AppendActivity(&types.GovActivity{
		ID:        idgen.New(),
		TaskID:    taskID,
		Action:    action,
		FromState: from,
		ToState:   to,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: now,
	})
}

// LogGovActivity appends an arbitrary activity row (append-only).
func (c *Core) LogGovActivity(a *types.GovActivity, now time.Time) error {
	if a.ID == "" {
		a.ID = idgen.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	return c.store.AppendActivity(a)
}

func (c *Core) ListActivities(taskID string) ([]*types.GovActivity, error) {
	acts, err := c.store.ListActivities(taskID)
	if err != nil {
		return nil, err
	}
	sort.Slice(acts, func(i, j int) bool { return acts[i].CreatedAt.Before(acts[j].CreatedAt) })
	return acts, nil
}

// CreateGovApproval records an approval, idempotent on (task_id, gate_type):
// a repeat call is a silent no-op, never a second row.
func (c *Core) CreateGovApproval(a *types.GovApproval, now time.Time) (*types.GovApproval, bool, error) {
	if a.ID == "" {
		a.ID = idgen.New()
	}
	if a.ApprovedAt.IsZero() {
		a.ApprovedAt = now
	}
	created, err := c.store.CreateApprovalIfAbsent(a)
	return a, created, err
}

func (c *Core) ListApprovals(taskID string) ([]*types.GovApproval, error) {
	return c.store.ListApprovals(taskID)
}

// TryCreateDispatch inserts a dispatch slot; a conflicting dispatch_key
// returns created=false rather than an error.
func (c *Core) TryCreateDispatch(d *types.GovDispatch, now time.Time) (*types.GovDispatch, bool, error) {
	if d.ID == "" {
		d.ID = idgen.New()
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	created, err := c.store.CreateDispatchIfAbsent(d)
	return d, created, err
}

func (c *Core) UpdateDispatchStatus(d *types.GovDispatch, status types.DispatchState, lastError string, now time.Time) error {
	d.Status = status
	d.LastError = lastError
	d.UpdatedAt = now
	return c.store.UpdateDispatch(d)
}

func (c *Core) GetDispatchByKey(key string) (*types.GovDispatch, error) {
	return c.store.GetDispatchByKey(key)
}

// contextPackActions is the set of activity actions that carry cross-agent
// meaning and therefore belong in a context pack.
var contextPackActions = map[types.ActivityAction]bool{
	types.ActivityTransition:       true,
	types.ActivityApprove:         true,
	types.ActivityEvidence:        true,
	types.ActivityExecutionSummary: true,
	types.ActivityCoerceScope:     true,
}

// BuildContextPack assembles the deterministic context pack for a task: the
// latest N cross-agent-meaningful activities, then every gate approval,
// then every external call logged against the task, each section in a
// stable line format so the text is identical across regenerations given
// the same inputs.
func (c *Core) BuildContextPack(taskID string, latestN int) (string, error) {
	var b strings.Builder

	acts, err := c.ListActivities(taskID)
	if err != nil {
		return "", err
	}
	var relevant []*types.GovActivity
	for _, a := range acts {
		if contextPackActions[a.Action] {
			relevant = append(relevant, a)
		}
	}
	if latestN > 0 && len(relevant) > latestN {
		relevant = relevant[len(relevant)-latestN:]
	}
	b.WriteString("## Activities\n")
	for _, a := range relevant {
		fmt.Fprintf(&b, "%s %s %s->%s by=%s reason=%s\n",
			a.CreatedAt.UTC().Format(time.RFC3339), a.Action, a.FromState, a.ToState, a.Actor, a.Reason)
	}

	approvals, err := c.ListApprovals(taskID)
	if err != nil {
		return "", err
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].ApprovedAt.Before(approvals[j].ApprovedAt) })
	b.WriteString("## Approvals\n")
	for _, ap := range approvals {
		fmt.Fprintf(&b, "%s gate=%s by=%s notes=%s\n",
			ap.ApprovedAt.UTC().Format(time.RFC3339), ap.GateType, ap.ApprovedBy, ap.Notes)
	}

	calls, err := c.store.ListExtCallsByTask(taskID)
	if err != nil {
		return "", err
	}
	b.WriteString("## ExternalCalls\n")
	for _, ec := range calls {
		fmt.Fprintf(&b, "%s %s.%s ok=%t %s\n",
			ec.CreatedAt.UTC().Format(time.RFC3339), ec.Provider, ec.Action, ec.OK, ec.Summary)
	}

	return b.String(), nil
}
