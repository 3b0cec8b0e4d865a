// Package storage defines the persistence interface for the governance
// kernel and a BoltDB-backed implementation, following the bucket-per-entity
// JSON-blob idiom used throughout this codebase's storage layer.
package storage

import (
	"errors"
	"time"

	"github.com/cuemby/govcp/internal/types"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned by UpdateTaskVersioned when the stored
// task's version does not match the caller's expected version.
var ErrVersionConflict = errors.New("version conflict")

// Store is the full persistence surface of the governance kernel.
type Store interface {
	Close() error

	// Tasks
	CreateTask(t *types.GovTask) error
	GetTask(id string) (*types.GovTask, error)
	ListTasks() ([]*types.GovTask, error)
	ListTasksByState(state types.TaskState) ([]*types.GovTask, error)
	UpdateTaskVersioned(t *types.GovTask, expectedVersion int64) error

	// Activities (append-only)
	AppendActivity(a *types.GovActivity) error
	ListActivities(taskID string) ([]*types.GovActivity, error)

	// Approvals (idempotent per task+gate+group)
	CreateApprovalIfAbsent(a *types.GovApproval) (created bool, err error)
	ListApprovals(taskID string) ([]*types.GovApproval, error)

	// Dispatches (insert-or-skip on DispatchKey)
	CreateDispatchIfAbsent(d *types.GovDispatch) (created bool, err error)
	UpdateDispatch(d *types.GovDispatch) error
	GetDispatchByKey(key string) (*types.GovDispatch, error)
	ListDispatchesByState(state types.DispatchState) ([]*types.GovDispatch, error)

	// Memory
	UpsertMemory(m *types.Memory) error
	GetMemory(id string) (*types.Memory, error)
	ListMemories() ([]*types.Memory, error)
	ListMemoriesByGroup(group string) ([]*types.Memory, error)
	AppendMemoryAccessLog(l *types.MemoryAccessLog) error
	ListMemoryAccessLogs(memoryID string) ([]*types.MemoryAccessLog, error)

	// Workers
	CreateWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	UpdateWorker(w *types.Worker) error
	ListWorkers() ([]*types.Worker, error)

	// Circuit breakers
	GetBreaker(scopeKey string) (*types.Breaker, error)
	SaveBreaker(b *types.Breaker) error

	// Rate limit windows
	GetRateLimit(scopeKey string) (*types.RateLimit, error)
	SaveRateLimit(rl *types.RateLimit) error

	// Daily quotas
	GetQuota(scopeKey, day string) (*types.Quota, error)
	SaveQuota(q *types.Quota) error

	// External calls (append-only)
	AppendExtCall(c *types.ExtCall) error
	ListExtCallsByTask(taskID string) ([]*types.ExtCall, error)

	// Denials
	AppendDenial(d *types.DenialLog) error
	CountDenialsByCode() (map[string]int, error)

	// Nonce replay defense. Returns fresh=false if (workerID, requestID)
	// was already seen.
	CheckAndStoreNonce(workerID, requestID string, now time.Time) (fresh bool, err error)

	// PurgeNonces removes nonce rows created before cutoff; replay windows
	// only need TTL-deep history, so expired rows are swept lazily.
	PurgeNonces(cutoff time.Time) (removed int, err error)
}
