// Package types defines the persistent entities of the governance kernel.
package types

import "time"

// TaskState is the lifecycle state of a GovTask.
type TaskState string

const (
	TaskInbox    TaskState = "INBOX"
	TaskTriaged  TaskState = "TRIAGED"
	TaskReady    TaskState = "READY"
	TaskDoing    TaskState = "DOING"
	TaskReview   TaskState = "REVIEW"
	TaskApproval TaskState = "APPROVAL"
	TaskDone     TaskState = "DONE"
	TaskBlocked  TaskState = "BLOCKED"
)

// TaskType classifies the kind of work a GovTask represents.
type TaskType string

const (
	TaskTypeEpic     TaskType = "EPIC"
	TaskTypeFeature  TaskType = "FEATURE"
	TaskTypeBug      TaskType = "BUG"
	TaskTypeSecurity TaskType = "SECURITY"
	TaskTypeRevOps   TaskType = "REVOPS"
	TaskTypeOps      TaskType = "OPS"
	TaskTypeResearch TaskType = "RESEARCH"
	TaskTypeContent  TaskType = "CONTENT"
	TaskTypeDoc      TaskType = "DOC"
	TaskTypeIncident TaskType = "INCIDENT"
)

// Priority is the urgency tier of a GovTask.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// GateType is the kind of approval gate guarding REVIEW -> APPROVAL -> DONE.
type GateType string

const (
	GateNone     GateType = "None"
	GateSecurity GateType = "Security"
	GateRevOps   GateType = "RevOps"
	GateClaims   GateType = "Claims"
	GateProduct  GateType = "Product"
)

// Scope is the visibility/ownership domain of a task or memory.
type Scope string

const (
	ScopeCompany Scope = "COMPANY"
	ScopeProduct Scope = "PRODUCT"
)

// Override carries the explicit risk-acceptance record required to move a
// task directly into DONE from REVIEW or APPROVAL.
type Override struct {
	By                string
	Reason            string
	AcceptedRisk      bool
	ReviewDeadlineISO string
}

// GovTask is the unit of governed work.
type GovTask struct {
	ID           string
	Title        string
	Description  string
	TaskType     TaskType
	Priority     Priority
	State        TaskState
	Gate         GateType
	Scope        Scope
	ProductID    string // required when Scope == ScopeProduct
	AssignedGroup string // worker group folder, or "" if unassigned
	Executor     string
	CreatedBy    string
	DoDRequired  bool
	DoD          []string // definition-of-done checklist items
	DoDDone      []bool   // parallel slice: completion per DoD item
	// EvidenceRequired is a tri-state flag: nil means the task has not yet
	// declared whether evidence will be required, which is itself a
	// precondition failure on entering DOING. Non-nil true/false is the
	// declared value.
	EvidenceRequired *bool
	EvidenceLinks    []string
	DocsUpdated      bool
	Override         *Override
	Metadata         map[string]string // open-world extension blob, unknown keys preserved
	Version          int64             // optimistic concurrency counter
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ActivityAction is the kind of append-only event recorded against a task.
type ActivityAction string

const (
	ActivityCreate           ActivityAction = "create"
	ActivityTransition       ActivityAction = "transition"
	ActivityApprove          ActivityAction = "approve"
	ActivityOverride         ActivityAction = "override"
	ActivityAssign           ActivityAction = "assign"
	ActivityEvidence         ActivityAction = "evidence"
	ActivityExecutionSummary ActivityAction = "execution_summary"
	ActivityCoerceScope      ActivityAction = "coerce_scope"
	ActivityExtCall          ActivityAction = "ext_call"
)

// GovActivity is an append-only audit-log entry attached to a task.
type GovActivity struct {
	ID        string
	TaskID    string
	Action    ActivityAction
	FromState TaskState
	ToState   TaskState
	Actor     string
	Reason    string
	CreatedAt time.Time
}

// GovApproval is an idempotent record of a gate approval, unique on
// (TaskID, GateType).
type GovApproval struct {
	ID         string
	TaskID     string
	GateType   GateType
	ApprovedBy string
	Notes      string
	ApprovedAt time.Time
}

// DispatchState tracks a dispatch attempt's lifecycle.
type DispatchState string

const (
	DispatchEnqueued DispatchState = "ENQUEUED"
	DispatchStarted  DispatchState = "STARTED"
	DispatchDone     DispatchState = "DONE"
	DispatchFailed   DispatchState = "FAILED"
)

// GovDispatch is one dispatch attempt, uniquely keyed on DispatchKey so
// retries within the same or later ticks never double-send a worker job.
type GovDispatch struct {
	ID          string
	DispatchKey string // "{task_id}:{from}->{to}:v{version}"
	TaskID      string
	From        TaskState
	To          TaskState
	GroupJID    string
	WorkerID    string
	Status      DispatchState
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Level is the sensitivity classification tier of a Memory entry.
type Level string

const (
	LevelL0 Level = "L0"
	LevelL1 Level = "L1"
	LevelL2 Level = "L2"
	LevelL3 Level = "L3"
)

// Memory is a stored, classified, access-controlled unit of knowledge.
type Memory struct {
	ID             string
	Content        string // sanitized content, post-PII-redaction
	ContentHash    string // SHA-256 of the ORIGINAL, pre-sanitization content
	Level          Level
	Scope          Scope
	ProductID      string
	GroupFolder    string // owning group
	Tags           []string
	PIIDetected    bool
	PIITypes       []string // sorted
	SourceType     string
	PolicyVersion  int
	Embedding      []float64 // absent (nil) for L3 memories, always
	EmbeddingModel string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MemoryAccessLog is an append-only audit of every L3 read attempt and
// every access denial.
type MemoryAccessLog struct {
	ID         string
	MemoryID   string
	Accessor   string
	AccessorGroup string
	AccessType string
	Granted    bool
	Reason     string
	CreatedAt  time.Time
}

// WorkerStatus is the reachability state of a registered worker.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered dispatch target.
type Worker struct {
	ID              string
	SSHHost         string
	SSHUser         string
	LocalPort       int
	RemotePort      int
	MaxWIP          int
	CurrentWIP      int
	Status          WorkerStatus
	EncryptedSecret []byte // AES-256-GCM ciphertext of the HMAC shared secret
	Groups          []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BreakerState is the circuit-breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Breaker tracks a per-provider circuit breaker.
type Breaker struct {
	ScopeKey       string // e.g. provider name
	State          BreakerState
	FailCount      int
	LastFailAt     time.Time
	OpenedAt       time.Time
	ProbesInFlight int // outstanding half-open probes
	UpdatedAt      time.Time
}

// RateLimit tracks a fixed-window-per-minute counter for a scope key.
type RateLimit struct {
	ScopeKey    string
	WindowStart time.Time
	Count       int
}

// Quota tracks a daily usage counter for a scope key.
type Quota struct {
	ScopeKey string
	Day      string // YYYY-MM-DD
	Count    int
}

// DenialLog records a limits-engine or policy denial. Never stores raw
// request params, only the op and the scope key that triggered it.
type DenialLog struct {
	ID        string
	Op        string
	ScopeKey  string
	Code      string
	CreatedAt time.Time
}

// ExtCall records one external-provider call made on behalf of a task or
// group: provider, action, outcome, and a one-line summary — never raw
// request parameters.
type ExtCall struct {
	ID        string
	TaskID    string
	Group     string
	Provider  string
	Action    string
	Level     int
	OK        bool
	Summary   string
	Duration  time.Duration
	CreatedAt time.Time
}

// Nonce is a replay-defense record keyed on (WorkerID, RequestID).
type Nonce struct {
	WorkerID  string
	RequestID string
	CreatedAt time.Time
}
