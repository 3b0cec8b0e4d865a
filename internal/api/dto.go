package api

import (
	"time"

	"github.com/cuemby/govcp/internal/types"
)

// taskDTO mirrors types.GovTask but is exported field-for-field so a future
// response shape change never accidentally starts leaking a new sensitive
// field by inheriting it from the struct.
type taskDTO struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	TaskType      types.TaskType    `json:"task_type"`
	Priority      types.Priority    `json:"priority"`
	State         types.TaskState   `json:"state"`
	Gate          types.GateType    `json:"gate"`
	Scope         types.Scope       `json:"scope"`
	ProductID     string            `json:"product_id,omitempty"`
	AssignedGroup string            `json:"assigned_group,omitempty"`
	Executor      string            `json:"executor,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Version       int64             `json:"version"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func toTaskDTO(t *types.GovTask) taskDTO {
	return taskDTO{
		ID: t.ID, Title: t.Title, Description: t.Description, TaskType: t.TaskType,
		Priority: t.Priority, State: t.State, Gate: t.Gate, Scope: t.Scope,
		ProductID: t.ProductID, AssignedGroup: t.AssignedGroup, Executor: t.Executor,
		CreatedBy: t.CreatedBy, Metadata: t.Metadata, Version: t.Version,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
	}
}

// workerDTO omits the worker's shared secret and SSH identity material;
// neither ever leaves the process over the ops surface.
type workerDTO struct {
	ID         string             `json:"id"`
	SSHHost    string             `json:"ssh_host,omitempty"`
	SSHUser    string             `json:"ssh_user,omitempty"`
	LocalPort  int                `json:"local_port"`
	RemotePort int                `json:"remote_port"`
	MaxWIP     int                `json:"max_wip"`
	CurrentWIP int                `json:"current_wip"`
	Status     types.WorkerStatus `json:"status"`
	Groups     []string           `json:"groups"`
}

func toWorkerDTO(w *types.Worker) workerDTO {
	return workerDTO{
		ID: w.ID, SSHHost: w.SSHHost, SSHUser: w.SSHUser, LocalPort: w.LocalPort,
		RemotePort: w.RemotePort, MaxWIP: w.MaxWIP, CurrentWIP: w.CurrentWIP,
		Status: w.Status, Groups: w.Groups,
	}
}

// memoryDTO omits the embedding vector; raw vectors never leave the
// process over the ops surface.
type memoryDTO struct {
	ID          string       `json:"id"`
	Content     string       `json:"content"`
	ContentHash string       `json:"content_hash"`
	Level       types.Level  `json:"level"`
	Scope       types.Scope  `json:"scope"`
	ProductID   string       `json:"product_id,omitempty"`
	GroupFolder string       `json:"group_folder"`
	Tags        []string     `json:"tags,omitempty"`
	PIIDetected bool         `json:"pii_detected"`
	PIITypes    []string     `json:"pii_types,omitempty"`
	SourceType  string       `json:"source_type,omitempty"`
	Version     int64        `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

func toMemoryDTO(m *types.Memory) memoryDTO {
	return memoryDTO{
		ID: m.ID, Content: m.Content, ContentHash: m.ContentHash, Level: m.Level,
		Scope: m.Scope, ProductID: m.ProductID, GroupFolder: m.GroupFolder, Tags: m.Tags,
		PIIDetected: m.PIIDetected, PIITypes: m.PIITypes, SourceType: m.SourceType,
		Version: m.Version, CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
}
