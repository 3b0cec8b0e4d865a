package workerproto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/govcp/internal/types"
)

// PipelineTask is one task entry in gov_pipeline.json.
type PipelineTask struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	TaskType      string    `json:"task_type"`
	State         string    `json:"state"`
	Priority      string    `json:"priority"`
	Product       string    `json:"product,omitempty"`
	AssignedGroup string    `json:"assigned_group,omitempty"`
	Executor      string    `json:"executor,omitempty"`
	Gate          string    `json:"gate,omitempty"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PipelineSnapshot is the gov_pipeline.json document written into a
// group's dispatch directory before a worker job starts.
type PipelineSnapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Tasks       []PipelineTask `json:"tasks"`
}

// BuildPipelineSnapshot assembles the gov_pipeline.json view for one
// group's dispatch directory: main sees every task; every other group
// sees only tasks assigned to itself.
func BuildPipelineSnapshot(tasks []*types.GovTask, groupFolder string, isMain bool, now time.Time) PipelineSnapshot {
	snap := PipelineSnapshot{GeneratedAt: now, Tasks: []PipelineTask{}}
	for _, t := range tasks {
		if !isMain && t.AssignedGroup != groupFolder {
			continue
		}
		snap.Tasks = append(snap.Tasks, PipelineTask{
			ID:            t.ID,
			Title:         t.Title,
			Description:   t.Description,
			TaskType:      string(t.TaskType),
			State:         string(t.State),
			Priority:      string(t.Priority),
			Product:       t.ProductID,
			AssignedGroup: t.AssignedGroup,
			Executor:      t.Executor,
			Gate:          string(t.Gate),
			Version:       t.Version,
			CreatedAt:     t.CreatedAt,
			UpdatedAt:     t.UpdatedAt,
		})
	}
	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].ID < snap.Tasks[j].ID })
	return snap
}

// ScheduledTaskSnapshot is the tasks.json document: a read-only scheduled-
// task list, empty until a scheduling vertical is wired in — its producer
// lives outside this control plane.
type ScheduledTaskSnapshot struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Tasks       []string  `json:"tasks"`
}

// BuildScheduledTaskSnapshot returns the (currently empty) tasks.json
// document for a group.
func BuildScheduledTaskSnapshot(now time.Time) ScheduledTaskSnapshot {
	return ScheduledTaskSnapshot{GeneratedAt: now, Tasks: []string{}}
}

// ActionStatus is the computed availability of one provider action for a
// given caller, as advertised in ext_capabilities.json.
type ActionStatus string

const (
	ActionAvailable      ActionStatus = "available"
	ActionRequiresHigher ActionStatus = "requires_higher_level"
	ActionDenied         ActionStatus = "DENIED"
)

// ActionSpec is one action a provider declares, independent of any single
// group's grant. The registry is a keyed map: provider name -> action
// name -> spec.
type ActionSpec struct {
	Level       int    `json:"level"`
	Description string `json:"description"`
}

// ProviderRegistry is the full set of actions every known provider exposes.
type ProviderRegistry map[string]map[string]ActionSpec

// GroupGrant is one group's per-provider capability grant: an access
// level plus explicit allow/deny action overrides and an optional expiry.
type GroupGrant struct {
	AccessLevel    int
	AllowedActions []string
	DeniedActions  []string
	ExpiresAt      *time.Time
}

// ActionEntry is one action's computed status for the group the snapshot
// is being built for.
type ActionEntry struct {
	Level       int          `json:"level"`
	Description string       `json:"description"`
	Status      ActionStatus `json:"status"`
}

// ProviderCapability is one provider's capability entry in
// ext_capabilities.json.
type ProviderCapability struct {
	Provider       string                 `json:"provider"`
	AccessLevel    int                    `json:"access_level"`
	AllowedActions []string               `json:"allowed_actions,omitempty"`
	DeniedActions  []string               `json:"denied_actions,omitempty"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	Actions        map[string]ActionEntry `json:"actions"`
}

// CapabilitiesSnapshot is the ext_capabilities.json document.
type CapabilitiesSnapshot struct {
	GeneratedAt        time.Time            `json:"generatedAt"`
	Capabilities       []ProviderCapability `json:"capabilities"`
	ProvidersAvailable []string             `json:"providers_available"`
}

// BuildCapabilitiesSnapshot computes, for one group's set of grants, the
// effective status of every action on every provider it has a grant for.
// A denied action, or an allow-list that excludes it, outranks the level
// comparison; otherwise an action above the group's access level is
// requires_higher_level rather than available.
func BuildCapabilitiesSnapshot(registry ProviderRegistry, grants map[string]GroupGrant, now time.Time) CapabilitiesSnapshot {
	snap := CapabilitiesSnapshot{GeneratedAt: now, Capabilities: []ProviderCapability{}, ProvidersAvailable: []string{}}

	for name := range registry {
		snap.ProvidersAvailable = append(snap.ProvidersAvailable, name)
	}
	sort.Strings(snap.ProvidersAvailable)

	var grantedProviders []string
	for name := range grants {
		grantedProviders = append(grantedProviders, name)
	}
	sort.Strings(grantedProviders)

	for _, name := range grantedProviders {
		grant := grants[name]
		actions, known := registry[name]
		if !known {
			continue
		}

		denied := toSet(grant.DeniedActions)
		allowed := toSet(grant.AllowedActions)

		cap := ProviderCapability{
			Provider:       name,
			AccessLevel:    grant.AccessLevel,
			AllowedActions: grant.AllowedActions,
			DeniedActions:  grant.DeniedActions,
			ExpiresAt:      grant.ExpiresAt,
			Actions:        map[string]ActionEntry{},
		}

		var actionNames []string
		for actionName := range actions {
			actionNames = append(actionNames, actionName)
		}
		sort.Strings(actionNames)

		for _, actionName := range actionNames {
			spec := actions[actionName]
			status := ActionAvailable
			switch {
			case denied[actionName]:
				status = ActionDenied
			case len(allowed) > 0 && !allowed[actionName]:
				status = ActionDenied
			case spec.Level > grant.AccessLevel:
				status = ActionRequiresHigher
			}
			cap.Actions[actionName] = ActionEntry{Level: spec.Level, Description: spec.Description, Status: status}
		}

		snap.Capabilities = append(snap.Capabilities, cap)
	}

	return snap
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

// EnsureIPCSecret returns the per-group IPC secret at dir/.ipc_secret,
// generating and persisting a fresh 64-hex-char value the first time a
// group's dispatch directory is seen. The secret is never rotated once
// written.
func EnsureIPCSecret(dir string) (string, error) {
	path := filepath.Join(dir, ".ipc_secret")

	existing, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(existing)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading ipc secret %s: %w", path, err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating ipc secret: %w", err)
	}
	secret := hex.EncodeToString(raw)
	if err := WriteAtomic(path, []byte(secret)); err != nil {
		return "", err
	}
	return secret, nil
}

// WriteDispatchSnapshot writes the full per-group dispatch file snapshot —
// gov_pipeline.json, ext_capabilities.json, tasks.json — atomically into
// dir via WriteAtomic, and ensures dir's .ipc_secret exists, before a
// worker job starts.
func WriteDispatchSnapshot(dir string, pipeline PipelineSnapshot, capabilities CapabilitiesSnapshot, scheduled ScheduledTaskSnapshot) (ipcSecret string, err error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating dispatch dir %s: %w", dir, err)
	}

	if err := writeJSONAtomic(filepath.Join(dir, "gov_pipeline.json"), pipeline); err != nil {
		return "", err
	}
	if err := writeJSONAtomic(filepath.Join(dir, "ext_capabilities.json"), capabilities); err != nil {
		return "", err
	}
	if err := writeJSONAtomic(filepath.Join(dir, "tasks.json"), scheduled); err != nil {
		return "", err
	}

	return EnsureIPCSecret(dir)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteAtomic(path, data)
}
