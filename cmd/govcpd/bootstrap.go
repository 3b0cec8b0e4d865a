package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cuemby/govcp/internal/api"
	"github.com/cuemby/govcp/internal/config"
	"github.com/cuemby/govcp/internal/dispatch"
	"github.com/cuemby/govcp/internal/events"
	"github.com/cuemby/govcp/internal/extbroker"
	"github.com/cuemby/govcp/internal/governance"
	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/limits"
	"github.com/cuemby/govcp/internal/memory"
	"github.com/cuemby/govcp/internal/policy"
	"github.com/cuemby/govcp/internal/security"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
	"github.com/cuemby/govcp/internal/workerproto"
)

// app bundles every long-lived collaborator a running govcpd process needs,
// so serveCmd can wire them once and hand pieces to the pieces that need
// them (the dispatch loop, the ops server) without global state.
type app struct {
	cfg     *config.Config
	store   *storage.BoltStore
	secrets *security.SecretsManager
	core    *governance.Core
	limits  *limits.Engine
	memory  *memory.Store
	ext     *extbroker.Broker
	broker  *events.Broker
	loop    *dispatch.Loop
	server  *api.Server
}

// opConfigs maps the named operations the limits engine gates to their
// per-op rate/quota/breaker tuning, seeded from the host config with the
// QUOTA_{OP}_SOFT/_HARD overrides applied.
func opConfigs(cfg *config.Config) map[string]limits.OpConfig {
	embedSoft, embedHard := cfg.QuotaOverrideFor("embed", cfg.QuotaSoftPerDay, cfg.QuotaHardPerDay)
	extSoft, extHard := cfg.QuotaOverrideFor("ext_call", cfg.QuotaSoftPerDay, cfg.QuotaHardPerDay)

	return map[string]limits.OpConfig{
		"cockpit_write":  {RateLimitPerMinute: cfg.RateLimitPerMinute},
		"gov_transition": {RateLimitPerMinute: cfg.RateLimitPerMinute},
		"embed": {
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			QuotaSoftPerDay:    embedSoft,
			QuotaHardPerDay:    embedHard,
			External:           true,
		},
		"ext_call": {
			RateLimitPerMinute: cfg.RateLimitPerMinute,
			QuotaSoftPerDay:    extSoft,
			QuotaHardPerDay:    extHard,
			External:           true,
		},
		"worker_dispatch": {RateLimitPerMinute: cfg.RateLimitPerMinute, External: true},
	}
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	secrets, err := security.NewSecretsManagerFromSeed(cfg.WorkerSharedSecretSeed)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building secrets manager: %w", err)
	}

	core := governance.New(store)
	broker := events.NewBroker()

	breakerCfg := limits.BreakerConfig{
		OpenAfterFails: cfg.BreakerOpenAfterFails,
		CooldownSec:    cfg.BreakerCooldownSec,
		FailWindowSec:  cfg.BreakerFailWindowSec,
		HalfOpenProbes: cfg.BreakerHalfOpenProbes,
	}
	limitsEngine := limits.NewEngine(store, cfg.LimitsEnabled, opConfigs(cfg), breakerCfg)
	limitsEngine.RateLimitFor = func(op, scopeKey string) (int, bool) {
		return cfg.RateOverrideFor(op, firstSegment(scopeKey))
	}
	limitsEngine.OnDenial = func(op, scopeKey, code string) {
		broker.Publish(&events.Event{
			ID:       idgen.New(),
			Type:     events.EventLimitsDenial,
			Message:  code,
			Metadata: map[string]string{"op": op, "scope": scopeKey, "code": code},
		})
	}
	limitsEngine.OnBreakerChange = func(scopeKey string, state types.BreakerState) {
		broker.Publish(&events.Event{
			ID:       idgen.New(),
			Type:     events.EventBreakerState,
			Message:  string(state),
			Metadata: map[string]string{"provider": scopeKey, "state": string(state)},
		})
	}

	memStore := memory.New(store, limitsEngine, cfg.EmbeddingsEnabled, nil, "embeddings")

	ext := extbroker.New(store, limitsEngine, builtinProviders(), extGrants(cfg), cfg.ExtCallsEnabled, cfg.ExtCallDeadline)

	routing := policy.GateRouting{}
	for gate, group := range cfg.GateApprovers {
		routing[types.GateType(gate)] = group
	}

	loop := dispatch.New(store, core, broker, dispatch.NewGroupQueue(), routing, cfg.StrictMode, cfg.DispatchPollInterval)
	loop.JobTimeout = cfg.WorkerDispatchTimeout

	a := &app{
		cfg: cfg, store: store, secrets: secrets, core: core,
		limits: limitsEngine, memory: memStore, ext: ext, broker: broker, loop: loop,
	}

	loop.ResolveWorker = a.resolveWorker
	loop.RunJob = a.runJob

	a.server = api.NewServer(api.Deps{
		Store:        store,
		Core:         core,
		LimitsEngine: limitsEngine,
		MemStore:     memStore,
		ExtBroker:    ext,
		Broker:       broker,
		Loop:         loop,
		Routing:      routing,
		Config:       cfg,
		Strict:       cfg.StrictMode,
		SecretLookup: a.lookupWorkerSecret,
	})

	return a, nil
}

// firstSegment returns the leading colon-separated component of a scope
// key — the group for ext_call/embed/gov_transition keys.
func firstSegment(scopeKey string) string {
	for i := 0; i < len(scopeKey); i++ {
		if scopeKey[i] == ':' {
			return scopeKey[:i]
		}
	}
	return scopeKey
}

// builtinProviders is the provider registry this binary ships with: a
// generic outbound webhook. Richer providers are registered by the
// deployment, not hard-coded here; their call shapes live outside the
// control plane.
func builtinProviders() extbroker.Registry {
	return extbroker.Registry{
		"webhook": {
			Name: "webhook",
			Actions: map[string]extbroker.Action{
				"post": {
					Name:        "post",
					Level:       1,
					Description: "POST a JSON payload to a URL",
					Idempotent:  false,
					Execute:     webhookPost,
					Summarize: func(params json.RawMessage) string {
						var p struct {
							URL string `json:"url"`
						}
						_ = json.Unmarshal(params, &p)
						return "webhook.post " + p.URL
					},
				},
			},
		},
	}
}

func webhookPost(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		URL     string          `json:"url"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("parsing webhook params: %w", err)
	}
	if p.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return map[string]any{"status": resp.StatusCode, "body": string(body)}, nil
}

// extGrants converts the YAML-overlay provider grants into the broker's
// grant map.
func extGrants(cfg *config.Config) map[string]map[string]extbroker.Grant {
	out := map[string]map[string]extbroker.Grant{}
	for group, grants := range cfg.ProviderGrants {
		out[group] = map[string]extbroker.Grant{}
		for provider, g := range grants {
			out[group][provider] = extbroker.Grant{
				AccessLevel:    g.AccessLevel,
				AllowedActions: g.AllowedActions,
				DeniedActions:  g.DeniedActions,
			}
		}
	}
	return out
}

// resolveWorker picks the first online worker in group with WIP headroom.
func (a *app) resolveWorker(group string) (string, bool) {
	workers, err := a.store.ListWorkers()
	if err != nil {
		return "", false
	}
	for _, w := range workers {
		if w.Status != types.WorkerOnline || w.CurrentWIP >= w.MaxWIP {
			continue
		}
		if !inGroup(w.Groups, group) {
			continue
		}
		return w.ID, true
	}
	return "", false
}

func inGroup(groups []string, group string) bool {
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// lookupWorkerSecret decrypts a worker's at-rest HMAC secret for
// workerproto.Verify.
func (a *app) lookupWorkerSecret(workerID string) ([]byte, bool, error) {
	w, err := a.store.GetWorker(workerID)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	secret, err := a.secrets.Decrypt(w.EncryptedSecret)
	if err != nil {
		return nil, false, fmt.Errorf("decrypting worker secret: %w", err)
	}
	return secret, true, nil
}

// runJob dispatches a claimed task to its assigned worker over SSH-tunneled
// localhost: write the group's file snapshot (gov_pipeline.json,
// ext_capabilities.json, tasks.json, .ipc_secret), build the prompt — the
// context pack for approval dispatches, the task description otherwise —
// then POST the signed payload. WIP is incremented before the POST and
// decremented only by the worker's completion callback
// (handleWorkerCompletion) or the dispatch-loop timeout. Each worker
// presents its own shared secret, so the signing client is built per call
// rather than shared.
func (a *app) runJob(task *types.GovTask, d *types.GovDispatch) error {
	w, err := a.store.GetWorker(d.WorkerID)
	if err != nil {
		return fmt.Errorf("looking up worker %s: %w", d.WorkerID, err)
	}

	enforce, err := a.limits.EnforceProvider("worker_dispatch", d.GroupJID, w.ID, time.Now())
	if err != nil {
		return err
	}
	if !enforce.Allowed {
		return fmt.Errorf("worker dispatch denied: %s", enforce.Code)
	}

	isMain := d.GroupJID == "main"
	ipcSecret, err := a.writeSnapshot(d.GroupJID, isMain)
	if err != nil {
		return fmt.Errorf("writing dispatch snapshot: %w", err)
	}

	prompt := task.Title + "\n\n" + task.Description
	if d.To == types.TaskApproval {
		pack, err := a.core.BuildContextPack(task.ID, 20)
		if err != nil {
			return fmt.Errorf("building context pack: %w", err)
		}
		prompt = fmt.Sprintf("Review %s (%s) for the %s gate.\n\n%s", task.ID, task.Title, task.Gate, pack)
	}

	w.CurrentWIP++
	if err := a.store.UpdateWorker(w); err != nil {
		return fmt.Errorf("bumping worker wip: %w", err)
	}

	secret, known, err := a.lookupWorkerSecret(w.ID)
	if err != nil {
		return err
	}
	if !known {
		return fmt.Errorf("worker %s has no registered secret", w.ID)
	}
	client := workerproto.NewClient("govcp", secret, 30*time.Second)

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", w.LocalPort)
	payload := workerproto.DispatchPayload{
		TaskID:      task.ID,
		GroupFolder: d.GroupJID,
		Prompt:      prompt,
		IsMain:      isMain,
		IPCSecret:   ipcSecret,
	}
	return client.Dispatch(context.Background(), baseURL, payload)
}

// writeSnapshot drops the per-group dispatch file snapshot before a worker
// job starts and returns the group's IPC secret.
func (a *app) writeSnapshot(group string, isMain bool) (string, error) {
	tasks, err := a.store.ListTasks()
	if err != nil {
		return "", err
	}
	now := time.Now()

	pipeline := workerproto.BuildPipelineSnapshot(tasks, group, isMain, now)

	registry := workerproto.ProviderRegistry{}
	for name, p := range builtinProviders() {
		actions := map[string]workerproto.ActionSpec{}
		for actionName, action := range p.Actions {
			actions[actionName] = workerproto.ActionSpec{Level: action.Level, Description: action.Description}
		}
		registry[name] = actions
	}
	grants := map[string]workerproto.GroupGrant{}
	for provider, g := range a.cfg.ProviderGrants[group] {
		grants[provider] = workerproto.GroupGrant{
			AccessLevel:    g.AccessLevel,
			AllowedActions: g.AllowedActions,
			DeniedActions:  g.DeniedActions,
		}
	}
	capabilities := workerproto.BuildCapabilitiesSnapshot(registry, grants, now)
	scheduled := workerproto.BuildScheduledTaskSnapshot(now)

	dir := filepath.Join(a.cfg.DispatchDir, group)
	return workerproto.WriteDispatchSnapshot(dir, pipeline, capabilities, scheduled)
}
