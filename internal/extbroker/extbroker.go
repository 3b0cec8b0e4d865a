// Package extbroker executes capability-scoped external-provider calls on
// behalf of worker groups: a keyed registry of providers and their typed
// actions, a per-group grant check, limits-engine gating (rate, quota,
// breaker), and an append-only ext_call log that feeds the context pack.
package extbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/limits"
	"github.com/cuemby/govcp/internal/log"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
	"github.com/rs/zerolog"
)

// Result codes, stable strings.
const (
	CodeNotAuthorized = "NOT_AUTHORIZED"
	CodeProviderError = "PROVIDER_ERROR"
)

// DefaultCallDeadline bounds a single provider call.
const DefaultCallDeadline = 10 * time.Second

// Action is one operation a provider exposes. Execute receives the raw
// params blob so each provider owns its own parameter shape.
type Action struct {
	Name        string
	Level       int
	Description string
	Idempotent  bool
	Execute     func(ctx context.Context, params json.RawMessage) (any, error)
	Summarize   func(params json.RawMessage) string
}

// Provider is a named set of actions.
type Provider struct {
	Name    string
	Actions map[string]Action
}

// Registry is the keyed map of every provider the broker can reach.
type Registry map[string]*Provider

// Grant is one group's capability on one provider.
type Grant struct {
	AccessLevel    int
	AllowedActions []string
	DeniedActions  []string
	ExpiresAt      *time.Time
}

// Broker runs grant-checked, limits-gated provider calls.
type Broker struct {
	store    storage.Store
	limits   *limits.Engine
	registry Registry
	grants   map[string]map[string]Grant // group -> provider -> grant
	enabled  bool                        // EXT_CALLS_ENABLED kill switch
	deadline time.Duration
	logger   zerolog.Logger
}

func New(store storage.Store, limitsEngine *limits.Engine, registry Registry, grants map[string]map[string]Grant, enabled bool, deadline time.Duration) *Broker {
	if deadline <= 0 {
		deadline = DefaultCallDeadline
	}
	return &Broker{
		store:    store,
		limits:   limitsEngine,
		registry: registry,
		grants:   grants,
		enabled:  enabled,
		deadline: deadline,
		logger:   log.WithComponent("extbroker"),
	}
}

// CallInput identifies one provider call and who is making it.
type CallInput struct {
	TaskID   string
	Group    string
	Provider string
	Action   string
	Params   json.RawMessage
}

// CallResult is the structured outcome: denials carry a code and are never
// Go errors, matching the policy/limits convention.
type CallResult struct {
	OK       bool
	Code     string
	SoftWarn bool
	Result   any
	Summary  string
}

// Call runs the full gate sequence for one provider call: kill switch,
// registry lookup, capability grant, limits (rate keyed on
// group:provider:Ln, breaker keyed on provider), then the call itself
// under the per-call deadline. Every completed call — success or provider
// failure — lands one ext_call row; denials land in the denial log via the
// limits engine and are never recorded as ext_calls.
func (b *Broker) Call(ctx context.Context, in CallInput, now time.Time) (CallResult, error) {
	if !b.enabled {
		return CallResult{Code: CodeNotAuthorized}, nil
	}

	provider, known := b.registry[in.Provider]
	if !known {
		return CallResult{Code: CodeNotAuthorized}, nil
	}
	action, known := provider.Actions[in.Action]
	if !known {
		return CallResult{Code: CodeNotAuthorized}, nil
	}

	grant, granted := b.grantFor(in.Group, in.Provider, now)
	if !granted || !actionAllowed(grant, action) {
		return CallResult{Code: CodeNotAuthorized}, nil
	}

	scopeKey := fmt.Sprintf("%s:%s:L%d", in.Group, in.Provider, action.Level)
	enforce, err := b.limits.EnforceProvider("ext_call", scopeKey, in.Provider, now)
	if err != nil {
		return CallResult{}, err
	}
	if !enforce.Allowed {
		return CallResult{Code: enforce.Code}, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	started := time.Now()
	result, callErr := action.Execute(callCtx, in.Params)
	elapsed := time.Since(started)

	summary := in.Provider + "." + in.Action
	if action.Summarize != nil {
		summary = action.Summarize(in.Params)
	}

	rec := &types.ExtCall{
		ID:        idgen.New(),
		TaskID:    in.TaskID,
		Group:     in.Group,
		Provider:  in.Provider,
		Action:    in.Action,
		Level:     action.Level,
		OK:        callErr == nil,
		Summary:   summary,
		Duration:  elapsed,
		CreatedAt: now,
	}
	if err := b.store.AppendExtCall(rec); err != nil {
		return CallResult{}, fmt.Errorf("logging ext call: %w", err)
	}

	if callErr != nil {
		if err := b.limits.RecordFailure(in.Provider, now); err != nil {
			return CallResult{}, err
		}
		b.logger.Warn().Err(callErr).
			Str("provider", in.Provider).Str("action", in.Action).Str("group", in.Group).
			Msg("provider call failed")
		return CallResult{Code: CodeProviderError, Summary: summary}, nil
	}

	if err := b.limits.RecordSuccess(in.Provider, now); err != nil {
		return CallResult{}, err
	}
	return CallResult{OK: true, SoftWarn: enforce.SoftWarn, Result: result, Summary: summary}, nil
}

func (b *Broker) grantFor(group, provider string, now time.Time) (Grant, bool) {
	grants, known := b.grants[group]
	if !known {
		return Grant{}, false
	}
	g, known := grants[provider]
	if !known {
		return Grant{}, false
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return Grant{}, false
	}
	return g, true
}

// actionAllowed applies the same precedence the capabilities snapshot
// advertises: an explicit deny, or an allow-list that excludes the action,
// outranks the level comparison.
func actionAllowed(g Grant, a Action) bool {
	for _, denied := range g.DeniedActions {
		if denied == a.Name {
			return false
		}
	}
	if len(g.AllowedActions) > 0 {
		found := false
		for _, allowed := range g.AllowedActions {
			if allowed == a.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return a.Level <= g.AccessLevel
}

// Providers returns the sorted provider names the registry knows, for
// capability snapshots.
func (b *Broker) Providers() []string {
	out := make([]string, 0, len(b.registry))
	for name := range b.registry {
		out = append(out, name)
	}
	return out
}
