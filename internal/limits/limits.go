// Package limits implements the three orthogonal enforcement mechanisms —
// rate limiting, daily quotas, and per-provider circuit breakers — composed
// by a single enforcement façade with a fixed denial-ordering.
package limits

import (
	"fmt"
	"time"

	"github.com/cuemby/govcp/internal/idgen"
	"github.com/cuemby/govcp/internal/metrics"
	"github.com/cuemby/govcp/internal/storage"
	"github.com/cuemby/govcp/internal/types"
)

// Error/denial codes, stable strings.
const (
	CodeLimitsDisabled      = "LIMITS_DISABLED"
	CodeNotAuthorized       = "NOT_AUTHORIZED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeProviderBreakerOpen = "PROVIDER_BREAKER_OPEN"
	CodeDailyQuotaExceeded  = "DAILY_QUOTA_EXCEEDED"
	CodeDailyQuotaSoftWarn  = "DAILY_QUOTA_SOFT_WARN"
)

// BreakerConfig is host-side circuit-breaker tuning, overridable via
// environment but never reloaded mid-request. Failures only count toward
// OpenAfterFails while they cluster within FailWindowSec of the previous
// one; HalfOpenProbes bounds how many concurrent probes a HALF_OPEN breaker
// lets through before further callers are denied.
type BreakerConfig struct {
	OpenAfterFails int
	CooldownSec    int
	FailWindowSec  int
	HalfOpenProbes int
}

// DefaultBreakerConfig: three clustered failures open the breaker, one
// minute cooldown, a two-minute failure window, a single half-open probe.
var DefaultBreakerConfig = BreakerConfig{OpenAfterFails: 3, CooldownSec: 60, FailWindowSec: 120, HalfOpenProbes: 1}

// Op-level configuration: per-minute rate limit and daily quota thresholds.
// A RateLimit of 0 is a hard deny (NOT_AUTHORIZED), distinct from exceeding
// a positive limit (RATE_LIMIT_EXCEEDED).
type OpConfig struct {
	RateLimitPerMinute int
	QuotaSoftPerDay    int
	QuotaHardPerDay    int
	External           bool // whether the breaker applies to this op
}

// Engine composes rate limiting, breaker checks and quota accounting.
type Engine struct {
	store   storage.Store
	enabled bool
	ops     map[string]OpConfig
	breaker BreakerConfig

	// OnDenial and OnBreakerChange, when non-nil, are invoked synchronously
	// after a denial is logged / a breaker changes state, so the host can
	// fan the fact out to the event bus without the engine importing it.
	OnDenial        func(op, scopeKey, code string)
	OnBreakerChange func(scopeKey string, state types.BreakerState)

	// RateLimitFor, when non-nil, resolves a per-(op, scope) rate-limit
	// override (the RL_{OP}_PER_MIN_{GROUP} environment contract); ok=false
	// falls through to the op's configured limit. A returned 0 is a hard
	// deny, same as a configured 0.
	RateLimitFor func(op, scopeKey string) (limit int, ok bool)
}

// NewEngine constructs an Engine. enabled is the LIMITS_ENABLED kill switch.
func NewEngine(store storage.Store, enabled bool, ops map[string]OpConfig, breaker BreakerConfig) *Engine {
	return &Engine{store: store, enabled: enabled, ops: ops, breaker: breaker}
}

// EnforceResult is the outcome of a single Enforce call.
type EnforceResult struct {
	Allowed  bool
	Code     string
	SoftWarn bool
	IsProbe  bool
}

// Enforce runs the fixed composition order, exiting at the first denial:
// kill-switch, rate limit, breaker (if external), quota. Every denial is
// logged to the denial table with (op, scope_key, code) only — never raw
// parameters. The breaker is keyed on scopeKey; external ops whose rate
// scope is finer than the provider (e.g. ext_call's group:provider:Ln)
// use EnforceProvider instead.
func (e *Engine) Enforce(op, scopeKey string, now time.Time) (EnforceResult, error) {
	return e.EnforceProvider(op, scopeKey, scopeKey, now)
}

// EnforceProvider is Enforce with the circuit breaker keyed on provider
// rather than the (usually finer-grained) rate/quota scope key.
func (e *Engine) EnforceProvider(op, scopeKey, provider string, now time.Time) (EnforceResult, error) {
	if !e.enabled {
		return e.deny(op, scopeKey, CodeLimitsDisabled, now)
	}

	cfg, known := e.ops[op]
	if !known {
		cfg = OpConfig{RateLimitPerMinute: 60}
	}

	limit := cfg.RateLimitPerMinute
	if e.RateLimitFor != nil {
		if n, ok := e.RateLimitFor(op, scopeKey); ok {
			limit = n
		}
	}

	count, err := e.incrementRateLimit(op, scopeKey, now)
	if err != nil {
		return EnforceResult{}, err
	}
	if limit == 0 {
		return e.deny(op, scopeKey, CodeNotAuthorized, now)
	}
	if count > limit {
		metrics.RateLimitHitsTotal.WithLabelValues(scopeKey).Inc()
		return e.deny(op, scopeKey, CodeRateLimitExceeded, now)
	}

	var isProbe bool
	if cfg.External {
		var allowed bool
		var err error
		allowed, _, isProbe, err = e.checkBreaker(provider, now)
		if err != nil {
			return EnforceResult{}, err
		}
		if !allowed {
			return e.deny(op, scopeKey, CodeProviderBreakerOpen, now)
		}
	}

	if cfg.QuotaHardPerDay > 0 || cfg.QuotaSoftPerDay > 0 {
		used, err := e.incrementQuota(op, scopeKey, now)
		if err != nil {
			return EnforceResult{}, err
		}
		if cfg.QuotaHardPerDay > 0 && used > cfg.QuotaHardPerDay {
			return e.deny(op, scopeKey, CodeDailyQuotaExceeded, now)
		}
		if cfg.QuotaSoftPerDay > 0 && used > cfg.QuotaSoftPerDay {
			return EnforceResult{Allowed: true, SoftWarn: true, IsProbe: isProbe}, nil
		}
	}

	return EnforceResult{Allowed: true, IsProbe: isProbe}, nil
}

func (e *Engine) deny(op, scopeKey, code string, now time.Time) (EnforceResult, error) {
	if err := e.store.AppendDenial(&types.DenialLog{
		ID: idgen.New(), Op: op, ScopeKey: scopeKey, Code: code, CreatedAt: now,
	}); err != nil {
		return EnforceResult{}, fmt.Errorf("logging denial: %w", err)
	}
	metrics.DenialsTotal.WithLabelValues(code).Inc()
	if e.OnDenial != nil {
		e.OnDenial(op, scopeKey, code)
	}
	return EnforceResult{Allowed: false, Code: code}, nil
}

// incrementRateLimit atomically bumps the fixed-window-per-minute counter
// for (op, scopeKey, minuteBucket) and returns the new count.
func (e *Engine) incrementRateLimit(op, scopeKey string, now time.Time) (int, error) {
	key := op + ":" + scopeKey
	windowStart := now.Truncate(time.Minute)

	rl, err := e.store.GetRateLimit(key)
	if err != nil {
		return 0, err
	}
	if rl.WindowStart.IsZero() || !rl.WindowStart.Equal(windowStart) {
		rl.WindowStart = windowStart
		rl.Count = 0
	}
	rl.Count++
	rl.ScopeKey = key
	if err := e.store.SaveRateLimit(rl); err != nil {
		return 0, err
	}
	return rl.Count, nil
}

// incrementQuota atomically bumps the daily counter for (op, scopeKey) and
// returns the new used count.
func (e *Engine) incrementQuota(op, scopeKey string, now time.Time) (int, error) {
	key := op + ":" + scopeKey
	day := now.UTC().Format("2006-01-02")

	q, err := e.store.GetQuota(key, day)
	if err != nil {
		return 0, err
	}
	q.Count++
	q.ScopeKey = key
	q.Day = day
	if err := e.store.SaveQuota(q); err != nil {
		return 0, err
	}
	return q.Count, nil
}

// checkBreaker returns whether a call to scopeKey is currently allowed, the
// breaker's state, and whether this call is the single half-open probe.
func (e *Engine) checkBreaker(scopeKey string, now time.Time) (allowed bool, state types.BreakerState, isProbe bool, err error) {
	b, err := e.store.GetBreaker(scopeKey)
	if err != nil {
		return false, "", false, err
	}

	switch b.State {
	case types.BreakerOpen:
		if now.Sub(b.OpenedAt) < time.Duration(e.breaker.CooldownSec)*time.Second {
			return false, types.BreakerOpen, false, nil
		}
		b.State = types.BreakerHalfOpen
		b.ProbesInFlight = 1
		b.UpdatedAt = now
		if err := e.store.SaveBreaker(b); err != nil {
			return false, "", false, err
		}
		e.breakerChanged(b)
		return true, types.BreakerHalfOpen, true, nil
	case types.BreakerHalfOpen:
		probes := e.breaker.HalfOpenProbes
		if probes <= 0 {
			probes = 1
		}
		if b.ProbesInFlight >= probes {
			// The probe budget is outstanding; further callers wait for its
			// resolution rather than piling on.
			return false, types.BreakerHalfOpen, false, nil
		}
		b.ProbesInFlight++
		b.UpdatedAt = now
		if err := e.store.SaveBreaker(b); err != nil {
			return false, "", false, err
		}
		return true, types.BreakerHalfOpen, true, nil
	default:
		return true, types.BreakerClosed, false, nil
	}
}

// breakerChanged records the new state on the gauge and notifies the host.
func (e *Engine) breakerChanged(b *types.Breaker) {
	metrics.BreakerState.WithLabelValues(b.ScopeKey).Set(breakerGaugeValue(b.State))
	if e.OnBreakerChange != nil {
		e.OnBreakerChange(b.ScopeKey, b.State)
	}
}

func breakerGaugeValue(s types.BreakerState) float64 {
	switch s {
	case types.BreakerOpen:
		return 2
	case types.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

// RecordFailure increments the breaker's clustered-failure counter and
// opens it once openAfterFails is reached; a half-open probe failure
// reopens the breaker immediately with a fresh opened_at. Failures further
// than failWindowSec apart restart the cluster from one.
func (e *Engine) RecordFailure(scopeKey string, now time.Time) error {
	b, err := e.store.GetBreaker(scopeKey)
	if err != nil {
		return err
	}
	b.ScopeKey = scopeKey
	if b.State == types.BreakerHalfOpen {
		b.State = types.BreakerOpen
		b.OpenedAt = now
		b.ProbesInFlight = 0
		b.LastFailAt = now
		b.UpdatedAt = now
		if err := e.store.SaveBreaker(b); err != nil {
			return err
		}
		e.breakerChanged(b)
		return nil
	}

	if e.breaker.FailWindowSec > 0 && !b.LastFailAt.IsZero() &&
		now.Sub(b.LastFailAt) > time.Duration(e.breaker.FailWindowSec)*time.Second {
		b.FailCount = 0
	}
	b.FailCount++
	b.LastFailAt = now
	opened := false
	if b.FailCount >= e.breaker.OpenAfterFails {
		b.State = types.BreakerOpen
		b.OpenedAt = now
		opened = true
	}
	b.UpdatedAt = now
	if err := e.store.SaveBreaker(b); err != nil {
		return err
	}
	if opened {
		e.breakerChanged(b)
	}
	return nil
}

// RecordSuccess resets the breaker to CLOSED with fail_count=0. A success
// while HALF_OPEN resolves the outstanding probe.
func (e *Engine) RecordSuccess(scopeKey string, now time.Time) error {
	b, err := e.store.GetBreaker(scopeKey)
	if err != nil {
		return err
	}
	b.ScopeKey = scopeKey
	wasClosed := b.State == types.BreakerClosed
	b.State = types.BreakerClosed
	b.FailCount = 0
	b.ProbesInFlight = 0
	b.UpdatedAt = now
	if err := e.store.SaveBreaker(b); err != nil {
		return err
	}
	if !wasClosed {
		e.breakerChanged(b)
	}
	return nil
}
