// Package config loads host configuration once at startup: read the
// environment (and an optional YAML overlay) into a single struct that the
// rest of the process treats as immutable for its lifetime.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of host-level settings for a govcpd process.
type Config struct {
	DataDir string
	BindAddr string
	DispatchDir string // per-group IPC/snapshot directory root

	OpsReadSecret           string
	CockpitWriteSecretCur   string
	CockpitWriteSecretPrev  string
	WorkerSharedSecretSeed  string // used to derive per-worker secrets at bootstrap time

	LimitsEnabled     bool
	ExtCallsEnabled   bool
	EmbeddingsEnabled bool

	// StrictMode turns on the policy engine's precondition gates (DoD
	// checklist, evidence links, docs-updated, gate approval) for every
	// transition. Host-side only; agents cannot toggle it.
	StrictMode bool

	RateLimitPerMinute int
	QuotaSoftPerDay    int
	QuotaHardPerDay    int

	// Per-op and per-(op, group) rate-limit overrides parsed once at load
	// from RL_{OP}_PER_MIN and RL_{OP}_PER_MIN_{GROUP} variables; quota
	// overrides from QUOTA_{OP}_SOFT / QUOTA_{OP}_HARD. Keys are
	// lower-cased op names, with ":group" appended for group-scoped
	// entries. A present zero is a hard deny, so presence is tracked
	// separately from the value.
	RateOverrides  map[string]int
	QuotaSoftOver  map[string]int
	QuotaHardOver  map[string]int

	BreakerOpenAfterFails int
	BreakerCooldownSec    int
	BreakerFailWindowSec  int
	BreakerHalfOpenProbes int

	DispatchPollInterval  time.Duration
	WorkerDispatchTimeout time.Duration
	ExtCallDeadline       time.Duration

	// GateApprovers maps a gate type to the group allowed to approve it.
	// Populated from an optional YAML overlay file; empty means any group.
	GateApprovers map[string]string

	// ProviderGrants maps group -> provider -> that group's capability
	// grant, used to build each group's ext_capabilities.json snapshot.
	// Populated from an optional YAML overlay file; a group with no entry
	// for a provider has no capability on it at all.
	ProviderGrants map[string]map[string]ProviderGrant
}

// ProviderGrant is one group's capability grant on one external provider,
// the same shape ext_capabilities.json advertises to workers.
type ProviderGrant struct {
	AccessLevel    int      `yaml:"access_level"`
	AllowedActions []string `yaml:"allowed_actions"`
	DeniedActions  []string `yaml:"denied_actions"`
}

// Default values, used when the corresponding environment variable is unset.
const (
	defaultRateLimitPerMinute    = 60
	defaultQuotaSoftPerDay       = 500
	defaultQuotaHardPerDay       = 1000
	defaultPollInterval          = 10 * time.Second
	defaultWorkerDispatchTimeout = 30 * time.Minute
	defaultExtCallDeadline       = 10 * time.Second
	defaultBreakerOpenAfterFails = 3
	defaultBreakerCooldownSec    = 60
	defaultBreakerFailWindowSec  = 120
	defaultBreakerHalfOpenProbes = 1
)

// Load reads Config from the process environment and, if present, a YAML
// overlay file named by GOVCP_CONFIG_FILE.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:                envOr("GOVCP_DATA_DIR", "./data"),
		BindAddr:                envOr("GOVCP_BIND_ADDR", ":8080"),
		DispatchDir:             envOr("GOVCP_DISPATCH_DIR", "./data/dispatch"),
		OpsReadSecret:           os.Getenv("OS_HTTP_SECRET"),
		CockpitWriteSecretCur:   os.Getenv("COCKPIT_WRITE_SECRET_CURRENT"),
		CockpitWriteSecretPrev:  os.Getenv("COCKPIT_WRITE_SECRET_PREVIOUS"),
		WorkerSharedSecretSeed:  os.Getenv("WORKER_SHARED_SECRET"),
		LimitsEnabled:           envBool("LIMITS_ENABLED", true),
		ExtCallsEnabled:         envBool("EXT_CALLS_ENABLED", true),
		EmbeddingsEnabled:       envBool("EMBEDDINGS_ENABLED", false),
		StrictMode:              envBool("GOVCP_STRICT_MODE", false),
		RateLimitPerMinute:      envInt("RL_PER_MINUTE", defaultRateLimitPerMinute),
		QuotaSoftPerDay:         envInt("QUOTA_SOFT_PER_DAY", defaultQuotaSoftPerDay),
		QuotaHardPerDay:         envInt("QUOTA_HARD_PER_DAY", defaultQuotaHardPerDay),
		BreakerOpenAfterFails:   envInt("BREAKER_OPEN_AFTER_FAILS", defaultBreakerOpenAfterFails),
		BreakerCooldownSec:      envInt("BREAKER_COOLDOWN_SEC", defaultBreakerCooldownSec),
		BreakerFailWindowSec:    envInt("BREAKER_FAIL_WINDOW_SEC", defaultBreakerFailWindowSec),
		BreakerHalfOpenProbes:   envInt("BREAKER_HALF_OPEN_PROBES", defaultBreakerHalfOpenProbes),
		DispatchPollInterval:    envDuration("GOV_POLL_INTERVAL", defaultPollInterval),
		WorkerDispatchTimeout:   envDuration("WORKER_DISPATCH_TIMEOUT", defaultWorkerDispatchTimeout),
		ExtCallDeadline:         envDuration("EXT_CALL_DEADLINE", defaultExtCallDeadline),
		RateOverrides:           map[string]int{},
		QuotaSoftOver:           map[string]int{},
		QuotaHardOver:           map[string]int{},
		GateApprovers:           map[string]string{},
		ProviderGrants:          map[string]map[string]ProviderGrant{},
	}
	parseLimitOverrides(os.Environ(), cfg)

	if path := os.Getenv("GOVCP_CONFIG_FILE"); path != "" {
		if err := loadYAMLOverlay(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config overlay %s: %w", path, err)
		}
	}

	return cfg, nil
}

type yamlOverlay struct {
	GateApprovers  map[string]string                    `yaml:"gate_approvers"`
	ProviderGrants map[string]map[string]ProviderGrant `yaml:"provider_grants"`
}

func loadYAMLOverlay(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var overlay yamlOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing yaml: %w", err)
	}
	for gate, group := range overlay.GateApprovers {
		cfg.GateApprovers[gate] = group
	}
	for group, grants := range overlay.ProviderGrants {
		cfg.ProviderGrants[group] = grants
	}
	return nil
}

// parseLimitOverrides scans the environment for
// RL_{OP}_PER_MIN[_{GROUP}], QUOTA_{OP}_SOFT and QUOTA_{OP}_HARD entries.
// Op names may themselves contain underscores (EXT_CALL, GOV_TRANSITION),
// so the PER_MIN/SOFT/HARD marker splits the variable, not the first
// underscore.
func parseLimitOverrides(environ []string, cfg *Config) {
	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(key, "RL_"):
			rest := strings.TrimPrefix(key, "RL_")
			op, suffix, found := strings.Cut(rest, "_PER_MIN")
			if !found || op == "" {
				continue
			}
			mapKey := strings.ToLower(op)
			if suffix != "" {
				if !strings.HasPrefix(suffix, "_") {
					continue
				}
				mapKey += ":" + strings.ToLower(suffix[1:])
			}
			cfg.RateOverrides[mapKey] = n
		case strings.HasPrefix(key, "QUOTA_") && strings.HasSuffix(key, "_SOFT"):
			op := strings.TrimSuffix(strings.TrimPrefix(key, "QUOTA_"), "_SOFT")
			if op != "" && op != "SOFT_PER_DAY" {
				cfg.QuotaSoftOver[strings.ToLower(op)] = n
			}
		case strings.HasPrefix(key, "QUOTA_") && strings.HasSuffix(key, "_HARD"):
			op := strings.TrimSuffix(strings.TrimPrefix(key, "QUOTA_"), "_HARD")
			if op != "" && op != "HARD_PER_DAY" {
				cfg.QuotaHardOver[strings.ToLower(op)] = n
			}
		}
	}
}

// RateOverrideFor resolves the effective rate-limit override for (op,
// group): the group-specific entry wins over the op-wide one. ok=false
// means no override is configured and the op default applies.
func (c *Config) RateOverrideFor(op, group string) (limit int, ok bool) {
	if group != "" {
		if n, found := c.RateOverrides[op+":"+strings.ToLower(group)]; found {
			return n, true
		}
	}
	n, found := c.RateOverrides[op]
	return n, found
}

// QuotaOverrideFor resolves per-op soft/hard quota overrides, falling back
// to the given defaults.
func (c *Config) QuotaOverrideFor(op string, defSoft, defHard int) (soft, hard int) {
	soft, hard = defSoft, defHard
	if n, found := c.QuotaSoftOver[op]; found {
		soft = n
	}
	if n, found := c.QuotaHardOver[op]; found {
		hard = n
	}
	return soft, hard
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
