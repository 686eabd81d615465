package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/clearlane/confirmd/pkg/schema"
)

// EnvPrefix scopes environment overrides, e.g. CONFIRMD_SERVER__LISTEN_ADDR.
const EnvPrefix = "CONFIRMD_"

// Config is the full confirmd server configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Signing   SigningConfig   `koanf:"signing"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Retention RetentionConfig `koanf:"retention"`
	LogLevel  string          `koanf:"log_level"`
}

type ServerConfig struct {
	ListenAddr string `koanf:"listen_addr"`
	// MCP enables the stdio tool server instead of HTTP.
	MCP bool `koanf:"mcp"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

// SigningConfig names the env vars carrying the shared stage credential.
// Credentials are read per request so out-of-band rotation takes effect
// without a restart.
type SigningConfig struct {
	KeyIDVar  string `koanf:"key_id_var"`
	SecretVar string `koanf:"secret_var"`
	// MaxSkew bounds accepted signature timestamp age, e.g. "5m".
	MaxSkew string `koanf:"max_skew"`
}

type PipelineConfig struct {
	// Timeout is the whole-run deadline, e.g. "10m".
	Timeout string `koanf:"timeout"`
	// MaxConcurrentRuns bounds simultaneous pipeline runs.
	MaxConcurrentRuns int `koanf:"max_concurrent_runs"`
	// Stages run in declaration order. The stage named by TriageStage is
	// excluded from the main sequence and invoked only on routed failures.
	Stages      []StageConfig `koanf:"stages"`
	TriageStage string        `koanf:"triage_stage"`
}

// StageConfig declares one stage service endpoint and its invocation policy.
type StageConfig struct {
	Name        string `koanf:"name"`
	Endpoint    string `koanf:"endpoint"`
	Timeout     string `koanf:"timeout"`
	MaxAttempts int    `koanf:"max_attempts"`
	BackoffBase string `koanf:"backoff_base"`

	// ArtifactQuery is a jq expression extracting this stage's output
	// artifact reference from its response body. Defaults to ".artifact_ref".
	ArtifactQuery string `koanf:"artifact_query"`

	// RequestFields maps extra request keys to expr templates evaluated
	// against the run identity and the prior stage's body.
	RequestFields map[string]string `koanf:"request_fields"`

	// ResponseSchema is an inline JSON Schema the stage's 2xx body must match.
	ResponseSchema map[string]any `koanf:"response_schema"`

	// RouteToTriage marks this stage's terminal failures as routable to the
	// triage stage. TriageWhen, when set, narrows routing to failures matching
	// the CEL predicate; a non-empty TriageWhen implies RouteToTriage.
	RouteToTriage bool   `koanf:"route_to_triage"`
	TriageWhen    string `koanf:"triage_when"`
}

type BreakerConfig struct {
	FailureThreshold int    `koanf:"failure_threshold"`
	Cooldown         string `koanf:"cooldown"`
	HalfOpenMax      int    `koanf:"half_open_max"`
}

type RetentionConfig struct {
	// MaxAge is how long finished runs are kept, e.g. "720h".
	MaxAge string `koanf:"max_age"`
	// SweepSchedule is a cron expression for the retention sweeper.
	SweepSchedule string `koanf:"sweep_schedule"`
	// StaleRunAfter marks runs stuck in running older than this as failed.
	StaleRunAfter string `koanf:"stale_run_after"`
}

// Load reads configuration from the given YAML file (missing file is fine),
// then applies CONFIRMD_* environment overrides, then fills defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"load config file %s: %s", path, err.Error()).WithCause(err)
			}
		}
	}

	// Env overrides: CONFIRMD_SERVER__LISTEN_ADDR -> server.listen_addr
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"load env overrides: %s", err.Error()).WithCause(err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unmarshal config: %s", err.Error()).WithCause(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.listen_addr":            ":4700",
		"store.path":                    "confirmd.db",
		"log_level":                     "info",
		"signing.key_id_var":            "CONFIRMD_SIGNING_KEY_ID",
		"signing.secret_var":            "CONFIRMD_SIGNING_SECRET",
		"signing.max_skew":              "5m",
		"pipeline.timeout":              "10m",
		"pipeline.max_concurrent_runs":  16,
		"breaker.failure_threshold":     5,
		"breaker.cooldown":              "30s",
		"breaker.half_open_max":         1,
		"retention.max_age":             "720h",
		"retention.sweep_schedule":      "0 3 * * *",
		"retention.stale_run_after":     "30m",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

// Validate checks semantic constraints the koanf schema cannot express.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "pipeline.stages must declare at least one stage")
	}

	seen := make(map[string]bool, len(c.Pipeline.Stages))
	for i, st := range c.Pipeline.Stages {
		if st.Name == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "pipeline.stages[%d]: name is required", i)
		}
		if seen[st.Name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true

		if st.Endpoint == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "stage %q: endpoint is required", st.Name).WithStage(st.Name)
		}
		if st.MaxAttempts < 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "stage %q: max_attempts must be >= 0", st.Name).WithStage(st.Name)
		}
		for _, field := range []struct{ name, val string }{
			{"timeout", st.Timeout},
			{"backoff_base", st.BackoffBase},
		} {
			if field.val == "" {
				continue
			}
			if _, err := time.ParseDuration(field.val); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"stage %q: invalid %s %q", st.Name, field.name, field.val).WithStage(st.Name)
			}
		}
	}

	if c.Pipeline.TriageStage != "" && !seen[c.Pipeline.TriageStage] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"pipeline.triage_stage %q does not name a declared stage", c.Pipeline.TriageStage)
	}

	for _, field := range []struct{ name, val string }{
		{"pipeline.timeout", c.Pipeline.Timeout},
		{"signing.max_skew", c.Signing.MaxSkew},
		{"breaker.cooldown", c.Breaker.Cooldown},
		{"retention.max_age", c.Retention.MaxAge},
		{"retention.stale_run_after", c.Retention.StaleRunAfter},
	} {
		if field.val == "" {
			continue
		}
		if _, err := time.ParseDuration(field.val); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid %s %q", field.name, field.val)
		}
	}

	// The reaper must never race a live run: the orchestrator has to time a
	// run out before the reaper can consider it stale.
	stale := Duration(c.Retention.StaleRunAfter, 0)
	pipeline := Duration(c.Pipeline.Timeout, 0)
	if stale > 0 && pipeline > 0 && stale <= pipeline {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"retention.stale_run_after (%s) must exceed pipeline.timeout (%s)", stale, pipeline)
	}

	return nil
}

// MainStages returns the ordered main-sequence stages, excluding the triage stage.
func (c *Config) MainStages() []StageConfig {
	out := make([]StageConfig, 0, len(c.Pipeline.Stages))
	for _, st := range c.Pipeline.Stages {
		if st.Name == c.Pipeline.TriageStage {
			continue
		}
		out = append(out, st)
	}
	return out
}

// TriageStageConfig returns the triage stage config, or nil when none is declared.
func (c *Config) TriageStageConfig() *StageConfig {
	if c.Pipeline.TriageStage == "" {
		return nil
	}
	for i := range c.Pipeline.Stages {
		if c.Pipeline.Stages[i].Name == c.Pipeline.TriageStage {
			return &c.Pipeline.Stages[i]
		}
	}
	return nil
}

// Duration parses a config duration string, falling back when empty or invalid.
func Duration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
