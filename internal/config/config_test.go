package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  listen_addr: ":5800"
pipeline:
  timeout: 8m
  triage_stage: triage
  stages:
    - name: extract
      endpoint: http://stages.internal/extract
      timeout: 2m
      max_attempts: 3
      backoff_base: 500ms
      triage_when: 'outcome.error_kind == "client_error"'
    - name: normalize
      endpoint: http://stages.internal/normalize
    - name: match
      endpoint: http://stages.internal/match
      request_fields:
        page_count: "prior.page_count ?? 0"
    - name: triage
      endpoint: http://stages.internal/triage
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "confirmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":5800", cfg.Server.ListenAddr)
	assert.Equal(t, "8m", cfg.Pipeline.Timeout)
	assert.Equal(t, "confirmd.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 16, cfg.Pipeline.MaxConcurrentRuns)

	require.Len(t, cfg.Pipeline.Stages, 4)
	assert.Equal(t, "extract", cfg.Pipeline.Stages[0].Name)
	assert.Equal(t, 3, cfg.Pipeline.Stages[0].MaxAttempts)
	assert.Equal(t, "prior.page_count ?? 0", cfg.Pipeline.Stages[2].RequestFields["page_count"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CONFIRMD_SERVER__LISTEN_ADDR", ":6001")
	t.Setenv("CONFIRMD_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":6001", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	// Defaults declare no stages, so validation must reject the empty pipeline.
	assert.Error(t, err)
}

func TestValidate_DuplicateStageName(t *testing.T) {
	_, err := Load(writeConfig(t, `
pipeline:
  stages:
    - name: extract
      endpoint: http://a
    - name: extract
      endpoint: http://b
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate stage name")
}

func TestValidate_UnknownTriageStage(t *testing.T) {
	_, err := Load(writeConfig(t, `
pipeline:
  triage_stage: nosuch
  stages:
    - name: extract
      endpoint: http://a
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "triage_stage")
}

func TestValidate_BadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `
pipeline:
  stages:
    - name: extract
      endpoint: http://a
      timeout: not-a-duration
`))
	assert.Error(t, err)
}

func TestValidate_StaleRunAfterMustExceedPipelineTimeout(t *testing.T) {
	_, err := Load(writeConfig(t, `
pipeline:
  timeout: 10m
  stages:
    - name: extract
      endpoint: http://a
retention:
  stale_run_after: 5m
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_run_after")
}

func TestMainStagesExcludesTriage(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	main := cfg.MainStages()
	require.Len(t, main, 3)
	for _, st := range main {
		assert.NotEqual(t, "triage", st.Name)
	}

	triage := cfg.TriageStageConfig()
	require.NotNil(t, triage)
	assert.Equal(t, "triage", triage.Name)
}

func TestDurationHelper(t *testing.T) {
	assert.Equal(t, 2*time.Minute, Duration("2m", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("junk", time.Second))
}
