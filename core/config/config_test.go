package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledsdavies/sievevm/core/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sievevm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsForOmittedLimits(t *testing.T) {
	path := writeConfig(t, `
allowlist:
  - fileinto
  - envelope
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultLimits.MaxInstructions, cfg.Limits.MaxInstructions)
	assert.Equal(t, config.DefaultLimits.MaxRedirects, cfg.Limits.MaxRedirects)
	assert.ElementsMatch(t, []string{"fileinto", "envelope"}, cfg.Allowlist)
}

func TestLoadOverridesNamedLimits(t *testing.T) {
	path := writeConfig(t, `
limits:
  max_instructions: 5000
  max_redirects: 2
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Limits.MaxInstructions)
	assert.Equal(t, 2, cfg.Limits.MaxRedirects)
	// Everything else still falls back to the default floor.
	assert.Equal(t, config.DefaultLimits.MaxNestedBlocks, cfg.Limits.MaxNestedBlocks)
}

func TestLoadParsesEnvironmentOverlay(t *testing.T) {
	path := writeConfig(t, `
environment:
  instance:
    domain: example.com
  runtime:
    domain: override.example.com
    vacation: "1"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.Environment.Instance["domain"])
	assert.Equal(t, "override.example.com", cfg.Environment.Runtime["domain"])
}

func TestLoadRejectsUnknownTopLevelKey(t *testing.T) {
	path := writeConfig(t, `
limits:
  max_instructions: 1000
typo_field: true
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownLimitKey(t *testing.T) {
	path := writeConfig(t, `
limits:
  max_instructions: 1000
  max_bogus_thing: 1
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsNegativeLimit(t *testing.T) {
	path := writeConfig(t, `
limits:
  max_redirects: -1
`)
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestToRuntimeLowercasesAllowlist(t *testing.T) {
	path := writeConfig(t, `
allowlist:
  - FileInto
  - " Envelope "
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	rt := cfg.ToRuntime()
	assert.True(t, rt.Allowlist["fileinto"])
	assert.True(t, rt.Allowlist["envelope"])
}

func TestCompilerLimitsProjection(t *testing.T) {
	path := writeConfig(t, `
limits:
  max_nested_blocks: 3
  max_nested_foreverypart: 2
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	limits := cfg.CompilerLimits()
	assert.Equal(t, 3, limits.MaxNestedBlocks)
	assert.Equal(t, 2, limits.MaxNestedForEveryPart)
}
