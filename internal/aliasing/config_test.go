package aliasing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_YAML(t *testing.T) {
	path := writeConfig(t, "faultline.yaml", `
project_aliases:
  checkout-legacy: checkout
project_patterns:
  - pattern: "web-{region}"
    canonical: "web"
  - pattern: "{team}.billing"
    canonical: "billing-{team}"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"checkout-legacy": "checkout"}, cfg.ProjectAliases)
	require.Len(t, cfg.ProjectPatterns, 2)
	assert.Equal(t, "web-{region}", cfg.ProjectPatterns[0].Pattern)
	assert.Equal(t, "billing-{team}", cfg.ProjectPatterns[1].Canonical)
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeConfig(t, "faultline.toml", `
[project_aliases]
checkout-legacy = "checkout"

[[project_patterns]]
pattern = "web-{region}"
canonical = "web"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "checkout", cfg.ProjectAliases["checkout-legacy"])
	require.Len(t, cfg.ProjectPatterns, 1)
	assert.Equal(t, "web", NewResolver(cfg).ResolveProject("web-eu"))
}

func TestLoadConfig_Degrades(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
	}{
		{name: "missing file", path: func(*testing.T) string { return "/nonexistent/faultline.yaml" }},
		{name: "empty file", path: func(t *testing.T) string { return writeConfig(t, "empty.yaml", "") }},
		{name: "empty sections", path: func(t *testing.T) string {
			return writeConfig(t, "sections.yaml", "project_aliases:\nproject_patterns:\n")
		}},
		{name: "invalid yaml", path: func(t *testing.T) string {
			return writeConfig(t, "bad.yaml", "project_patterns: [unclosed")
		}},
		{name: "invalid toml", path: func(t *testing.T) string {
			return writeConfig(t, "bad.toml", "[[project_patterns]\npattern = ")
		}},
		{name: "directory", path: func(t *testing.T) string { return t.TempDir() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(tt.path(t))

			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.NotNil(t, cfg.ProjectAliases)
			assert.Empty(t, cfg.ProjectAliases)
			assert.Empty(t, cfg.ProjectPatterns)
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	path := writeConfig(t, "custom.yaml", "project_aliases:\n  a: b\n")
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "b", cfg.ProjectAliases["a"])
}
