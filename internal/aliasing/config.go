// Package aliasing maps reporter-supplied project names onto canonical project names.
//
// Clients often report the same application under several names (one per region,
// per deploy, per legacy SDK). An optional alias file folds those names together so
// their errors aggregate into one project.
package aliasing

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/faultline-io/faultline/internal/config"
)

// DefaultConfigPath is the default location of the alias file.
const DefaultConfigPath = ".faultline.yaml"

// ConfigPathEnvVar names the environment variable overriding the alias file path.
const ConfigPathEnvVar = "FAULTLINE_CONFIG_PATH"

type (
	// Config holds the project alias file.
	//
	// YAML example:
	//
	//	project_aliases:
	//	  checkout-legacy: checkout
	//	project_patterns:
	//	  - pattern: "web-{region}"
	//	    canonical: "web"
	//
	//nolint:tagliatelle // snake_case is intentional for config files
	Config struct {
		// ProjectAliases maps an exact reported name to its canonical name.
		ProjectAliases map[string]string `yaml:"project_aliases" toml:"project_aliases"`
		// ProjectPatterns are tried in order after exact aliases; first match wins.
		ProjectPatterns []ProjectPattern `yaml:"project_patterns" toml:"project_patterns"`
	}

	// ProjectPattern rewrites names matching Pattern to Canonical.
	// {var} in Pattern captures a run of characters; {var} in Canonical is replaced by it.
	ProjectPattern struct {
		Pattern   string `yaml:"pattern"   toml:"pattern"`
		Canonical string `yaml:"canonical" toml:"canonical"`
	}
)

// LoadConfig loads the alias file at path. Files ending in ".toml" are parsed as TOML,
// everything else as YAML.
//
// Aliases are optional: a missing, unreadable or invalid file yields an empty config
// and a logged warning, never an error.
func LoadConfig(path string) (*Config, error) {
	cfg := emptyConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Alias file not found, continuing without aliases",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read alias file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}

	if err != nil {
		slog.Warn("Failed to parse alias file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return emptyConfig(), nil
	}

	if cfg.ProjectAliases == nil {
		cfg.ProjectAliases = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads the alias file named by FAULTLINE_CONFIG_PATH, or
// ".faultline.yaml" in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	return LoadConfig(config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

func emptyConfig() *Config {
	return &Config{ProjectAliases: make(map[string]string)}
}
