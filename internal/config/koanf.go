package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"recommender.yaml",
	"recommender.yml",
	"/etc/recommender/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

const envPrefix = "RECO_"

// Load layers defaults, the config file (explicit path, CONFIG_PATH, or the
// first default path found) and RECO_* environment variables, then validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envSections are the top-level keys whose first underscore separates the
// section from the field. Endpoint variables carry a second level.
var envSections = []string{
	"retry", "breaker", "gate", "pipeline", "update", "store", "logging", "server", "events",
}

// envTransform maps RECO_PIPELINE_DEFAULT_DEADLINE to pipeline.default_deadline
// and RECO_ENDPOINTS_POLICY_ADDRESS to endpoints.policy.address. Unknown
// variables map to "" and are skipped.
func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	if key == "concepts" {
		return key
	}
	if rest, ok := strings.CutPrefix(key, "endpoints_"); ok {
		stage, field, ok := strings.Cut(rest, "_")
		if !ok {
			return ""
		}
		return "endpoints." + stage + "." + field
	}
	for _, s := range envSections {
		if field, ok := strings.CutPrefix(key, s+"_"); ok {
			return s + "." + field
		}
	}
	return ""
}
