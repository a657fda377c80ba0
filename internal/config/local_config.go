package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// LocalConfig is the subset of wimigrate.yaml that must be read directly
// from the file rather than through viper. Viper lowercases map keys, but
// work item type and state names are case-sensitive in the target.
type LocalConfig struct {
	WorkflowSteps map[string]map[string][]string `yaml:"workflow_steps"`
}

// LoadLocalConfig reads and parses the config file at path.
// Returns an empty LocalConfig (not nil) if the file doesn't exist or can't be parsed.
func LoadLocalConfig(path string) *LocalConfig {
	data, err := os.ReadFile(path) // #nosec G304 - path is the config file viper already read
	if err != nil {
		return &LocalConfig{}
	}

	var cfg LocalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &LocalConfig{}
	}
	return &cfg
}
