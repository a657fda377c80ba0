// Package config holds the viper-backed configuration for wimigrate.
//
// Precedence: flags bound by the CLI > WIM_* environment variables >
// wimigrate.yaml > defaults. A .env file in the working directory is loaded
// into the environment first so credentials can live outside the YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the config file looked up by Initialize.
const FileName = "wimigrate.yaml"

// Config keys
const (
	KeyLogLevel  = "logging.level"
	KeyLogFormat = "logging.format"

	KeySourceConnector = "source.connector"
	KeyTargetConnector = "target.connector"
	KeyMappingFile     = "mapping.file"
	KeyJournalDSN      = "journal.dsn"
	KeyAuditFile       = "audit.file"

	KeyConcurrency     = "migration.concurrency"
	KeyDiffPatch       = "migration.diff_patch"
	KeyIncludeChildren = "migration.include_children"
	KeyMaxDepth        = "migration.max_depth"
	KeyTestCaseTypes   = "migration.test_case_types"

	KeyRetryMaxAttempts = "retry.max_attempts"
	KeyRetryInitial     = "retry.initial_interval"
	KeyRetryMax         = "retry.max_interval"
	KeyRetryMultiplier  = "retry.multiplier"
	KeyRetryTimeout     = "retry.timeout"

	KeyWorkflowSteps = "workflow_steps"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. path names an
// explicit config file; when empty, wimigrate.yaml is searched in the
// working directory and then in the user config directory.
func Initialize(path string) error {
	v = viper.New()
	v.SetConfigType("yaml")

	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}

	configFile := path
	if configFile == "" {
		configFile = findConfigFile()
	}

	// WIM_SOURCE_API_KEY -> source.api_key
	v.SetEnvPrefix("WIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetDefault(KeySourceConnector, "rally")
	v.SetDefault(KeyTargetConnector, "azuredevops")
	v.SetDefault(KeyMappingFile, "mapping.yaml")
	v.SetDefault(KeyJournalDSN, filepath.Join(".wimigrate", "journal.db"))
	v.SetDefault(KeyAuditFile, "")

	v.SetDefault(KeyConcurrency, 4)
	v.SetDefault(KeyDiffPatch, false)
	v.SetDefault(KeyIncludeChildren, false)
	v.SetDefault(KeyMaxDepth, 0)
	v.SetDefault(KeyTestCaseTypes, []string{})

	v.SetDefault(KeyRetryMaxAttempts, 5)
	v.SetDefault(KeyRetryInitial, "500ms")
	v.SetDefault(KeyRetryMax, "30s")
	v.SetDefault(KeyRetryMultiplier, 2.0)
	v.SetDefault(KeyRetryTimeout, "60s")

	if configFile == "" {
		return nil
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return nil
}

func findConfigFile() string {
	if _, err := os.Stat(FileName); err == nil {
		return FileName
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(configDir, "wimigrate", FileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ResetForTesting clears the config state, allowing Initialize() to be called again.
// Not thread-safe.
func ResetForTesting() {
	v = nil
}

// FileUsed returns the config file that was read, or "".
func FileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// BindFlag makes a command-line flag override key when it is set.
func BindFlag(key string, flag *pflag.Flag) error {
	if v == nil || flag == nil {
		return nil
	}
	return v.BindPFlag(key, flag)
}

// Set overrides a key for the rest of the process.
func Set(key string, value any) {
	if v != nil {
		v.Set(key, value)
	}
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value
func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// AllKeys returns every key known to viper, lowercased.
func AllKeys() []string {
	if v == nil {
		return nil
	}
	return v.AllKeys()
}
