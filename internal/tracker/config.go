package tracker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for one connector. It wraps the config store
// and provides a consistent interface for connector-specific settings.
type Config struct {
	// Prefix is the config key prefix for this connector (e.g., "rally", "azuredevops")
	Prefix string

	// Store provides access to the config storage
	Store ConfigStore

	// Context for config operations
	Ctx context.Context
}

// ConfigStore provides access to the wimigrate configuration system.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	GetAllConfig(ctx context.Context) (map[string]string, error)
}

// NewConfig creates a new connector config with the given prefix and store.
func NewConfig(ctx context.Context, prefix string, store ConfigStore) *Config {
	return &Config{
		Prefix: prefix,
		Store:  store,
		Ctx:    ctx,
	}
}

// Get retrieves a config value by key, checking both the config store
// and environment variables. The key should not include the connector prefix.
// Example: cfg.Get("api_key") for "rally" prefix looks up "rally.api_key"
// and falls back to "RALLY_API_KEY" env var.
func (c *Config) Get(key string) (string, error) {
	fullKey := c.Prefix + "." + key

	if c.Store != nil {
		value, err := c.Store.GetConfig(c.ctx(), fullKey)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", fullKey, err)
		}
		if value != "" {
			return value, nil
		}
	}

	if value := os.Getenv(c.envVarName(key)); value != "" {
		return value, nil
	}
	return "", nil
}

// GetRequired is like Get but returns an error if the value is empty.
func (c *Config) GetRequired(key string) (string, error) {
	value, err := c.Get(key)
	if err != nil {
		return "", err
	}
	if value == "" {
		fullKey := c.Prefix + "." + key
		hint := fmt.Sprintf("Set %s in wimigrate.yaml", fullKey)
		hint += fmt.Sprintf("\nOr: export %s=VALUE", c.envVarName(key))
		return "", fmt.Errorf("%s not configured\n%s", fullKey, hint)
	}
	return value, nil
}

// GetDefault returns the value for key, or def when unset.
func (c *Config) GetDefault(key, def string) string {
	value, err := c.Get(key)
	if err != nil || value == "" {
		return def
	}
	return value
}

// GetInt parses key as an integer, returning def when unset.
func (c *Config) GetInt(key string, def int) (int, error) {
	value, err := c.Get(key)
	if err != nil || value == "" {
		return def, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def, fmt.Errorf("%s.%s: %q is not an integer", c.Prefix, key, value)
	}
	return n, nil
}

// GetDuration parses key with time.ParseDuration, returning def when unset.
func (c *Config) GetDuration(key string, def time.Duration) (time.Duration, error) {
	value, err := c.Get(key)
	if err != nil || value == "" {
		return def, err
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def, fmt.Errorf("%s.%s: %q is not a duration", c.Prefix, key, value)
	}
	return d, nil
}

// GetAll returns all config values with the connector's prefix, keyed
// without the prefix.
func (c *Config) GetAll() (map[string]string, error) {
	if c.Store == nil {
		return make(map[string]string), nil
	}

	all, err := c.Store.GetAllConfig(c.ctx())
	if err != nil {
		return nil, err
	}

	result := make(map[string]string)
	prefix := c.Prefix + "."
	for key, value := range all {
		if strings.HasPrefix(key, prefix) {
			result[strings.TrimPrefix(key, prefix)] = value
		}
	}
	return result, nil
}

func (c *Config) ctx() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}

// envVarName converts a config key to its environment variable name.
// Example: for prefix "rally" and key "api_key", returns "RALLY_API_KEY"
func (c *Config) envVarName(key string) string {
	envKey := strings.ToUpper(c.Prefix + "_" + key)
	return strings.ReplaceAll(envKey, ".", "_")
}

// CommonConfig defines configuration keys shared by connectors.
var CommonConfig = struct {
	APIKey      string
	BaseURL     string
	Project     string
	Concurrency string
	Timeout     string
}{
	APIKey:      "api_key",
	BaseURL:     "url",
	Project:     "project",
	Concurrency: "max_concurrent_requests",
	Timeout:     "timeout",
}

// MapConfigStore is a ConfigStore over a plain map, used for tests and
// dry runs.
type MapConfigStore map[string]string

// GetConfig implements ConfigStore.
func (m MapConfigStore) GetConfig(_ context.Context, key string) (string, error) {
	return m[key], nil
}

// GetAllConfig implements ConfigStore.
func (m MapConfigStore) GetAllConfig(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}
