package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/steveyegge/wimigrate/internal/tracker"
)

// Sections holding connector settings.
const (
	SectionSource = "source"
	SectionTarget = "target"
)

// Store exposes one config section to a connector as a tracker.ConfigStore.
// A connector asking for "rally.api_key" is answered from "rally.api_key"
// when set, and otherwise from "source.api_key".
type Store struct {
	Section string
}

// SourceStore returns the store for the source connector.
func SourceStore() Store { return Store{Section: SectionSource} }

// TargetStore returns the store for the target connector.
func TargetStore() Store { return Store{Section: SectionTarget} }

// GetConfig implements tracker.ConfigStore.
func (s Store) GetConfig(_ context.Context, key string) (string, error) {
	if v == nil {
		return "", nil
	}
	if value := v.GetString(key); value != "" {
		return value, nil
	}
	_, rest, ok := strings.Cut(key, ".")
	if !ok {
		return "", fmt.Errorf("config key %q has no connector prefix", key)
	}
	return v.GetString(s.Section + "." + rest), nil
}

// GetAllConfig implements tracker.ConfigStore. Keys of the section are
// reported under the configured connector's name, so a connector sees
// "rally.type_map.pi" for "source.type_map.pi".
func (s Store) GetAllConfig(context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if v == nil {
		return out, nil
	}
	connector := v.GetString(s.Section + ".connector")
	prefix := s.Section + "."
	for _, key := range v.AllKeys() {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "connector" {
			continue
		}
		out[connector+"."+rest] = v.GetString(key)
	}
	for _, key := range v.AllKeys() {
		if strings.HasPrefix(key, connector+".") {
			out[key] = v.GetString(key)
		}
	}
	return out, nil
}

var _ tracker.ConfigStore = Store{}
