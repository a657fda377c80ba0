// Package mapping translates source work-item fields into target fields
// according to a declarative mapping document.
package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Kind is the transformation applied to one field.
type Kind string

// Transformation kinds
const (
	KindDirect   Kind = "direct"   // Copy the value unchanged
	KindEnum     Kind = "enum"     // Translate through a value table
	KindIdentity Kind = "identity" // Resolve a user to a target identity
	KindComputed Kind = "computed" // Derive the value with an expression
)

// IsValid checks if the kind is known
func (k Kind) IsValid() bool {
	switch k {
	case KindDirect, KindEnum, KindIdentity, KindComputed:
		return true
	}
	return false
}

// Computed expressions
const (
	ExprHTML     = "html"     // Pass HTML through
	ExprText     = "text"     // Render HTML as plain text
	ExprTemplate = "template" // Execute the rule's template
	ExprConstant = "constant" // Always the rule's default
	ExprPrefix   = "prefix"   // Default followed by the value
)

// FieldRule maps one source field to one target field.
type FieldRule struct {
	Source   string            `yaml:"source" toml:"source" json:"source"`
	Target   string            `yaml:"target" toml:"target" json:"target"`
	Kind     Kind              `yaml:"kind" toml:"kind" json:"kind"`
	Required bool              `yaml:"required,omitempty" toml:"required" json:"required,omitempty"`
	Review   bool              `yaml:"review,omitempty" toml:"review" json:"review,omitempty"` // Flag for manual review in the audit log
	Values   map[string]string `yaml:"values,omitempty" toml:"values" json:"values,omitempty"`
	Default  string            `yaml:"default,omitempty" toml:"default" json:"default,omitempty"`
	Expr     string            `yaml:"expr,omitempty" toml:"expr" json:"expr,omitempty"`
	Template string            `yaml:"template,omitempty" toml:"template" json:"template,omitempty"`
}

// TypeRule maps one source work-item type to a target type.
type TypeRule struct {
	SourceType string      `yaml:"source_type" toml:"source_type" json:"source_type"`
	TargetType string      `yaml:"target_type" toml:"target_type" json:"target_type"`
	Fields     []FieldRule `yaml:"fields" toml:"fields" json:"fields"`
}

// Config is a parsed mapping document. It is read-only once loaded.
type Config struct {
	DefaultAssignee string            `yaml:"default_assignee,omitempty" toml:"default_assignee" json:"default_assignee,omitempty"`
	Users           map[string]string `yaml:"users,omitempty" toml:"users" json:"users,omitempty"`
	Types           []TypeRule        `yaml:"types" toml:"types" json:"types"`
}

// Load reads a mapping document, choosing the format from the file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading mapping file: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a mapping document in the given format (yaml, yml, toml, json).
func Parse(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "yaml", "yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	case "toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, err
		}
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported mapping format %q", format)
	}
	return &cfg, nil
}

// TypeRule returns the rule for a source type.
func (c *Config) TypeRule(sourceType string) (*TypeRule, bool) {
	for i := range c.Types {
		if strings.EqualFold(c.Types[i].SourceType, sourceType) {
			return &c.Types[i], true
		}
	}
	return nil, false
}

// Validate checks the document for structural mistakes and reports all of
// them at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Types) == 0 {
		errs = append(errs, errors.New("no types defined"))
	}

	seenTypes := make(map[string]bool)
	for _, tr := range c.Types {
		if tr.SourceType == "" || tr.TargetType == "" {
			errs = append(errs, fmt.Errorf("type rule needs source_type and target_type (got %q -> %q)", tr.SourceType, tr.TargetType))
			continue
		}
		key := strings.ToLower(tr.SourceType)
		if seenTypes[key] {
			errs = append(errs, fmt.Errorf("%s: duplicate type rule", tr.SourceType))
		}
		seenTypes[key] = true

		seenTargets := make(map[string]bool)
		for _, fr := range tr.Fields {
			where := fmt.Sprintf("%s.%s", tr.SourceType, fr.Source)
			if fr.Target == "" {
				errs = append(errs, fmt.Errorf("%s: missing target", where))
				continue
			}
			if seenTargets[fr.Target] {
				errs = append(errs, fmt.Errorf("%s: target %s mapped twice", where, fr.Target))
			}
			seenTargets[fr.Target] = true
			if err := fr.validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (fr *FieldRule) validate() error {
	if !fr.Kind.IsValid() {
		return fmt.Errorf("unknown kind %q", fr.Kind)
	}
	needsSource := true
	switch fr.Kind {
	case KindEnum:
		if len(fr.Values) == 0 {
			return errors.New("enum rule has no values")
		}
	case KindComputed:
		switch fr.Expr {
		case ExprHTML, ExprText, ExprPrefix:
		case ExprConstant:
			needsSource = false
			if fr.Default == "" {
				return errors.New("constant rule needs a default")
			}
		case ExprTemplate:
			needsSource = false
			if fr.Template == "" {
				return errors.New("template rule needs a template")
			}
			if _, err := template.New(fr.Target).Parse(fr.Template); err != nil {
				return fmt.Errorf("template: %w", err)
			}
		default:
			return fmt.Errorf("unknown expr %q", fr.Expr)
		}
	}
	if needsSource && fr.Source == "" {
		return errors.New("missing source")
	}
	return nil
}
