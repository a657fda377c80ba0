package mapping

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/k3a/html2text"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

// IdentityResolver looks up target identities. tracker.Target satisfies it.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, sourceIdentity string) (string, bool, error)
}

// Result is the outcome of mapping one record.
type Result struct {
	TargetType string
	Fields     map[string]any // Target field name -> value
	Unmapped   []string       // Source fields present on the record with no rule
	Review     []string       // Target fields flagged for manual review
	Warnings   []string
}

// Engine applies a mapping document to records. Safe for concurrent use.
type Engine struct {
	cfg       *Config
	resolver  IdentityResolver
	templates map[string]*template.Template // keyed by "sourceType/target"

	mu         sync.Mutex
	identities map[string]string // Resolved identities, "" for misses
}

// ignoredFields are source fields that never need a rule.
var ignoredFields = map[string]bool{
	"FormattedID": true, "ObjectID": true, "CreationDate": true, "LastUpdateDate": true,
	"Parent": true, "PortfolioItem": true, "Requirement": true, "TestCases": true,
	"Discussion": true, "Attachments": true, "Children": true,
}

// New validates cfg and prepares an engine. resolver may be nil, in which
// case identity fields use the static table and the default assignee only.
func New(cfg *Config, resolver IdentityResolver) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping: %w", err)
	}
	e := &Engine{
		cfg:        cfg,
		resolver:   resolver,
		templates:  make(map[string]*template.Template),
		identities: make(map[string]string),
	}
	for _, tr := range cfg.Types {
		for _, fr := range tr.Fields {
			if fr.Kind == KindComputed && fr.Expr == ExprTemplate {
				key := templateKey(tr.SourceType, fr.Target)
				e.templates[key] = template.Must(template.New(key).Option("missingkey=zero").Parse(fr.Template))
			}
		}
	}
	return e, nil
}

// Config returns the document the engine was built from.
func (e *Engine) Config() *Config {
	return e.cfg
}

// TargetType returns the target type configured for sourceType.
func (e *Engine) TargetType(sourceType string) (string, bool) {
	tr, ok := e.cfg.TypeRule(sourceType)
	if !ok {
		return "", false
	}
	return tr.TargetType, true
}

// Apply maps rec to target fields. A missing required value, or a source
// type with no rule, returns a validation error.
func (e *Engine) Apply(ctx context.Context, rec *types.WorkItemRecord) (*Result, error) {
	tr, ok := e.cfg.TypeRule(rec.Type)
	if !ok {
		return nil, tracker.ValidationError("mapping.Apply", "", fmt.Errorf("no mapping for source type %q", rec.Type))
	}

	res := &Result{TargetType: tr.TargetType, Fields: make(map[string]any)}
	used := make(map[string]bool)

	for i := range tr.Fields {
		fr := &tr.Fields[i]
		used[fr.Source] = true

		raw, present := rec.Field(fr.Source)
		if present && isBlank(raw) {
			present = false
		}

		value, keep, err := e.applyRule(ctx, tr, fr, rec, raw, present, res)
		if err != nil {
			return nil, err
		}
		if !keep {
			continue
		}
		res.Fields[fr.Target] = value
		if fr.Review {
			res.Review = append(res.Review, fr.Target)
		}
	}

	for name, v := range rec.Fields {
		if used[name] || ignoredFields[name] || strings.HasPrefix(name, "_") || isBlank(v) {
			continue
		}
		res.Unmapped = append(res.Unmapped, name)
	}
	sort.Strings(res.Unmapped)
	sort.Strings(res.Review)
	return res, nil
}

func (e *Engine) applyRule(ctx context.Context, tr *TypeRule, fr *FieldRule, rec *types.WorkItemRecord, raw any, present bool, res *Result) (any, bool, error) {
	missing := func() (any, bool, error) {
		if fr.Default != "" {
			return fr.Default, true, nil
		}
		if fr.Required {
			return nil, false, tracker.ValidationError("mapping.Apply", fr.Target,
				fmt.Errorf("required source field %s is empty on %s", fr.Source, rec.SourceID))
		}
		return nil, false, nil
	}

	switch fr.Kind {
	case KindDirect:
		if !present {
			return missing()
		}
		return raw, true, nil

	case KindEnum:
		if !present {
			return missing()
		}
		key := fmt.Sprint(raw)
		if mapped, ok := fr.Values[key]; ok {
			return mapped, true, nil
		}
		if fr.Default != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: value %q not in table, using %q", fr.Source, key, fr.Default))
			return fr.Default, true, nil
		}
		if fr.Required {
			return nil, false, tracker.ValidationError("mapping.Apply", fr.Target,
				fmt.Errorf("value %q of %s has no mapping", key, fr.Source))
		}
		res.Unmapped = append(res.Unmapped, fr.Source)
		return nil, false, nil

	case KindIdentity:
		if !present {
			if e.cfg.DefaultAssignee != "" {
				return e.cfg.DefaultAssignee, true, nil
			}
			return nil, false, nil
		}
		id, err := e.resolveIdentity(ctx, fmt.Sprint(raw), res)
		if err != nil {
			return nil, false, err
		}
		if id == "" {
			return nil, false, nil
		}
		return id, true, nil

	case KindComputed:
		return e.compute(tr, fr, rec, raw, present, missing)
	}
	return nil, false, fmt.Errorf("unknown kind %q", fr.Kind)
}

func (e *Engine) compute(tr *TypeRule, fr *FieldRule, rec *types.WorkItemRecord, raw any, present bool, missing func() (any, bool, error)) (any, bool, error) {
	switch fr.Expr {
	case ExprConstant:
		return fr.Default, true, nil
	case ExprTemplate:
		var buf bytes.Buffer
		data := map[string]any{"Record": rec, "Fields": rec.Fields, "Value": raw}
		if err := e.templates[templateKey(tr.SourceType, fr.Target)].Execute(&buf, data); err != nil {
			return nil, false, tracker.ValidationError("mapping.Apply", fr.Target, err)
		}
		out := strings.TrimSpace(buf.String())
		if out == "" {
			return missing()
		}
		return out, true, nil
	}

	if !present {
		return missing()
	}
	s := fmt.Sprint(raw)
	switch fr.Expr {
	case ExprText:
		return strings.TrimSpace(html2text.HTML2Text(s)), true, nil
	case ExprPrefix:
		return fr.Default + s, true, nil
	default:
		return s, true, nil
	}
}

// resolveIdentity consults the static table, then the target, then falls
// back to the default assignee. Only authentication failures are returned.
func (e *Engine) resolveIdentity(ctx context.Context, src string, res *Result) (string, error) {
	if mapped, ok := lookupFold(e.cfg.Users, src); ok {
		return mapped, nil
	}

	e.mu.Lock()
	cached, seen := e.identities[src]
	e.mu.Unlock()
	if seen {
		if cached == "" {
			return e.fallbackIdentity(src, res), nil
		}
		return cached, nil
	}

	var resolved string
	if e.resolver != nil {
		id, ok, err := e.resolver.ResolveIdentity(ctx, src)
		switch {
		case err != nil && tracker.IsAuth(err):
			return "", err
		case err != nil:
			res.Warnings = append(res.Warnings, fmt.Sprintf("identity lookup for %q failed: %v", src, err))
			return e.fallbackIdentity(src, res), nil
		case ok:
			resolved = id
		}
	}

	e.mu.Lock()
	e.identities[src] = resolved
	e.mu.Unlock()

	if resolved == "" {
		return e.fallbackIdentity(src, res), nil
	}
	return resolved, nil
}

func (e *Engine) fallbackIdentity(src string, res *Result) string {
	res.Warnings = append(res.Warnings, fmt.Sprintf("no target identity for %q, using default assignee", src))
	return e.cfg.DefaultAssignee
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func templateKey(sourceType, target string) string {
	return strings.ToLower(sourceType) + "/" + target
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
