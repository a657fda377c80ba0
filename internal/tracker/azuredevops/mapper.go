package azuredevops

import (
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

// fieldOps turns a field map into JSON Patch "add" operations, which Azure
// DevOps treats as set-or-replace. Tags are left to mergeTags. Operations are
// sorted by field name so requests are reproducible.
func fieldOps(fields map[string]any) []PatchOperation {
	names := make([]string, 0, len(fields))
	for name := range fields {
		if name == FieldTags {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	ops := make([]PatchOperation, 0, len(names))
	for _, name := range names {
		ops = append(ops, PatchOperation{Op: "add", Path: "/fields/" + name, Value: fields[name]})
	}
	return ops
}

// splitTags parses the "a; b; c" form Azure DevOps stores tags in.
func splitTags(tags string) []string {
	var out []string
	for _, t := range strings.Split(tags, ";") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// mergeTags returns existing plus add, without duplicates, in first-seen
// order.
func mergeTags(existing string, add ...string) string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(splitTags(existing), add...) {
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return strings.Join(out, "; ")
}

// tagsValue renders a mapped System.Tags value as a tag string.
func tagsValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []string:
		return strings.Join(x, "; ")
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	}
	return fmt.Sprint(v)
}

// toTargetItem converts a work item into the engine's view of it.
func (t *Target) toTargetItem(wi *WorkItem, commentCount int) *tracker.TargetItem {
	item := &tracker.TargetItem{
		ID:              strconv.Itoa(wi.ID),
		URL:             t.client.BuildWorkItemURL(wi.ID),
		Fields:          wi.Fields,
		CommentCount:    commentCount,
		AttachmentCount: countAttachmentMarkers(wi.Relations),
	}
	if s, ok := wi.Fields[FieldWorkItemType].(string); ok {
		item.Type = s
	}
	return item
}

// commentHTML renders a copied comment. The marker trails the body so a
// re-run can recognise the comment.
func commentHTML(c types.Comment, marker string) string {
	var b strings.Builder
	if c.Author != "" || !c.CreatedAt.IsZero() {
		b.WriteString("<p><i>")
		b.WriteString(html.EscapeString(c.Author))
		if !c.CreatedAt.IsZero() {
			if c.Author != "" {
				b.WriteString(", ")
			}
			b.WriteString(c.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))
		}
		b.WriteString("</i></p>")
	}
	b.WriteString(c.Text)
	b.WriteString(`<p><small>`)
	b.WriteString(marker)
	b.WriteString(`</small></p>`)
	return b.String()
}

// commentMarkers collects the distinct content markers found in comments.
func commentMarkers(comments []Comment) map[string]bool {
	found := make(map[string]bool)
	for _, c := range comments {
		for _, m := range tracker.ContentMarkers(c.Text) {
			found[m] = true
		}
	}
	return found
}

func countAttachmentMarkers(rels []WorkItemRelation) int {
	found := make(map[string]bool)
	for _, r := range rels {
		if r.Rel != RelAttachedFile {
			continue
		}
		for _, m := range tracker.ContentMarkers(relationComment(r)) {
			found[m] = true
		}
	}
	return len(found)
}

func relationComment(r WorkItemRelation) string {
	if r.Attributes == nil {
		return ""
	}
	s, _ := r.Attributes["comment"].(string)
	return s
}

// hasRelation reports whether rels already contain rel pointing at id.
func hasRelation(rels []WorkItemRelation, rel string, id int) bool {
	for _, r := range rels {
		if r.Rel != rel {
			continue
		}
		if got, ok := ParseWorkItemID(r.URL); ok && got == id {
			return true
		}
	}
	return false
}

// stateCategory converts the category reported by the states endpoint.
// Servers that omit categories fall back to well-known state names.
func stateCategory(category, name string) tracker.StateCategory {
	switch strings.ToLower(category) {
	case "proposed":
		return tracker.CategoryProposed
	case "inprogress", "in progress":
		return tracker.CategoryInProgress
	case "resolved":
		return tracker.CategoryResolved
	case "completed":
		return tracker.CategoryCompleted
	case "removed":
		return tracker.CategoryRemoved
	}
	switch strings.ToLower(name) {
	case "new", "to do", "proposed", "approved", "design":
		return tracker.CategoryProposed
	case "active", "committed", "doing", "in progress", "ready":
		return tracker.CategoryInProgress
	case "resolved":
		return tracker.CategoryResolved
	case "closed", "done", "inactive":
		return tracker.CategoryCompleted
	case "removed", "cut":
		return tracker.CategoryRemoved
	}
	return tracker.StateCategory(category)
}

// identityName picks the value Azure DevOps accepts for identity fields.
func identityName(id Identity) string {
	for _, key := range []string{"Mail", "Account"} {
		if v, ok := id.Properties[key]; ok && v.Value != "" {
			return v.Value
		}
	}
	return id.ProviderDisplayName
}
