package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/tracker/azuredevops"
)

// AzureDevOpsMockServer is a stateful fake of the Azure DevOps work item
// tracking API: WIQL tag queries, JSON Patch create/update with relations,
// comments, attachments, work item type states and identity search.
type AzureDevOpsMockServer struct {
	*MockTrackerServer
	Project string

	workItems   map[int]*azuredevops.WorkItem
	comments    map[int][]azuredevops.Comment
	attachments map[string][]byte
	states      map[string][]azuredevops.WorkItemStateColor
	transitions map[string]map[string][]string // type -> from -> allowed targets
	identities  []azuredevops.Identity
	nextID      int
	nextComment int
}

// NewAzureDevOpsMockServer creates a mock serving project.
func NewAzureDevOpsMockServer(project string) *AzureDevOpsMockServer {
	m := &AzureDevOpsMockServer{
		MockTrackerServer: NewMockTrackerServer(),
		Project:           project,
		workItems:         make(map[int]*azuredevops.WorkItem),
		comments:          make(map[int][]azuredevops.Comment),
		attachments:       make(map[string][]byte),
		states:            make(map[string][]azuredevops.WorkItemStateColor),
		transitions:       make(map[string]map[string][]string),
		nextID:            1000,
		nextComment:       1,
	}
	m.SetDefaultHandler(m.handleADORequest)
	return m
}

var (
	wiqlTagRe     = regexp.MustCompile(`CONTAINS '((?:[^']|'')*)'`)
	workItemIDRe  = regexp.MustCompile(`(?i)/_apis/wit/workitems/(\d+)$`)
	commentsRe    = regexp.MustCompile(`(?i)/_apis/wit/workitems/(\d+)/comments$`)
	createRe      = regexp.MustCompile(`(?i)/_apis/wit/workitems/\$(.+)$`)
	statesRe      = regexp.MustCompile(`(?i)/_apis/wit/workitemtypes/(.+)/states$`)
	attachmentsRe = regexp.MustCompile(`(?i)/_apis/wit/attachments$`)
)

// handleADORequest routes Azure DevOps API calls.
func (m *AzureDevOpsMockServer) handleADORequest(w http.ResponseWriter, r *http.Request, body []byte) {
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/_apis/wit/wiql") && r.Method == http.MethodPost:
		m.handleWIQL(w, body)
	case commentsRe.MatchString(path):
		id, _ := strconv.Atoi(commentsRe.FindStringSubmatch(path)[1])
		m.handleComments(w, r, id, body)
	case workItemIDRe.MatchString(path) && r.Method == http.MethodGet:
		id, _ := strconv.Atoi(workItemIDRe.FindStringSubmatch(path)[1])
		m.handleGetWorkItem(w, id)
	case workItemIDRe.MatchString(path) && r.Method == http.MethodPatch:
		id, _ := strconv.Atoi(workItemIDRe.FindStringSubmatch(path)[1])
		m.handleUpdateWorkItem(w, id, body)
	case createRe.MatchString(path) && r.Method == http.MethodPost:
		m.handleCreateWorkItem(w, createRe.FindStringSubmatch(path)[1], body)
	case statesRe.MatchString(path) && r.Method == http.MethodGet:
		m.handleStates(w, statesRe.FindStringSubmatch(path)[1])
	case attachmentsRe.MatchString(path) && r.Method == http.MethodPost:
		m.handleUpload(w, r, body)
	case strings.HasSuffix(path, "/_apis/identities") && r.Method == http.MethodGet:
		m.handleIdentities(w, r.URL.Query().Get("filterValue"))
	default:
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "Not found"})
	}
}

func (m *AzureDevOpsMockServer) handleWIQL(w http.ResponseWriter, body []byte) {
	var req azuredevops.WIQLQueryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	tag := ""
	if match := wiqlTagRe.FindStringSubmatch(req.Query); match != nil {
		tag = strings.ReplaceAll(match[1], "''", "'")
	}

	m.mu.RLock()
	var ids []int
	for id, wi := range m.workItems {
		if tag == "" || hasTag(wi, tag) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Ints(ids)

	refs := make([]azuredevops.WorkItemRef, len(ids))
	for i, id := range ids {
		refs[i] = azuredevops.WorkItemRef{ID: id, URL: m.apiURL(id)}
	}
	WriteJSON(w, http.StatusOK, azuredevops.WIQLQueryResponse{
		QueryType:       "flat",
		QueryResultType: "workItem",
		WorkItems:       refs,
	})
}

func hasTag(wi *azuredevops.WorkItem, tag string) bool {
	tags, _ := wi.Fields[azuredevops.FieldTags].(string)
	for _, t := range strings.Split(tags, ";") {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

func (m *AzureDevOpsMockServer) handleGetWorkItem(w http.ResponseWriter, id int) {
	m.mu.RLock()
	wi, ok := m.workItems[id]
	var out azuredevops.WorkItem
	if ok {
		out = cloneWorkItem(wi)
	}
	m.mu.RUnlock()
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": fmt.Sprintf("TF401232: Work item %d does not exist", id)})
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

type rawPatch struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func (m *AzureDevOpsMockServer) handleCreateWorkItem(w http.ResponseWriter, workItemType string, body []byte) {
	var ops []rawPatch
	if err := json.Unmarshal(body, &ops); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := time.Now().UTC().Format(time.RFC3339)
	wi := &azuredevops.WorkItem{
		ID:  m.nextID,
		Rev: 1,
		URL: m.apiURL(m.nextID),
		Fields: map[string]any{
			azuredevops.FieldWorkItemType: workItemType,
			"System.CreatedDate":          now,
			"System.ChangedDate":          now,
		},
	}
	initial := ""
	if states := m.states[workItemType]; len(states) > 0 {
		initial = states[0].Name
		wi.Fields[tracker.StateField] = initial
	}
	if msg := m.applyOps(wi, ops, workItemType, initial, true); msg != "" {
		m.nextID--
		WriteJSON(w, http.StatusBadRequest, map[string]string{"message": msg})
		return
	}
	m.workItems[wi.ID] = wi
	WriteJSON(w, http.StatusOK, cloneWorkItem(wi))
}

func (m *AzureDevOpsMockServer) handleUpdateWorkItem(w http.ResponseWriter, id int, body []byte) {
	var ops []rawPatch
	if err := json.Unmarshal(body, &ops); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.workItems[id]
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": fmt.Sprintf("TF401232: Work item %d does not exist", id)})
		return
	}
	wi := cloneWorkItem(current)
	workItemType, _ := wi.Fields[azuredevops.FieldWorkItemType].(string)
	state, _ := wi.Fields[tracker.StateField].(string)
	if msg := m.applyOps(&wi, ops, workItemType, state, false); msg != "" {
		WriteJSON(w, http.StatusBadRequest, map[string]string{"message": msg})
		return
	}
	wi.Rev++
	wi.Fields["System.ChangedDate"] = time.Now().UTC().Format(time.RFC3339)
	m.workItems[id] = &wi
	WriteJSON(w, http.StatusOK, cloneWorkItem(&wi))
}

// applyOps applies JSON Patch operations and returns a rejection message,
// or "" on success. Caller holds m.mu.
func (m *AzureDevOpsMockServer) applyOps(wi *azuredevops.WorkItem, ops []rawPatch, workItemType, fromState string, creating bool) string {
	for _, op := range ops {
		switch {
		case strings.HasPrefix(op.Path, "/fields/"):
			field := strings.TrimPrefix(op.Path, "/fields/")
			if op.Op == "remove" {
				delete(wi.Fields, field)
				continue
			}
			var v any
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return err.Error()
			}
			if field == tracker.StateField {
				if msg := m.checkTransition(workItemType, fromState, fmt.Sprint(v), creating); msg != "" {
					return msg
				}
			}
			wi.Fields[field] = v

		case op.Path == "/relations/-" && op.Op == "add":
			var rel azuredevops.WorkItemRelation
			if err := json.Unmarshal(op.Value, &rel); err != nil {
				return err.Error()
			}
			if rel.Rel == azuredevops.RelParent {
				for _, r := range wi.Relations {
					if r.Rel == azuredevops.RelParent {
						return "TF201036: You cannot add a Parent link to this work item because a work item can have only one Parent link."
					}
				}
			}
			wi.Relations = append(wi.Relations, rel)

		case strings.HasPrefix(op.Path, "/relations/") && op.Op == "remove":
			idx, err := strconv.Atoi(strings.TrimPrefix(op.Path, "/relations/"))
			if err != nil || idx < 0 || idx >= len(wi.Relations) {
				return "invalid relation index " + op.Path
			}
			wi.Relations = append(wi.Relations[:idx], wi.Relations[idx+1:]...)

		default:
			return "unsupported operation " + op.Op + " " + op.Path
		}
	}
	return ""
}

func (m *AzureDevOpsMockServer) checkTransition(workItemType, from, to string, creating bool) string {
	states := m.states[workItemType]
	if len(states) == 0 || strings.EqualFold(from, to) {
		return ""
	}
	known := false
	for _, s := range states {
		if strings.EqualFold(s.Name, to) {
			known = true
		}
	}
	reject := fmt.Sprintf("TF401320: Rule Error for field State. Error code: Required, InvalidListValue. The field 'System.State' contains the value '%s' that is not in the list of supported values", to)
	if !known {
		return reject
	}
	if creating {
		if !strings.EqualFold(states[0].Name, to) {
			return reject
		}
		return ""
	}
	allowed, ok := m.transitions[workItemType]
	if !ok {
		return ""
	}
	for _, next := range allowed[from] {
		if strings.EqualFold(next, to) {
			return ""
		}
	}
	return reject
}

func (m *AzureDevOpsMockServer) handleComments(w http.ResponseWriter, r *http.Request, id int, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workItems[id]; !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": fmt.Sprintf("TF401232: Work item %d does not exist", id)})
		return
	}

	switch r.Method {
	case http.MethodGet:
		all := m.comments[id]
		top, _ := strconv.Atoi(r.URL.Query().Get("$top"))
		start, _ := strconv.Atoi(r.URL.Query().Get("continuationToken"))
		end := len(all)
		token := ""
		if top > 0 && start+top < end {
			end = start + top
			token = strconv.Itoa(end)
		}
		if start > len(all) {
			start = len(all)
		}
		page := append([]azuredevops.Comment(nil), all[start:end]...)
		WriteJSON(w, http.StatusOK, azuredevops.CommentList{
			TotalCount:        len(all),
			Count:             len(page),
			Comments:          page,
			ContinuationToken: token,
		})
	case http.MethodPost:
		var req azuredevops.AddCommentRequest
		if err := json.Unmarshal(body, &req); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		c := azuredevops.Comment{
			ID:          m.nextComment,
			WorkItemID:  id,
			Text:        req.Text,
			CreatedDate: time.Now().UTC().Format(time.RFC3339),
		}
		m.nextComment++
		m.comments[id] = append(m.comments[id], c)
		WriteJSON(w, http.StatusOK, c)
	default:
		WriteJSON(w, http.StatusMethodNotAllowed, nil)
	}
}

func (m *AzureDevOpsMockServer) handleUpload(w http.ResponseWriter, r *http.Request, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("att-%d", len(m.attachments)+1)
	m.attachments[id] = append([]byte(nil), body...)
	WriteJSON(w, http.StatusOK, azuredevops.AttachmentReference{
		ID:  id,
		URL: m.URL() + "/_apis/wit/attachments/" + id + "?fileName=" + r.URL.Query().Get("fileName"),
	})
}

func (m *AzureDevOpsMockServer) handleStates(w http.ResponseWriter, workItemType string) {
	m.mu.RLock()
	states, ok := m.states[workItemType]
	m.mu.RUnlock()
	if !ok {
		WriteJSON(w, http.StatusNotFound, map[string]string{"message": "VS402323: Work item type " + workItemType + " does not exist"})
		return
	}
	WriteJSON(w, http.StatusOK, azuredevops.StateList{Count: len(states), Value: states})
}

func (m *AzureDevOpsMockServer) handleIdentities(w http.ResponseWriter, filter string) {
	m.mu.RLock()
	var found []azuredevops.Identity
	for _, id := range m.identities {
		if matchesIdentity(id, filter) {
			found = append(found, id)
		}
	}
	m.mu.RUnlock()
	WriteJSON(w, http.StatusOK, azuredevops.IdentityList{Count: len(found), Value: found})
}

func matchesIdentity(id azuredevops.Identity, filter string) bool {
	if strings.EqualFold(id.ProviderDisplayName, filter) {
		return true
	}
	for _, v := range id.Properties {
		if strings.EqualFold(v.Value, filter) {
			return true
		}
	}
	return false
}

func (m *AzureDevOpsMockServer) apiURL(id int) string {
	return m.URL() + "/_apis/wit/workItems/" + strconv.Itoa(id)
}

// SetStates configures the workflow of a work item type; the first state
// is the only one a new item may start in.
func (m *AzureDevOpsMockServer) SetStates(workItemType string, states ...azuredevops.WorkItemStateColor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[workItemType] = states
}

// SetTransitions restricts state changes of a work item type to the given
// from -> to table.
func (m *AzureDevOpsMockServer) SetTransitions(workItemType string, allowed map[string][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[workItemType] = allowed
}

// AddIdentity makes an identity searchable.
func (m *AzureDevOpsMockServer) AddIdentity(id azuredevops.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities = append(m.identities, id)
}

// AddWorkItem seeds a work item.
func (m *AzureDevOpsMockServer) AddWorkItem(wi azuredevops.WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneWorkItem(&wi)
	if c.URL == "" {
		c.URL = m.apiURL(c.ID)
	}
	m.workItems[c.ID] = &c
	if c.ID >= m.nextID {
		m.nextID = c.ID
	}
}

// AddComment seeds a comment.
func (m *AzureDevOpsMockServer) AddComment(workItemID int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[workItemID] = append(m.comments[workItemID], azuredevops.Comment{
		ID: m.nextComment, WorkItemID: workItemID, Text: text,
	})
	m.nextComment++
}

// WorkItem returns a copy of a stored work item.
func (m *AzureDevOpsMockServer) WorkItem(id int) (azuredevops.WorkItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wi, ok := m.workItems[id]
	if !ok {
		return azuredevops.WorkItem{}, false
	}
	return cloneWorkItem(wi), true
}

// WorkItemCount returns the number of stored work items.
func (m *AzureDevOpsMockServer) WorkItemCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workItems)
}

// Comments returns the comments stored on a work item.
func (m *AzureDevOpsMockServer) Comments(id int) []azuredevops.Comment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]azuredevops.Comment(nil), m.comments[id]...)
}

// Attachment returns uploaded bytes by attachment ID.
func (m *AzureDevOpsMockServer) Attachment(id string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.attachments[id]
	return b, ok
}

func cloneWorkItem(wi *azuredevops.WorkItem) azuredevops.WorkItem {
	c := *wi
	c.Fields = make(map[string]any, len(wi.Fields))
	for k, v := range wi.Fields {
		c.Fields[k] = v
	}
	c.Relations = make([]azuredevops.WorkItemRelation, len(wi.Relations))
	for i, r := range wi.Relations {
		c.Relations[i] = r
		if r.Attributes != nil {
			c.Relations[i].Attributes = make(map[string]any, len(r.Attributes))
			for k, v := range r.Attributes {
				c.Relations[i].Attributes[k] = v
			}
		}
	}
	return c
}

// MakeADOWorkItem creates a test work item.
func MakeADOWorkItem(id int, workItemType, title, state, tags string) azuredevops.WorkItem {
	now := time.Now().UTC().Format(time.RFC3339)
	fields := map[string]any{
		azuredevops.FieldWorkItemType: workItemType,
		azuredevops.FieldTitle:        title,
		tracker.StateField:            state,
		"System.CreatedDate":          now,
		"System.ChangedDate":          now,
	}
	if tags != "" {
		fields[azuredevops.FieldTags] = tags
	}
	return azuredevops.WorkItem{ID: id, Rev: 1, Fields: fields}
}

// MakeADOIdentity creates a searchable identity.
func MakeADOIdentity(displayName, mail string) azuredevops.Identity {
	return azuredevops.Identity{
		ID:                  "id-" + mail,
		ProviderDisplayName: displayName,
		IsActive:            true,
		Properties: map[string]azuredevops.IdentityValue{
			"Mail":    {Value: mail},
			"Account": {Value: mail},
		},
	}
}
