// Package rally provides the Rally (Broadcom Agile Central) source connector.
package rally

import (
	"encoding/json"
	"time"
)

// API constants
const (
	DefaultBaseURL = "https://rally1.rallydev.com/slm/webservice/v2.0"
	DefaultTimeout = 30 * time.Second
	MaxPageSize    = 200
)

// DefaultTypePaths maps FormattedID prefixes to WSAPI type paths.
var DefaultTypePaths = map[string]string{
	"US": "hierarchicalrequirement",
	"DE": "defect",
	"TC": "testcase",
	"F":  "portfolioitem/feature",
	"I":  "portfolioitem/initiative",
	"E":  "portfolioitem/epic",
}

// QueryEnvelope wraps every WSAPI query and collection response.
type QueryEnvelope struct {
	QueryResult QueryResult `json:"QueryResult"`
}

// QueryResult is one page of a query.
type QueryResult struct {
	Errors           []string          `json:"Errors"`
	Warnings         []string          `json:"Warnings"`
	TotalResultCount int               `json:"TotalResultCount"`
	StartIndex       int               `json:"StartIndex"`
	PageSize         int               `json:"PageSize"`
	Results          []json.RawMessage `json:"Results"`
}

// Ref is a WSAPI object reference. Nested objects carry whatever fields the
// fetch list asked for.
type Ref struct {
	Ref           string `json:"_ref"`
	RefObjectName string `json:"_refObjectName"`
	Type          string `json:"_type"`
	FormattedID   string `json:"FormattedID,omitempty"`
	ObjectID      int64  `json:"ObjectID,omitempty"`
}

// CollectionRef points at a sub-collection such as TestCases.
type CollectionRef struct {
	Ref   string `json:"_ref"`
	Type  string `json:"_type"`
	Count int    `json:"Count"`
}

// Artifact is a work item (story, defect, test case or portfolio item).
type Artifact struct {
	Ref            string         `json:"_ref"`
	Type           string         `json:"_type"`
	ObjectID       int64          `json:"ObjectID"`
	FormattedID    string         `json:"FormattedID"`
	Name           string         `json:"Name"`
	Description    string         `json:"Description"`
	ScheduleState  string         `json:"ScheduleState,omitempty"`
	CreationDate   string         `json:"CreationDate"`
	LastUpdateDate string         `json:"LastUpdateDate"`
	Parent         *Ref           `json:"Parent,omitempty"`
	PortfolioItem  *Ref           `json:"PortfolioItem,omitempty"`
	Requirement    *Ref           `json:"Requirement,omitempty"`
	TestCases      *CollectionRef `json:"TestCases,omitempty"`
	Discussion     *CollectionRef `json:"Discussion,omitempty"`
	Attachments    *CollectionRef `json:"Attachments,omitempty"`
}

// ConversationPost is one discussion entry.
type ConversationPost struct {
	ObjectID     int64  `json:"ObjectID"`
	PostNumber   int    `json:"PostNumber"`
	Text         string `json:"Text"`
	User         *User  `json:"User,omitempty"`
	CreationDate string `json:"CreationDate"`
}

// User is the subset of a WSAPI user the connector reads.
type User struct {
	Ref           string `json:"_ref"`
	RefObjectName string `json:"_refObjectName"`
	UserName      string `json:"UserName,omitempty"`
	EmailAddress  string `json:"EmailAddress,omitempty"`
}

// AttachmentMeta describes one attachment in an Attachments collection.
type AttachmentMeta struct {
	ObjectID    int64  `json:"ObjectID"`
	Name        string `json:"Name"`
	ContentType string `json:"ContentType"`
	Size        int64  `json:"Size"`
	Content     *Ref   `json:"Content,omitempty"`
}

// AttachmentContent holds base64 attachment bytes.
type AttachmentContent struct {
	Content string `json:"Content"`
}

// fetchFields is the fetch list used for item queries. Nested references
// pick up FormattedID, UserName and EmailAddress from the same list.
var fetchFields = []string{
	"ObjectID", "FormattedID", "Name", "Description", "ScheduleState", "State",
	"CreationDate", "LastUpdateDate", "Owner", "SubmittedBy", "UserName", "EmailAddress",
	"Parent", "PortfolioItem", "Requirement", "TestCases", "Discussion", "Attachments",
	"PlanEstimate", "Priority", "Severity", "Iteration", "Release", "Tags",
	"AcceptanceCriteria", "Notes", "Blocked", "BlockedReason", "Ready",
	"PreliminaryEstimate", "PercentDoneByStoryCount", "Method", "Type",
	"Environment", "FoundInBuild", "FixedInBuild", "Resolution",
}

// parseTimestamp parses the ISO 8601 timestamps WSAPI returns.
func parseTimestamp(ts string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
