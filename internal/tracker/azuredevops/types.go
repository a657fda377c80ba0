// Package azuredevops provides the Azure DevOps Boards target connector.
package azuredevops

import (
	"time"
)

// API constants
const (
	DefaultTimeout    = 30 * time.Second
	MaxPageSize       = 200
	APIVersion        = "7.1"
	CommentAPIVersion = "7.1-preview.4"
)

// Relation types
const (
	RelParent       = "System.LinkTypes.Hierarchy-Reverse"
	RelTestedBy     = "Microsoft.VSTS.Common.TestedBy-Forward"
	RelAttachedFile = "AttachedFile"
)

// Field reference names the connector reads or writes itself.
const (
	FieldTags         = "System.Tags"
	FieldWorkItemType = "System.WorkItemType"
	FieldTitle        = "System.Title"
)

// WorkItem represents an Azure DevOps work item.
type WorkItem struct {
	ID        int                `json:"id"`
	Rev       int                `json:"rev"`
	URL       string             `json:"url"`
	Fields    map[string]any     `json:"fields"`
	Relations []WorkItemRelation `json:"relations,omitempty"`
	Links     *WorkItemLinks     `json:"_links,omitempty"`
}

// WorkItemLinks contains hypermedia links.
type WorkItemLinks struct {
	Self Link `json:"self"`
	HTML Link `json:"html"`
}

// Link is a hypermedia link.
type Link struct {
	Href string `json:"href"`
}

// WorkItemRelation represents a link from a work item to another item or
// an attachment.
type WorkItemRelation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// WIQLQueryRequest is the request body for WIQL queries.
type WIQLQueryRequest struct {
	Query string `json:"query"`
}

// WIQLQueryResponse is the response from a WIQL query.
type WIQLQueryResponse struct {
	QueryType       string        `json:"queryType"`
	QueryResultType string        `json:"queryResultType"`
	AsOf            string        `json:"asOf"`
	WorkItems       []WorkItemRef `json:"workItems"`
}

// WorkItemRef is a reference to a work item in WIQL results.
type WorkItemRef struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// PatchOperation is one JSON Patch operation on a work item.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// Comment is a work item discussion comment.
type Comment struct {
	ID          int    `json:"id"`
	WorkItemID  int    `json:"workItemId"`
	Text        string `json:"text"`
	CreatedDate string `json:"createdDate,omitempty"`
}

// CommentList is one page of the comments API.
type CommentList struct {
	TotalCount        int       `json:"totalCount"`
	Count             int       `json:"count"`
	Comments          []Comment `json:"comments"`
	ContinuationToken string    `json:"continuationToken,omitempty"`
}

// AddCommentRequest is the body of a comment POST.
type AddCommentRequest struct {
	Text string `json:"text"`
}

// AttachmentReference is returned by the attachment upload endpoint.
type AttachmentReference struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// WorkItemStateColor is one state of a work item type.
type WorkItemStateColor struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	Category string `json:"category"`
}

// StateList is the response from the work item type states endpoint.
type StateList struct {
	Count int                  `json:"count"`
	Value []WorkItemStateColor `json:"value"`
}

// IdentityList is the response from the identities search endpoint.
type IdentityList struct {
	Count int        `json:"count"`
	Value []Identity `json:"value"`
}

// Identity is an Azure DevOps identity as returned by the identities API.
type Identity struct {
	ID                  string                   `json:"id"`
	ProviderDisplayName string                   `json:"providerDisplayName"`
	IsActive            bool                     `json:"isActive"`
	Properties          map[string]IdentityValue `json:"properties,omitempty"`
}

// IdentityValue wraps a property value.
type IdentityValue struct {
	Value string `json:"$value"`
}
