package tracker

import (
	"fmt"
	"regexp"
	"strings"
)

// MarkerPrefix starts every traceability marker written to a target.
const MarkerPrefix = "wim-src:"

// SourceTag returns the tag that identifies the target item created for
// sourceID.
func SourceTag(sourceID string) string {
	return MarkerPrefix + sourceID
}

// ParseSourceTag extracts the source ID from a tag. The bool is false when
// tag is not a source tag.
func ParseSourceTag(tag string) (string, bool) {
	tag = strings.TrimSpace(tag)
	if !strings.HasPrefix(tag, MarkerPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(tag, MarkerPrefix)
	if id == "" || strings.ContainsAny(id, "#; ") {
		return "", false
	}
	return id, true
}

// FindSourceTag scans a tag list in the "a; b; c" form used by Azure DevOps.
func FindSourceTag(tags string) (string, bool) {
	for _, t := range strings.Split(tags, ";") {
		if id, ok := ParseSourceTag(t); ok {
			return id, true
		}
	}
	return "", false
}

// CommentMarker identifies a copied comment.
func CommentMarker(sourceID, commentID string) string {
	return fmt.Sprintf("%s%s#comment-%s", MarkerPrefix, sourceID, commentID)
}

// AttachmentMarker identifies a copied attachment.
func AttachmentMarker(sourceID, attachmentID string) string {
	return fmt.Sprintf("%s%s#attachment-%s", MarkerPrefix, sourceID, attachmentID)
}

var contentMarkerRe = regexp.MustCompile(`wim-src:[^\s#<>"]+#(comment|attachment)-[^\s<>"]+`)

// ContentMarkers returns every comment or attachment marker embedded in text.
func ContentMarkers(text string) []string {
	return contentMarkerRe.FindAllString(text, -1)
}
