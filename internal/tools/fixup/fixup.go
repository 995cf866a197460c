// Package fixup rewrites a same-batch tool call's fabricated resource_id
// argument when an earlier "*_create" call in the same batch produced the
// real id the model should have referenced instead.
package fixup

import "strings"

// Resolver checks whether a resource id already exists (e.g. in the VFS),
// used to decide whether a call's resource_id needs rewriting at all.
type Resolver interface {
	Exists(docType, resourceID string) bool
}

// Tracker accumulates {docType: resourceID} produced by "*_create" calls
// within one batch and fixes up later consumer calls before they execute.
type Tracker struct {
	created  map[string]string // docType -> resourceID
	resolver Resolver
}

func NewTracker(resolver Resolver) *Tracker {
	return &Tracker{
		created:  make(map[string]string),
		resolver: resolver,
	}
}

// RecordCreate is called after a successful "*_create" tool result.
func (t *Tracker) RecordCreate(toolName, resourceID string) {
	docType := docTypeOf(toolName)
	if docType == "" || resourceID == "" {
		return
	}
	t.created[docType] = resourceID
}

// Fixup rewrites args["resource_id"] in place when toolName is a consumer
// operation ("*_read"/"*_edit"/"*_replace"/"*_to_spec") whose current
// resource_id doesn't resolve in the VFS but a same-batch create for the
// same doc type already produced the real one. Returns true if it rewrote.
func (t *Tracker) Fixup(toolName string, args map[string]interface{}) bool {
	if !isConsumerOp(toolName) {
		return false
	}
	docType := docTypeOf(toolName)
	real, ok := t.created[docType]
	if !ok {
		return false
	}

	current, _ := args["resource_id"].(string)
	if current == real {
		return false
	}
	if current != "" && t.resolver != nil && t.resolver.Exists(docType, current) {
		return false
	}

	args["resource_id"] = real
	return true
}

func docTypeOf(toolName string) string {
	for _, prefix := range []string{"qbank", "pptx", "xlsx", "docx"} {
		if strings.HasPrefix(toolName, prefix+"_") {
			return prefix
		}
	}
	return ""
}

func isConsumerOp(toolName string) bool {
	for _, suffix := range []string{"_read", "_edit", "_replace", "_to_spec"} {
		if strings.HasSuffix(toolName, suffix) {
			return true
		}
	}
	return false
}
