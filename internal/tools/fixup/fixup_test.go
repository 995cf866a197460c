package fixup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver struct {
	existing map[string]bool
}

func (r *fakeResolver) Exists(docType, resourceID string) bool {
	return r.existing[docType+"\x00"+resourceID]
}

func TestFixupRewritesFabricatedResourceID(t *testing.T) {
	tr := NewTracker(&fakeResolver{existing: map[string]bool{}})
	tr.RecordCreate("pptx_create", "real-id-123")

	args := map[string]interface{}{"resource_id": "fabricated-placeholder"}
	rewrote := tr.Fixup("pptx_edit", args)

	assert.True(t, rewrote)
	assert.Equal(t, "real-id-123", args["resource_id"])
}

func TestFixupDoesNotRewriteWhenArgumentAlreadyResolves(t *testing.T) {
	tr := NewTracker(&fakeResolver{existing: map[string]bool{"docx\x00existing-id": true}})
	tr.RecordCreate("docx_create", "real-id-456")

	args := map[string]interface{}{"resource_id": "existing-id"}
	rewrote := tr.Fixup("docx_edit", args)

	assert.False(t, rewrote)
	assert.Equal(t, "existing-id", args["resource_id"])
}

func TestFixupNoOpWithoutSameBatchCreate(t *testing.T) {
	tr := NewTracker(&fakeResolver{existing: map[string]bool{}})
	args := map[string]interface{}{"resource_id": "whatever"}
	rewrote := tr.Fixup("xlsx_edit", args)
	assert.False(t, rewrote)
	assert.Equal(t, "whatever", args["resource_id"])
}

func TestFixupIgnoresNonConsumerOps(t *testing.T) {
	tr := NewTracker(&fakeResolver{existing: map[string]bool{}})
	tr.RecordCreate("qbank_import", "deck-1")

	args := map[string]interface{}{"resource_id": "whatever"}
	rewrote := tr.Fixup("qbank_import", args)
	assert.False(t, rewrote)
}

func TestFixupAlreadyCorrectIsNoOp(t *testing.T) {
	tr := NewTracker(&fakeResolver{existing: map[string]bool{}})
	tr.RecordCreate("docx_create", "real-id")

	args := map[string]interface{}{"resource_id": "real-id"}
	rewrote := tr.Fixup("docx_edit", args)
	assert.False(t, rewrote)
}

func TestDocTypeOfAndIsConsumerOp(t *testing.T) {
	assert.Equal(t, "pptx", docTypeOf("pptx_to_spec"))
	assert.Equal(t, "", docTypeOf("web_search"))
	assert.True(t, isConsumerOp("xlsx_replace"))
	assert.False(t, isConsumerOp("xlsx_create"))
}
