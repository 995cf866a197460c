package reorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCall struct {
	name string
	idx  int
}

func nameOf(c fakeCall) string { return c.name }
func indexOf(c fakeCall) int   { return c.idx }

func TestReorderMovesCreateBeforeEdit(t *testing.T) {
	table := NewPriorityTable(DefaultFamilies)
	calls := []fakeCall{
		{name: "pptx_edit", idx: 0},
		{name: "pptx_create", idx: 1},
	}
	ordered := Reorder(calls, nameOf, indexOf, table)
	assert.Equal(t, "pptx_create", ordered[0].name)
	assert.Equal(t, "pptx_edit", ordered[1].name)
}

func TestReorderPreservesOrderWithinSameAction(t *testing.T) {
	table := NewPriorityTable(DefaultFamilies)
	calls := []fakeCall{
		{name: "docx_edit", idx: 0},
		{name: "docx_edit", idx: 1},
	}
	ordered := Reorder(calls, nameOf, indexOf, table)
	assert.Equal(t, 0, ordered[0].idx)
	assert.Equal(t, 1, ordered[1].idx)
}

func TestReorderUnregisteredNamesKeepEmissionOrder(t *testing.T) {
	table := NewPriorityTable(DefaultFamilies)
	calls := []fakeCall{
		{name: "web_search", idx: 0},
		{name: "file_search", idx: 1},
		{name: "canvas_note", idx: 2},
	}
	ordered := Reorder(calls, nameOf, indexOf, table)
	for i, c := range ordered {
		assert.Equal(t, i, c.idx)
	}
}

func TestReorderDoesNotMutateInput(t *testing.T) {
	table := NewPriorityTable(DefaultFamilies)
	calls := []fakeCall{
		{name: "xlsx_edit", idx: 0},
		{name: "xlsx_create", idx: 1},
	}
	_ = Reorder(calls, nameOf, indexOf, table)
	assert.Equal(t, "xlsx_edit", calls[0].name)
	assert.Equal(t, "xlsx_create", calls[1].name)
}

func TestReorderNilTableIsNoOp(t *testing.T) {
	calls := []fakeCall{
		{name: "pptx_edit", idx: 0},
		{name: "pptx_create", idx: 1},
	}
	ordered := Reorder(calls, nameOf, indexOf, nil)
	assert.Equal(t, "pptx_edit", ordered[0].name)
	assert.Equal(t, "pptx_create", ordered[1].name)
}

func TestReorderAcrossFamiliesByGroupPriority(t *testing.T) {
	table := NewPriorityTable(DefaultFamilies)
	calls := []fakeCall{
		{name: "docx_create", idx: 0},
		{name: "qbank_import", idx: 1},
	}
	ordered := Reorder(calls, nameOf, indexOf, table)
	assert.Equal(t, "qbank_import", ordered[0].name)
	assert.Equal(t, "docx_create", ordered[1].name)
}
