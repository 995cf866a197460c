// Package reorder stably re-sorts a batch of same-round tool calls so that
// dependency-sensitive families (e.g. a document's create before its edit)
// execute in the right relative order even when the model emitted them out
// of order, without breaking ties within a family.
package reorder

import "sort"

// Call is the minimal shape reorder needs from a tool call: its name and
// its position in the original batch.
type Call struct {
	Name          string
	OriginalIndex int
}

// unregisteredGroupPriority is the group priority for any tool name not
// assigned to a family, i.e. spec's group 99 ("everything else") — it must
// sort after every registered family, not before.
const unregisteredGroupPriority = 1 << 30

// PriorityTable assigns a group and an intra-group action priority to a
// tool name. Families register their own table; an unregistered tool name
// falls back to unregisteredGroupPriority, ActionPriority 0 (runs after
// every registered family, stable among itself).
type PriorityTable struct {
	GroupPriority  map[string]int // tool name -> group priority (lower runs first)
	ActionPriority map[string]int // tool name -> action priority within its group
}

// NewPriorityTable builds a table from per-family ordered name lists: each
// family's names share a group priority (the family's position in
// families), and within the family the action priority is each name's
// index in its slice.
func NewPriorityTable(families [][]string) *PriorityTable {
	t := &PriorityTable{
		GroupPriority:  make(map[string]int),
		ActionPriority: make(map[string]int),
	}
	for groupIdx, family := range families {
		for actionIdx, name := range family {
			t.GroupPriority[name] = groupIdx
			t.ActionPriority[name] = actionIdx
		}
	}
	return t
}

func (t *PriorityTable) groupOf(name string) int {
	if t == nil {
		return 0
	}
	if p, ok := t.GroupPriority[name]; ok {
		return p
	}
	return unregisteredGroupPriority
}

func (t *PriorityTable) actionOf(name string) int {
	if t == nil {
		return 0
	}
	return t.ActionPriority[name]
}

// Reorder stable-sorts calls by (group priority, action priority, original
// index), so ties — including all-unregistered batches — preserve the
// model's emission order.
func Reorder[T any](calls []T, nameOf func(T) string, indexOf func(T) int, table *PriorityTable) []T {
	out := make([]T, len(calls))
	copy(out, calls)

	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := nameOf(out[i]), nameOf(out[j])
		gi, gj := table.groupOf(ni), table.groupOf(nj)
		if gi != gj {
			return gi < gj
		}
		ai, aj := table.actionOf(ni), table.actionOf(nj)
		if ai != aj {
			return ai < aj
		}
		return indexOf(out[i]) < indexOf(out[j])
	})
	return out
}

// DefaultFamilies are the built-in dependency families: within each,
// "create" must run before the operations that act on what it created.
var DefaultFamilies = [][]string{
	{"qbank_import", "qbank_edit", "qbank_read"},
	{"pptx_create", "pptx_edit", "pptx_to_spec"},
	{"xlsx_create", "xlsx_edit", "xlsx_to_spec"},
	{"docx_create", "docx_edit", "docx_to_spec"},
}
