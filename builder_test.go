package rxdjango

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func payload(typeTag string, id int64, op Operation, tstamp int64, fields map[string]any) Payload {
	p := Payload{
		payloadKeyID:        id,
		payloadKeyType:      typeTag,
		payloadKeyOperation: string(op),
		payloadKeyTstamp:    tstamp,
	}
	for k, v := range fields {
		p[k] = v
	}
	return p
}

// Scenario 1: single anchor, scalar-only.
func TestBuilderScalarOnly(t *testing.T) {
	b := NewBuilder(ModelMap{"P": {}}, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"name": "A"}),
	})
	assert.Equal(t, err, nil)

	state, ok := b.StateSingle()
	assert.Equal(t, ok, true)
	assert.Equal(t, state.ID, int64(1))
	assert.Equal(t, state.TypeTag, "P")
	assert.Equal(t, state.Tstamp, int64(1))
	assert.Equal(t, state.Loaded, true)
	assert.Equal(t, state.Fields["name"], "A")
}

// Scenario 2: placeholder then materialization.
func TestBuilderPlaceholderThenMaterialization(t *testing.T) {
	modelMap := ModelMap{"P": {"tasks": "T"}, "T": {}}
	b := NewBuilder(modelMap, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"tasks": []any{float64(10), float64(11)}}),
	})
	assert.Equal(t, err, nil)

	state1, _ := b.StateSingle()
	tasks, ok := state1.Fields["tasks"].([]*Instance)
	assert.Equal(t, ok, true)
	assert.Equal(t, len(tasks), 2)
	assert.Equal(t, tasks[0].ID, int64(10))
	assert.Equal(t, tasks[0].Loaded, false)
	assert.Equal(t, tasks[1].ID, int64(11))
	assert.Equal(t, tasks[1].Loaded, false)

	err = b.Update([]Payload{
		payload("T", 10, OpCreate, 2, map[string]any{"title": "X"}),
	})
	assert.Equal(t, err, nil)

	state2, _ := b.StateSingle()
	assert.NotEqual(t, state2, state1)

	tasks2 := state2.Fields["tasks"].([]*Instance)
	assert.NotEqual(t, tasks2, tasks)
	assert.Equal(t, tasks2[0].Fields["title"], "X")
	assert.Equal(t, tasks2[0].Loaded, true)
	assert.Equal(t, tasks2[1].Loaded, false)
}

// Scenario 3: upward invalidation through two levels.
func TestBuilderUpwardInvalidationTwoLevels(t *testing.T) {
	modelMap := ModelMap{"P": {"c": "C"}, "C": {"t": "T"}, "T": {}}
	b := NewBuilder(modelMap, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"c": float64(2)}),
		payload("C", 2, OpCreate, 1, map[string]any{"t": float64(3)}),
		payload("T", 3, OpCreate, 1, map[string]any{"title": "initial"}),
	})
	assert.Equal(t, err, nil)

	p1, _ := b.StateSingle()
	c1 := p1.Fields["c"].(*Instance)

	err = b.Update([]Payload{
		payload("T", 3, OpUpdate, 2, map[string]any{"title": "changed"}),
	})
	assert.Equal(t, err, nil)

	state, _ := b.StateSingle()
	assert.NotEqual(t, state, p1)

	c2 := state.Fields["c"].(*Instance)
	assert.NotEqual(t, c2, c1)
	assert.Equal(t, c2.Fields["t"].(*Instance).Fields["title"], "changed")
}

// Scenario 4: shared reference after cross-link.
func TestBuilderSharedReferenceAfterCrossLink(t *testing.T) {
	modelMap := ModelMap{
		"P": {"c": "C", "tasks": "T"},
		"C": {"tasks": "T"},
		"T": {},
	}
	b := NewBuilder(modelMap, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{
			"c":     float64(1),
			"tasks": []any{float64(1), float64(2), float64(3)},
		}),
		payload("C", 1, OpCreate, 1, map[string]any{
			"tasks": []any{float64(3), float64(4), float64(5)},
		}),
		payload("T", 3, OpCreate, 1, map[string]any{"title": "t3"}),
	})
	assert.Equal(t, err, nil)

	state, _ := b.StateSingle()
	tasks := state.Fields["tasks"].([]*Instance)
	cTasks := state.Fields["c"].(*Instance).Fields["tasks"].([]*Instance)

	assert.Equal(t, tasks[2] == cTasks[0], true)
	assert.Equal(t, tasks[2].ID, int64(3))
}

// Scenario 5: multi-anchor add/remove.
func TestBuilderMultiAnchorAddRemove(t *testing.T) {
	b := NewBuilder(ModelMap{"P": {}}, "P", true)

	b.SetAnchors([]int64{1, 2})

	err := b.Update([]Payload{
		payload("P", 3, OpInitialState, 1, nil),
	})
	assert.Equal(t, err, nil)

	err = b.Update([]Payload{
		payload("P", 2, OpDelete, 2, nil),
	})
	assert.Equal(t, err, nil)

	assert.Equal(t, b.AnchorIDs(), []int64{1, 3})

	many := b.StateMany()
	assert.Equal(t, len(many), 2)
	assert.Equal(t, many[0].ID, int64(1))
	assert.Equal(t, many[1].ID, int64(3))
}

// P1: ingests that touch disjoint identities leave other instances'
// object identity untouched.
func TestBuilderIdentityPreservationAcrossDisjointIngests(t *testing.T) {
	modelMap := ModelMap{"P": {"a": "A", "b": "B"}, "A": {}, "B": {}}
	b := NewBuilder(modelMap, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"a": float64(1), "b": float64(1)}),
		payload("A", 1, OpCreate, 1, map[string]any{"v": "a1"}),
		payload("B", 1, OpCreate, 1, map[string]any{"v": "b1"}),
	})
	assert.Equal(t, err, nil)

	aBefore, err := b.GetInstance(InstanceKey("A", 1))
	assert.Equal(t, err, nil)

	err = b.Update([]Payload{
		payload("B", 1, OpUpdate, 2, map[string]any{"v": "b2"}),
	})
	assert.Equal(t, err, nil)

	aAfter, err := b.GetInstance(InstanceKey("A", 1))
	assert.Equal(t, err, nil)
	assert.Equal(t, aAfter == aBefore, true)
}

// P4: placeholder completeness — every relational field target exists
// in the index after ingest, even before it has been loaded.
func TestBuilderPlaceholderCompleteness(t *testing.T) {
	modelMap := ModelMap{"P": {"tasks": "T"}, "T": {}}
	b := NewBuilder(modelMap, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"tasks": []any{float64(7)}}),
	})
	assert.Equal(t, err, nil)

	inst, err := b.GetInstance(InstanceKey("T", 7))
	assert.Equal(t, err, nil)
	assert.Equal(t, inst.Loaded, false)
}

// P6: anchor sequence uniqueness across a mixture of events.
func TestBuilderAnchorSequenceUniqueness(t *testing.T) {
	b := NewBuilder(ModelMap{"P": {}}, "P", true)

	b.SetAnchors([]int64{1, 2, 1})
	assert.Equal(t, b.AnchorIDs(), []int64{1, 2})

	b.PrependAnchor(2)
	assert.Equal(t, b.AnchorIDs(), []int64{1, 2})

	b.PrependAnchor(3)
	assert.Equal(t, b.AnchorIDs(), []int64{3, 1, 2})
}

// Single-anchor mode requires the first payload's type to match the
// configured anchor type.
func TestBuilderAnchorTypeMismatch(t *testing.T) {
	b := NewBuilder(ModelMap{"P": {}}, "P", false)

	err := b.Update([]Payload{
		payload("Q", 1, OpCreate, 1, nil),
	})
	assert.NotEqual(t, err, nil)
}

// Deletion nulls a single relation and, per the spec's strengthening,
// invalidates the referrer upward so I3/P2 hold for deletes too.
func TestBuilderDeletePropagatesUpward(t *testing.T) {
	modelMap := ModelMap{"P": {"c": "C"}, "C": {}}
	b := NewBuilder(modelMap, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"c": float64(2)}),
		payload("C", 2, OpCreate, 1, nil),
	})
	assert.Equal(t, err, nil)

	p1, _ := b.StateSingle()
	assert.NotEqual(t, p1.Fields["c"], nil)

	err = b.Update([]Payload{
		payload("C", 2, OpDelete, 2, nil),
	})
	assert.Equal(t, err, nil)

	p2, _ := b.StateSingle()
	assert.NotEqual(t, p2, p1)
	assert.Equal(t, p2.Fields["c"], nil)

	_, err = b.GetInstance(InstanceKey("C", 2))
	assert.NotEqual(t, err, nil)
}

// Deletion filters a sequence relation without disturbing surviving
// elements' identity.
func TestBuilderDeleteFiltersSequence(t *testing.T) {
	modelMap := ModelMap{"P": {"tasks": "T"}, "T": {}}
	b := NewBuilder(modelMap, "P", false)

	err := b.Update([]Payload{
		payload("P", 1, OpCreate, 1, map[string]any{"tasks": []any{float64(1), float64(2)}}),
		payload("T", 1, OpCreate, 1, nil),
		payload("T", 2, OpCreate, 1, nil),
	})
	assert.Equal(t, err, nil)

	state1, _ := b.StateSingle()
	survivor := state1.Fields["tasks"].([]*Instance)[1]

	err = b.Update([]Payload{
		payload("T", 1, OpDelete, 2, nil),
	})
	assert.Equal(t, err, nil)

	state2, _ := b.StateSingle()
	tasks := state2.Fields["tasks"].([]*Instance)
	assert.Equal(t, len(tasks), 1)
	assert.Equal(t, tasks[0] == survivor, true)
}
