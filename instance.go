package rxdjango

import "fmt"

// Operation is the wire-level operation tag on an instance payload
// (spec.md §3, "Instance").
type Operation string

const (
	OpCreate       Operation = "create"
	OpUpdate       Operation = "update"
	OpDelete       Operation = "delete"
	OpInitialState Operation = "initial_state"
)

// Key is the process-local identity key "type_tag:id" used to address
// the instance index and the reverse-reference map.
type Key string

func InstanceKey(typeTag string, id int64) Key {
	return Key(fmt.Sprintf("%s:%d", typeTag, id))
}

// Instance is one node in the reconstructed graph (spec.md §3). Relational
// properties in Fields hold direct object references: *Instance for a
// foreign-key field, []*Instance for a collection field. Everything else
// in Fields is a scalar, stored verbatim from the wire payload.
//
// UserKey mirrors the `_user_key` the original serializer stamps on every
// instance (original_source/react_framework/state_model.py, _mark) for a
// future optimistic-update layer; this client only carries the value,
// per SPEC_FULL.md's supplemented-features section.
type Instance struct {
	TypeTag   string
	ID        int64
	Tstamp    int64
	Operation Operation
	Loaded    bool
	UserKey   *string
	Fields    map[string]any
}

func (self *Instance) Key() Key {
	return InstanceKey(self.TypeTag, self.ID)
}

// clone returns a shallow copy: a fresh *Instance and a fresh Fields map,
// but the values held in Fields (nested *Instance / []*Instance pointers)
// are not themselves copied. This is the sole mechanism by which the
// upward-invalidation algorithm produces new object identities without
// disturbing unrelated subgraphs (spec.md §9, "Fresh-reference discipline").
func (self *Instance) clone() *Instance {
	fields := make(map[string]any, len(self.Fields))
	for k, v := range self.Fields {
		fields[k] = v
	}
	return &Instance{
		TypeTag:   self.TypeTag,
		ID:        self.ID,
		Tstamp:    self.Tstamp,
		Operation: self.Operation,
		Loaded:    self.Loaded,
		UserKey:   self.UserKey,
		Fields:    fields,
	}
}

func newPlaceholder(typeTag string, id int64) *Instance {
	return &Instance{
		TypeTag:   typeTag,
		ID:        id,
		Tstamp:    0,
		Operation: OpCreate,
		Loaded:    false,
		Fields:    map[string]any{},
	}
}

// Payload is one flat, typed instance payload as it arrives on the wire
// (spec.md §6): a JSON object with the reserved keys below plus arbitrary
// scalar and relational fields.
type Payload map[string]any

const (
	payloadKeyID        = "id"
	payloadKeyType      = "_instance_type"
	payloadKeyOperation = "_operation"
	payloadKeyTstamp    = "_tstamp"
	payloadKeyUserKey   = "_user_key"
	payloadKeyDeleted   = "_deleted"
)

func isReservedPayloadKey(key string) bool {
	switch key {
	case payloadKeyID, payloadKeyType, payloadKeyOperation, payloadKeyTstamp, payloadKeyUserKey, payloadKeyDeleted:
		return true
	default:
		return false
	}
}

// TypeTag returns the payload's _instance_type.
func (self Payload) TypeTag() string {
	s, _ := self[payloadKeyType].(string)
	return s
}

// ID returns the payload's id, tolerating both JSON numbers (float64,
// from a decoded interface{}) and native ints (as tests construct them
// directly).
func (self Payload) ID() int64 {
	return toInt64(self[payloadKeyID])
}

func (self Payload) OperationTag() Operation {
	s, _ := self[payloadKeyOperation].(string)
	return Operation(s)
}

func (self Payload) Tstamp() int64 {
	return toInt64(self[payloadKeyTstamp])
}

func (self Payload) UserKey() *string {
	v, ok := self[payloadKeyUserKey]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toInt64Slice(v any) ([]int64, bool) {
	switch items := v.(type) {
	case []any:
		out := make([]int64, len(items))
		for i, item := range items {
			out[i] = toInt64(item)
		}
		return out, true
	case []int64:
		return items, true
	case []int:
		out := make([]int64, len(items))
		for i, item := range items {
			out[i] = int64(item)
		}
		return out, true
	default:
		return nil, false
	}
}
