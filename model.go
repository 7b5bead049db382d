package rxdjango

// ModelMap is the immutable configuration value provided at construction
// (spec.md §3, "Model Map"). It maps each type_tag to a mapping from
// property name to the type_tag of the referenced entity. Any property
// not present is a scalar field and is stored verbatim; any property
// present is a relational field.
//
// This is the client-side twin of the generated `model` object emitted
// by StateModel.frontend_model() in the original Django code generator
// (original_source/react_framework/state_model.py) and embedded, per
// channel, in the generated *.channels.ts file
// (original_source/rxdjango/ts/channels.py, generate_ts_class).
type ModelMap map[string]map[string]string

// RelationTarget reports whether property is a relational field on
// instances of type typeTag and, if so, the type_tag it targets.
func (self ModelMap) RelationTarget(typeTag, property string) (target string, isRelation bool) {
	fields, ok := self[typeTag]
	if !ok {
		return "", false
	}
	target, ok = fields[property]
	return target, ok
}
