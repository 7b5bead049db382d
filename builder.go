package rxdjango

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// edge is one incoming reference: the referrer's key and the property
// name on the referrer that points at the target (spec.md §3,
// "Reverse-Reference Map").
type edge struct {
	referrerKey Key
	property    string
}

// Builder is the state reconstructor (spec.md §4.1). It owns the
// instance index and the reverse-reference map, resolves identity
// references into direct object pointers, and performs upward
// invalidation so every ancestor of a changed node is replaced with a
// fresh copy.
//
// Builder is not safe for concurrent use; per spec.md §5 the engine runs
// on a single cooperative event loop and all mutation is serialized by
// the Coordinator that owns it.
type Builder struct {
	modelMap   ModelMap
	anchorType string
	many       bool

	index   map[Key]*Instance
	reverse map[Key]map[edge]struct{}

	// single-anchor mode
	anchorID    int64
	anchorIDSet bool

	// multi-anchor mode, ordered, no duplicates (I5)
	anchorIDs []int64

	log LogFunction
}

func NewBuilder(modelMap ModelMap, anchorType string, many bool) *Builder {
	return &Builder{
		modelMap:   modelMap,
		anchorType: anchorType,
		many:       many,
		index:      make(map[Key]*Instance),
		reverse:    make(map[Key]map[edge]struct{}),
		log:        TraceFn("builder"),
	}
}

// SetAnchors is the multi-anchor initialization operation. It replaces
// the anchor sequence with the given ordered ids (duplicates filtered,
// I5) and creates a placeholder for any id not yet in the index.
func (self *Builder) SetAnchors(ids []int64) {
	next := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		next = append(next, id)
		self.ensurePlaceholder(self.anchorType, id)
	}
	self.anchorIDs = next
}

// PrependAnchor inserts id at the head of the anchor sequence if it is
// not already present.
func (self *Builder) PrependAnchor(id int64) {
	if slices.Contains(self.anchorIDs, id) {
		return
	}
	self.ensurePlaceholder(self.anchorType, id)
	self.anchorIDs = append([]int64{id}, self.anchorIDs...)
}

func (self *Builder) ensurePlaceholder(typeTag string, id int64) {
	k := InstanceKey(typeTag, id)
	if _, ok := self.index[k]; !ok {
		self.index[k] = newPlaceholder(typeTag, id)
	}
	if _, ok := self.reverse[k]; !ok {
		self.reverse[k] = make(map[edge]struct{})
	}
}

// Update consumes an ordered batch of payloads and applies each in
// arrival order (spec.md §4.1). It stops and returns an error on the
// first fatal condition (ANCHOR_TYPE_MISMATCH); any payloads already
// applied earlier in the batch remain applied.
func (self *Builder) Update(payloads []Payload) error {
	for _, p := range payloads {
		if err := self.ingestOne(p); err != nil {
			return err
		}
	}
	return nil
}

func (self *Builder) ingestOne(p Payload) error {
	typeTag := p.TypeTag()
	id := p.ID()
	op := p.OperationTag()

	// 1. Anchor-sequence maintenance (multi-anchor mode only, payloads of
	// the anchor type).
	if self.many && typeTag == self.anchorType {
		switch op {
		case OpInitialState:
			if !slices.Contains(self.anchorIDs, id) {
				self.anchorIDs = append(self.anchorIDs, id)
			}
		case OpDelete:
			if i := slices.Index(self.anchorIDs, id); i >= 0 {
				self.anchorIDs = slices.Delete(self.anchorIDs, i, i+1)
			}
			// fall through to general deletion below
		}
	}

	// 2. Single-anchor initialization.
	if !self.many && !self.anchorIDSet {
		if typeTag != self.anchorType {
			return fmt.Errorf("%w: got %q, want %q", ErrAnchorTypeMismatch, typeTag, self.anchorType)
		}
		self.anchorID = id
		self.anchorIDSet = true
	}

	// 3. Deletion path.
	if op == OpDelete {
		self.delete(InstanceKey(typeTag, id), typeTag, id)
		return nil
	}

	// 4. Merge into index.
	k := InstanceKey(typeTag, id)
	hadInboundRefs := len(self.reverse[k]) > 0

	next := &Instance{
		TypeTag:   typeTag,
		ID:        id,
		Tstamp:    p.Tstamp(),
		Operation: op,
		Loaded:    true,
		UserKey:   p.UserKey(),
		Fields:    make(map[string]any),
	}
	self.index[k] = next

	// 5. Resolve relations.
	for name, v := range p {
		if isReservedPayloadKey(name) {
			continue
		}
		targetType, isRelation := self.modelMap.RelationTarget(typeTag, name)
		if !isRelation {
			next.Fields[name] = v
			continue
		}
		if ids, isSeq := toInt64Slice(v); isSeq {
			seq := make([]*Instance, len(ids))
			for i, elemID := range ids {
				seq[i] = self.getOrCreate(targetType, elemID, k, name)
			}
			next.Fields[name] = seq
		} else {
			targetID := toInt64(v)
			next.Fields[name] = self.getOrCreate(targetType, targetID, k, name)
		}
	}

	// 6. Invalidate upward.
	if hadInboundRefs {
		self.invalidate(k, make(map[Key]bool))
	} else if _, ok := self.reverse[k]; !ok {
		self.reverse[k] = make(map[edge]struct{})
	}

	self.log("ingest %s op=%s", k, op)
	return nil
}

// getOrCreate implements spec.md §4.1.2. It deliberately does not call
// invalidate: the referrer is being freshly rewritten by the caller and
// will be installed into the index by step 4/6 of ingestOne.
func (self *Builder) getOrCreate(targetType string, id int64, referrerKey Key, property string) *Instance {
	tk := InstanceKey(targetType, id)
	inst, ok := self.index[tk]
	if !ok {
		inst = newPlaceholder(targetType, id)
		self.index[tk] = inst
	}
	if self.reverse[tk] == nil {
		self.reverse[tk] = make(map[edge]struct{})
	}
	self.reverse[tk][edge{referrerKey: referrerKey, property: property}] = struct{}{}
	return inst
}

// edgesByReferrer groups the incoming edges at key by referrer, in first-
// seen order, so a referrer with two relational properties both pointing
// at key is rewritten exactly once instead of twice (which would leave
// an earlier fresh copy referenced by a grandparent while the index
// moved on to a later one).
func (self *Builder) edgesByReferrer(key Key) ([]Key, map[Key][]edge) {
	order := make([]Key, 0, len(self.reverse[key]))
	seen := make(map[Key]bool, len(self.reverse[key]))
	byReferrer := make(map[Key][]edge, len(self.reverse[key]))
	for e := range self.reverse[key] {
		if !seen[e.referrerKey] {
			seen[e.referrerKey] = true
			order = append(order, e.referrerKey)
		}
		byReferrer[e.referrerKey] = append(byReferrer[e.referrerKey], e)
	}
	return order, byReferrer
}

// invalidate walks the reverse-reference map from key upward, replacing
// every ancestor with a shallow copy carrying a fresh top-level identity
// (spec.md §4.1.1). visited is keyed by Key, not object identity, since
// object identities themselves mutate as invalidation proceeds (§9,
// "Graph cycles").
func (self *Builder) invalidate(key Key, visited map[Key]bool) {
	if visited[key] {
		return
	}
	visited[key] = true

	order, byReferrer := self.edgesByReferrer(key)

	for _, referrerKey := range order {
		referrer, ok := self.index[referrerKey]
		if !ok {
			continue
		}
		fresh := referrer.clone()

		for _, e := range byReferrer[referrerKey] {
			switch existing := fresh.Fields[e.property].(type) {
			case []*Instance:
				seq := make([]*Instance, 0, len(existing))
				for _, elem := range existing {
					if cur, ok := self.index[elem.Key()]; ok {
						seq = append(seq, cur)
					}
				}
				fresh.Fields[e.property] = seq
			default:
				fresh.Fields[e.property] = self.index[key]
			}
		}

		self.index[referrerKey] = fresh
	}

	// Recurse only after every referrer at this level has its final fresh
	// copy installed, so a grandparent reads each ancestor's last write.
	for _, referrerKey := range order {
		self.invalidate(referrerKey, visited)
	}
}

// delete implements spec.md §4.1.3. Each referrer is replaced in the
// index by a shallow copy whose property is nulled (single relation) or
// filtered (sequence); the referrer already published is not mutated.
// Invalidation is then propagated from each referrer upward, so every
// ancestor also gets a fresh identity on a delete.
func (self *Builder) delete(k Key, typeTag string, id int64) {
	order, byReferrer := self.edgesByReferrer(k)

	for _, referrerKey := range order {
		referrer, ok := self.index[referrerKey]
		if !ok {
			continue
		}
		fresh := referrer.clone()

		for _, e := range byReferrer[referrerKey] {
			switch existing := fresh.Fields[e.property].(type) {
			case []*Instance:
				seq := make([]*Instance, 0, len(existing))
				for _, elem := range existing {
					if elem.TypeTag == typeTag && elem.ID == id {
						continue
					}
					seq = append(seq, elem)
				}
				fresh.Fields[e.property] = seq
			default:
				fresh.Fields[e.property] = nil
			}
		}

		self.index[referrerKey] = fresh
	}

	visited := make(map[Key]bool)
	for _, referrerKey := range order {
		self.invalidate(referrerKey, visited)
	}

	delete(self.index, k)
	delete(self.reverse, k)
}

// GetInstance looks up an instance by "type:id" key.
func (self *Builder) GetInstance(key Key) (*Instance, error) {
	inst, ok := self.index[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, key)
	}
	return inst, nil
}

// State is the derived view (spec.md §4.1): in single mode, a fresh
// shallow copy of the anchor's indexed instance, or nil if the anchor is
// not yet set; in multi mode, an ordered slice of fresh shallow copies
// keyed by the current anchor sequence.
func (self *Builder) State() any {
	if self.many {
		return self.StateMany()
	}
	inst, ok := self.StateSingle()
	if !ok {
		return nil
	}
	return inst
}

func (self *Builder) StateSingle() (*Instance, bool) {
	if !self.anchorIDSet {
		return nil, false
	}
	inst, ok := self.index[InstanceKey(self.anchorType, self.anchorID)]
	if !ok {
		return nil, false
	}
	return inst.clone(), true
}

func (self *Builder) StateMany() []*Instance {
	out := make([]*Instance, 0, len(self.anchorIDs))
	for _, id := range self.anchorIDs {
		if inst, ok := self.index[InstanceKey(self.anchorType, id)]; ok {
			out = append(out, inst.clone())
		}
	}
	return out
}

// AnchorIDs returns a copy of the current anchor sequence (multi-anchor
// mode only).
func (self *Builder) AnchorIDs() []int64 {
	return slices.Clone(self.anchorIDs)
}
