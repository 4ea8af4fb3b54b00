package graph

import (
	"fmt"
	"sync"
)

// EntityType describes a registered entity type.
type EntityType struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RelationType describes a registered relation type. Functional relations
// admit at most one current object per subject ("lives_in", "named"); a new
// object for the same subject is a contradiction and supersedes the old edge.
type RelationType struct {
	Name        string `json:"name"`
	Functional  bool   `json:"functional"`
	Description string `json:"description,omitempty"`
}

// Registry is the open, runtime-extensible ontology: a mapping from type
// names to small schema descriptors, validated at ingestion. Unknown types
// encountered during extraction are registered on the fly as non-functional.
type Registry struct {
	mu        sync.RWMutex
	entities  map[string]EntityType
	relations map[string]RelationType
}

// NewRegistry creates a registry seeded with the default ontology.
func NewRegistry() *Registry {
	r := &Registry{
		entities:  make(map[string]EntityType),
		relations: make(map[string]RelationType),
	}

	for _, et := range []EntityType{
		{Name: "person"},
		{Name: "pet"},
		{Name: "place"},
		{Name: "organization"},
		{Name: "thing"},
	} {
		r.entities[et.Name] = et
	}

	for _, rt := range []RelationType{
		{Name: "named", Functional: true},
		{Name: "lives_in", Functional: true},
		{Name: "works_at", Functional: true},
		{Name: "born_on", Functional: true},
		{Name: "owns", Functional: false},
		{Name: "likes", Functional: false},
		{Name: "knows", Functional: false},
		{Name: "related_to", Functional: false},
	} {
		r.relations[rt.Name] = rt
	}

	return r
}

// RegisterEntityType adds or replaces an entity type descriptor.
func (r *Registry) RegisterEntityType(et EntityType) error {
	if et.Name == "" {
		return fmt.Errorf("%w: entity type name is required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[et.Name] = et
	return nil
}

// RegisterRelationType adds or replaces a relation type descriptor.
func (r *Registry) RegisterRelationType(rt RelationType) error {
	if rt.Name == "" {
		return fmt.Errorf("%w: relation type name is required", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.relations[rt.Name] = rt
	return nil
}

// EntityType looks up an entity type descriptor.
func (r *Registry) EntityType(name string) (EntityType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	et, ok := r.entities[name]
	return et, ok
}

// RelationType looks up a relation type descriptor.
func (r *Registry) RelationType(name string) (RelationType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.relations[name]
	return rt, ok
}

// Functional reports whether the named relation type admits at most one
// current object per subject. Unknown types are treated as non-functional.
func (r *Registry) Functional(name string) bool {
	rt, ok := r.RelationType(name)
	return ok && rt.Functional
}

// ValidateCandidate checks a candidate fact's structure before
// classification. Unknown entity and relation types are registered rather
// than rejected: the ontology is open.
func (r *Registry) ValidateCandidate(c *CandidateFact) error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: nil candidate", ErrValidation)
	case c.Owner == "":
		return fmt.Errorf("%w: candidate missing owner", ErrValidation)
	case c.SubjectRef == "":
		return fmt.Errorf("%w: candidate missing subject", ErrValidation)
	case c.RelationType == "":
		return fmt.Errorf("%w: candidate missing relation type", ErrValidation)
	case c.ObjectRef == "":
		return fmt.Errorf("%w: candidate missing object", ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.relations[c.RelationType]; !ok {
		r.relations[c.RelationType] = RelationType{Name: c.RelationType}
	}
	if c.SubjectType != "" {
		if _, ok := r.entities[c.SubjectType]; !ok {
			r.entities[c.SubjectType] = EntityType{Name: c.SubjectType}
		}
	}
	if c.ObjectType != "" {
		if _, ok := r.entities[c.ObjectType]; !ok {
			r.entities[c.ObjectType] = EntityType{Name: c.ObjectType}
		}
	}

	return nil
}
