package tl

import (
	"fmt"
	"sort"
)

// TypeKey is the key under which decoded objects carry their constructor name
const TypeKey = "@type"

// Object is a decoded TL value: field name to value, plus TypeKey
type Object map[string]any

// Type returns the constructor name carried in the object, if any
func (o Object) Type() string {
	s, _ := o[TypeKey].(string)
	return s
}

// DefaultUntouchables are bytes fields that hold opaque data and are never
// auto-decoded.
var DefaultUntouchables = [][2]string{
	{"adnl.message.part", "data"},
	{"overlay.broadcastFec", "data"},
}

// Registry maps constructor ids and names to schemas. It is read-only after
// NewRegistry returns and safe for concurrent use.
type Registry struct {
	byID    map[uint32]*Schema
	byName  map[string]*Schema
	byClass map[string][]*Schema

	untouchable map[string]bool
	autoDecode  bool
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithUntouchable excludes schema.field from nested auto-decoding
func WithUntouchable(schema, field string) RegistryOption {
	return func(r *Registry) {
		r.untouchable[schema+":"+field] = true
	}
}

// WithAutoDecode toggles decoding of nested objects found in bytes fields
func WithAutoDecode(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.autoDecode = enabled
	}
}

// NewRegistry builds an immutable registry
func NewRegistry(schemas []*Schema, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		byID:        make(map[uint32]*Schema, len(schemas)),
		byName:      make(map[string]*Schema, len(schemas)),
		byClass:     make(map[string][]*Schema),
		untouchable: make(map[string]bool),
		autoDecode:  true,
	}
	for _, u := range DefaultUntouchables {
		r.untouchable[u[0]+":"+u[1]] = true
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, s := range schemas {
		if prev, ok := r.byID[s.ID]; ok {
			return nil, fmt.Errorf("%w: constructor id %08x used by %s and %s", ErrInvalidSchema, s.ID, prev.Name, s.Name)
		}
		if _, ok := r.byName[s.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate constructor %s", ErrInvalidSchema, s.Name)
		}
		r.byID[s.ID] = s
		r.byName[s.Name] = s
		r.byClass[s.Class] = append(r.byClass[s.Class], s)
	}

	for _, s := range schemas {
		for i := range s.Fields {
			if err := r.checkRef(s, s.Fields[i].ref); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", s.Name, s.Fields[i].Name, err)
			}
		}
	}
	return r, nil
}

// NewRegistryFromText parses schema text and builds a registry from it
func NewRegistryFromText(text string, opts ...RegistryOption) (*Registry, error) {
	schemas, err := ParseSchemas(text)
	if err != nil {
		return nil, err
	}
	return NewRegistry(schemas, opts...)
}

// checkRef makes sure bare references point at known constructors
func (r *Registry) checkRef(s *Schema, ref *typeRef) error {
	switch {
	case ref.kind == kindVector:
		return r.checkRef(s, ref.elem)
	case ref.kind == kindObject && ref.bare:
		if _, ok := r.byName[ref.name]; !ok {
			return fmt.Errorf("%w: unknown bare type %s", ErrInvalidSchema, ref.name)
		}
	}
	return nil
}

// Lookup returns the schema with the given constructor name
func (r *Registry) Lookup(name string) (*Schema, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// LookupID returns the schema with the given constructor id
func (r *Registry) LookupID(id uint32) (*Schema, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// Class returns every schema whose result type is class
func (r *Registry) Class(class string) []*Schema {
	return r.byClass[class]
}

// Schemas returns all schemas ordered by name
func (r *Registry) Schemas() []*Schema {
	out := make([]*Schema, 0, len(r.byName))
	for _, s := range r.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Untouchable reports whether schema.field is excluded from auto-decoding
func (r *Registry) Untouchable(schema, field string) bool {
	return r.untouchable[schema+":"+field]
}

// resolveClass finds the schema for a class-typed value: the value's own
// TypeKey if present, otherwise the only schema of that class.
func (r *Registry) resolveClass(class string, obj Object) (*Schema, error) {
	if name := obj.Type(); name != "" {
		s, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown type %s", ErrSchemaMismatch, name)
		}
		return s, nil
	}
	candidates := r.byClass[class]
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no schema for class %s", ErrSchemaMismatch, class)
	}
	return nil, fmt.Errorf("%w: class %s is ambiguous, value needs %s", ErrSchemaMismatch, class, TypeKey)
}
