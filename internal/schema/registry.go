package schema

import "fmt"

// Registry is the process-wide, read-only set of field definitions. It is
// built once at startup and injected into the parser, merge engine, and
// completeness evaluator so all three stay pure and independently testable.
type Registry struct {
	fields []FieldDefinition
	byName map[string]FieldDefinition
}

func NewRegistry(fields []FieldDefinition) (*Registry, error) {
	byName := make(map[string]FieldDefinition, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("field with empty name")
		}
		if _, dup := byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate field %q", f.Name)
		}
		if f.Type == TypeCategorical && len(f.Enum) == 0 {
			return nil, fmt.Errorf("categorical field %q has no enum options", f.Name)
		}
		byName[f.Name] = f
	}
	out := make([]FieldDefinition, len(fields))
	copy(out, fields)
	return &Registry{fields: out, byName: byName}, nil
}

func (r *Registry) Lookup(name string) (FieldDefinition, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// MustLookup resolves a field name that the caller asserts is declared.
// An unknown name here is a programming error, not user input.
func (r *Registry) MustLookup(name string) FieldDefinition {
	f, ok := r.byName[name]
	if !ok {
		panic(fmt.Sprintf("schema: undeclared field %q", name))
	}
	return f
}

// Fields returns definitions in declaration order.
func (r *Registry) Fields() []FieldDefinition {
	out := make([]FieldDefinition, len(r.fields))
	copy(out, r.fields)
	return out
}

// RequiredFor returns the fields a stage cannot run without, in
// declaration order.
func (r *Registry) RequiredFor(stage Stage) []FieldDefinition {
	var out []FieldDefinition
	for _, f := range r.fields {
		if f.RequiredFor(stage) {
			out = append(out, f)
		}
	}
	return out
}

// StageFields returns every field belonging to a stage's payload,
// required and optional, in declaration order.
func (r *Registry) StageFields(stage Stage) []FieldDefinition {
	var out []FieldDefinition
	for _, f := range r.fields {
		if f.BelongsTo(stage) {
			out = append(out, f)
		}
	}
	return out
}
