package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Stage identifies one of the two sequential inference phases.
type Stage string

const (
	StageS1 Stage = "S1"
	StageS2 Stage = "S2"
)

func (s Stage) Valid() bool { return s == StageS1 || s == StageS2 }

type FieldType string

const (
	TypeBool        FieldType = "bool"
	TypeInt         FieldType = "int"
	TypeFloat       FieldType = "float"
	TypeCategorical FieldType = "categorical"
	TypeText        FieldType = "text"
)

// EnumOption is one admissible value of a categorical field. Code is the
// numeric encoding sent to the inference API.
type EnumOption struct {
	Label   string
	Code    float64
	Aliases []string
}

// FieldDefinition declares one clinical or lab field: its type, valid
// domain, the stages that require it, and the synonyms the parser matches.
// Definitions are immutable after registry construction.
type FieldDefinition struct {
	Name  string
	Label string
	Type  FieldType
	Unit  string

	// Numeric domain, inclusive. Ignored for categorical and text fields.
	Min float64
	Max float64

	Enum []EnumOption

	RequiredBy []Stage
	// OptionalFor lists stages whose payload includes the field when present.
	OptionalFor []Stage

	// Aliases match the field by name in free text. WeakAliases are shared
	// shorthand (e.g. "rate") that alone cannot disambiguate the field.
	Aliases     []string
	WeakAliases []string

	// Prompt is the clarifying question asked when the field is missing or
	// a candidate for it was rejected.
	Prompt string
}

// Value is a normalized field value. Numeric-coded types (bool, int, float,
// categorical) live in Num; text fields live in Text.
type Value struct {
	Num  float64 `json:"num"`
	Text string  `json:"text,omitempty"`
}

func Num(v float64) Value  { return Value{Num: v} }
func Text(s string) Value  { return Value{Text: s} }
func (v Value) Equal(o Value) bool {
	return v.Num == o.Num && v.Text == o.Text
}

func (f FieldDefinition) RequiredFor(stage Stage) bool {
	for _, s := range f.RequiredBy {
		if s == stage {
			return true
		}
	}
	return false
}

// BelongsTo reports whether the field is part of a stage's payload,
// required or optional.
func (f FieldDefinition) BelongsTo(stage Stage) bool {
	if f.RequiredFor(stage) {
		return true
	}
	for _, s := range f.OptionalFor {
		if s == stage {
			return true
		}
	}
	return false
}

// Validate checks a normalized value against the field's domain.
func (f FieldDefinition) Validate(v Value) error {
	switch f.Type {
	case TypeBool:
		if v.Num != 0 && v.Num != 1 {
			return fmt.Errorf("%s must be 0 or 1, got %v", f.Name, v.Num)
		}
	case TypeInt:
		if v.Num != math.Trunc(v.Num) {
			return fmt.Errorf("%s must be a whole number, got %v", f.Name, v.Num)
		}
		if v.Num < f.Min || v.Num > f.Max {
			return fmt.Errorf("%s out of range %v-%v%s: %v", f.Name, f.Min, f.Max, unitSuffix(f.Unit), v.Num)
		}
	case TypeFloat:
		if v.Num < f.Min || v.Num > f.Max {
			return fmt.Errorf("%s out of range %v-%v%s: %v", f.Name, f.Min, f.Max, unitSuffix(f.Unit), v.Num)
		}
	case TypeCategorical:
		for _, opt := range f.Enum {
			if opt.Code == v.Num {
				return nil
			}
		}
		return fmt.Errorf("%s has no category coded %v", f.Name, v.Num)
	case TypeText:
		if strings.TrimSpace(v.Text) == "" {
			return fmt.Errorf("%s must not be empty", f.Name)
		}
	default:
		return fmt.Errorf("%s has unknown type %q", f.Name, f.Type)
	}
	return nil
}

// Normalize converts a raw token into a Value of the field's type without
// validating the domain. Unit conversion happens in the parser before
// Normalize is called.
func (f FieldDefinition) Normalize(raw string) (Value, error) {
	raw = strings.TrimSpace(raw)
	switch f.Type {
	case TypeBool:
		switch strings.ToLower(raw) {
		case "1", "yes", "y", "true", "present":
			return Num(1), nil
		case "0", "no", "n", "false", "absent":
			return Num(0), nil
		}
		return Value{}, fmt.Errorf("%s: cannot read %q as yes/no", f.Name, raw)
	case TypeInt:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w", f.Name, err)
		}
		return Num(math.Round(n)), nil
	case TypeFloat:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%s: %w", f.Name, err)
		}
		return Num(n), nil
	case TypeCategorical:
		lower := strings.ToLower(raw)
		for _, opt := range f.Enum {
			if strings.ToLower(opt.Label) == lower {
				return Num(opt.Code), nil
			}
			for _, a := range opt.Aliases {
				if strings.ToLower(a) == lower {
					return Num(opt.Code), nil
				}
			}
		}
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			return Num(n), nil
		}
		return Value{}, fmt.Errorf("%s: unknown category %q", f.Name, raw)
	case TypeText:
		return Text(raw), nil
	}
	return Value{}, fmt.Errorf("%s has unknown type %q", f.Name, f.Type)
}

// Format renders a normalized value for the sheet summary.
func (f FieldDefinition) Format(v Value) string {
	switch f.Type {
	case TypeBool:
		if v.Num == 1 {
			return "yes"
		}
		return "no"
	case TypeCategorical:
		for _, opt := range f.Enum {
			if opt.Code == v.Num {
				return opt.Label
			}
		}
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case TypeText:
		return v.Text
	default:
		s := strconv.FormatFloat(v.Num, 'f', -1, 64)
		if f.Unit != "" {
			s += " " + f.Unit
		}
		return s
	}
}

func unitSuffix(unit string) string {
	if unit == "" {
		return ""
	}
	return " " + unit
}
