package odb

import (
	"fmt"
	"math"
	"slices"
	"unicode/utf8"
)

// FieldType defines how values of a field are converted and validated.
// Unassigned and Null pass through every type; whether a field may stay
// empty is decided by FieldDef.Required.
type FieldType interface {
	Kind() Kind
	Convert(v Value) (Value, error)
	Validate(v Value) error
}

// DeletePolicy says what happens to a referencing field when its target is deleted.
type DeletePolicy int

const (
	Restrict DeletePolicy = iota
	Cascade
	Unassign
	Remove
)

func (p DeletePolicy) String() string {
	switch p {
	case Restrict:
		return "restrict"
	case Cascade:
		return "cascade"
	case Unassign:
		return "unassign"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch s {
	case "", "restrict":
		return Restrict, nil
	case "cascade":
		return Cascade, nil
	case "unassign":
		return Unassign, nil
	case "remove":
		return Remove, nil
	default:
		return Restrict, fmt.Errorf("invalid on_delete policy %q", s)
	}
}

// refType is implemented by field types whose values reference entities.
type refType interface {
	FieldType
	onDelete() DeletePolicy
	allowsExtent(name string) bool
}

func isEmpty(v Value) bool {
	return v.kind == KindUnassigned || v.kind == KindNull
}

func invalid(v Value, format string, args ...any) error {
	return &FieldError{Value: v, Msg: fmt.Sprintf(format, args...), Err: ErrInvalidValue}
}

type StringType struct {
	MinLen int
	MaxLen int
}

func (StringType) Kind() Kind { return KindString }

func (t StringType) Convert(v Value) (Value, error) {
	switch v.kind {
	case KindBytes:
		if !utf8.ValidString(v.s) {
			return v, invalid(v, "not valid UTF-8")
		}
		return String(v.s), nil
	}
	return v, nil
}

func (t StringType) Validate(v Value) error {
	if isEmpty(v) {
		return nil
	}
	if v.kind != KindString {
		return invalid(v, "expected string")
	}
	n := utf8.RuneCountInString(v.s)
	if t.MinLen > 0 && n < t.MinLen {
		return invalid(v, "shorter than %d", t.MinLen)
	}
	if t.MaxLen > 0 && n > t.MaxLen {
		return invalid(v, "longer than %d", t.MaxLen)
	}
	return nil
}

// IntType accepts integers in [Min, Max]; a zero bound is not checked.
type IntType struct {
	Min int64
	Max int64
}

func (IntType) Kind() Kind { return KindInt }

func (t IntType) Convert(v Value) (Value, error) {
	if v.kind == KindFloat {
		if v.f != math.Trunc(v.f) || v.f > math.MaxInt64 || v.f < math.MinInt64 {
			return v, invalid(v, "not an integer")
		}
		return Int(int64(v.f)), nil
	}
	return v, nil
}

func (t IntType) Validate(v Value) error {
	if isEmpty(v) {
		return nil
	}
	if v.kind != KindInt {
		return invalid(v, "expected int")
	}
	if t.Min != 0 && v.n < t.Min {
		return invalid(v, "less than %d", t.Min)
	}
	if t.Max != 0 && v.n > t.Max {
		return invalid(v, "greater than %d", t.Max)
	}
	return nil
}

type FloatType struct{}

func (FloatType) Kind() Kind { return KindFloat }

func (FloatType) Convert(v Value) (Value, error) {
	if v.kind == KindInt {
		return Float(float64(v.n)), nil
	}
	return v, nil
}

func (FloatType) Validate(v Value) error {
	if isEmpty(v) || v.kind == KindFloat {
		return nil
	}
	return invalid(v, "expected float")
}

type BoolType struct{}

func (BoolType) Kind() Kind                     { return KindBool }
func (BoolType) Convert(v Value) (Value, error) { return v, nil }

func (BoolType) Validate(v Value) error {
	if isEmpty(v) || v.kind == KindBool {
		return nil
	}
	return invalid(v, "expected bool")
}

type BytesType struct{}

func (BytesType) Kind() Kind { return KindBytes }

func (BytesType) Convert(v Value) (Value, error) {
	if v.kind == KindString {
		return Bytes([]byte(v.s)), nil
	}
	return v, nil
}

func (BytesType) Validate(v Value) error {
	if isEmpty(v) || v.kind == KindBytes {
		return nil
	}
	return invalid(v, "expected bytes")
}

// EntityType holds a reference to an entity of one of Extents (any extent if empty).
type EntityType struct {
	Extents  []string
	OnDelete DeletePolicy
}

func (EntityType) Kind() Kind                     { return KindEntity }
func (EntityType) Convert(v Value) (Value, error) { return v, nil }

func (t EntityType) Validate(v Value) error {
	if isEmpty(v) {
		return nil
	}
	if v.kind != KindEntity {
		return invalid(v, "expected entity reference")
	}
	if !t.allowsExtent(v.s) {
		return invalid(v, "extent %s not allowed", v.s)
	}
	return nil
}

func (t EntityType) onDelete() DeletePolicy { return t.OnDelete }

func (t EntityType) allowsExtent(name string) bool {
	return len(t.Extents) == 0 || slices.Contains(t.Extents, name)
}

// EntityListType holds a list of references. With the Remove policy, a
// deleted target is dropped from the list.
type EntityListType struct {
	Extents  []string
	OnDelete DeletePolicy
}

func (EntityListType) Kind() Kind                     { return KindList }
func (EntityListType) Convert(v Value) (Value, error) { return v, nil }

func (t EntityListType) Validate(v Value) error {
	if isEmpty(v) {
		return nil
	}
	if v.kind != KindList {
		return invalid(v, "expected list of entity references")
	}
	for _, item := range v.list {
		if item.kind != KindEntity {
			return invalid(v, "expected entity reference, got %v", item.kind)
		}
		if !t.allowsExtent(item.s) {
			return invalid(v, "extent %s not allowed", item.s)
		}
	}
	return nil
}

func (t EntityListType) onDelete() DeletePolicy { return t.OnDelete }

func (t EntityListType) allowsExtent(name string) bool {
	return len(t.Extents) == 0 || slices.Contains(t.Extents, name)
}
