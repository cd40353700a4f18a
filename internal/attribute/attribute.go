// Package attribute implements spec.md's C4 model: typed name->value
// attributes, the constraints and filters built from them, and the
// disjunctive predicate a node uses to decide what files it wants.
package attribute

import (
	"fmt"
	"strconv"
)

// Type identifies the value domain of an Attribute.
type Type uint8

const (
	TypeString Type = iota
	TypeInt64
	TypeBool
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt64:
		return "int64"
	case TypeBool:
		return "bool"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Attribute is a named, typed slot. Two Attributes are equal iff both
// their Name and Type match.
type Attribute struct {
	Name string
	Type Type
}

// Name is the built-in attribute holding a file's relative archive path.
var Name = Attribute{Name: "name", Type: TypeString}

// Equal compares two values of a's type. It reports false (rather than
// panicking) if either value is not of the expected concrete Go type.
func (a Attribute) Equal(v1, v2 any) bool {
	switch a.Type {
	case TypeString:
		s1, ok1 := v1.(string)
		s2, ok2 := v2.(string)
		return ok1 && ok2 && s1 == s2
	case TypeInt64:
		i1, ok1 := v1.(int64)
		i2, ok2 := v2.(int64)
		return ok1 && ok2 && i1 == i2
	case TypeBool:
		b1, ok1 := v1.(bool)
		b2, ok2 := v2.(bool)
		return ok1 && ok2 && b1 == b2
	default:
		return false
	}
}

// ParseValue converts raw's string representation into a's value domain.
func (a Attribute) ParseValue(raw string) (any, error) {
	switch a.Type {
	case TypeString:
		return raw, nil
	case TypeInt64:
		return strconv.ParseInt(raw, 10, 64)
	case TypeBool:
		return strconv.ParseBool(raw)
	default:
		return nil, fmt.Errorf("attribute: unknown type %v", a.Type)
	}
}

// Entry constructs an AttributeEntry from a's string representation.
func (a Attribute) Entry(raw string) (Entry, error) {
	v, err := a.ParseValue(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("attribute %q: %w", a.Name, err)
	}
	return Entry{Attribute: a, Value: v}, nil
}

// Entry is an immutable (attribute, value) pair.
type Entry struct {
	Attribute Attribute
	Value     any
}

// TypeEqual reports whether e and other share the same Attribute.
func (e Entry) TypeEqual(other Entry) bool { return e.Attribute == other.Attribute }

// Equals reports whether e and other are type-equal and hold equal values.
func (e Entry) Equals(other Entry) bool {
	return e.TypeEqual(other) && e.Attribute.Equal(e.Value, other.Value)
}

// EqualConstraint returns a Constraint satisfied exactly when a value
// equals e's.
func (e Entry) EqualConstraint() Constraint {
	return Constraint{Attribute: e.Attribute, Value: e.Value, Negate: false}
}

// NotEqualConstraint returns a Constraint satisfied exactly when a value
// does not equal e's.
func (e Entry) NotEqualConstraint() Constraint {
	return Constraint{Attribute: e.Attribute, Value: e.Value, Negate: true}
}

// Entries is an attribute map: the set of AttributeEntry values attached
// to one FileId.
type Entries []Entry

// Get returns the value for attr, if present.
func (es Entries) Get(attr Attribute) (any, bool) {
	for _, e := range es {
		if e.Attribute == attr {
			return e.Value, true
		}
	}
	return nil, false
}

// Constraint is an immutable (attribute, value) pair plus a polarity:
// SatisfiedBy is value-equality (or its negation) on that attribute's
// type.
type Constraint struct {
	Attribute Attribute
	Value     any
	Negate    bool
}

// SatisfiedBy reports whether entries' value for c.Attribute satisfies c.
// A file with no entry for c.Attribute never satisfies a positive
// constraint, and always satisfies a negated one (absence is inequality).
func (c Constraint) SatisfiedBy(entries Entries) bool {
	v, ok := entries.Get(c.Attribute)
	if !ok {
		return c.Negate
	}
	eq := c.Attribute.Equal(v, c.Value)
	if c.Negate {
		return !eq
	}
	return eq
}
