// Package types implements the tagged value lattice the compiler uses to
// describe what a fragment's arguments and results can be: a type tag, an
// optional known literal, and (for containers) a vector of element types.
package types

import "fmt"

// Tag identifies the shape of a Value, independent of any literal payload
// it might carry.
type Tag int

const (
	Indeterminate Tag = iota
	NoneType
	Bool
	Int
	Float
	Bytes
	Unicode
	List
	Tuple
	Set
	Dict
	Function
	Class
	Instance
	Module
	ExtensionTypeReference
)

func (t Tag) String() string {
	switch t {
	case Indeterminate:
		return "Indeterminate"
	case NoneType:
		return "None"
	case Bool:
		return "Bool"
	case Int:
		return "Int"
	case Float:
		return "Float"
	case Bytes:
		return "Bytes"
	case Unicode:
		return "Unicode"
	case List:
		return "List"
	case Tuple:
		return "Tuple"
	case Set:
		return "Set"
	case Dict:
		return "Dict"
	case Function:
		return "Function"
	case Class:
		return "Class"
	case Instance:
		return "Instance"
	case Module:
		return "Module"
	case ExtensionTypeReference:
		return "ExtensionTypeReference"
	default:
		return fmt.Sprintf("Tag(%d)", int(t))
	}
}

// HasRefcount reports whether a value of this tag is a heap object carrying
// a reference count (it starts with the common heap-object header).
func (t Tag) HasRefcount() bool {
	switch t {
	case Bytes, Unicode, List, Tuple, Set, Dict, Function, Class, Instance, Module:
		return true
	default:
		return false
	}
}

// Value is the compiler's static type for an expression: a tag plus
// whatever extra information the tag implies. IntLiteral/FloatLiteral are
// valid only when Known is true; a value can
// additionally know its own contents at compile time" design.
type Value struct {
	Tag         Tag
	Known       bool
	IntLiteral  int64
	FloatLiteral float64
	// ClassID identifies the concrete class for Instance and Class values.
	ClassID int64
	// Extension holds element types for containers (List/Tuple/Set/Dict):
	// one entry for List/Set, two for Dict (key, value), N for Tuple.
	Extension []Value
}

// IndeterminateValue is returned wherever a static type cannot be established
// ahead of a runtime check.
var IndeterminateValue = Value{Tag: Indeterminate}

// NoneValue is the single instance of the None type.
var NoneValue = Value{Tag: NoneType}

// IntValue constructs a statically-unknown Int.
func IntValue() Value { return Value{Tag: Int} }

// KnownInt constructs an Int whose value is known at compile time.
func KnownInt(v int64) Value { return Value{Tag: Int, Known: true, IntLiteral: v} }

// FloatValueT constructs a statically-unknown Float.
func FloatValueT() Value { return Value{Tag: Float} }

// KnownFloat constructs a Float whose value is known at compile time.
func KnownFloat(v float64) Value { return Value{Tag: Float, Known: true, FloatLiteral: v} }

// TypesEqual reports whether a and b describe the same shape, ignoring any
// known literal payload -- two Ints are the same type whether or not either
// is known. This is the equality used when deciding whether two
// argument-type tuples share a compiled fragment.
func TypesEqual(a, b Value) bool {
	if a.Tag != b.Tag {
		return false
	}
	if a.Tag == Instance || a.Tag == Class {
		return a.ClassID == b.ClassID
	}
	if len(a.Extension) != len(b.Extension) {
		return false
	}
	for i := range a.Extension {
		if !TypesEqual(a.Extension[i], b.Extension[i]) {
			return false
		}
	}
	return true
}

// TruthValue reports whether a known value is truthy. It is only called
// when the compiler has proven the value's truthiness at compile time (a
// known literal, or None); truthiness of a value not known until runtime is
// instead compiled into a test-and-branch.
func TruthValue(v Value) (truthy bool, ok bool) {
	switch v.Tag {
	case NoneType:
		return false, true
	case Bool, Int:
		if v.Known {
			return v.IntLiteral != 0, true
		}
	case Float:
		if v.Known {
			return v.FloatLiteral != 0, true
		}
	}
	return false, false
}

// Signature renders a value's type (not its payload) into a string stable
// enough to key a function's compiled-fragment table by argument-type
// tuple.
func Signature(v Value) string {
	switch v.Tag {
	case Instance, Class:
		return fmt.Sprintf("%s#%d", v.Tag, v.ClassID)
	case List, Tuple, Set, Dict:
		s := v.Tag.String() + "["
		for i, e := range v.Extension {
			if i > 0 {
				s += ","
			}
			s += Signature(e)
		}
		return s + "]"
	default:
		return v.Tag.String()
	}
}

// SignatureOf renders a type-tuple signature for an argument list, the key
// used to look up or register a specialized fragment.
func SignatureOf(args []Value) string {
	s := ""
	for i, a := range args {
		if i > 0 {
			s += ","
		}
		s += Signature(a)
	}
	return s
}
