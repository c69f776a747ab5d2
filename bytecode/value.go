package bytecode

import (
	"strconv"
	"strings"
)

// Kind is the type of a runtime value.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindBoolean
	KindString
	KindList
	KindDict
	KindFunction
)

// List is a mutable sequence. Values holding the same *List alias it, so
// index assignment through one reference is visible through all of them.
type List struct {
	Elems []Value
}

// Dict is a mutable string-keyed map that remembers insertion order.
type Dict struct {
	keys  []string
	items map[string]Value
}

// Function is a compiled function: an entry point into the shared code
// array plus the number of parameters it expects.
type Function struct {
	Name  string
	Entry int
	Arity int
}

// Value is the universal runtime value. Kind selects which field is live;
// the zero Value is null.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Bool bool
	List *List
	Dict *Dict
	Fn   *Function
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// Number returns a number value.
func Number(n float64) Value {
	return Value{Kind: KindNumber, Num: n}
}

// Str returns a string value.
func Str(s string) Value {
	return Value{Kind: KindString, Str: s}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{Kind: KindBoolean, Bool: b}
}

// Null returns the null value.
func Null() Value {
	return Value{Kind: KindNull}
}

// NewList returns a list value owning the given elements.
func NewList(elems []Value) Value {
	return Value{Kind: KindList, List: &List{Elems: elems}}
}

// NewDict returns an empty dictionary value.
func NewDict() Value {
	return Value{Kind: KindDict, Dict: &Dict{items: make(map[string]Value)}}
}

// FuncValue returns a function value.
func FuncValue(name string, entry, arity int) Value {
	return Value{Kind: KindFunction, Fn: &Function{Name: name, Entry: entry, Arity: arity}}
}

// ---------------------------------------------------------------------------
// Dictionary operations
// ---------------------------------------------------------------------------

// Get looks up a key.
func (d *Dict) Get(key string) (Value, bool) {
	v, ok := d.items[key]
	return v, ok
}

// Set stores a key/value pair. New keys append to the insertion order;
// existing keys keep their position.
func (d *Dict) Set(key string, v Value) {
	if _, ok := d.items[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.items[key] = v
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}

// Keys returns the keys in insertion order. The slice is shared; callers
// must not modify it.
func (d *Dict) Keys() []string {
	return d.keys
}

// ---------------------------------------------------------------------------
// Display, truthiness, equality
// ---------------------------------------------------------------------------

// String returns the display form used by Print and the disassembler.
// Numbers drop a trailing ".0"; strings appear without quotes.
func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBoolean:
		if v.Bool {
			return "true"
		}
		return "false"
	case KindString:
		return v.Str
	case KindList:
		var b strings.Builder
		b.WriteByte('[')
		for i, el := range v.List.Elems {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(el.String())
		}
		b.WriteByte(']')
		return b.String()
	case KindDict:
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range v.Dict.keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v.Dict.items[k].String())
		}
		b.WriteByte('}')
		return b.String()
	case KindFunction:
		return "<function " + v.Fn.Name + ">"
	}
	return "<invalid>"
}

// TypeName returns the phrasal type name used in error messages.
func (v Value) TypeName() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dictionary"
	case KindFunction:
		return "function"
	}
	return "invalid"
}

// Truthy reports whether the value counts as true in a condition:
// booleans are themselves, null is false, numbers are true when nonzero,
// strings and collections are true when non-empty, functions are true.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindNumber:
		return v.Num != 0
	case KindBoolean:
		return v.Bool
	case KindString:
		return v.Str != ""
	case KindList:
		return len(v.List.Elems) > 0
	case KindDict:
		return v.Dict.Len() > 0
	case KindFunction:
		return true
	}
	return false
}

// Equal reports structural equality. Values of different kinds are never
// equal; lists compare element by element in order, dictionaries compare
// as key/value sets, functions compare by entry point and arity.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindNumber:
		return v.Num == o.Num
	case KindBoolean:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindList:
		if len(v.List.Elems) != len(o.List.Elems) {
			return false
		}
		for i, el := range v.List.Elems {
			if !el.Equal(o.List.Elems[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if v.Dict.Len() != o.Dict.Len() {
			return false
		}
		for _, k := range v.Dict.keys {
			ov, ok := o.Dict.Get(k)
			if !ok || !v.Dict.items[k].Equal(ov) {
				return false
			}
		}
		return true
	case KindFunction:
		return v.Fn.Entry == o.Fn.Entry && v.Fn.Arity == o.Fn.Arity
	}
	return false
}
