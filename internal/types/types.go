package types

import "fmt"

// Kind enumerates the semantic parameter/return types the pipeline
// understands, independent of how the catalog spells them. The set is closed
// on purpose: an unknown kind is a hard mapping error everywhere, it never
// falls back to a default representation.
type Kind int

const (
	Invalid Kind = iota
	Bool
	Int16
	Int32
	Int64
	Float32
	Float64
	Text
	Bytes
	JSON
)

var kindNames = map[Kind]string{
	Bool:    "bool",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
	Text:    "text",
	Bytes:   "bytes",
	JSON:    "json",
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, n := range kindNames {
		m[n] = k
	}
	return m
}()

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Parse resolves a catalog type name into a Kind.
func Parse(name string) (Kind, error) {
	if k, ok := namesToKind[name]; ok {
		return k, nil
	}
	return Invalid, fmt.Errorf("unsupported semantic type %q", name)
}

// GoType returns the concrete Go spelling used for the user wrapper's
// parameters and return value.
func (k Kind) GoType() (string, error) {
	switch k {
	case Bool:
		return "bool", nil
	case Int16:
		return "int16", nil
	case Int32:
		return "int32", nil
	case Int64:
		return "int64", nil
	case Float32:
		return "float32", nil
	case Float64:
		return "float64", nil
	case Text:
		return "string", nil
	case Bytes:
		return "[]byte", nil
	case JSON:
		return "string", nil
	}
	return "", fmt.Errorf("unsupported semantic type %s", k)
}

// Primitive reports whether values of this kind cross the entry-point
// boundary by value, unmapped. Everything else travels as a pointer-sized
// handle to a length-prefixed encoding.
//
// The primitive set is deliberately just the two integer widths the entry
// ABI can express on every supported target. Widening it (floats, bool) is a
// conscious protocol change, not a mapping table edit.
func (k Kind) Primitive() bool {
	return k == Int32 || k == Int64
}

// Value is a nullable argument or result travelling through the dispatcher.
type Value struct {
	Kind Kind
	Null bool
	V    any
}

// NullValue returns the null sentinel of the given kind.
func NullValue(k Kind) Value {
	return Value{Kind: k, Null: true}
}

func Int64Value(v int64) Value     { return Value{Kind: Int64, V: v} }
func Int32Value(v int32) Value     { return Value{Kind: Int32, V: v} }
func TextValue(v string) Value     { return Value{Kind: Text, V: v} }
func BytesValue(v []byte) Value    { return Value{Kind: Bytes, V: v} }
func BoolValue(v bool) Value       { return Value{Kind: Bool, V: v} }
func Float64Value(v float64) Value { return Value{Kind: Float64, V: v} }
