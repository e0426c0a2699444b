package types

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// ValueType enumerates the property value types the engine stores.
type ValueType int

const (
	TypeString ValueType = iota
	TypeLong
	TypeDouble
	TypeBoolean
	TypeDate
	TypeBinary
	TypeReference
	TypeName
	TypePath
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeLong:
		return "long"
	case TypeDouble:
		return "double"
	case TypeBoolean:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeBinary:
		return "binary"
	case TypeReference:
		return "reference"
	case TypeName:
		return "name"
	case TypePath:
		return "path"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Value is one typed property value. Only the field matching Type carries
// meaning; the rest stay at their zero values.
type Value struct {
	Type ValueType `json:"type"`
	Str  string    `json:"str,omitempty"`
	Num  int64     `json:"num,omitempty"`
	Flt  float64   `json:"flt,omitempty"`
	Bool bool      `json:"bool,omitempty"`
	Time time.Time `json:"time,omitempty"`
	Bin  []byte    `json:"bin,omitempty"`
	Ref  NodeID    `json:"ref,omitempty"`
}

func StringValue(s string) Value    { return Value{Type: TypeString, Str: s} }
func LongValue(n int64) Value       { return Value{Type: TypeLong, Num: n} }
func DoubleValue(f float64) Value   { return Value{Type: TypeDouble, Flt: f} }
func BoolValue(b bool) Value        { return Value{Type: TypeBoolean, Bool: b} }
func DateValue(t time.Time) Value   { return Value{Type: TypeDate, Time: t} }
func BinaryValue(b []byte) Value    { return Value{Type: TypeBinary, Bin: b} }
func ReferenceValue(n NodeID) Value { return Value{Type: TypeReference, Ref: n} }
func NameValue(s string) Value      { return Value{Type: TypeName, Str: s} }
func PathValue(s string) Value      { return Value{Type: TypePath, Str: s} }

// Validate checks the value is structurally sound for its declared type.
func (v Value) Validate() error {
	switch v.Type {
	case TypeString, TypeLong, TypeDouble, TypeBoolean, TypeBinary:
		return nil
	case TypeDate:
		if v.Time.IsZero() {
			return fmt.Errorf("date value without timestamp")
		}
		return nil
	case TypeReference:
		if v.Ref.IsZero() {
			return fmt.Errorf("reference value without target")
		}
		return nil
	case TypeName:
		if v.Str == "" || strings.ContainsAny(v.Str, "/[]") {
			return fmt.Errorf("invalid name value %q", v.Str)
		}
		return nil
	case TypePath:
		if v.Str == "" {
			return fmt.Errorf("empty path value")
		}
		return nil
	default:
		return fmt.Errorf("unknown value type %d", int(v.Type))
	}
}

// Equal reports deep value equality.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeString, TypeName, TypePath:
		return v.Str == o.Str
	case TypeLong:
		return v.Num == o.Num
	case TypeDouble:
		return v.Flt == o.Flt
	case TypeBoolean:
		return v.Bool == o.Bool
	case TypeDate:
		return v.Time.Equal(o.Time)
	case TypeBinary:
		return bytes.Equal(v.Bin, o.Bin)
	case TypeReference:
		return v.Ref == o.Ref
	}
	return false
}

// ValidateValues checks every value against the declared property type.
// A value whose own type differs from the declared type is rejected; the
// engine does not coerce.
func ValidateValues(t ValueType, values []Value) error {
	for i, v := range values {
		if v.Type != t {
			return fmt.Errorf("value %d has type %s, property declares %s", i, v.Type, t)
		}
		if err := v.Validate(); err != nil {
			return fmt.Errorf("value %d: %w", i, err)
		}
	}
	return nil
}

// CopyValues returns a deep copy of a value slice. Binary payloads are
// duplicated so frozen snapshots cannot alias live buffers.
func CopyValues(values []Value) []Value {
	if values == nil {
		return nil
	}
	out := make([]Value, len(values))
	copy(out, values)
	for i := range out {
		if out[i].Bin != nil {
			b := make([]byte, len(out[i].Bin))
			copy(b, out[i].Bin)
			out[i].Bin = b
		}
	}
	return out
}

// ValuesEqual reports element-wise equality of two value slices.
func ValuesEqual(a, b []Value) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
