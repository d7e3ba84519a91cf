package structural

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
)

// Kind is the type of an indexed value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
)

// Value is a typed, comparable field value. Ints and floats compare numerically
// with each other.
type Value struct {
	Kind Kind
	B    bool
	I64  int64
	F64  float64
	S    string
}

func Bool(v bool) Value     { return Value{Kind: KindBool, B: v} }
func Int(v int64) Value     { return Value{Kind: KindInt, I64: v} }
func Float(v float64) Value { return Value{Kind: KindFloat, F64: v} }
func String(v string) Value { return Value{Kind: KindString, S: v} }

// FromAny converts a Go value into a Value.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint32:
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("value out of range: %d", x)
		}
		return Int(int64(x)), nil
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) {
		return Value{}, fmt.Errorf("NaN cannot be indexed")
	}
	return Float(f), nil
}

func (v Value) isNumber() bool { return v.Kind == KindInt || v.Kind == KindFloat }

func (v Value) float() float64 {
	if v.Kind == KindInt {
		return float64(v.I64)
	}
	return v.F64
}

// class groups kinds that are mutually comparable.
func (v Value) class() int {
	switch v.Kind {
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	case KindString:
		return 3
	default:
		return 0
	}
}

// compare orders values by class first, then by value.
func compare(a, b Value) int {
	if c := cmp.Compare(a.class(), b.class()); c != 0 {
		return c
	}
	switch {
	case a.Kind == KindBool:
		switch {
		case a.B == b.B:
			return 0
		case !a.B:
			return -1
		default:
			return 1
		}
	case a.Kind == KindInt && b.Kind == KindInt:
		return cmp.Compare(a.I64, b.I64)
	case a.isNumber():
		if c := cmp.Compare(a.float(), b.float()); c != 0 {
			return c
		}
		// 1 and 1.0 are distinct keys; keep the order total.
		return cmp.Compare(a.Kind, b.Kind)
	default:
		return cmp.Compare(a.S, b.S)
	}
}

// equal reports value equality, treating 1 and 1.0 as equal.
func equal(a, b Value) bool {
	if a.isNumber() && b.isNumber() {
		if a.Kind == KindInt && b.Kind == KindInt {
			return a.I64 == b.I64
		}
		return a.float() == b.float()
	}
	return a == b
}

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.B)
	case KindInt:
		return strconv.FormatInt(v.I64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.S)
	default:
		return "<invalid>"
	}
}
