package logic

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// kind tags a dynamically typed value. Configuration literals and decoded
// session JSON are both mapped onto these before comparison.
type kind int

const (
	kindUndefined kind = iota // path did not resolve
	kindNull
	kindBool
	kindNumber
	kindString
	kindObject // maps, slices and anything else composite
)

type value struct {
	kind kind
	b    bool
	n    float64
	s    string
	o    any
}

var undefined = value{kind: kindUndefined}

func number(n float64) value { return value{kind: kindNumber, n: n} }
func str(s string) value     { return value{kind: kindString, s: s} }
func boolean(b bool) value   { return value{kind: kindBool, b: b} }

// fromGo maps a decoded JSON / config value onto a tagged value.
func fromGo(v any) value {
	switch x := v.(type) {
	case nil:
		return value{kind: kindNull}
	case bool:
		return boolean(x)
	case string:
		return str(x)
	case float64:
		return number(x)
	case float32:
		return number(float64(x))
	case int:
		return number(float64(x))
	case int8:
		return number(float64(x))
	case int16:
		return number(float64(x))
	case int32:
		return number(float64(x))
	case int64:
		return number(float64(x))
	case uint:
		return number(float64(x))
	case uint8:
		return number(float64(x))
	case uint16:
		return number(float64(x))
	case uint32:
		return number(float64(x))
	case uint64:
		return number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return number(math.NaN())
		}
		return number(f)
	}
	return value{kind: kindObject, o: v}
}

// export converts back to a plain Go value for diagnostics.
func (v value) export() any {
	switch v.kind {
	case kindBool:
		return v.b
	case kindNumber:
		return v.n
	case kindString:
		return v.s
	case kindObject:
		return v.o
	}
	return nil
}

func (v value) nullish() bool {
	return v.kind == kindUndefined || v.kind == kindNull
}

// toPrimitive turns composites into their string form; primitives pass through.
func (v value) toPrimitive() value {
	if v.kind == kindObject {
		return str(v.toString())
	}
	return v
}

func (v value) toString() string {
	switch v.kind {
	case kindUndefined:
		return "undefined"
	case kindNull:
		return "null"
	case kindBool:
		return strconv.FormatBool(v.b)
	case kindNumber:
		return formatNumber(v.n)
	case kindString:
		return v.s
	}
	switch o := v.o.(type) {
	case []any:
		parts := make([]string, len(o))
		for i, e := range o {
			ev := fromGo(e)
			if ev.nullish() {
				continue
			}
			parts[i] = ev.toString()
		}
		return strings.Join(parts, ",")
	case map[string]any:
		return "[object Object]"
	}
	return "[object Object]"
}

func (v value) toNumber() float64 {
	switch v.kind {
	case kindUndefined:
		return math.NaN()
	case kindNull:
		return 0
	case kindBool:
		if v.b {
			return 1
		}
		return 0
	case kindNumber:
		return v.n
	case kindString:
		return stringToNumber(v.s)
	}
	if _, ok := v.o.([]any); ok {
		return stringToNumber(v.toString())
	}
	return math.NaN()
}

func (v value) truthy() bool {
	switch v.kind {
	case kindUndefined, kindNull:
		return false
	case kindBool:
		return v.b
	case kindNumber:
		return v.n != 0 && !math.IsNaN(v.n)
	case kindString:
		return v.s != ""
	}
	return true
}

// formatNumber renders a float the way a JavaScript engine would print it.
func formatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	case n == 0:
		return "0"
	}
	abs := math.Abs(n)
	if abs >= 1e21 || abs < 1e-6 {
		s := strconv.FormatFloat(n, 'e', -1, 64)
		mant, exp, _ := strings.Cut(s, "e")
		digits := strings.TrimLeft(exp[1:], "0")
		return mant + "e" + exp[:1] + digits
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}

// stringToNumber follows the string-to-number conversion of loosely typed
// scripting languages: blank is zero, garbage is NaN.
func stringToNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}
	if len(s) > 2 && s[0] == '0' {
		base := 0
		switch s[1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}
		if base != 0 {
			u, err := strconv.ParseUint(s[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(u)
		}
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != 'e' && r != 'E' && r != '+' && r != '-' {
			return math.NaN()
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return f
		}
		return math.NaN()
	}
	return f
}

func coerce(v value, t ValueType) value {
	switch t {
	case TypeString:
		return str(v.toString())
	case TypeNumber:
		return number(v.toNumber())
	case TypeBool:
		return boolean(v.truthy())
	}
	return v
}

// looseEqual is weak equality: operands of different kinds are converted
// towards numbers before comparing, null and undefined equal only each other.
func looseEqual(a, b value) bool {
	if a.kind == b.kind {
		switch a.kind {
		case kindUndefined, kindNull:
			return true
		case kindBool:
			return a.b == b.b
		case kindNumber:
			return a.n == b.n
		case kindString:
			return a.s == b.s
		}
		return sameReference(a.o, b.o)
	}
	if a.nullish() || b.nullish() {
		return a.nullish() && b.nullish()
	}
	switch {
	case a.kind == kindNumber && b.kind == kindString:
		return a.n == stringToNumber(b.s)
	case a.kind == kindString && b.kind == kindNumber:
		return stringToNumber(a.s) == b.n
	case a.kind == kindBool:
		return looseEqual(number(a.toNumber()), b)
	case b.kind == kindBool:
		return looseEqual(a, number(b.toNumber()))
	case a.kind == kindObject:
		return looseEqual(a.toPrimitive(), b)
	case b.kind == kindObject:
		return looseEqual(a, b.toPrimitive())
	}
	return false
}

func sameReference(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Kind() != vb.Kind() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Pointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	return false
}

// lessThan reports a < b. The second result is false when the comparison is
// undefined (a NaN was involved), which makes every relational operator false.
func lessThan(a, b value) (less, defined bool) {
	pa, pb := a.toPrimitive(), b.toPrimitive()
	if pa.kind == kindString && pb.kind == kindString {
		return pa.s < pb.s, true
	}
	na, nb := pa.toNumber(), pb.toNumber()
	if math.IsNaN(na) || math.IsNaN(nb) {
		return false, false
	}
	return na < nb, true
}

func compare(op Operator, left, right value) bool {
	switch op {
	case OpEq:
		return looseEqual(left, right)
	case OpNeq:
		return !looseEqual(left, right)
	case OpLt:
		r, ok := lessThan(left, right)
		return ok && r
	case OpGt:
		r, ok := lessThan(right, left)
		return ok && r
	case OpLte:
		r, ok := lessThan(right, left)
		return ok && !r
	case OpGte:
		r, ok := lessThan(left, right)
		return ok && !r
	}
	return false
}
