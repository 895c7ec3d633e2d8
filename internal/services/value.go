package services

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindAbsent ValueKind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k ValueKind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a JSON-like tree node. The zero Value is Absent, which is what
// Lookup returns for a path that does not exist.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Absent is the result of resolving a missing path.
func Absent() Value { return Value{} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsAbsent() bool  { return v.kind == KindAbsent }

func (v Value) Bool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) Number() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) Str() (string, bool)     { return v.s, v.kind == KindString }
func (v Value) Array() ([]Value, bool)  { return v.arr, v.kind == KindArray }
func (v Value) Object() (map[string]Value, bool) {
	return v.obj, v.kind == KindObject
}

// ValueOf converts decoded JSON and common Go values into a Value.
// Structs go through encoding/json so their json tags are honoured.
func ValueOf(in interface{}) Value {
	switch x := in.(type) {
	case nil:
		return Value{kind: KindNull}
	case Value:
		return x
	case bool:
		return Value{kind: KindBool, b: x}
	case string:
		return Value{kind: KindString, s: x}
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return Value{kind: KindString, s: x.String()}
		}
		return Value{kind: KindNumber, n: f}
	case time.Time:
		return Value{kind: KindString, s: x.UTC().Format(time.RFC3339Nano)}
	case []interface{}:
		arr := make([]Value, len(x))
		for i, e := range x {
			arr[i] = ValueOf(e)
		}
		return Value{kind: KindArray, arr: arr}
	case map[string]interface{}:
		obj := make(map[string]Value, len(x))
		for k, e := range x {
			obj[k] = ValueOf(e)
		}
		return Value{kind: KindObject, obj: obj}
	}
	if f, ok := toFloat64(in); ok {
		return Value{kind: KindNumber, n: f}
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return Value{kind: KindNull}
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		arr := make([]Value, rv.Len())
		for i := range arr {
			arr[i] = ValueOf(rv.Index(i).Interface())
		}
		return Value{kind: KindArray, arr: arr}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		obj := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[iter.Key().String()] = ValueOf(iter.Value().Interface())
		}
		return Value{kind: KindObject, obj: obj}
	case reflect.String:
		return Value{kind: KindString, s: rv.String()}
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return Value{kind: KindNull}
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{kind: KindNull}
	}
	return ValueOf(decoded)
}

// Lookup resolves a dot path. Object members are matched by key, arrays by
// numeric index. Any missing segment yields Absent.
func (v Value) Lookup(path string) Value {
	if path == "" {
		return v
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		switch cur.kind {
		case KindObject:
			next, ok := cur.obj[seg]
			if !ok {
				return Absent()
			}
			cur = next
		case KindArray:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.arr) {
				return Absent()
			}
			cur = cur.arr[idx]
		default:
			return Absent()
		}
	}
	return cur
}

// Interface converts back to plain Go values (Absent becomes nil).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal compares two values structurally. Absent equals nothing.
func (v Value) Equal(o Value) bool {
	if v.kind == KindAbsent || o.kind == KindAbsent || v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, e := range v.obj {
			oe, ok := o.obj[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// toFloat64 coerces Go numeric types.
func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
