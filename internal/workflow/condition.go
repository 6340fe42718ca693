package workflow

import (
	"fmt"
	"reflect"
	"strings"
)

// Operator compares a data field with a condition value.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpExists:
		return true
	}
	return false
}

// Condition gates a step on a value in the workflow data. Field may be a
// dotted path into nested maps.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
}

// String renders the condition for logs.
func (c Condition) String() string {
	if c.Operator == OpExists {
		return fmt.Sprintf("%s exists", c.Field)
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Evaluate reports whether the condition holds for data. A missing field
// satisfies only "exists: false".
func (c Condition) Evaluate(data map[string]any) bool {
	v, ok := Lookup(data, c.Field)

	if c.Operator == OpExists {
		want := true
		if b, isBool := c.Value.(bool); isBool {
			want = b
		}
		return (ok && v != nil) == want
	}
	if !ok {
		return false
	}

	switch c.Operator {
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		return contains(c.Value, v)
	case OpContains:
		return contains(v, c.Value)
	}
	return false
}

// AllHold reports whether every condition holds. An empty list holds.
func AllHold(conds []Condition, data map[string]any) bool {
	for _, c := range conds {
		if !c.Evaluate(data) {
			return false
		}
	}
	return true
}

// Lookup resolves a dotted path in nested maps.
func Lookup(data map[string]any, path string) (any, bool) {
	if v, ok := data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		return nil, false
	}
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Truthy reports whether v counts as true when used as a branch condition.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

// contains reports whether container holds item: substring for strings,
// element for slices, key for maps.
func contains(container, item any) bool {
	if s, ok := container.(string); ok {
		sub, ok := item.(string)
		return ok && strings.Contains(s, sub)
	}
	rv := reflect.ValueOf(container)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), item) {
				return true
			}
		}
	case reflect.Map:
		key, ok := item.(string)
		if !ok || rv.Type().Key().Kind() != reflect.String {
			return false
		}
		return rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key())).IsValid()
	}
	return false
}

func toFloat(v any) (float64, bool) {
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
