package expr

import (
	"strings"

	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/types"
)

type conditionOp int

const (
	opExists conditionOp = iota + 1
	opNotExists
	opEq
	opNe
	opLt
	opLe
	opGt
	opGe
	opBeginsWith
	opContains
	opAnd
	opOr
	opNot
)

// Condition is a boolean expression over an item:
// attribute_exists/attribute_not_exists, comparisons, begins_with,
// contains, and logical AND/OR/NOT. Conditions are built via the
// constructors below rather than parsed from a textual mini-language,
// so no parser is involved anywhere.
type Condition struct {
	op       conditionOp
	path     string
	value    types.Value
	children []Condition
}

func AttributeExists(path string) Condition    { return Condition{op: opExists, path: path} }
func AttributeNotExists(path string) Condition { return Condition{op: opNotExists, path: path} }
func Equals(path string, v types.Value) Condition     { return Condition{op: opEq, path: path, value: v} }
func NotEquals(path string, v types.Value) Condition  { return Condition{op: opNe, path: path, value: v} }
func LessThan(path string, v types.Value) Condition   { return Condition{op: opLt, path: path, value: v} }
func LessOrEqual(path string, v types.Value) Condition {
	return Condition{op: opLe, path: path, value: v}
}
func GreaterThan(path string, v types.Value) Condition {
	return Condition{op: opGt, path: path, value: v}
}
func GreaterOrEqual(path string, v types.Value) Condition {
	return Condition{op: opGe, path: path, value: v}
}
func BeginsWith(path string, prefix string) Condition {
	return Condition{op: opBeginsWith, path: path, value: types.S(prefix)}
}
func Contains(path string, v types.Value) Condition {
	return Condition{op: opContains, path: path, value: v}
}
func And(children ...Condition) Condition { return Condition{op: opAnd, children: children} }
func Or(children ...Condition) Condition  { return Condition{op: opOr, children: children} }
func Not(c Condition) Condition           { return Condition{op: opNot, children: []Condition{c}} }

// Eval evaluates the condition against item (which may be nil/absent,
// representing "no record at this key"). It returns (true/false, nil) or
// (false, *kerr.Error with Kind InvalidExpression) if the AST itself is
// malformed (bad path, wrong arity).
func (c Condition) Eval(item types.Item) (bool, error) {
	switch c.op {
	case opExists:
		v, err := getPath(item, c.path)
		if err != nil {
			return false, err
		}
		return !v.IsAbsent(), nil
	case opNotExists:
		v, err := getPath(item, c.path)
		if err != nil {
			return false, err
		}
		return v.IsAbsent(), nil
	case opEq, opNe, opLt, opLe, opGt, opGe:
		v, err := getPath(item, c.path)
		if err != nil {
			return false, err
		}
		return c.evalComparison(v)
	case opBeginsWith:
		v, err := getPath(item, c.path)
		if err != nil {
			return false, err
		}
		if v.IsAbsent() || v.Kind != types.KindS || c.value.Kind != types.KindS {
			return false, nil
		}
		return strings.HasPrefix(v.S, c.value.S), nil
	case opContains:
		v, err := getPath(item, c.path)
		if err != nil {
			return false, err
		}
		return evalContains(v, c.value), nil
	case opAnd:
		for _, ch := range c.children {
			ok, err := ch.Eval(item)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case opOr:
		for _, ch := range c.children {
			ok, err := ch.Eval(item)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case opNot:
		if len(c.children) != 1 {
			return false, kerr.New(kerr.InvalidExpression, "NOT requires exactly one child")
		}
		ok, err := c.children[0].Eval(item)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, kerr.New(kerr.InvalidExpression, "unknown condition operator")
	}
}

func (c Condition) evalComparison(v types.Value) (bool, error) {
	if v.IsAbsent() {
		// Absent attributes satisfy only not-equals; every other
		// comparison, equality included, is false (equality against "not
		// present" is not the same as attribute_not_exists).
		return c.op == opNe, nil
	}
	if v.Kind != c.value.Kind {
		if c.op == opEq {
			return false, nil
		}
		if c.op == opNe {
			return true, nil
		}
		return false, kerr.New(kerr.InvalidExpression, "cannot compare attribute of kind %v against value of kind %v", v.Kind, c.value.Kind)
	}
	switch c.op {
	case opEq:
		return v.Equal(c.value), nil
	case opNe:
		return !v.Equal(c.value), nil
	case opLt, opLe, opGt, opGe:
		if !isOrderable(v.Kind) {
			return false, kerr.New(kerr.InvalidExpression, "attribute kind %v does not support ordered comparisons", v.Kind)
		}
		cmp := v.Compare(c.value)
		switch c.op {
		case opLt:
			return cmp < 0, nil
		case opLe:
			return cmp <= 0, nil
		case opGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	default:
		return false, kerr.New(kerr.InvalidExpression, "unsupported comparison operator")
	}
}

// isOrderable reports whether a value of this kind supports <, <=, >, >=.
// Matches the set types.Value.Compare actually implements: S, N, B, Bool,
// Ts. L, M, Null, and VecF32 have no defined ordering.
func isOrderable(k types.Kind) bool {
	switch k {
	case types.KindS, types.KindN, types.KindB, types.KindBool, types.KindTs:
		return true
	default:
		return false
	}
}

func evalContains(haystack, needle types.Value) bool {
	switch haystack.Kind {
	case types.KindS:
		if needle.Kind != types.KindS {
			return false
		}
		return strings.Contains(haystack.S, needle.S)
	case types.KindL:
		for _, e := range haystack.L {
			if e.Equal(needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
