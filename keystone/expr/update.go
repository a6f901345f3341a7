package expr

import (
	"math/big"

	"github.com/keystonedb/keystone/keystone/kerr"
	"github.com/keystonedb/keystone/keystone/types"
)

type updateKind int

const (
	actionSet updateKind = iota + 1
	actionRemove
	actionAdd
)

type setExprKind int

const (
	setLiteral setExprKind = iota + 1
	setPathPlus
	setPathMinus
	setIfNotExists
	setListAppend
)

// SetExpr is the right-hand side of a SET action:
// a literal value, path+literal_number, path-literal_number,
// if_not_exists(path, value), or list_append(path, value).
type SetExpr struct {
	kind    setExprKind
	literal types.Value
	path    string
	delta   string // decimal string operand for +/-
	elem    types.Value
}

func Literal(v types.Value) SetExpr { return SetExpr{kind: setLiteral, literal: v} }
func PathPlus(path string, delta string) SetExpr {
	return SetExpr{kind: setPathPlus, path: path, delta: delta}
}
func PathMinus(path string, delta string) SetExpr {
	return SetExpr{kind: setPathMinus, path: path, delta: delta}
}
func IfNotExists(path string, v types.Value) SetExpr {
	return SetExpr{kind: setIfNotExists, path: path, literal: v}
}
func ListAppend(path string, v types.Value) SetExpr {
	return SetExpr{kind: setListAppend, path: path, elem: v}
}

// UpdateAction is one SET/REMOVE/ADD step of an update expression.
type UpdateAction struct {
	kind  updateKind
	path  string
	set   SetExpr
	value types.Value // ADD operand
}

func Set(path string, e SetExpr) UpdateAction { return UpdateAction{kind: actionSet, path: path, set: e} }
func Remove(path string) UpdateAction         { return UpdateAction{kind: actionRemove, path: path} }
func Add(path string, v types.Value) UpdateAction {
	return UpdateAction{kind: actionAdd, path: path, value: v}
}

// Apply evaluates a sequence of UpdateActions against item (which may be
// nil, meaning "no prior item"), returning the new item. It operates on a
// clone, leaving the caller's original item (the "old item" snapshot)
// untouched as the pre-update snapshot.
func Apply(item types.Item, actions []UpdateAction) (newItem types.Item, oldItem types.Item, err error) {
	oldItem = item.Clone()
	newItem = item.Clone()
	if newItem == nil {
		newItem = types.Item{}
	}
	for _, a := range actions {
		if err := applyOne(newItem, a); err != nil {
			return nil, nil, err
		}
	}
	return newItem, oldItem, nil
}

func applyOne(item types.Item, a UpdateAction) error {
	switch a.kind {
	case actionSet:
		v, err := evalSetExpr(item, a.set)
		if err != nil {
			return err
		}
		return setPath(item, a.path, v)
	case actionRemove:
		return removePath(item, a.path)
	case actionAdd:
		return applyAdd(item, a.path, a.value)
	default:
		return kerr.New(kerr.InvalidExpression, "unknown update action")
	}
}

func evalSetExpr(item types.Item, e SetExpr) (types.Value, error) {
	switch e.kind {
	case setLiteral:
		return e.literal, nil
	case setIfNotExists:
		cur, err := getPath(item, e.path)
		if err != nil {
			return types.Value{}, err
		}
		if cur.IsAbsent() {
			return e.literal, nil
		}
		return cur, nil
	case setListAppend:
		cur, err := getPath(item, e.path)
		if err != nil {
			return types.Value{}, err
		}
		if cur.IsAbsent() {
			return types.L(e.elem), nil
		}
		if cur.Kind != types.KindL {
			return types.Value{}, kerr.New(kerr.InvalidArgument, "list_append target %q is not a list", e.path)
		}
		appended := make([]types.Value, len(cur.L)+1)
		copy(appended, cur.L)
		appended[len(cur.L)] = e.elem
		return types.L(appended...), nil
	case setPathPlus, setPathMinus:
		cur, err := getPath(item, e.path)
		if err != nil {
			return types.Value{}, err
		}
		if cur.IsAbsent() {
			return types.Value{}, kerr.New(kerr.InvalidArgument, "arithmetic SET target %q does not exist", e.path)
		}
		if cur.Kind != types.KindN {
			return types.Value{}, kerr.New(kerr.InvalidArgument, "arithmetic SET target %q is not a number", e.path)
		}
		neg := e.kind == setPathMinus
		sum, err := addDecimalStrings(cur.N, e.delta, neg)
		if err != nil {
			return types.Value{}, err
		}
		return types.N(sum), nil
	default:
		return types.Value{}, kerr.New(kerr.InvalidExpression, "unknown SET expression")
	}
}

func applyAdd(item types.Item, path string, operand types.Value) error {
	cur, err := getPath(item, path)
	if err != nil {
		return err
	}
	switch {
	case operand.Kind == types.KindN:
		base := "0"
		if !cur.IsAbsent() {
			if cur.Kind != types.KindN {
				return kerr.New(kerr.InvalidArgument, "ADD target %q is not a number", path)
			}
			base = cur.N
		}
		sum, err := addDecimalStrings(base, operand.N, false)
		if err != nil {
			return err
		}
		return setPath(item, path, types.N(sum))
	case operand.Kind == types.KindL:
		var merged []types.Value
		if !cur.IsAbsent() {
			if cur.Kind != types.KindL {
				return kerr.New(kerr.InvalidArgument, "ADD target %q is not a list", path)
			}
			merged = append(merged, cur.L...)
		}
		merged = append(merged, operand.L...)
		return setPath(item, path, types.L(merged...))
	default:
		return kerr.New(kerr.InvalidArgument, "ADD operand must be N or L, got kind %v", operand.Kind)
	}
}

// addDecimalStrings validates and adds two decimal-string N values,
// negating b first if sub is true. Numeric validation happens at this
// arithmetic site, never at item insertion.
func addDecimalStrings(a, b string, sub bool) (string, error) {
	af, ok := new(big.Rat).SetString(a)
	if !ok {
		return "", kerr.New(kerr.InvalidArgument, "attribute value %q is not a valid number", a)
	}
	bf, ok := new(big.Rat).SetString(b)
	if !ok {
		return "", kerr.New(kerr.InvalidArgument, "operand %q is not a valid number", b)
	}
	if sub {
		bf.Neg(bf)
	}
	sum := new(big.Rat).Add(af, bf)
	if sum.IsInt() {
		return sum.Num().String(), nil
	}
	return sum.FloatString(20), nil
}
