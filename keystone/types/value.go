// Package types implements KeystoneDB's data model: the Value tagged
// union, the Item mapping, the composite Key, and the on-disk Record
// encoding shared by the WAL and SST formats. It is a leaf package — it
// imports only kerr — so that internal/wal, internal/sst, internal/stripe
// and the root keystone package can all depend on it without creating an
// import cycle.
package types

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/keystonedb/keystone/keystone/kerr"
)

// Kind identifies which variant of the Value tagged union is populated.
type Kind byte

const (
	KindS Kind = iota + 1
	KindN
	KindB
	KindBool
	KindNull
	KindL
	KindM
	KindVecF32
	KindTs
)

// MaxNestingDepth bounds recursion through nested L/M values, per the
// "Cyclic references" design note: items are trees, not graphs, but an
// unbounded tree is still a resource hazard.
const MaxNestingDepth = 32

// Value is KeystoneDB's tagged-union attribute value. Only the field(s)
// matching Kind are meaningful; the others are zero. Value is a struct
// rather than an interface so that equality and zero-value semantics stay
// cheap and comparable without type assertions at every call site.
type Value struct {
	Kind  Kind
	S     string
	N     string    // arbitrary-precision number, stored as its decimal text
	B     []byte    // opaque bytes
	Bool  bool
	L     []Value
	M     map[string]Value
	VecF  []float32
	Ts    int64 // milliseconds since Unix epoch
}

func S(s string) Value           { return Value{Kind: KindS, S: s} }
func N(n string) Value           { return Value{Kind: KindN, N: n} }
func B(b []byte) Value           { return Value{Kind: KindB, B: b} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Null() Value                { return Value{Kind: KindNull} }
func L(vs ...Value) Value        { return Value{Kind: KindL, L: vs} }
func M(m map[string]Value) Value { return Value{Kind: KindM, M: m} }
func VecF32(v ...float32) Value  { return Value{Kind: KindVecF32, VecF: v} }
func Ts(ms int64) Value          { return Value{Kind: KindTs, Ts: ms} }

// NumberFromInt is a convenience constructor for N values carrying an
// integer; arithmetic sites still validate the string lazily (see Add in
// the expr package).
func NumberFromInt(i int64) Value { return N(strconv.FormatInt(i, 10)) }

// IsAbsent reports whether v is the zero Value, used as the "attribute
// not present" sentinel returned by Item.Get and the path-traversal
// helpers in the expr package.
func (v Value) IsAbsent() bool { return v.Kind == 0 }

// Equal reports structural equality. For N, equality (like ordering) is
// performed on the stored decimal string, not a parsed numeric value —
// callers that need numeric equality ("1" == "1.0") must normalize before
// calling Equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindS:
		return v.S == o.S
	case KindN:
		return v.N == o.N
	case KindB:
		return string(v.B) == string(o.B)
	case KindBool:
		return v.Bool == o.Bool
	case KindNull:
		return true
	case KindTs:
		return v.Ts == o.Ts
	case KindVecF32:
		if len(v.VecF) != len(o.VecF) {
			return false
		}
		for i := range v.VecF {
			if v.VecF[i] != o.VecF[i] {
				return false
			}
		}
		return true
	case KindL:
		if len(v.L) != len(o.L) {
			return false
		}
		for i := range v.L {
			if !v.L[i].Equal(o.L[i]) {
				return false
			}
		}
		return true
	case KindM:
		if len(v.M) != len(o.M) {
			return false
		}
		for k, mv := range v.M {
			ov, ok := o.M[k]
			if !ok || !mv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders two Values of the same Kind. For N it compares the
// stored decimal strings lexicographically (see Equal); numeric
// comparison, when needed, is the caller's responsibility. Compare
// panics if Kind differs — callers
// (query/scan SK predicates) only ever compare same-typed sort keys.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		panic(fmt.Sprintf("types: Compare called on mismatched kinds %v vs %v", v.Kind, o.Kind))
	}
	switch v.Kind {
	case KindS:
		return compareString(v.S, o.S)
	case KindN:
		return compareString(v.N, o.N)
	case KindB:
		return compareBytes(v.B, o.B)
	case KindTs:
		switch {
		case v.Ts < o.Ts:
			return -1
		case v.Ts > o.Ts:
			return 1
		default:
			return 0
		}
	case KindBool:
		if v.Bool == o.Bool {
			return 0
		}
		if !v.Bool {
			return -1
		}
		return 1
	default:
		panic(fmt.Sprintf("types: Compare not supported for kind %v", v.Kind))
	}
}

func compareString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// ValidateDepth walks a Value tree and returns InvalidArgument if it
// exceeds MaxNestingDepth.
func ValidateDepth(v Value) error {
	return validateDepth(v, 0)
}

func validateDepth(v Value, depth int) error {
	if depth > MaxNestingDepth {
		return kerr.New(kerr.InvalidArgument, "value nesting exceeds max depth %d", MaxNestingDepth)
	}
	switch v.Kind {
	case KindL:
		for _, e := range v.L {
			if err := validateDepth(e, depth+1); err != nil {
				return err
			}
		}
	case KindM:
		keys := make([]string, 0, len(v.M))
		for k := range v.M {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := validateDepth(v.M[k], depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
