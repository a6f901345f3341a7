package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/keystone/types"
)

func TestConditionAttributeExists(t *testing.T) {
	item := types.Item{"name": types.S("alice")}
	ok, err := AttributeExists("name").Eval(item)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AttributeExists("missing").Eval(item)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionAttributeNotExistsOnNilItem(t *testing.T) {
	ok, err := AttributeNotExists("pk").Eval(nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionEqualsKindMismatchIsFalse(t *testing.T) {
	item := types.Item{"count": types.S("5")}
	ok, err := Equals("count", types.N("5")).Eval(item)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionComparisonKindMismatchErrors(t *testing.T) {
	item := types.Item{"count": types.S("5")}
	_, err := LessThan("count", types.N("5")).Eval(item)
	require.Error(t, err)
	assert.False(t, types.IsCorruption(err))
}

func TestConditionLessThanOnUnorderableKindErrorsInsteadOfPanicking(t *testing.T) {
	item := types.Item{"embedding": types.VecF32(1, 2, 3)}
	_, err := LessThan("embedding", types.VecF32(1, 2, 3)).Eval(item)
	require.Error(t, err)

	item = types.Item{"meta": types.M(map[string]types.Value{"a": types.S("x")})}
	_, err = GreaterOrEqual("meta", types.M(map[string]types.Value{"a": types.S("x")})).Eval(item)
	require.Error(t, err)

	item = types.Item{"tag": types.Null()}
	_, err = GreaterThan("tag", types.Null()).Eval(item)
	require.Error(t, err)
}

func TestConditionAndShortCircuits(t *testing.T) {
	item := types.Item{"a": types.N("1")}
	cond := And(Equals("a", types.N("1")), AttributeExists("b"))
	ok, err := cond.Eval(item)
	require.NoError(t, err)
	assert.False(t, ok)

	// The first child is false, so AND stops there; evaluating the second
	// would fail with a kind-mismatch error on an ordered comparison.
	ok, err = And(AttributeExists("b"), LessThan("a", types.S("x"))).Eval(item)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionOrBeginsWithContains(t *testing.T) {
	item := types.Item{
		"name": types.S("alice-smith"),
		"tags": types.L(types.S("x"), types.S("y")),
	}
	ok, err := Or(BeginsWith("name", "bob"), Contains("tags", types.S("y"))).Eval(item)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConditionNotArityError(t *testing.T) {
	c := Condition{op: opNot}
	_, err := c.Eval(types.Item{})
	require.Error(t, err)
}

func TestUpdateSetLiteral(t *testing.T) {
	item := types.Item{"name": types.S("old")}
	newItem, oldItem, err := Apply(item, []UpdateAction{Set("name", Literal(types.S("new")))})
	require.NoError(t, err)
	assert.Equal(t, "new", newItem["name"].S)
	assert.Equal(t, "old", oldItem["name"].S)
}

func TestUpdateSetArithmetic(t *testing.T) {
	item := types.Item{"count": types.N("10")}
	newItem, _, err := Apply(item, []UpdateAction{Set("count", PathPlus("count", "5"))})
	require.NoError(t, err)
	assert.Equal(t, "15", newItem["count"].N)

	newItem, _, err = Apply(newItem, []UpdateAction{Set("count", PathMinus("count", "20"))})
	require.NoError(t, err)
	assert.Equal(t, "-5", newItem["count"].N)
}

func TestUpdateSetIfNotExists(t *testing.T) {
	item := types.Item{}
	newItem, _, err := Apply(item, []UpdateAction{Set("count", IfNotExists("count", types.N("0")))})
	require.NoError(t, err)
	assert.Equal(t, "0", newItem["count"].N)

	newItem, _, err = Apply(newItem, []UpdateAction{Set("count", IfNotExists("count", types.N("99")))})
	require.NoError(t, err)
	assert.Equal(t, "0", newItem["count"].N)
}

func TestUpdateSetListAppend(t *testing.T) {
	item := types.Item{"tags": types.L(types.S("a"))}
	newItem, _, err := Apply(item, []UpdateAction{Set("tags", ListAppend("tags", types.S("b")))})
	require.NoError(t, err)
	require.Len(t, newItem["tags"].L, 2)
	assert.Equal(t, "b", newItem["tags"].L[1].S)
}

func TestUpdateRemove(t *testing.T) {
	item := types.Item{"a": types.S("x"), "b": types.S("y")}
	newItem, _, err := Apply(item, []UpdateAction{Remove("a")})
	require.NoError(t, err)
	assert.True(t, newItem.Get("a").IsAbsent())
	assert.False(t, newItem.Get("b").IsAbsent())
}

func TestUpdateAddNumber(t *testing.T) {
	item := types.Item{"count": types.N("3")}
	newItem, _, err := Apply(item, []UpdateAction{Add("count", types.N("4"))})
	require.NoError(t, err)
	assert.Equal(t, "7", newItem["count"].N)
}

func TestUpdateAddNumberOnAbsentDefaultsToZero(t *testing.T) {
	newItem, _, err := Apply(types.Item{}, []UpdateAction{Add("count", types.N("4"))})
	require.NoError(t, err)
	assert.Equal(t, "4", newItem["count"].N)
}

func TestUpdateAddListMerges(t *testing.T) {
	item := types.Item{"tags": types.L(types.S("a"))}
	newItem, _, err := Apply(item, []UpdateAction{Add("tags", types.L(types.S("b"), types.S("c")))})
	require.NoError(t, err)
	require.Len(t, newItem["tags"].L, 3)
}

func TestUpdateAddTypeMismatchErrors(t *testing.T) {
	item := types.Item{"name": types.S("x")}
	_, _, err := Apply(item, []UpdateAction{Add("name", types.N("1"))})
	require.Error(t, err)
}

func TestUpdateNestedPathSet(t *testing.T) {
	item := types.Item{}
	newItem, _, err := Apply(item, []UpdateAction{Set("meta.owner", Literal(types.S("alice")))})
	require.NoError(t, err)
	require.Equal(t, types.KindM, newItem["meta"].Kind)
	assert.Equal(t, "alice", newItem["meta"].M["owner"].S)
}

func TestUpdateArithmeticOnNonNumberFails(t *testing.T) {
	item := types.Item{"name": types.S("x")}
	_, _, err := Apply(item, []UpdateAction{Set("name", PathPlus("name", "1"))})
	require.Error(t, err)
}
