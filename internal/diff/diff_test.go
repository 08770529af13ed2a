package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obj(kv ...any) map[string]any {
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func TestCompareReflexive(t *testing.T) {
	values := []any{
		nil,
		true,
		3.5,
		"text",
		[]any{},
		map[string]any{},
		[]any{1, "a", nil, []any{obj("k", "v")}},
		obj("id", "abc", "items", []any{obj("n", 1), obj("n", 2)}, "meta", obj("ok", false)),
		"/abc/",
		"/api/v1/",
		"a*b",
		"/a*/",
		obj("path", "/users/"),
		[]any{"/[/", "ord-*"},
	}
	for _, v := range values {
		res := Compare(v, v)
		assert.True(t, res.Passed, "value %v", v)
		assert.Empty(t, res.Differences)
		assert.Empty(t, res.Message)
	}
}

func TestCompareNamedScenario(t *testing.T) {
	expected := obj("id", "*", "name", "Ada")

	res := Compare(obj("id", "abc123", "name", "Ada"), expected)
	assert.True(t, res.Passed)

	res = Compare(obj("id", "abc123", "name", "Grace"), expected)
	require.False(t, res.Passed)
	require.Len(t, res.Differences, 1)
	assert.Equal(t, Difference{Path: ".name", Expected: "Ada", Actual: "Grace", Kind: KindValueMismatch}, res.Differences[0])
	assert.Equal(t, "Found 1 difference(s)", res.Message)
}

func TestCompareWildcardStopsRecursion(t *testing.T) {
	anything := []any{nil, 1, "x", []any{1, 2}, obj("deep", obj("er", true))}
	for _, actual := range anything {
		assert.True(t, Matches(obj("v", actual), obj("v", "*")))
		assert.True(t, Matches(obj("v", actual), obj("v", "**")))
		assert.True(t, Matches(actual, "*"))
	}
}

func TestCompareDoubleWildcardAllowsAbsence(t *testing.T) {
	assert.True(t, Matches(obj(), obj("opt", "**")))

	res := Compare(obj(), obj("req", "*"))
	require.Len(t, res.Differences, 1)
	assert.Equal(t, KindMissingProperty, res.Differences[0].Kind)
	assert.Equal(t, ".req", res.Differences[0].Path)
}

func TestCompareTypeMismatch(t *testing.T) {
	res := Compare(obj("n", "1"), obj("n", 1))
	require.Len(t, res.Differences, 1)
	assert.Equal(t, Difference{Path: ".n", Expected: "number", Actual: "string", Kind: KindTypeMismatch}, res.Differences[0])
}

func TestCompareNull(t *testing.T) {
	res := Compare(obj("v", nil), obj("v", obj("a", 1)))
	require.Len(t, res.Differences, 1)
	assert.Equal(t, KindValueMismatch, res.Differences[0].Kind)

	assert.True(t, Matches(obj("v", nil), obj("v", nil)))
}

func TestCompareArrayLength(t *testing.T) {
	res := Compare([]any{1, 5}, []any{1, 2, 3})
	require.Len(t, res.Differences, 2)
	assert.Equal(t, Difference{Path: "", Expected: "array[3]", Actual: "array[2]", Kind: KindLengthMismatch}, res.Differences[0])
	assert.Equal(t, Difference{Path: "[1]", Expected: float64(2), Actual: float64(5), Kind: KindValueMismatch}, res.Differences[1])
}

func TestCompareArrayWildcardSkipsLength(t *testing.T) {
	assert.True(t, Matches([]any{1, 2, 3}, []any{1, "*"}))

	// Nested wildcards do not relax the outer length check.
	res := Compare([]any{obj("a", 1), obj("a", 2)}, []any{obj("a", "*")})
	require.Len(t, res.Differences, 1)
	assert.Equal(t, KindLengthMismatch, res.Differences[0].Kind)
}

func TestCompareArrayAgainstObject(t *testing.T) {
	res := Compare(obj("a", 1), []any{1})
	require.Len(t, res.Differences, 1)
	assert.Equal(t, Difference{Path: "", Expected: "array", Actual: "object", Kind: KindTypeMismatch}, res.Differences[0])

	res = Compare([]any{1}, obj("a", 1))
	require.Len(t, res.Differences, 1)
	assert.Equal(t, Difference{Path: "", Expected: "object", Actual: "array", Kind: KindTypeMismatch}, res.Differences[0])
}

func TestCompareSubsetIgnoresExtraKeys(t *testing.T) {
	assert.True(t, Matches(obj("a", 1, "b", 2), obj("a", 1)))
}

func TestCompareStrictObject(t *testing.T) {
	expected := obj("__strict", true, "a", 1, "child", obj("x", 1))
	actual := obj("a", 1, "b", 2, "child", obj("x", 1, "y", 2))

	res := Compare(actual, expected)
	require.Len(t, res.Differences, 1)
	assert.Equal(t, Difference{Path: ".b", Expected: nil, Actual: float64(2), Kind: KindUnexpectedProperty}, res.Differences[0])
}

func TestCompareGlob(t *testing.T) {
	assert.True(t, Matches("order-1234", "order-*"))
	assert.True(t, Matches("a.b(c)", "a.b(*"))
	assert.False(t, Matches("xorder-1", "order-*"))

	res := Compare("invoice-1", "order-*")
	require.Len(t, res.Differences, 1)
	assert.Equal(t, KindValueMismatch, res.Differences[0].Kind)
}

func TestCompareRegex(t *testing.T) {
	assert.True(t, Matches("abc-42", `/^abc-\d+$/`))
	assert.True(t, Matches("abc-42", `/abc-\d+/`))
	assert.False(t, Matches("xabc-42", `/abc-\d+/`))

	res := Compare(obj("id", "nope"), obj("id", `/\d+/`))
	require.Len(t, res.Differences, 1)
	assert.Equal(t, Difference{Path: ".id", Expected: `matches /\d+/`, Actual: "nope", Kind: KindPatternMismatch}, res.Differences[0])

	res = Compare("x", "/(/")
	require.Len(t, res.Differences, 1)
	assert.Equal(t, KindPatternMismatch, res.Differences[0].Kind)
}

func TestCompareNumbersAcrossDecoders(t *testing.T) {
	assert.True(t, Matches(float64(3), 3))
	assert.True(t, Matches(obj("n", int64(7)), obj("n", 7.0)))
}

func TestCompareNestedPaths(t *testing.T) {
	actual := []any{obj("items", []any{obj("sku", "A"), obj("sku", "C")})}
	expected := []any{obj("items", []any{obj("sku", "A"), obj("sku", "B")})}

	res := Compare(actual, expected)
	require.Len(t, res.Differences, 1)
	assert.Equal(t, "[0].items[1].sku", res.Differences[0].Path)
}

func TestCompareReportsEveryDifference(t *testing.T) {
	res := Compare(obj("a", 1, "b", "x"), obj("a", 2, "b", "y", "c", true))
	require.Len(t, res.Differences, 3)
	assert.Equal(t, ".a", res.Differences[0].Path)
	assert.Equal(t, ".b", res.Differences[1].Path)
	assert.Equal(t, ".c", res.Differences[2].Path)
	assert.Equal(t, KindMissingProperty, res.Differences[2].Kind)
	assert.Equal(t, "Found 3 difference(s)", res.Message)
}
