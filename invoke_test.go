package asyncstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	await(t, s.Invoke(MethodSetItem, "a", "1"))
	await(t, s.Invoke(MethodMultiSet, [][]any{{"b", "2"}, {"c", `{"x":1}`}}))
	await(t, s.Invoke(MethodMultiSet, [][]string{{"d", "4"}}))
	await(t, s.Invoke(MethodMultiSet, []any{[]any{"e", "5"}}))
	await(t, s.Invoke(MethodMergeItem, "c", `{"y":2}`))

	assert.Equal(t, "1", await(t, s.Invoke(MethodGetItem, "a")))
	assert.Nil(t, await(t, s.Invoke(MethodGetItem, "missing")))

	keys := await(t, s.Invoke(MethodGetAllKeys))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)

	got := await(t, s.Invoke(MethodMultiGet, []any{"c", "zz"}))
	pairs, ok := got.([]Pair)
	require.True(t, ok)
	require.Len(t, pairs, 2)
	assert.Equal(t, `{"x":1,"y":2}`, *pairs[0].Value)
	assert.Nil(t, pairs[1].Value)

	await(t, s.Invoke(MethodMultiRemove, []string{"a", "b"}))
	await(t, s.Invoke(MethodRemoveItem, "c"))
	assert.Equal(t, []string{"d", "e"}, await(t, s.Invoke(MethodGetAllKeys)))

	assert.Equal(t, Ack{}, await(t, s.Invoke(MethodClear)))
	assert.Empty(t, await(t, s.Invoke(MethodGetAllKeys)))
}

func TestInvoke_TypeMismatch(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name   string
		method string
		args   []any
	}{
		{"numeric key", MethodGetItem, []any{42}},
		{"nil key", MethodGetItem, []any{nil}},
		{"byte value", MethodSetItem, []any{"k", []byte("v")}},
		{"nil value", MethodSetItem, []any{"k", nil}},
		{"numeric partial", MethodMergeItem, []any{"k", 1.5}},
		{"keys not a sequence", MethodMultiGet, []any{"k"}},
		{"non-string in keys", MethodMultiRemove, []any{[]any{"a", 2}}},
		{"short pair", MethodMultiSet, []any{[][]any{{"a"}}}},
		{"nil in pair", MethodMultiSet, []any{[][]any{{"a", "1"}, {"b", nil}}}},
		{"pair not a sequence", MethodMultiSet, []any{[]any{"a"}}},
		{"too few args", MethodSetItem, []any{"k"}},
		{"too many args", MethodClear, []any{"x"}},
		{"unknown method", "flushAll", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := awaitErr(t, s.Invoke(tc.method, tc.args...))
			assert.ErrorIs(t, err, ErrTypeMismatch)
		})
	}

	// Nothing reached the engine
	assert.Empty(t, await(t, s.GetAllKeys()))
}

func TestMethods(t *testing.T) {
	assert.Len(t, Methods, 9)
	for _, m := range Methods {
		assert.NotEqual(t, "", m)
	}
}
