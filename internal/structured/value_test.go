package structured

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		in   string
		want string
		kind Kind
	}{
		{`null`, `null`, Null},
		{` true `, `true`, Bool},
		{`-12.50e3`, `-12.50e3`, Number},
		{`"a<b>&é"`, `"a<b>&é"`, String},
		{`[1, "two", [3]]`, `[1,"two",[3]]`, Array},
		{`{"z": 1, "a": {"y": null}}`, `{"z":1,"a":{"y":null}}`, Object},
		{`{"k": 1, "k": 2}`, `{"k":2}`, Object},
		{`{}`, `{}`, Object},
	}
	for _, tt := range tests {
		v, err := Parse(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.kind, v.Kind(), tt.in)
		assert.Equal(t, tt.want, v.String(), tt.in)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{
		``,
		`{`,
		`{"a":}`,
		`{"a":1} {"b":2}`,
		`[1,]`,
		`undefined`,
		`{"a":1}x`,
		strings.Repeat("[", maxDepth+1) + strings.Repeat("]", maxDepth+1),
	} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrMalformed, "%q", in)
	}
}

func TestMarshalJSON(t *testing.T) {
	v := NewObject(
		Member{"b", NewNumber("2")},
		Member{"a", NewArray(NewBool(true), NewNull(), NewString("x"))},
	)
	out, err := json.Marshal(map[string]*Value{"v": v})
	require.NoError(t, err)
	assert.Equal(t, `{"v":{"b":2,"a":[true,null,"x"]}}`, string(out))
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		existing string
		partial  string
		want     string
	}{
		{"overwrite and append", `{"a":1,"b":2}`, `{"b":3,"c":4}`, `{"a":1,"b":3,"c":4}`},
		{"nested union", `{"o":{"x":1,"y":2},"k":0}`, `{"o":{"y":9,"z":3}}`, `{"o":{"x":1,"y":9,"z":3},"k":0}`},
		{"object replaces leaf", `{"o":1}`, `{"o":{"n":true}}`, `{"o":{"n":true}}`},
		{"leaf replaces object", `{"o":{"n":true}}`, `{"o":"flat"}`, `{"o":"flat"}`},
		{"arrays are leaves", `{"l":[1,2,3]}`, `{"l":[4]}`, `{"l":[4]}`},
		{"null overwrites", `{"a":1}`, `{"a":null}`, `{"a":null}`},
		{"empty partial", `{"a":1}`, `{}`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeText(tt.existing, tt.partial)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeDoesNotModifyInputs(t *testing.T) {
	base, err := Parse(`{"o":{"x":1}}`)
	require.NoError(t, err)
	patch, err := Parse(`{"o":{"y":2},"n":3}`)
	require.NoError(t, err)

	_, err = Merge(base, patch)
	require.NoError(t, err)
	assert.Equal(t, `{"o":{"x":1}}`, base.String())
	assert.Equal(t, `{"o":{"y":2},"n":3}`, patch.String())
}

func TestMergeRejectsNonObjects(t *testing.T) {
	for _, pair := range [][2]string{
		{`[1]`, `{"a":1}`},
		{`{"a":1}`, `"str"`},
		{`5`, `6`},
	} {
		_, err := MergeText(pair[0], pair[1])
		assert.ErrorIs(t, err, ErrNotMergeable, "%v", pair)
	}

	_, err := MergeText(`not json`, `{"a":1}`)
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = MergeText(`{"a":1}`, `{"a":`)
	assert.ErrorIs(t, err, ErrMalformed)
}

// wideObject renders one object with n members per prefix.
func wideObject(n int, prefixes ...string) string {
	var b strings.Builder
	b.WriteByte('{')
	for _, prefix := range prefixes {
		for i := 0; i < n; i++ {
			if b.Len() > 1 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, `"%s%06d":%d`, prefix, i, i)
		}
	}
	b.WriteByte('}')
	return b.String()
}

func TestMergeWideObjects(t *testing.T) {
	const n = 100000
	existing := wideObject(n, "k")
	// Half the partial overwrites existing members, half is new
	partial := wideObject(n/2, "k", "n")

	start := time.Now()
	got, err := MergeText(existing, partial)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	merged, err := Parse(got)
	require.NoError(t, err)
	assert.Len(t, merged.Members(), n+n/2)
	assert.Equal(t, "k000000", merged.Members()[0].Key)
	assert.Equal(t, "n000000", merged.Members()[n].Key)
	v, ok := merged.Lookup("k049999")
	require.True(t, ok)
	assert.Equal(t, "49999", v.Text())
}

func TestObjectDuplicateKeysKeepFirstPosition(t *testing.T) {
	v, err := Parse(`{"a":1,"b":2,"a":3}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"b":2}`, v.String())
}
