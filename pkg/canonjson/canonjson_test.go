package canonjson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsAndStrips(t *testing.T) {
	in := map[string]any{
		"b":         1,
		"a":         "x<y",
		"signature": "drop-me",
		"nested":    map[string]any{"z": true, "c": []int{3, 1}},
	}
	out, err := Marshal(in, "signature")
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x<y","b":1,"nested":{"c":[3,1],"z":true}}`, string(out))
}

func TestStructFieldOrderDoesNotMatter(t *testing.T) {
	type ab struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	out, err := Marshal(ab{B: "2", A: "1"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1","b":"2"}`, string(out))
}

func TestLargeIntegersKeepPrecision(t *testing.T) {
	out, err := Marshal(map[string]any{"n": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(out))
}

func TestStripKeysDeep(t *testing.T) {
	m, err := ToMap(map[string]any{
		"flag": true,
		"list": []any{map[string]any{"flag": false, "keep": 1}},
	})
	require.NoError(t, err)
	StripKeysDeep(m, "flag")
	out, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, `{"list":[{"keep":1}]}`, string(out))
}
