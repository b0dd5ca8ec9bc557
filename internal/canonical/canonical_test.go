package canonical

import (
	"crypto/sha256"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysRecursively(t *testing.T) {
	in := []byte(`{"b": 1, "a": {"z": true, "y": [ {"d": null, "c": "x"} ]}}`)
	out, err := Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":[{"c":"x","d":null}],"z":true},"b":1}`, string(out))
}

func TestKeyOrderDoesNotChangeHash(t *testing.T) {
	a := []byte(`{"decision":{"confidence":87,"action":"buy"},"agent":"alpha","inputs":["x","y"]}`)
	b := []byte(`{"agent":"alpha","inputs":["x","y"],"decision":{"action":"buy","confidence":87}}`)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestArrayOrderChangesHash(t *testing.T) {
	ha, err := Hash([]byte(`{"inputs":["x","y"]}`))
	require.NoError(t, err)
	hb, err := Hash([]byte(`{"inputs":["y","x"]}`))
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestAnyFieldChangeChangesHash(t *testing.T) {
	base := map[string]any{
		"agent":      "alpha",
		"confidence": 87,
		"action":     map[string]any{"type": "trade", "size": 1.5},
	}
	h0, err := Hash(base)
	require.NoError(t, err)

	variants := []map[string]any{
		{"agent": "beta", "confidence": 87, "action": map[string]any{"type": "trade", "size": 1.5}},
		{"agent": "alpha", "confidence": 88, "action": map[string]any{"type": "trade", "size": 1.5}},
		{"agent": "alpha", "confidence": 87, "action": map[string]any{"type": "audit", "size": 1.5}},
		{"agent": "alpha", "confidence": 87, "action": map[string]any{"type": "trade", "size": 1.25}},
		{"agent": "alpha", "confidence": 87},
	}
	for i, v := range variants {
		h, err := Hash(v)
		require.NoError(t, err)
		assert.NotEqual(t, h0, h, "variant %d", i)
	}
}

func TestStructAndRawAgree(t *testing.T) {
	type doc struct {
		Zeta  string `json:"zeta"`
		Alpha int    `json:"alpha"`
	}
	h1, err := Hash(doc{Zeta: "z", Alpha: 1})
	require.NoError(t, err)
	h2, err := Hash(json.RawMessage(`{"alpha":1,"zeta":"z"}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Equal(t, sha256.Sum256([]byte(`{"alpha":1,"zeta":"z"}`)), h1)
}

func TestStringEscaping(t *testing.T) {
	out, err := Marshal(map[string]any{"s": "a<b>&\"\\\n\t\u0001é"})
	require.NoError(t, err)
	assert.Equal(t, `{"s":"a<b>&\"\\\n\t\u0001é"}`, string(out))
}

func TestNumberFormatting(t *testing.T) {
	tests := map[string]string{
		`1.0`:          `1`,
		`-0`:           `0`,
		`100`:          `100`,
		`0.5`:          `0.5`,
		`1e21`:         `1e+21`,
		`1.5e-7`:       `1.5e-7`,
		`0.000001`:     `0.000001`,
		`123456789012`: `123456789012`,
	}
	for in, want := range tests {
		out, err := Marshal([]byte(`[` + in + `]`))
		require.NoError(t, err, in)
		assert.Equal(t, `[`+want+`]`, string(out), in)
	}
}

func TestUTF16KeyOrder(t *testing.T) {
	// U+1F600 sorts after U+FF5E by code point but before it by UTF-16 unit.
	out, err := Marshal([]byte(`{"～":2,"😀":1,"a":3}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"😀":1,"～":2}`, string(out))
}

func TestMarshalRejectsBadInput(t *testing.T) {
	_, err := Marshal([]byte(`{"a":1}}`))
	assert.ErrorIs(t, err, ErrTrailingData)

	_, err = Marshal([]byte(`{"a":`))
	assert.Error(t, err)

	_, err = Marshal(func() {})
	assert.Error(t, err)
}

func TestIdempotent(t *testing.T) {
	in := []byte(`{"b":[3,2,{"y":1,"x":2}],"a":"s"}`)
	once, err := Marshal(in)
	require.NoError(t, err)
	twice, err := Marshal(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}
