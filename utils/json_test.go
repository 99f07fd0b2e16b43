package utils

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// small key space so base and patch keys collide often
func genObject() gopter.Gen {
	key := gen.IntRange(0, 7).Map(func(i int) string { return string(rune('a' + i)) })
	return gen.MapOf(key, gen.IntRange(-1000, 1000))
}

func toObject(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestDeepMergeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("patch keys win and omitted keys are kept", prop.ForAll(
		func(base, patch map[string]int) bool {
			merged := DeepMerge(toObject(base), toObject(patch))
			for k, v := range base {
				if _, patched := patch[k]; !patched && merged[k] != v {
					return false
				}
			}
			for k, v := range patch {
				if merged[k] != v {
					return false
				}
			}
			union := map[string]bool{}
			for k := range base {
				union[k] = true
			}
			for k := range patch {
				union[k] = true
			}
			return len(merged) == len(union)
		},
		genObject(), genObject(),
	))

	properties.Property("nested objects merge instead of being replaced", prop.ForAll(
		func(base, patch map[string]int) bool {
			merged := DeepMerge(
				map[string]any{"valuation": toObject(base), "untouched": "x"},
				map[string]any{"valuation": toObject(patch)},
			)
			section, ok := merged["valuation"].(map[string]any)
			if !ok || merged["untouched"] != "x" {
				return false
			}
			want := DeepMerge(toObject(base), toObject(patch))
			if len(section) != len(want) {
				return false
			}
			for k, v := range want {
				if section[k] != v {
					return false
				}
			}
			return true
		},
		genObject(), genObject(),
	))

	properties.Property("inputs are not modified", prop.ForAll(
		func(base, patch map[string]int) bool {
			b := map[string]any{"valuation": toObject(base), "list": []any{1, 2}}
			p := map[string]any{"valuation": toObject(patch)}
			merged := DeepMerge(b, p)
			merged["valuation"].(map[string]any)["z"] = "changed"
			merged["list"].([]any)[0] = "changed"

			if _, leaked := b["valuation"].(map[string]any)["z"]; leaked {
				return false
			}
			if _, leaked := p["valuation"].(map[string]any)["z"]; leaked {
				return false
			}
			if b["list"].([]any)[0] != 1 {
				return false
			}
			return len(b["valuation"].(map[string]any)) == len(base) && len(p["valuation"].(map[string]any)) == len(patch)
		},
		genObject(), genObject(),
	))

	properties.TestingRun(t)
}

func TestDeepMergeNullDeletes(t *testing.T) {
	base := map[string]any{
		"valuation": map[string]any{"land_value": 100, "building_value": 50},
		"property":  map[string]any{"land_area": 1200},
	}
	merged := DeepMerge(base, map[string]any{
		"valuation": map[string]any{"building_value": nil},
		"property":  nil,
		"missing":   nil,
	})
	assert.Equal(t, map[string]any{"valuation": map[string]any{"land_value": 100}}, merged)
	assert.Contains(t, base, "property")
	assert.Contains(t, base["valuation"], "building_value")
}

func TestDeepMergeReplacesArraysAndScalars(t *testing.T) {
	merged := DeepMerge(
		map[string]any{"tags": []any{"a", "b"}, "section": map[string]any{"x": 1}},
		map[string]any{"tags": []any{"c"}, "section": "flat"},
	)
	assert.Equal(t, []any{"c"}, merged["tags"])
	assert.Equal(t, "flat", merged["section"])
}

func TestCanonicalJSON(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", map[string]any{"b": 1, "a": 2}, `{"a":2,"b":1}`},
		{"nested keys", map[string]any{"z": map[string]any{"d": true, "c": nil}, "a": "x"}, `{"a":"x","z":{"c":null,"d":true}}`},
		{"array order kept", map[string]any{"list": []any{3, 1, 2}}, `{"list":[3,1,2]}`},
		{"number normalised", map[string]any{"amount": json.Number("2.50")}, `{"amount":2.5}`},
		{"struct fields", struct {
			Name string `json:"name"`
			Age  int    `json:"age"`
		}{"x", 3}, `{"age":3,"name":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := CanonicalJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}

	_, err := CanonicalJSON(make(chan int))
	assert.Error(t, err)
}

func TestCanonicalJSONIgnoresInsertionOrder(t *testing.T) {
	a, err := CanonicalJSON(DeepMerge(map[string]any{"x": 1}, map[string]any{"y": 2}))
	require.NoError(t, err)
	b, err := CanonicalJSON(DeepMerge(map[string]any{"y": 2}, map[string]any{"x": 1}))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, SHA256Hex(a), SHA256Hex(b))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex(nil))
}

func TestLookupPath(t *testing.T) {
	doc := map[string]any{
		"property": map[string]any{"land_area": 1200, "empty": nil},
		"flag":     "x",
	}
	cases := []struct {
		path  string
		want  any
		found bool
	}{
		{"property.land_area", 1200, true},
		{"property.empty", nil, true},
		{"flag", "x", true},
		{"property.missing", nil, false},
		{"missing.land_area", nil, false},
		{"flag.sub", nil, false},
		{"property.land_area.deeper", nil, false},
		{"property.empty.deeper", nil, false},
		{"", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			got, ok := LookupPath(doc, tc.path)
			assert.Equal(t, tc.found, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeObject(t *testing.T) {
	m, err := DecodeObject([]byte(`{"amount": 1500.50}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("1500.50"), m["amount"])

	for _, raw := range []string{"", "  ", "null"} {
		m, err = DecodeObject([]byte(raw))
		require.NoError(t, err)
		assert.Empty(t, m)
	}

	_, err = DecodeObject([]byte(`[1, 2]`))
	assert.Error(t, err)
}
