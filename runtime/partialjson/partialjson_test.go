package partialjson

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		want  any
	}{
		{name: "complete", input: `{"x":1}`, want: map[string]any{"x": float64(1)}},
		{name: "dangling key", input: `{"x":`, want: map[string]any{}},
		{name: "open string value", input: `{"city":"Par`, want: map[string]any{"city": "Par"}},
		{name: "partial key", input: `{"ci`, want: map[string]any{}},
		{name: "trailing comma", input: `{"a":1,`, want: map[string]any{"a": float64(1)}},
		{name: "open array", input: `{"ids":[1,2`, want: map[string]any{"ids": []any{float64(1), float64(2)}}},
		{name: "nested", input: `{"a":{"b":[{"c":true}`, want: map[string]any{"a": map[string]any{"b": []any{map[string]any{"c": true}}}}},
		{name: "partial literal", input: `{"a":1,"b":tr`, want: map[string]any{"a": float64(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Parse(`tru`)
	require.ErrorIs(t, err, ErrIncomplete)

	_, err = Parse(``)
	require.ErrorIs(t, err, ErrIncomplete)
}
