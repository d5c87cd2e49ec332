package validator

import (
	"encoding/json"
	"strings"
	"testing"

	"kptv-failover/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) types.SourceCandidate {
	t.Helper()
	var c types.SourceCandidate
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return c
}

func TestValidateKinds(t *testing.T) {
	v := New()

	cases := []struct {
		name string
		json string
		kind types.ErrorKind
	}{
		{"missing", `{"key":"a"}`, types.KindMissing},
		{"null", `{"key":"a","episodeUrl":null}`, types.KindMissing},
		{"number", `{"key":"a","episodeUrl":42}`, types.KindInvalidType},
		{"object", `{"key":"a","episodeUrl":{"u":"x"}}`, types.KindInvalidType},
		{"empty", `{"key":"a","episodeUrl":"   "}`, types.KindEmpty},
		{"no scheme", `{"key":"a","episodeUrl":"cdn.example.com/x.m3u8"}`, types.KindMalformed},
		{"ftp", `{"key":"a","episodeUrl":"ftp://cdn.example.com/x"}`, types.KindMalformed},
		{"spaces", `{"key":"a","episodeUrl":"https://cdn.example.com/a b"}`, types.KindMalformed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(decode(t, tc.json))
			assert.False(t, res.Valid)
			assert.Equal(t, tc.kind, res.Kind)
			assert.Error(t, res.Err)
		})
	}
}

func TestValidateAccepts(t *testing.T) {
	res := New().Validate(decode(t, `{"key":"a","episodeUrl":" https://cdn.example.com/ep1.m3u8?sig=1 "}`))
	require.True(t, res.Valid)
	assert.Equal(t, "https://cdn.example.com/ep1.m3u8?sig=1", res.URL)
}

func TestRewriter(t *testing.T) {
	v := New(WithRewriter(func(raw string) string {
		return strings.Replace(raw, "cdn.example.com", "eu.cdn.example.com", 1)
	}))

	res := v.Validate(types.NewCandidate("a", "https://cdn.example.com/ep1.m3u8", 0))
	require.True(t, res.Valid)
	assert.Equal(t, "https://eu.cdn.example.com/ep1.m3u8", res.URL)

	bad := New(WithRewriter(func(string) string { return "nonsense" }))
	res = bad.Validate(types.NewCandidate("a", "https://cdn.example.com/ep1.m3u8", 0))
	assert.Equal(t, types.KindMalformed, res.Kind)
}
