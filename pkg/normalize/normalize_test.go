package normalize

import (
	"encoding/json"
	"testing"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/signerr"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestNormalizeString(t *testing.T) {
	cases := []struct {
		name      string
		raw       string
		signature *string
	}{
		{"with_signature", "https://x/v?X-Bogus=abc123", ptr("abc123")},
		{"without_signature", "https://x/v?a=1", nil},
		{"not_a_url", "just-some-token", nil},
		{"unparsable_url", "http://[::1", nil},
		{"empty_signature", "https://x/v?X-Bogus=", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Normalize(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.raw, res.SignedURL)
			require.Equal(t, tc.signature, res.Signature)
			require.Equal(t, tc.raw, res.Raw)
		})
	}
}

func TestNormalizeMapFieldPriority(t *testing.T) {
	cases := []struct {
		name      string
		raw       map[string]any
		signedURL string
		signature *string
	}{
		{"snake_case", map[string]any{"signed_url": "https://y/z", "signature": "deadbeef"}, "https://y/z", ptr("deadbeef")},
		{"camel_case", map[string]any{"signedUrl": "https://a", "X_Bogus": "s1"}, "https://a", ptr("s1")},
		{"url_alias", map[string]any{"url": "https://b", "x_bogus": "s2"}, "https://b", ptr("s2")},
		{"endpoint_alias", map[string]any{"endpoint": "https://c"}, "https://c", nil},
		{"first_match_wins", map[string]any{"signed_url": "https://first", "url": "https://second", "signature": "a", "x_bogus": "b"}, "https://first", ptr("a")},
		{"null_skipped", map[string]any{"signed_url": nil, "signedUrl": "https://d", "signature": nil, "X_Bogus": "z"}, "https://d", ptr("z")},
		{"nested_raw", map[string]any{"raw": "https://e?X-Bogus=q"}, "https://e?X-Bogus=q", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Normalize(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.signedURL, res.SignedURL)
			require.Equal(t, tc.signature, res.Signature)
		})
	}
}

func TestNormalizeStructsAndBytes(t *testing.T) {
	type output struct {
		SignedURL string `json:"signed_url"`
		Signature string `json:"signature"`
	}
	res, err := Normalize(&output{SignedURL: "https://y/z", Signature: "deadbeef"})
	require.NoError(t, err)
	require.Equal(t, "https://y/z", res.SignedURL)
	require.Equal(t, ptr("deadbeef"), res.Signature)

	res, err = Normalize(json.RawMessage(`{"signedUrl":"https://j","signature":"s"}`))
	require.NoError(t, err)
	require.Equal(t, "https://j", res.SignedURL)

	res, err = Normalize([]byte("https://k?X-Bogus=b1"))
	require.NoError(t, err)
	require.Equal(t, "https://k?X-Bogus=b1", res.SignedURL)
	require.Equal(t, ptr("b1"), res.Signature)

	res, err = Normalize(map[string]string{"url": "https://m"})
	require.NoError(t, err)
	require.Equal(t, "https://m", res.SignedURL)
}

func TestNormalizeEmpty(t *testing.T) {
	var nilMap map[string]any
	var nilPtr *string
	for _, raw := range []any{nil, "", false, 0, 0.0, nilMap, nilPtr, []byte("  ")} {
		res, err := Normalize(raw)
		require.Error(t, err, "%#v", raw)
		require.Equal(t, signerr.EmptyResult, signerr.KindOf(err), "%#v", raw)
		require.Equal(t, "Signer returned empty result", err.Error())
		require.Empty(t, res.SignedURL)
	}
}

func TestNormalizeUnnormalizable(t *testing.T) {
	for _, raw := range []any{
		map[string]any{"foo": "bar"},
		map[string]any{"signed_url": []any{"https://x"}},
		map[string]any{"signed_url": map[string]any{"nested": true}},
		[]any{"https://x"},
		true,
		17,
	} {
		_, err := Normalize(raw)
		require.Error(t, err, "%#v", raw)
		require.Equal(t, signerr.UnnormalizableOutput, signerr.KindOf(err), "%#v", raw)
		var se *signerr.Error
		require.ErrorAs(t, err, &se)
		require.Equal(t, raw, se.Raw, "raw is preserved for diagnostics")
	}
}

func TestNormalizeScalarFieldsRenderAsText(t *testing.T) {
	type output struct {
		URL string `json:"url"`
		Sig int    `json:"signature"`
	}
	cases := []struct {
		name      string
		raw       any
		signedURL string
		signature *string
	}{
		{"float", map[string]any{"url": "https://n", "signature": 12.5}, "https://n", ptr("12.5")},
		{"int_in_map", map[string]any{"url": "https://a", "signature": 12345, "X_Bogus": "abc"}, "https://a", ptr("12345")},
		{"int_in_struct", output{URL: "https://a", Sig: 12345}, "https://a", ptr("12345")},
		{"large_float", map[string]any{"url": "https://a", "signature": 1e21}, "https://a", ptr("1000000000000000000000")},
		{"uint", map[string]any{"url": "https://a", "x_bogus": uint16(7)}, "https://a", ptr("7")},
		{"bytes_field", map[string]any{"signed_url": []byte("https://b")}, "https://b", nil},
		{"list_candidate_skipped", map[string]any{"signed_url": []any{"https://x"}, "url": "https://c"}, "https://c", nil},
		{"object_candidate_skipped", map[string]any{"url": "https://d", "signature": map[string]any{"v": 1}, "X_Bogus": "s3"}, "https://d", ptr("s3")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Normalize(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.signedURL, res.SignedURL)
			require.Equal(t, tc.signature, res.Signature)
		})
	}
}

type exploding struct{}

func (exploding) MarshalJSON() ([]byte, error) { panic("boom") }

func TestNormalizeIsTotal(t *testing.T) {
	require.NotPanics(t, func() {
		_, err := Normalize(map[string]exploding{"x": {}})
		require.Error(t, err)
		require.Equal(t, signerr.UnnormalizableOutput, signerr.KindOf(err))
	})
}
