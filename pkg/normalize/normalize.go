// Package normalize turns whatever a signing backend returns into a signed
// URL and an optional signature.
package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/markenriz8-crypto/signapi-markuz/pkg/signerr"
)

// SignatureParam is the query parameter carrying the signature in signed URLs.
const SignatureParam = "X-Bogus"

var (
	signedURLFields = []string{"signed_url", "signedUrl", "url", "endpoint"}
	signatureFields = []string{"signature", "X_Bogus", "x_bogus"}
)

// Result is the normalized view of a backend output. Raw is always the
// original value, also on failure.
type Result struct {
	SignedURL string
	Signature *string
	Raw       any
}

// Normalize never panics. On failure the returned error is a *signerr.Error of
// kind EmptyResult or UnnormalizableOutput with Raw set.
func Normalize(raw any) (res Result, err error) {
	res.Raw = raw
	defer func() {
		if p := recover(); p != nil {
			res = Result{Raw: raw}
			err = &signerr.Error{Kind: signerr.UnnormalizableOutput, Message: fmt.Sprintf("Could not normalize signer output: %v", p), Raw: raw}
		}
	}()

	value := decode(raw)
	if isEmpty(value) {
		return res, &signerr.Error{Kind: signerr.EmptyResult, Message: "Signer returned empty result", Raw: raw}
	}

	var signedURL string
	var signature *string
	switch v := value.(type) {
	case string:
		signedURL = v
		signature = signatureFromURL(v)
	case map[string]any:
		signedURL = firstString(v, signedURLFields)
		if sig := firstString(v, signatureFields); sig != "" {
			signature = &sig
		}
		if signedURL == "" {
			if nested, ok := v["raw"].(string); ok {
				signedURL = nested
			}
		}
	}
	if signedURL == "" {
		return res, &signerr.Error{Kind: signerr.UnnormalizableOutput, Message: "Could not normalize signer output", Raw: raw}
	}
	res.SignedURL = signedURL
	res.Signature = signature
	return res, nil
}

// decode maps backend values onto string or map[string]any where possible.
// Byte payloads are read as JSON first, then as text; structs go through
// their JSON encoding so json tags name the fields.
func decode(raw any) any {
	switch v := raw.(type) {
	case nil:
		return nil
	case string, map[string]any:
		return v
	case []byte:
		return decodeBytes(v)
	case json.RawMessage:
		return decodeBytes(v)
	}
	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Struct, reflect.Map:
		b, err := json.Marshal(rv.Interface())
		if err != nil {
			return raw
		}
		var out map[string]any
		if err := json.Unmarshal(b, &out); err != nil {
			return raw
		}
		return out
	}
	return rv.Interface()
}

func decodeBytes(b []byte) any {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return ""
	}
	var out any
	if json.Valid([]byte(trimmed)) && json.Unmarshal([]byte(trimmed), &out) == nil {
		return out
	}
	return string(b)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.Len() == 0
	case reflect.Bool:
		return !rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() == 0
	case reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

func signatureFromURL(raw string) *string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	sig := u.Query().Get(SignatureParam)
	if sig == "" {
		return nil
	}
	return &sig
}

// firstString returns the first non-null candidate field that renders as
// text. Candidates holding lists or objects are skipped.
func firstString(m map[string]any, fields []string) string {
	for _, f := range fields {
		v, ok := m[f]
		if !ok || v == nil {
			continue
		}
		if s, ok := scalarText(v); ok {
			return s
		}
	}
	return ""
}

func scalarText(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case json.Number:
		return s.String(), true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 32), true
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), true
	}
	return "", false
}
