// Command example is a minimal signing backend loadable as a Go plugin:
//
//	go build -buildmode=plugin -o plugins/tiktok-signature.so ./plugins/example
//
// It appends a deterministic X-Bogus parameter derived from the URL, which
// is enough to exercise the service end to end without a real signer.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// Sign is looked up by the goplugin resolver.
func Sign(_ context.Context, raw string) (any, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(raw))
	q := u.Query()
	q.Set("X-Bogus", hex.EncodeToString(sum[:12]))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func main() {}
