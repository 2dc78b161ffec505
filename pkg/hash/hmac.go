// Package hash computes the keyed digests under which confirmation tokens
// are stored. Persisting HMAC-SHA256(token) instead of the token itself
// means a copy of the database cannot be used to confirm subscriptions.
package hash

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/pkg/errors"
)

// ComputeHmac256 computes HMAC-SHA256 of message under secret, URL-safe encoded.
func ComputeHmac256(message, secret string) (string, error) {
	h := hmac.New(sha256.New, []byte(secret))
	if _, err := h.Write([]byte(message)); err != nil {
		return "", errors.Wrap(err, "hmac.Write")
	}

	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}
