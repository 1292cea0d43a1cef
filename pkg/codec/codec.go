// Package codec converts binary CRDT and presence payloads to and from the string form carried
// inside broadcast frames.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMalformed is returned (wrapped) when a payload string is not valid encoded data.
var ErrMalformed = errors.New("malformed payload")

var encoding = base64.StdEncoding

// Encode returns the transport-safe string form of raw. A nil or empty buffer encodes to "".
func Encode(raw []byte) string {
	return encoding.EncodeToString(raw)
}

// Decode is the exact inverse of Encode.
func Decode(s string) ([]byte, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return raw, nil
}
