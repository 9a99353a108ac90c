// Package locator shrinks reading locators for storage and transport.
//
// A locator is an opaque string produced by the rendering engine (usually a
// JSON document). Compress snappy-encodes it and wraps the result in unpadded
// base64url so it stays safe inside URLs, JSON and SQLite TEXT columns.
package locator

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// ErrCorrupt is returned when a compressed locator cannot be decoded.
var ErrCorrupt = errors.New("corrupt locator")

var encoding = base64.RawURLEncoding

// Compress encodes a locator. The empty locator stays empty.
func Compress(locator string) string {
	if locator == "" {
		return ""
	}
	return encoding.EncodeToString(snappy.Encode(nil, []byte(locator)))
}

// Decompress reverses Compress.
func Decompress(compressed string) (string, error) {
	if compressed == "" {
		return "", nil
	}
	raw, err := encoding.DecodeString(compressed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out, err := snappy.Decode(nil, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return string(out), nil
}

// Codec lets callers swap the encoding, for example to store locators verbatim.
type Codec interface {
	Compress(locator string) string
	Decompress(compressed string) (string, error)
}

// Snappy is the default Codec.
type Snappy struct{}

func (Snappy) Compress(locator string) string              { return Compress(locator) }
func (Snappy) Decompress(compressed string) (string, error) { return Decompress(compressed) }

// Identity stores locators unchanged.
type Identity struct{}

func (Identity) Compress(locator string) string              { return locator }
func (Identity) Decompress(compressed string) (string, error) { return compressed, nil }
