package shared

import (
	"encoding/base64"
	"errors"
	"strings"
)

const cursorSeparator = "|"

// ErrMalformedCursor indicates a cursor that was not produced by EncodeCursor.
var ErrMalformedCursor = errors.New("malformed cursor")

// ClampPageSize applies the default when size is unset and caps it at max.
func ClampPageSize(size, def, max int) int {
	if size <= 0 {
		size = def
	}
	if max > 0 && size > max {
		size = max
	}
	return size
}

// EncodeCursor packs keyset values into an opaque URL-safe token.
func EncodeCursor(parts ...string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strings.Join(parts, cursorSeparator)))
}

// DecodeCursor unpacks a token built by EncodeCursor with exactly n parts.
func DecodeCursor(cursor string, n int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, ErrMalformedCursor
	}
	parts := strings.Split(string(raw), cursorSeparator)
	if len(parts) != n {
		return nil, ErrMalformedCursor
	}
	return parts, nil
}
