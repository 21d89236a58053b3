// Package hash provides hashing utilities.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// SHA256 computes the SHA256 hash of data and returns it as a hex string.
func SHA256(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SHA256Short returns the first n characters of a SHA256 hash.
func SHA256Short(data []byte, n int) string {
	h := SHA256(data)
	if n > len(h) {
		return h
	}
	return h[:n]
}

// SearchKey generates a deterministic cache key for a ranked search against
// namespace (the index and fields searched). Floats are formatted with 'g'
// so 1.2 and 1.20 hash the same.
func SearchKey(namespace, query string, k int, k1, b float64) string {
	var sb strings.Builder
	sb.WriteString(namespace)
	sb.WriteByte(0)
	sb.WriteString(query)
	sb.WriteByte(0)
	sb.WriteString(strconv.Itoa(k))
	sb.WriteByte(0)
	sb.WriteString(strconv.FormatFloat(k1, 'g', -1, 64))
	sb.WriteByte(0)
	sb.WriteString(strconv.FormatFloat(b, 'g', -1, 64))
	return SHA256Short([]byte(sb.String()), 32)
}
