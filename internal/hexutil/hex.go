// Package hexutil converts between byte slices, hex text and strings, and
// computes the one-byte additive checksum used by the device protocol.
package hexutil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// BytesToHex returns the lowercase, unseparated hex form of b.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// HexToBytes decodes s. Whitespace and an optional 0x prefix are ignored so
// that values copied from logs ("aa 04 06 ...") decode as-is.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.Join(strings.Fields(s), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hexutil: decode %q: %w", s, err)
	}
	return b, nil
}

// StringToHex hex-encodes the raw bytes of s.
func StringToHex(s string) string {
	return hex.EncodeToString([]byte(s))
}

// HexToString decodes hex text back into a string.
func HexToString(s string) (string, error) {
	b, err := HexToBytes(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Sum8 returns the sum of all bytes modulo 256.
func Sum8(parts ...[]byte) byte {
	var sum byte
	for _, p := range parts {
		for _, b := range p {
			sum += b
		}
	}
	return sum
}

// Checksum sums the bytes encoded in hex and returns the result as two hex
// digits.
func Checksum(hexStr string) (string, error) {
	b, err := HexToBytes(hexStr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02x", Sum8(b)), nil
}
