package ble

import (
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix completes 16- and 32-bit SIG short forms.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID returns the canonical lowercase 128-bit form of s. Short
// forms ("fff0", "0x2902", "0000fff0") are expanded against the Bluetooth
// base UUID. Unparseable input is returned lowercased and trimmed.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s = s + baseUUIDSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return s
	}
	return u.String()
}

// SameUUID compares two UUIDs in any accepted form.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ShortUUID returns the 16-bit form of a base UUID ("fff0"), or the full
// canonical form for vendor UUIDs.
func ShortUUID(s string) string {
	n := NormalizeUUID(s)
	if len(n) == 36 && strings.HasPrefix(n, "0000") && strings.HasSuffix(n, baseUUIDSuffix) {
		return n[4:8]
	}
	return n
}
