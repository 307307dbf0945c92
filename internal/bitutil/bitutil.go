// Package bitutil provides the small bit-array and constant-time memory
// primitives that the dictionary-attack manager and command-audit bitmap
// build on. It corresponds to the "Bit/MemoryUtilities" component: bit-array
// set/clear/test, constant-time buffer compare, and trailing-zero stripping.
package bitutil

import "crypto/subtle"

// IsSet reports whether bit index in the bit array b is set. The array is
// indexed LSB-first within each byte, matching the source's BitIsSet.
func IsSet(index int, b []byte) bool {
	byteIndex := index / 8
	if byteIndex >= len(b) {
		return false
	}
	return b[byteIndex]&(1<<uint(index%8)) != 0
}

// Set sets bit index in the bit array b.
func Set(index int, b []byte) {
	byteIndex := index / 8
	if byteIndex >= len(b) {
		return
	}
	b[byteIndex] |= 1 << uint(index%8)
}

// Clear clears bit index in the bit array b.
func Clear(index int, b []byte) {
	byteIndex := index / 8
	if byteIndex >= len(b) {
		return
	}
	b[byteIndex] &^= 1 << uint(index%8)
}

// ConstantTimeCompare reports whether a and b are equal, taking time
// independent of where they first differ. Unlike bytes.Equal, it is safe to
// use on secrets such as authorization values, HMACs and policy digests; the
// specification explicitly calls out that the source's Memory2BEqual is not
// obviously constant-time and a reimplementation must guarantee it.
//
// Buffers of different length are first compared for length (which is not
// secret: TPM wire structures carry an explicit size field the caller can
// already observe) and only then compared byte-for-byte when lengths match,
// using crypto/subtle.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// StripTrailingZeroes returns auth with any trailing 0x00 bytes removed. The
// TPM 2.0 password-authorization rule permits a caller to pad its auth value
// with trailing zero bytes (e.g. to a fixed field width); the trimmed value
// is what gets compared against the entity's stored authValue.
func StripTrailingZeroes(auth []byte) []byte {
	end := len(auth)
	for end > 0 && auth[end-1] == 0 {
		end--
	}
	return auth[:end]
}
