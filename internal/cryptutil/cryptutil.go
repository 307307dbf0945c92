// Package cryptutil wraps the cryptographic primitives the session pipeline
// needs behind the hash-algorithm-agnostic tpm2.HashAlgorithmId type. Its
// KDFa and symmetric encrypt/decrypt signatures mirror paramcrypt.go's calls
// into the sibling internal/mu-adjacent "internal" package in the teacher
// corpus (github.com/canonical/go-tpm2/internal.KDFa,
// internal.EncryptSymmetricAES, internal.XORObfuscation) so that
// internal/session's parameter-encryption logic (spec §4.4.1 step 6,
// §4.4.4 step 1) reads the same way the teacher's does.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/addymanzano/libtpms"
)

// HMAC computes an HMAC over data using key, under the hash algorithm alg.
func HMAC(alg tpm2.HashAlgorithmId, key []byte, data ...[]byte) []byte {
	h := hmac.New(alg.GetHash().New, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// Digest hashes data under alg.
func Digest(alg tpm2.HashAlgorithmId, data ...[]byte) []byte {
	h := alg.GetHash().New()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// KDFa implements the TPM 2.0 KDFa key derivation function (part 1, section
// 11.4.10.2): a counter-mode HMAC-based KDF that derives sizeInBits worth of
// key material from key, a label, and two context values. Session parameter
// encryption keys and IVs are derived by a single KDFa call whose output is
// split into a symmetric key followed by an IV, exactly as paramcrypt.go
// does.
func KDFa(alg tpm2.HashAlgorithmId, key []byte, label []byte, contextU, contextV []byte, sizeInBits int) []byte {
	digestSize := alg.Size()
	var result []byte
	for counter := uint32(1); len(result) < (sizeInBits+7)/8; counter++ {
		var counterBytes [4]byte
		binary.BigEndian.PutUint32(counterBytes[:], counter)

		h := hmac.New(alg.GetHash().New, key)
		h.Write(counterBytes[:])
		h.Write(label)
		h.Write([]byte{0}) // label is NUL-terminated per the specification
		h.Write(contextU)
		h.Write(contextV)
		var sizeBytes [4]byte
		binary.BigEndian.PutUint32(sizeBytes[:], uint32(sizeInBits))
		h.Write(sizeBytes[:])

		result = append(result, h.Sum(nil)...)
		_ = digestSize
	}

	result = result[:(sizeInBits+7)/8]
	if rem := sizeInBits % 8; rem != 0 {
		result[0] &= byte(0xff) >> uint(8-rem)
	}
	return result
}

// SymmetricMode selects the block cipher chaining mode used for session
// parameter encryption. The TPM 2.0 specification only permits CFB for this
// purpose.
type SymmetricMode int

const (
	SymmetricModeCFB SymmetricMode = iota
)

// EncryptCFB XOR-encrypts data in place using AES-CFB with the given key and
// IV.
func EncryptCFB(key, iv, data []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("cannot create AES cipher: %w", err)
	}
	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(data, data)
	return nil
}

// DecryptCFB XOR-decrypts data in place using AES-CFB with the given key and
// IV.
func DecryptCFB(key, iv, data []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("cannot create AES cipher: %w", err)
	}
	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(data, data)
	return nil
}

// XORObfuscation implements the TPM 2.0 XOR parameter obfuscation scheme
// (part 1, section 11.4.10.3): a KDFa-derived keystream, one digest-sized
// block at a time, rotating through the hash algorithm's output, XORed
// directly into data.
func XORObfuscation(alg tpm2.HashAlgorithmId, key []byte, contextU, contextV []byte, data []byte) {
	mask := KDFa(alg, key, []byte("XOR"), contextU, contextV, len(data)*8)
	for i := range data {
		data[i] ^= mask[i]
	}
}
