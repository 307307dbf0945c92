// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpm2

import (
	"encoding/binary"
)

// This file contains the subset of the structures defined in section 10
// (Structures) in part 2 of the library spec that the session, entity and
// audit components actually exchange on the wire. Everything else here
// (PCR selections, tickets, capability/attestation unions, ...) belonged to
// the client-side command layer and depended on an external marshaling
// package this module doesn't vendor, so it has been dropped rather than
// carried as dead weight - see internal/mu for the marshaler these packages
// use instead.

// 10.5) Names

// The sized-buffer types (Digest, Nonce, Auth) are declared in types.go and
// Name itself in handle.go; this file adds Name's accessors.

// NameType describes the type of a name.
type NameType int

const (
	// NameTypeInvalid means that a Name is invalid.
	NameTypeInvalid NameType = iota

	// NameTypeHandle means that a Name is a handle.
	NameTypeHandle

	// NameTypeDigest means that a Name is a digest.
	NameTypeDigest
)

// Type determines the type of this name.
func (n Name) Type() NameType {
	if len(n) < binary.Size(HashAlgorithmId(0)) {
		return NameTypeInvalid
	}
	if len(n) == binary.Size(Handle(0)) {
		return NameTypeHandle
	}

	alg := HashAlgorithmId(binary.BigEndian.Uint16(n))
	if !alg.Supported() {
		return NameTypeInvalid
	}

	if len(n)-binary.Size(HashAlgorithmId(0)) != alg.Size() {
		return NameTypeInvalid
	}

	return NameTypeDigest
}

// Handle returns the handle of the resource that this name corresponds to. If
// Type does not return NameTypeHandle, it will panic.
func (n Name) Handle() Handle {
	if n.Type() != NameTypeHandle {
		panic("name is not a handle")
	}
	return Handle(binary.BigEndian.Uint32(n))
}

// Algorithm returns the digest algorithm of this name. If Type does not return
// NameTypeDigest, it will return HashAlgorithmNull.
func (n Name) Algorithm() HashAlgorithmId {
	if n.Type() != NameTypeDigest {
		return HashAlgorithmNull
	}

	return HashAlgorithmId(binary.BigEndian.Uint16(n))
}

// Digest returns the name as a digest without the algorithm identifier. If
// Type does not return NameTypeDigest, it will panic.
func (n Name) Digest() Digest {
	if n.Type() != NameTypeDigest {
		panic("name is not a valid digest")
	}
	return Digest(n[binary.Size(HashAlgorithmId(0)):])
}
