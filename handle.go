// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpm2

import (
	"encoding/binary"
	"fmt"
)

// Handle is a 32-bit identifier for an entity known to the TPM: a permanent
// resource, a loaded transient or persistent object, an NV index, a PCR, or
// a loaded session. The top byte of a Handle is its HandleType.
type Handle uint32

// HandleType is the type of a Handle, encoded in its most significant byte.
type HandleType uint8

const (
	HandleTypePCR           HandleType = 0x00
	HandleTypeNVIndex       HandleType = 0x01
	HandleTypeHMACSession   HandleType = 0x02
	HandleTypePolicySession HandleType = 0x03
	HandleTypePermanent     HandleType = 0x40
	HandleTypeTransient     HandleType = 0x80
	HandleTypePersistent    HandleType = 0x81
)

// Type returns the HandleType encoded in the top byte of h.
func (h Handle) Type() HandleType {
	return HandleType(h >> 24)
}

func (h Handle) String() string {
	return fmt.Sprintf("0x%08x", uint32(h))
}

// Reserved permanent handles, defined by the TPM Library Specification part 2,
// table "Permanent Handles".
const (
	HandleOwner          Handle = 0x40000001
	HandleNull           Handle = 0x40000007
	HandlePW             Handle = 0x40000009
	HandleLockout        Handle = 0x4000000A
	HandleEndorsement    Handle = 0x4000000B
	HandlePlatform       Handle = 0x4000000C
	HandlePlatformNV     Handle = 0x4000000D
	HandleAuth00         Handle = 0x40000010
	HandleAuthFF         Handle = 0x4000010F
	HandleVendorPermanent Handle = 0x40000801
)

// IsVendorAuth reports whether h falls in the vendor-reserved AUTH_00..AUTH_FF
// range of permanent handles.
func (h Handle) IsVendorAuth() bool {
	return h.Type() == HandleTypePermanent && h >= HandleAuth00 && h <= HandleAuthFF
}

// Hierarchy identifies one of the three TPM hierarchies, or NULL.
type Hierarchy int

const (
	HierarchyNull Hierarchy = iota
	HierarchyOwner
	HierarchyEndorsement
	HierarchyPlatform
)

func (h Hierarchy) String() string {
	switch h {
	case HierarchyOwner:
		return "owner"
	case HierarchyEndorsement:
		return "endorsement"
	case HierarchyPlatform:
		return "platform"
	default:
		return "null"
	}
}

// Name is the canonical identifier of an entity: the big-endian handle bytes
// for most entity types, or HashAlg||Digest for objects and NV indices whose
// name is computed from their public area.
type Name []byte

// HandleName returns the canonical 4-byte Name of a bare handle (used for
// permanent handles, PCRs and sessions, which have no computed name).
func HandleName(h Handle) Name {
	n := make([]byte, 4)
	binary.BigEndian.PutUint32(n, uint32(h))
	return Name(n)
}
