// Package entity implements the EntityResolver component: uniform access to
// load-status, authValue, authPolicy, Name and hierarchy membership across
// every handle type, grounded on Entity.c (EntityGetLoadStatus,
// EntityGetAuthValue, EntityGetAuthPolicy, EntityGetName, EntityGetHierarchy)
// and generalized from the teacher's ResourceContext/resourceContextPrivate
// split in resources.go: callers only ever see the exported Entity
// interface, while the persistent-object load-evict rewrite needs a private
// mutation capability analogous to resourceContextPrivate.invalidate().
package entity

import (
	"encoding/binary"

	"github.com/addymanzano/libtpms"
)

// Entity is the read-only view of a resolved handle, common to every handle
// type. It is intentionally minimal — the typed accessors below take a raw
// Handle rather than an Entity, mirroring the source's functions, which are
// addressed by handle rather than by a resolved object.
type Entity interface {
	Handle() tpm2.Handle
	Name() tpm2.Name
}

// Object is a transient or persistent object's host-side record.
type Object struct {
	Handle            tpm2.Handle
	AuthValue         []byte
	AuthPolicy        []byte
	AuthPolicyHashAlg tpm2.HashAlgorithmId
	NameAlg           tpm2.HashAlgorithmId
	PublicDigest      []byte // hashed public area, used to compute Name
	NoDA              bool
	IsSequence        bool
	SequenceAuth      []byte
	PublicOnly        bool
	// Hierarchy flags: exactly one of these is set for a well-formed
	// object; EntityGetHierarchy's behavior when none are set is the
	// resolved Open Question (SPEC_FULL.md §9): GetHierarchy returns
	// HierarchyNull in that case rather than inferring HierarchyOwner.
	PPS bool
	EPS bool
	SPS bool
}

func (o *Object) Name() tpm2.Name {
	n := make(tpm2.Name, 2+len(o.PublicDigest))
	binary.BigEndian.PutUint16(n, uint16(o.NameAlg))
	copy(n[2:], o.PublicDigest)
	return n
}

// NVIndex is an NV index's host-side record.
type NVIndex struct {
	Handle            tpm2.Handle
	AuthValue         []byte
	AuthPolicy        []byte
	AuthPolicyHashAlg tpm2.HashAlgorithmId
	NameAlg           tpm2.HashAlgorithmId
	PublicDigest      []byte
	PlatformCreate    bool
	NoDA              bool
	Written           bool
}

func (n *NVIndex) Name() tpm2.Name {
	out := make(tpm2.Name, 2+len(n.PublicDigest))
	binary.BigEndian.PutUint16(out, uint16(n.NameAlg))
	copy(out[2:], n.PublicDigest)
	return out
}

// PCR is a platform configuration register's host-side record.
type PCR struct {
	Index       int
	AuthValue   []byte
	AuthPolicy  []byte
	AuthPolicyHashAlg tpm2.HashAlgorithmId
}

// ObjectStore is the external object pool: transient slot occupancy plus the
// persistent-object load-evict operation that may rewrite a handle in
// place.
type ObjectStore interface {
	// Transient looks up an occupied transient slot. ok is false if the
	// slot is empty.
	Transient(h tpm2.Handle) (obj *Object, ok bool)

	// LoadEvict loads a persistent object into a free transient slot,
	// returning the object and the new transient handle it was assigned.
	// It returns ok=false with a Status describing why (OBJECT_MEMORY,
	// HIERARCHY, REFERENCE_H0) if the load could not proceed.
	LoadEvict(h tpm2.Handle) (obj *Object, newHandle tpm2.Handle, status Status, ok bool)
}

// NVStoreView is the subset of NV index access the resolver needs.
type NVStoreView interface {
	Lookup(h tpm2.Handle) (idx *NVIndex, ok bool)
	// Accessible reports whether the index is currently accessible given
	// orderly state and attributes (e.g. not write-locked in a way that
	// blocks this operation). A software TPM with no partial-NV-commit
	// state can implement this as "always true once Lookup succeeds".
	Accessible(idx *NVIndex) bool
}

// PCRStoreView is the subset of PCR access the resolver needs.
type PCRStoreView interface {
	Lookup(index int) (pcr *PCR, ok bool)
}

// SessionStoreView is the subset of session-slot access the resolver needs
// to validate HMAC_SESSION/POLICY_SESSION handles. internal/session's
// session pool satisfies this interface.
type SessionStoreView interface {
	Loaded(h tpm2.Handle) bool
	IsPolicySession(h tpm2.Handle) bool
}

// HierarchyFlags is the module-wide enable state consulted by LoadStatus for
// permanent hierarchy handles.
type HierarchyFlags struct {
	ShEnable bool
	EhEnable bool
	PhEnable bool
}

// Status is the verdict of LoadStatus.
type Status int

const (
	StatusOK Status = iota
	StatusHandle
	StatusReferenceH0
	StatusHierarchy
	StatusObjectMemory
	StatusValue
)

// Resolver implements the EntityResolver component.
type Resolver struct {
	Objects  ObjectStore
	NV       NVStoreView
	PCRs     PCRStoreView
	Sessions SessionStoreView
	Flags    HierarchyFlags

	// HierarchyAuth, when set, supplies the authValue for a permanent
	// hierarchy handle (OWNER, ENDORSEMENT, PLATFORM, LOCKOUT). It is a
	// function rather than storage of its own so that the top-level Tpm
	// type remains the single owner of persistent hierarchy auth state;
	// see WithHierarchyAuth.
	HierarchyAuth hierarchyAuthFunc
}

// LoadStatus dispatches on handle.Type() per spec §4.1. It returns the
// verdict and, for the PERSISTENT case, the handle the object was loaded
// under (possibly rewritten to a transient handle) — modeled as an explicit
// return value rather than the source's in/out handle mutation, per
// SPEC_FULL.md §9.
func (r *Resolver) LoadStatus(h tpm2.Handle) (resolved tpm2.Handle, status Status) {
	switch h.Type() {
	case tpm2.HandleTypePermanent:
		switch h {
		case tpm2.HandleOwner:
			if !r.Flags.ShEnable {
				return h, StatusHierarchy
			}
		case tpm2.HandleEndorsement, tpm2.HandleVendorPermanent:
			if !r.Flags.EhEnable {
				return h, StatusHierarchy
			}
		case tpm2.HandlePlatform:
			if !r.Flags.PhEnable {
				return h, StatusHierarchy
			}
		case tpm2.HandleNull, tpm2.HandlePW, tpm2.HandleLockout:
			// always loadable
		default:
			if h.IsVendorAuth() {
				return h, StatusValue
			}
		}
		return h, StatusOK
	case tpm2.HandleTypeTransient:
		if _, ok := r.Objects.Transient(h); !ok {
			return h, StatusReferenceH0
		}
		return h, StatusOK
	case tpm2.HandleTypePersistent:
		_, newHandle, status, ok := r.Objects.LoadEvict(h)
		if !ok {
			return h, status
		}
		return newHandle, StatusOK
	case tpm2.HandleTypeHMACSession, tpm2.HandleTypePolicySession:
		if !r.Sessions.Loaded(h) {
			return h, StatusReferenceH0
		}
		wantPolicy := h.Type() == tpm2.HandleTypePolicySession
		if r.Sessions.IsPolicySession(h) != wantPolicy {
			return h, StatusHandle
		}
		return h, StatusOK
	case tpm2.HandleTypeNVIndex:
		idx, ok := r.NV.Lookup(h)
		if !ok {
			return h, StatusReferenceH0
		}
		if !r.NV.Accessible(idx) {
			return h, StatusReferenceH0
		}
		return h, StatusOK
	case tpm2.HandleTypePCR:
		// unmarshaling is assumed to have already validated the index is
		// in range, so PCR handles are always loadable here.
		return h, StatusOK
	default:
		panic("entity: unhandled handle type in LoadStatus")
	}
}

// GetAuthValue returns the authorization value for h. Callers must have
// already passed LoadStatus; this is a raw accessor, not a re-validation.
func (r *Resolver) GetAuthValue(h tpm2.Handle) []byte {
	switch h.Type() {
	case tpm2.HandleTypePermanent:
		if h == tpm2.HandleNull {
			return nil
		}
		return r.permanentAuth(h)
	case tpm2.HandleTypeTransient, tpm2.HandleTypePersistent:
		obj, ok := r.Objects.Transient(h)
		if !ok {
			return nil
		}
		if obj.IsSequence {
			return obj.SequenceAuth
		}
		return obj.AuthValue
	case tpm2.HandleTypeNVIndex:
		idx, ok := r.NV.Lookup(h)
		if !ok {
			return nil
		}
		return idx.AuthValue
	case tpm2.HandleTypePCR:
		pcr, ok := r.PCRs.Lookup(int(h))
		if !ok {
			return nil
		}
		return pcr.AuthValue
	default:
		return nil
	}
}

// permanentAuth delegates to HierarchyAuth; the resolver itself has no
// storage for owner/endorsement/platform/lockout auths, only for
// objects/NV/PCRs.
func (r *Resolver) permanentAuth(h tpm2.Handle) []byte {
	if r.HierarchyAuth == nil {
		return nil
	}
	return r.HierarchyAuth(h)
}

type hierarchyAuthFunc = func(tpm2.Handle) []byte

// NVWrittenState reports, for a PolicyNvWritten check, whether h is an NV
// index at all and if so whether its TPMA_NV_WRITTEN attribute is set.
// isNVIndex is false for every other handle type.
func (r *Resolver) NVWrittenState(h tpm2.Handle) (written bool, isNVIndex bool) {
	if h.Type() != tpm2.HandleTypeNVIndex {
		return false, false
	}
	idx, ok := r.NV.Lookup(h)
	if !ok {
		return false, true
	}
	return idx.Written, true
}

// GetAuthPolicy returns the authPolicy digest and its hash algorithm for h.
// A HashAlgorithmNull algorithm means no policy exists.
func (r *Resolver) GetAuthPolicy(h tpm2.Handle) ([]byte, tpm2.HashAlgorithmId) {
	switch h.Type() {
	case tpm2.HandleTypeTransient, tpm2.HandleTypePersistent:
		obj, ok := r.Objects.Transient(h)
		if !ok {
			return nil, tpm2.HashAlgorithmNull
		}
		return obj.AuthPolicy, obj.AuthPolicyHashAlg
	case tpm2.HandleTypeNVIndex:
		idx, ok := r.NV.Lookup(h)
		if !ok {
			return nil, tpm2.HashAlgorithmNull
		}
		return idx.AuthPolicy, idx.AuthPolicyHashAlg
	case tpm2.HandleTypePCR:
		pcr, ok := r.PCRs.Lookup(int(h))
		if !ok {
			return nil, tpm2.HashAlgorithmNull
		}
		return pcr.AuthPolicy, pcr.AuthPolicyHashAlg
	default:
		return nil, tpm2.HashAlgorithmNull
	}
}

// GetName returns the canonical Name of h: the computed Name for objects and
// NV indices, or the raw handle bytes for everything else.
func (r *Resolver) GetName(h tpm2.Handle) tpm2.Name {
	switch h.Type() {
	case tpm2.HandleTypeTransient, tpm2.HandleTypePersistent:
		if obj, ok := r.Objects.Transient(h); ok {
			return obj.Name()
		}
	case tpm2.HandleTypeNVIndex:
		if idx, ok := r.NV.Lookup(h); ok {
			return idx.Name()
		}
	}
	return tpm2.HandleName(h)
}

// GetHierarchy returns the hierarchy membership of h, per spec §3/§9.
//
// The Open Question is resolved here exactly as the source leaves it: a
// transient object with none of PPS/EPS/SPS set falls through to
// HierarchyNull rather than defaulting to HierarchyOwner. See
// entity_test.go's TestGetHierarchyTransientNoFlagFallsThroughToNull.
func (r *Resolver) GetHierarchy(h tpm2.Handle) tpm2.Hierarchy {
	switch h.Type() {
	case tpm2.HandleTypePermanent:
		switch h {
		case tpm2.HandlePlatform:
			return tpm2.HierarchyPlatform
		case tpm2.HandleEndorsement:
			return tpm2.HierarchyEndorsement
		case tpm2.HandleNull:
			return tpm2.HierarchyNull
		default:
			return tpm2.HierarchyOwner
		}
	case tpm2.HandleTypeNVIndex:
		idx, ok := r.NV.Lookup(h)
		if !ok {
			return tpm2.HierarchyNull
		}
		if idx.PlatformCreate {
			return tpm2.HierarchyPlatform
		}
		return tpm2.HierarchyOwner
	case tpm2.HandleTypeTransient, tpm2.HandleTypePersistent:
		obj, ok := r.Objects.Transient(h)
		if !ok {
			return tpm2.HierarchyNull
		}
		switch {
		case obj.PPS:
			return tpm2.HierarchyPlatform
		case obj.EPS:
			return tpm2.HierarchyEndorsement
		case obj.SPS:
			return tpm2.HierarchyOwner
		default:
			return tpm2.HierarchyNull
		}
	case tpm2.HandleTypePCR:
		return tpm2.HierarchyOwner
	default:
		return tpm2.HierarchyNull
	}
}

// IsDAExempted reports whether h is exempt from dictionary-attack
// protection, per spec §4.2: any permanent handle other than LOCKOUT;
// transient objects with NoDA set; NV indices with NoDA set; all PCRs.
func (r *Resolver) IsDAExempted(h tpm2.Handle) bool {
	switch h.Type() {
	case tpm2.HandleTypePermanent:
		return h != tpm2.HandleLockout
	case tpm2.HandleTypeTransient, tpm2.HandleTypePersistent:
		obj, ok := r.Objects.Transient(h)
		return !ok || obj.NoDA
	case tpm2.HandleTypeNVIndex:
		idx, ok := r.NV.Lookup(h)
		return !ok || idx.NoDA
	case tpm2.HandleTypePCR:
		return true
	default:
		return false
	}
}

// WithHierarchyAuth wires a hierarchy-auth lookup function into the
// resolver, letting the top-level Tpm type remain the sole owner of
// persistent hierarchy auth values while the resolver still uniformly
// serves GetAuthValue for permanent handles.
func (r *Resolver) WithHierarchyAuth(f hierarchyAuthFunc) {
	r.HierarchyAuth = f
}
