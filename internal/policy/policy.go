// Package policy implements the policy-session half of §4.4.3's
// CheckAuthSession: the recorded policy digest, command-code and locality
// restrictions a policy session accumulates via PolicyXXX assertions, and
// the verdict CheckPolicyAuthSession renders when that session is presented
// as an authorization. Grounded on SessionProcess.c's CheckPolicyAuthSession
// and policyutil/policy.go's PolicyExecuteParams/PolicyResources vocabulary,
// generalized from a builder-of-a-signed-assertion-chain into a plain
// recorded-state checker, since this package has no TPM2_PolicyXXX command
// layer of its own to build the chain — only the verification the session
// pipeline performs once a caller claims to have satisfied one.
package policy

import (
	"bytes"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/platform"
)

// Session is the subset of a policy session's recorded state
// CheckPolicyAuthSession consults. It mirrors the fields a SESSION struct in
// the source carries for a POLICY_SESSION: the running policyDigest,
// optional command-code/locality restrictions recorded by an earlier
// PolicyCommandCode/PolicyLocality assertion, and the expiration/timeout
// recorded by PolicyExpiration's isAudit/isLocal-independent deadline.
type Session struct {
	// Digest is the running policy digest accumulated by the sequence of
	// PolicyXXX assertions the caller executed against this session.
	Digest []byte

	// CommandCode is non-zero once PolicyCommandCode has restricted this
	// session to a single command; zero means unrestricted.
	CommandCode tpm2.CommandCode

	// Locality is non-zero once PolicyLocality has restricted this
	// session, encoded per platform.LocalityCompatible.
	Locality uint8

	// CpHash, if non-empty, restricts this session to the single command
	// parameter hash recorded by PolicyCpHash.
	CpHash []byte

	// NameHash, if non-empty, restricts this session to the single
	// concatenated-handle-name hash recorded by PolicyNameHash.
	NameHash []byte

	// Expiry is the platform clock value (platform.Signals.Clock) after
	// which this session is no longer usable, or 0 for no expiration.
	Expiry uint64

	// IsPasswordAuth is true once PolicyPassword has required the
	// associated authValue to be presented in the clear rather than as an
	// HMAC, per spec §4.4.2's "policy session marked password-required"
	// rule.
	IsPasswordAuth bool

	// PCRCounterSet and PCRCounter record a PolicyPCR assertion's snapshot
	// of the platform's PCR update counter. CheckPolicyAuthSession rejects
	// the session with ErrorPCRChanged if the counter has moved on since,
	// i.e. some PCR has been extended or reset.
	PCRCounterSet bool
	PCRCounter    uint32

	// PPRequired is set by PolicyPhysicalPresence: the session can only
	// authorize while physical presence is currently asserted.
	PPRequired bool

	// NVWrittenSet and NVWrittenRequired record a PolicyNvWritten
	// assertion: the associated NV index's TPMA_NV_WRITTEN state must
	// match NVWrittenRequired. Meaningless, and rejected, for a handle
	// that isn't an NV index at all.
	NVWrittenSet      bool
	NVWrittenRequired bool
}

// Target is the information CheckPolicyAuthSession needs about the entity
// and command the policy session is being used to authorize.
type Target struct {
	CommandCode tpm2.CommandCode
	AuthPolicy  []byte
	HashAlg     tpm2.HashAlgorithmId
	CpHash      []byte
	NameHash    []byte

	// PCRCounter is the platform's current PCR update counter, compared
	// against a recorded PolicyPCR snapshot.
	PCRCounter uint32

	// IsNVIndex and NVWritten describe the associated handle for
	// PolicyNvWritten's purposes: whether it is an NV index at all, and if
	// so, whether it has been written.
	IsNVIndex bool
	NVWritten bool

	// RequiresPolicyRole is true when the command's role for the
	// associated handle is ADMIN or DUP, per CommandAuthRole: such a role
	// demands the policy session have PolicyCommandCode locked to this
	// specific command, since a POLICY_FAIL on an unrestricted session
	// doing ADMIN/DUP-gated work would otherwise be silently satisfiable
	// by any session sharing the entity's authPolicy.
	RequiresPolicyRole bool
}

// CheckPolicyAuthSession validates sess against target, per
// SessionProcess.c's CheckPolicyAuthSession: the recorded digest must equal
// the entity's authPolicy, any command-code/locality/cpHash/nameHash
// restriction recorded on the session must match the command actually being
// executed, and the session must not have expired.
func CheckPolicyAuthSession(sess *Session, target Target, plat platform.Signals) error {
	if sess.PCRCounterSet && sess.PCRCounter != target.PCRCounter {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPCRChanged}
	}
	if len(target.AuthPolicy) == 0 {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyFail}
	}
	if !bytes.Equal(sess.Digest, target.AuthPolicy) {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyFail}
	}
	if sess.Expiry != 0 && plat.Clock() > sess.Expiry {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorExpired}
	}
	if sess.CommandCode != 0 {
		if sess.CommandCode != target.CommandCode {
			return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyCC}
		}
	} else if target.RequiresPolicyRole {
		// A command requiring a DUP or ADMIN role for this handle demands
		// a session locked to a specific command code; one that never
		// took a PolicyCommandCode branch cannot authorize it.
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyFail}
	}
	if sess.Locality != 0 && !platform.LocalityCompatible(sess.Locality, plat.Locality()) {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorLocality}
	}
	if sess.PPRequired && !plat.PhysicalPresenceAsserted() {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPP}
	}
	if len(sess.CpHash) != 0 && !bytes.Equal(sess.CpHash, target.CpHash) {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyFail}
	}
	if len(sess.NameHash) != 0 && !bytes.Equal(sess.NameHash, target.NameHash) {
		return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyFail}
	}
	if sess.NVWrittenSet {
		if !target.IsNVIndex {
			return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyFail}
		}
		if target.NVWritten != sess.NVWrittenRequired {
			return &tpm2.TPMError{Command: target.CommandCode, Code: tpm2.ErrorPolicyFail}
		}
	}
	return nil
}

// Extend folds one policy assertion's argument bytes into sess.Digest,
// generalizing PolicyUpdate from the source: sess.Digest becomes
// hash(alg, sess.Digest || assertionArg), starting from alg.Size() zero
// bytes when the digest is empty. No command code is added by Extend
// itself; an assertion's command code reaches the digest only if the
// caller includes it in assertionArg. alg is the session's hash algorithm.
func Extend(sess *Session, hash func(tpm2.HashAlgorithmId, ...[]byte) []byte, alg tpm2.HashAlgorithmId, assertionArg []byte) {
	if len(sess.Digest) == 0 {
		sess.Digest = make([]byte, alg.Size())
	}
	sess.Digest = hash(alg, sess.Digest, assertionArg)
}

// PolicyCommandCode records a PolicyCommandCode assertion on sess.
func PolicyCommandCode(sess *Session, cc tpm2.CommandCode) {
	sess.CommandCode = cc
}

// PolicyLocality records a PolicyLocality assertion on sess.
func PolicyLocality(sess *Session, locality uint8) {
	sess.Locality = locality
}

// PolicyCpHash records a PolicyCpHash assertion on sess. The source rejects
// a second, conflicting PolicyCpHash on the same session; that check is the
// caller's responsibility (it owns the session pool and can reject in place
// before calling this).
func PolicyCpHash(sess *Session, cpHash []byte) {
	sess.CpHash = cpHash
}

// PolicyNameHash records a PolicyNameHash assertion on sess.
func PolicyNameHash(sess *Session, nameHash []byte) {
	sess.NameHash = nameHash
}

// PolicyPCR records a PolicyPCR assertion on sess: the PCR update counter at
// the time the selected PCRs were checked against the recorded digest, so
// that CheckPolicyAuthSession can reject the session with ErrorPCRChanged
// if any PCR has moved since.
func PolicyPCR(sess *Session, counter uint32) {
	sess.PCRCounter = counter
	sess.PCRCounterSet = true
}

// PolicyPhysicalPresence records a PolicyPhysicalPresence assertion on sess.
func PolicyPhysicalPresence(sess *Session) {
	sess.PPRequired = true
}

// PolicyNvWritten records a PolicyNvWritten assertion on sess: the
// associated NV index's TPMA_NV_WRITTEN attribute must equal written at the
// time the session is used.
func PolicyNvWritten(sess *Session, written bool) {
	sess.NVWrittenRequired = written
	sess.NVWrittenSet = true
}

// PolicyPassword marks sess as requiring its authValue in the clear.
func PolicyPassword(sess *Session) {
	sess.IsPasswordAuth = true
}

// PolicyAuthValue records nothing on sess: it does not set IsPasswordAuth,
// and Session has no other field for it, so internal/session treats a
// session that took only this assertion as not needing the authValue (its
// HMAC key is the session key alone). Its fixed tag reaches the digest only
// through the caller's own Extend call.
func PolicyAuthValue(sess *Session) {}

// SetExpiry records a PolicyExpiration/PolicyTimeout deadline, in the
// platform clock's units, after which sess can no longer be used to
// authorize anything.
func SetExpiry(sess *Session, deadline uint64) {
	sess.Expiry = deadline
}
