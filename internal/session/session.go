// Package session implements the SessionPipeline component: parsing a
// command's authorization area, checking each session's authorization,
// validating policy sessions, and building the response authorization area.
// Grounded on SessionProcess.c's ParseSessionBuffer/CheckAuthSession/
// BuildResponseSession/CheckAuthNoSession and on tpm.go's Session/
// SessionAttributes/HandleWithAuth vocabulary for the wire-level shape of a
// session slot.
package session

import (
	"crypto/rand"
	"io"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/bitutil"
	"github.com/addymanzano/libtpms/internal/cryptutil"
	"github.com/addymanzano/libtpms/internal/da"
	"github.com/addymanzano/libtpms/internal/entity"
	"github.com/addymanzano/libtpms/internal/mu"
	"github.com/addymanzano/libtpms/internal/platform"
	"github.com/addymanzano/libtpms/internal/policy"
)

// MaxSessionNum bounds how many sessions a single command's authorization
// area may carry, mirroring the source's MAX_SESSION_NUM.
const MaxSessionNum = 3

// Attributes is the one-byte session attribute bitmap carried on the wire,
// per §6: bits {continueSession, auditExclusive, auditReset, reserved,
// reserved, decrypt, encrypt, audit}, LSB first.
type Attributes uint8

const (
	ContinueSession Attributes = 1 << iota
	AuditExclusive
	AuditReset
	reservedBit3
	reservedBit4
	Decrypt
	Encrypt
	Audit
)

// reservedMask isolates the two bits that must always be zero.
const reservedMask = reservedBit3 | reservedBit4

// Role is a command handle's authorization requirement.
type Role int

const (
	RoleNone Role = iota
	RoleUser
	RoleAdmin
	RoleDup
)

// UnassignedHandle marks a per-command session slot with no associated
// handle yet (the source's HANDLE_UNASSIGNED sentinel).
const UnassignedHandle tpm2.Handle = 0

// HashFunc computes a digest under alg, matching cryptutil.Digest's
// signature so callers can pass that function directly.
type HashFunc func(alg tpm2.HashAlgorithmId, data ...[]byte) []byte

// Session is a loaded session-pool entry: the persistent-across-commands
// state for one HMAC or policy session slot. It satisfies
// entity.SessionStoreView via the Pool wrapper below.
type Session struct {
	Handle      tpm2.Handle
	Type        tpm2.SessionType
	AuthHashAlg tpm2.HashAlgorithmId
	NonceTPM    tpm2.Nonce
	SessionKey  []byte

	// IsBound and BoundEntityDigest implement HMAC session binding: a
	// bound session's HMAC key omits the bound entity's authValue
	// whenever that entity is the one being authorized.
	IsBound           bool
	BoundEntityDigest []byte

	IsAudit     bool
	AuditDigest []byte

	// Policy is the accumulated policy-assertion state for a POLICY_SESSION;
	// unused (zero value) for an HMAC session.
	Policy policy.Session

	// IsTrial marks a policy session created to compute a policy digest
	// rather than to authorize anything; ParseSessions rejects any trial
	// session presented as an authorization (§4.4.1 step 4).
	IsTrial bool
}

// Pool is the session-slot store ParseSessions/BuildResponseSessions
// operate against.
type Pool interface {
	Get(h tpm2.Handle) (*Session, bool)
	Loaded(h tpm2.Handle) bool
	IsPolicySession(h tpm2.Handle) bool
	Flush(h tpm2.Handle)

	// ExclusiveAuditSession returns the handle of the current exclusive
	// audit session, or UnassignedHandle if none.
	ExclusiveAuditSession() tpm2.Handle
	SetExclusiveAuditSession(h tpm2.Handle)
}

// entry is one per-command, per-session-position working record: the
// parsed wire fields plus the fields SessionProcess.c threads through
// cpHash/HMAC computation (s_associatedHandles, s_cpHashForAudit, ...).
type entry struct {
	slot *Session

	Handle      tpm2.Handle
	NonceCaller tpm2.Nonce
	Attrs       Attributes
	InputAuth   tpm2.Auth

	AssociatedHandle tpm2.Handle
	AssociatedIndex  int // position in cmd.Handles AssociatedHandle was bound from, or -1

	IncludeAuth bool
	CpHash      []byte
	NameHash    []byte

	// NewNonceTPM is populated by BuildResponseSessions once nonces are
	// refreshed.
	NewNonceTPM tpm2.Nonce
	// ResponseHMAC is the response auth value computed for this session.
	ResponseHMAC tpm2.Auth
}

func (e *entry) isPW() bool { return e.Handle == tpm2.HandlePW }

// CommandInfo describes the command ParseSessions is authorizing: its
// handle list, each handle's role, whether it admits sessions at all, and
// the encryptability of its first command/response parameter (DecryptSize/
// EncryptSize of 0 means "not encryptable", mirroring DecryptSize(cc)/
// EncryptSize(cc) in the source).
type CommandInfo struct {
	Code           tpm2.CommandCode
	Handles        []tpm2.Handle
	HandleRoles    []Role
	AdmitsSessions bool
	DecryptSize    int
	EncryptSize    int

	// RequiresPolicy reports, for the handle at position i, whether its
	// role demands a policy session rather than any other authorization
	// (role DUP always does; role ADMIN does unless the handler records
	// an override; a USER role demands one only when the entity has no
	// other option, which callers express by simply not offering
	// AuthValueAvailable).
	RequiresPolicy func(i int) bool
}

// CommandCtx is the per-command working state ParseSessions/
// BuildResponseSessions thread through a single command's authorization
// lifecycle, replacing the source's file-scope statics
// (s_associatedHandles, s_cpHashForAudit, s_decryptSessionIndex, ...) per
// SPEC_FULL.md §9.
type CommandCtx struct {
	Cmd      CommandInfo
	Sessions []*entry

	DecryptSessionIndex int // -1 if none
	EncryptSessionIndex int
	AuditSessionIndex   int

	CpHashForAudit        []byte
	CpHashForCommandAudit []byte
}

// Pipeline wires together the resolver, DA manager, command auditor,
// session pool and platform signals that ParseSessions/BuildResponseSessions
// consult, per §4.4 and §9's Tpm-value reorganization.
type Pipeline struct {
	Resolver *entity.Resolver
	DA       *da.Manager
	Auditor  auditDigestUpdater
	Sessions Pool
	Platform platform.Signals
	Hash     HashFunc
}

// auditDigestUpdater is the narrow slice of internal/audit.Audit's surface
// the pipeline needs: whether a command is audited, and extending the
// running digest once its cpHash/rpHash are known.
type auditDigestUpdater interface {
	IsRequired(cc tpm2.CommandCode) bool
	Extend(hash func(tpm2.HashAlgorithmId, ...[]byte) []byte, cpHash, rpHash []byte)
}

// ParseSessions implements §4.4.1: unmarshal the session area, associate
// handles, authorize each session, and (if a decrypt session is present)
// decrypt the first command parameter in place. On success it returns the
// built CommandCtx for use by BuildResponseSessions.
func (p *Pipeline) ParseSessions(cmd CommandInfo, sessionArea []byte, paramArea []byte) (*CommandCtx, error) {
	if !cmd.AdmitsSessions && len(sessionArea) != 0 {
		return nil, &tpm2.TPMError{Command: cmd.Code, Code: tpm2.ErrorAuthContext}
	}

	ctx := &CommandCtx{Cmd: cmd, DecryptSessionIndex: -1, EncryptSessionIndex: -1, AuditSessionIndex: -1}

	r := &cursor{b: sessionArea}
	seen := map[tpm2.Handle]bool{}
	for !r.Empty() && len(ctx.Sessions) < MaxSessionNum {
		e, err := parseOneSession(r, len(ctx.Sessions)+1, cmd, p.Sessions, seen)
		if err != nil {
			return nil, err
		}
		ctx.Sessions = append(ctx.Sessions, e)
	}
	if !r.Empty() {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorSize, len(ctx.Sessions)+1)
	}

	if err := associateHandles(ctx, cmd); err != nil {
		return nil, err
	}

	var decryptCount, encryptCount, auditCount int
	for i, e := range ctx.Sessions {
		if e.Attrs&reservedMask != 0 {
			return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, i+1)
		}
		if e.Attrs&Decrypt != 0 {
			if cmd.DecryptSize == 0 {
				return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, i+1)
			}
			decryptCount++
			ctx.DecryptSessionIndex = i
		}
		if e.Attrs&Encrypt != 0 {
			if cmd.EncryptSize == 0 {
				return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, i+1)
			}
			encryptCount++
			ctx.EncryptSessionIndex = i
		}
		if e.Attrs&Audit != 0 {
			if e.slot != nil && e.slot.Type == tpm2.SessionTypePolicy {
				return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, i+1)
			}
			if e.Attrs&AuditExclusive != 0 && e.Attrs&AuditReset == 0 {
				if p.Sessions.ExclusiveAuditSession() != e.Handle {
					return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorExclusive, i+1)
				}
			}
			auditCount++
			ctx.AuditSessionIndex = i
		}
	}
	if decryptCount > 1 || encryptCount > 1 || auditCount > 1 {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, 1)
	}

	var cachedAlg tpm2.HashAlgorithmId
	var cachedCpHash, cachedNameHash []byte
	for i, e := range ctx.Sessions {
		if e.slot != nil && e.slot.IsTrial {
			return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, i+1)
		}

		if e.slot != nil {
			if !p.Resolver.IsDAExempted(e.AssociatedHandle) || e.AssociatedHandle == UnassignedHandle {
				if err := p.DA.CheckLockedOut(e.AssociatedHandle == tpm2.HandleLockout); err != nil {
					return nil, wrapSessionErr(err, i+1)
				}
			}

			alg := e.slot.AuthHashAlg
			if alg != cachedAlg || cachedCpHash == nil {
				cachedAlg = alg
				cachedCpHash = computeCpHash(p.Hash, alg, cmd, paramArea)
				cachedNameHash = computeNameHash(p.Hash, alg, cmd)
			}
			e.CpHash = cachedCpHash
			e.NameHash = cachedNameHash
		}

		if e.Attrs&Audit != 0 {
			ctx.CpHashForAudit = e.CpHash
		}

		if e.AssociatedHandle != UnassignedHandle {
			if err := p.checkAuthSession(cmd, ctx, e, i); err != nil {
				return nil, err
			}
		} else {
			if e.Attrs&(Decrypt|Encrypt|Audit) == 0 {
				return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, i+1)
			}
			e.IncludeAuth = false
			if err := p.verifyUnassociatedHMAC(cmd, ctx, e, i); err != nil {
				return nil, err
			}
		}
	}

	if p.Auditor.IsRequired(cmd.Code) {
		ctx.CpHashForCommandAudit = computeCpHash(p.Hash, auditAlgOf(ctx), cmd, paramArea)
	}

	if ctx.DecryptSessionIndex >= 0 {
		e := ctx.Sessions[ctx.DecryptSessionIndex]
		extraKey := p.Resolver.GetAuthValue(e.AssociatedHandle)
		sessionKey := e.slot.SessionKey
		n := cmd.DecryptSize
		if n > len(paramArea) {
			n = len(paramArea)
		}
		cryptutil.XORObfuscation(e.slot.AuthHashAlg, append(append([]byte{}, sessionKey...), extraKey...), []byte(e.NonceCaller), []byte(e.slot.NonceTPM), paramArea[:n])
	}

	return ctx, nil
}

// auditAlgOf returns the hash algorithm under which the running command
// audit cpHash is computed: the algorithm of the audit session if one is
// present this command, else that of session 0 if it is not a PW session,
// else SHA256.
func auditAlgOf(ctx *CommandCtx) tpm2.HashAlgorithmId {
	if ctx.AuditSessionIndex >= 0 {
		return ctx.Sessions[ctx.AuditSessionIndex].slot.AuthHashAlg
	}
	if len(ctx.Sessions) > 0 && ctx.Sessions[0].slot != nil {
		return ctx.Sessions[0].slot.AuthHashAlg
	}
	return tpm2.HashAlgorithmSHA256
}

func wrapSessionErr(err error, index int) error {
	var te *tpm2.TPMError
	if ok := extractTPMError(err, &te); ok {
		return tpm2.NewSessionError(te.Command, te.Code, index)
	}
	return err
}

func extractTPMError(err error, out **tpm2.TPMError) bool {
	if e, ok := err.(*tpm2.TPMError); ok {
		*out = e
		return true
	}
	return false
}

// cursor is a minimal io.Reader over a byte slice that additionally reports
// whether it has been fully consumed, which ParseSessions needs to detect
// the end of the session area (mu itself is a pure codec with no notion of
// "remaining input").
type cursor struct {
	b   []byte
	off int
}

func (c *cursor) Read(p []byte) (int, error) {
	n := copy(p, c.b[c.off:])
	c.off += n
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (c *cursor) Empty() bool { return c.off >= len(c.b) }

func parseOneSession(r *cursor, index int, cmd CommandInfo, pool Pool, seen map[tpm2.Handle]bool) (*entry, error) {
	var rawHandle uint32
	if err := mu.Unmarshal(r, &rawHandle); err != nil {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorSize, index)
	}
	handle := tpm2.Handle(rawHandle)

	// nonce and auth are both TPMKindSized ([]byte), carrying their own
	// 2-byte length prefix per §6, so they unmarshal directly with no Raw
	// wrapper.
	var nonce []byte
	if err := mu.Unmarshal(r, &nonce); err != nil {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorSize, index)
	}

	var attrs uint8
	if err := mu.Unmarshal(r, &attrs); err != nil {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorSize, index)
	}

	var auth []byte
	if err := mu.Unmarshal(r, &auth); err != nil {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorSize, index)
	}

	e := &entry{
		Handle:           handle,
		NonceCaller:      tpm2.Nonce(nonce),
		Attrs:            Attributes(attrs),
		InputAuth:        tpm2.Auth(auth),
		AssociatedHandle: UnassignedHandle,
		AssociatedIndex:  -1,
	}

	if handle == tpm2.HandlePW {
		if e.Attrs&^ContinueSession != 0 {
			return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorAttributes, index)
		}
		if len(nonce) != 0 {
			return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorNonce, index)
		}
		return e, nil
	}

	if seen[handle] {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorHandle, index)
	}
	seen[handle] = true

	if !pool.Loaded(handle) {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorReferenceS0, index)
	}
	wantPolicy := handle.Type() == tpm2.HandleTypePolicySession
	if pool.IsPolicySession(handle) != wantPolicy {
		return nil, tpm2.NewSessionError(cmd.Code, tpm2.ErrorHandle, index)
	}
	slot, _ := pool.Get(handle)
	e.slot = slot
	return e, nil
}

// associateHandles implements §4.4.1 step 3: bind session i to command
// handle i for every handle whose role is not AUTH_NONE.
func associateHandles(ctx *CommandCtx, cmd CommandInfo) error {
	need := 0
	for _, role := range cmd.HandleRoles {
		if role != RoleNone {
			need++
		}
	}
	if need > len(ctx.Sessions) {
		return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthMissing, len(ctx.Sessions)+1)
	}

	si := 0
	for i, role := range cmd.HandleRoles {
		if role == RoleNone {
			continue
		}
		ctx.Sessions[si].AssociatedHandle = cmd.Handles[i]
		ctx.Sessions[si].AssociatedIndex = i
		si++
	}
	return nil
}

func computeCpHash(hash HashFunc, alg tpm2.HashAlgorithmId, cmd CommandInfo, params []byte) []byte {
	var ccBytes [4]byte
	cc := uint32(cmd.Code)
	ccBytes[0] = byte(cc >> 24)
	ccBytes[1] = byte(cc >> 16)
	ccBytes[2] = byte(cc >> 8)
	ccBytes[3] = byte(cc)

	parts := [][]byte{ccBytes[:]}
	for _, h := range cmd.Handles {
		parts = append(parts, []byte(tpm2.HandleName(h)))
	}
	parts = append(parts, params)
	return hash(alg, parts...)
}

func computeNameHash(hash HashFunc, alg tpm2.HashAlgorithmId, cmd CommandInfo) []byte {
	var parts [][]byte
	for _, h := range cmd.Handles {
		parts = append(parts, []byte(tpm2.HandleName(h)))
	}
	return hash(alg, parts...)
}

// checkAuthSession implements §4.4.2 CheckAuthSession.
func (p *Pipeline) checkAuthSession(cmd CommandInfo, ctx *CommandCtx, e *entry, i int) error {
	a := e.AssociatedHandle

	if a == tpm2.HandlePlatform && requiresPhysicalPresence(cmd.Code) && !p.Platform.PhysicalPresenceAsserted() {
		return tpm2.NewSessionError(cmd.Code, tpm2.ErrorPP, i+1)
	}

	isPolicy := e.slot != nil && e.slot.Type == tpm2.SessionTypePolicy
	if !e.isPW() && isPolicy {
		e.IncludeAuth = isAuthValueNeeded(e)
	} else if !e.isPW() {
		e.IncludeAuth = !isSessionBindEntity(p, e.slot, a)
	} else {
		e.IncludeAuth = true
	}

	if (e.slot == nil || e.IncludeAuth) && !p.Resolver.IsDAExempted(a) {
		if err := p.DA.CheckLockedOut(a == tpm2.HandleLockout); err != nil {
			return wrapSessionErr(err, i+1)
		}
	}

	if !isPolicy {
		if cmd.RequiresPolicy != nil && cmd.RequiresPolicy(e.AssociatedIndex) {
			return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthType, i+1)
		}
		if p.Resolver.GetAuthValue(a) == nil && !e.isPW() {
			// entity has no authValue storage at all (e.g. a hierarchy
			// that has never had one set) - AuthValueAvailable is false.
			return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthUnavailable, i+1)
		}
	} else {
		authPolicy, _ := p.Resolver.GetAuthPolicy(a)
		if len(authPolicy) == 0 {
			return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthUnavailable, i+1)
		}
		if err := p.checkPolicyAuthSession(cmd, e); err != nil {
			return wrapSessionErr(err, i+1)
		}
	}

	return p.authenticate(cmd, ctx, e, i, a)
}

// requiresPhysicalPresence names the small set of commands whose PLATFORM
// authorization demands an asserted physical-presence signal. None of the
// commands this expansion's dispatch table implements (§11.5) require it;
// the hook exists so a future command table entry can opt in without
// touching the pipeline itself.
func requiresPhysicalPresence(cc tpm2.CommandCode) bool {
	return false
}

// isAuthValueNeeded reports whether a policy session's accumulated
// assertions require the entity's authValue to be presented at all, rather
// than via the policy digest alone. It reads policy.Session's single
// IsPasswordAuth flag, which only PolicyPassword sets: policy.PolicyAuthValue
// records nothing, so a session that took PolicyAuthValue but not
// PolicyPassword is reported as not needing the authValue, and its HMAC key
// does not include it.
func isAuthValueNeeded(e *entry) bool {
	return e.slot.Policy.IsPasswordAuth
}

// isSessionBindEntity reports whether an HMAC session is bound to handle a,
// per §4.4.2: isBound is set and H(Name(a)||AuthValue(a)) equals the
// session's recorded bound-entity digest.
func isSessionBindEntity(p *Pipeline, s *Session, a tpm2.Handle) bool {
	if s == nil || !s.IsBound {
		return false
	}
	name := p.Resolver.GetName(a)
	auth := p.Resolver.GetAuthValue(a)
	digest := p.Hash(s.AuthHashAlg, []byte(name), auth)
	return bitutil.ConstantTimeCompare(digest, s.BoundEntityDigest)
}

// checkPolicyAuthSession implements §4.4.3.
func (p *Pipeline) checkPolicyAuthSession(cmd CommandInfo, e *entry) error {
	if cmd.Code == tpm2.CommandPolicySecret && !isAuthValueNeeded(e) {
		return &tpm2.TPMError{Command: cmd.Code, Code: tpm2.ErrorMode}
	}

	authPolicy, authAlg := p.Resolver.GetAuthPolicy(e.AssociatedHandle)
	nvWritten, isNVIndex := p.Resolver.NVWrittenState(e.AssociatedHandle)

	var role Role
	if e.AssociatedIndex >= 0 && e.AssociatedIndex < len(cmd.HandleRoles) {
		role = cmd.HandleRoles[e.AssociatedIndex]
	}

	target := policy.Target{
		CommandCode:        cmd.Code,
		AuthPolicy:         authPolicy,
		HashAlg:            authAlg,
		CpHash:             e.CpHash,
		NameHash:           e.NameHash,
		PCRCounter:         p.Platform.PCRCounter(),
		IsNVIndex:          isNVIndex,
		NVWritten:          nvWritten,
		RequiresPolicyRole: role == RoleAdmin || role == RoleDup,
	}
	if e.slot.AuthHashAlg != authAlg {
		return &tpm2.TPMError{Command: cmd.Code, Code: tpm2.ErrorPolicyFail}
	}
	return policy.CheckPolicyAuthSession(&e.slot.Policy, target, p.Platform)
}

// authenticate implements §4.4.2 step 5: compare the caller's proof of
// knowledge (a plaintext PW/password-policy auth, or an HMAC) against what
// the pipeline expects, constant-time, charging DA on mismatch.
func (p *Pipeline) authenticate(cmd CommandInfo, ctx *CommandCtx, e *entry, i int, a tpm2.Handle) error {
	usePassword := e.isPW() || (e.slot != nil && e.slot.Type == tpm2.SessionTypePolicy && e.slot.Policy.IsPasswordAuth)

	if usePassword {
		supplied := bitutil.StripTrailingZeroes([]byte(e.InputAuth))
		expected := p.Resolver.GetAuthValue(a)
		if !bitutil.ConstantTimeCompare(supplied, expected) {
			p.DA.RegisterFailure(a)
			return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthFail, i+1)
		}
		return nil
	}

	key := e.slot.SessionKey
	if e.IncludeAuth {
		key = append(append([]byte{}, key...), p.Resolver.GetAuthValue(a)...)
	}

	if len(key) == 0 && len(e.InputAuth) == 0 {
		return nil
	}

	parts := [][]byte{e.CpHash, []byte(e.NonceCaller), []byte(e.slot.NonceTPM)}
	if i == 0 {
		if nd, ok := extraNonce(ctx, i, ctx.DecryptSessionIndex); ok {
			parts = append(parts, []byte(nd))
		}
		if ne, ok := extraNonce(ctx, i, ctx.EncryptSessionIndex); ok {
			parts = append(parts, []byte(ne))
		}
	}
	parts = append(parts, []byte{byte(e.Attrs)})

	expectedHMAC := cryptutil.HMAC(e.slot.AuthHashAlg, key, parts...)
	if !bitutil.ConstantTimeCompare([]byte(e.InputAuth), expectedHMAC) {
		p.DA.RegisterFailure(a)
		return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthFail, i+1)
	}
	return nil
}

// extraNonce implements the rule in §4.4.2's closing paragraph: nonceDecrypt/
// nonceEncrypt are folded into session 0's HMAC only when (a) the caller is
// computing session 0's HMAC, (b) session 0 itself has an associated
// handle, and (c) the decrypt/encrypt session named by sessionIdx is a
// session distinct from session 0.
func extraNonce(ctx *CommandCtx, i int, sessionIdx int) (tpm2.Nonce, bool) {
	if sessionIdx < 0 || sessionIdx == i {
		return nil, false
	}
	if ctx.Sessions[i].AssociatedHandle == UnassignedHandle {
		return nil, false
	}
	return ctx.Sessions[sessionIdx].NonceCaller, true
}

// verifyUnassociatedHMAC handles a session with no associated handle: it
// must be present purely for decrypt/encrypt/audit, and its HMAC is checked
// against cpHash alone (§4.4.1 step 4, else branch).
func (p *Pipeline) verifyUnassociatedHMAC(cmd CommandInfo, ctx *CommandCtx, e *entry, i int) error {
	if e.slot == nil {
		return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthContext, i+1)
	}
	key := e.slot.SessionKey
	expected := cryptutil.HMAC(e.slot.AuthHashAlg, key, e.CpHash, []byte(e.NonceCaller), []byte(e.slot.NonceTPM), []byte{byte(e.Attrs)})
	if len(key) == 0 && len(e.InputAuth) == 0 {
		return nil
	}
	if !bitutil.ConstantTimeCompare([]byte(e.InputAuth), expected) {
		return tpm2.NewSessionError(cmd.Code, tpm2.ErrorAuthFail, i+1)
	}
	return nil
}

// CheckAuthNoSession implements §4.4.5: every handle role must be
// AUTH_NONE; command audit cpHash is still computed if applicable.
func (p *Pipeline) CheckAuthNoSession(cmd CommandInfo, paramArea []byte) (*CommandCtx, error) {
	for i, role := range cmd.HandleRoles {
		if role != RoleNone {
			return nil, tpm2.NewHandleError(cmd.Code, tpm2.ErrorAuthMissing, i+1)
		}
	}
	ctx := &CommandCtx{Cmd: cmd, DecryptSessionIndex: -1, EncryptSessionIndex: -1, AuditSessionIndex: -1}
	if p.Auditor.IsRequired(cmd.Code) {
		ctx.CpHashForCommandAudit = computeCpHash(p.Hash, tpm2.HashAlgorithmSHA256, cmd, paramArea)
	}
	return ctx, nil
}

// RemoveAssociationToHandle implements §4.4.6: rewrite every session slot
// associated with h to NULL, so response-side includeAuth lookups fall
// through to the null hierarchy's empty auth.
func RemoveAssociationToHandle(ctx *CommandCtx, h tpm2.Handle) {
	for _, e := range ctx.Sessions {
		if e.AssociatedHandle == h {
			e.AssociatedHandle = tpm2.HandleNull
		}
	}
}

// BuildResponseSessions implements §4.4.4: refresh nonces, optionally
// encrypt the first response parameter, update the exclusive-audit and
// command-audit digests, compute each session's response HMAC, and reset or
// flush each session slot.
func (p *Pipeline) BuildResponseSessions(ctx *CommandCtx, rspParams []byte, rpHash func(alg tpm2.HashAlgorithmId) []byte) error {
	for _, e := range ctx.Sessions {
		if e.isPW() {
			continue
		}
		nonce := make([]byte, e.slot.AuthHashAlg.Size())
		if _, err := rand.Read(nonce); err != nil {
			return err
		}
		e.slot.NonceTPM = nonce
		e.NewNonceTPM = nonce
	}

	if ctx.EncryptSessionIndex >= 0 {
		e := ctx.Sessions[ctx.EncryptSessionIndex]
		extraKey := p.Resolver.GetAuthValue(e.AssociatedHandle)
		sessionKey := e.slot.SessionKey
		n := ctx.Cmd.EncryptSize
		if n > len(rspParams) {
			n = len(rspParams)
		}
		cryptutil.XORObfuscation(e.slot.AuthHashAlg, append(append([]byte{}, sessionKey...), extraKey...), []byte(e.NonceCaller), []byte(e.slot.NonceTPM), rspParams[:n])
	}

	p.updateAuditSessionStatus(ctx, rpHash)

	if p.Auditor.IsRequired(ctx.Cmd.Code) && ctx.CpHashForCommandAudit != nil {
		p.Auditor.Extend(p.Hash, ctx.CpHashForCommandAudit, rpHash(auditAlgOf(ctx)))
	}

	for _, e := range ctx.Sessions {
		switch {
		case e.isPW():
			e.ResponseHMAC = nil
		case e.slot.Type == tpm2.SessionTypePolicy && e.slot.Policy.IsPasswordAuth:
			e.ResponseHMAC = nil
		default:
			key := e.slot.SessionKey
			if e.IncludeAuth {
				key = append(append([]byte{}, key...), p.Resolver.GetAuthValue(e.AssociatedHandle)...)
			}
			rp := rpHash(e.slot.AuthHashAlg)
			if len(key) == 0 {
				e.ResponseHMAC = nil
			} else {
				e.ResponseHMAC = cryptutil.HMAC(e.slot.AuthHashAlg, key, rp, []byte(e.NewNonceTPM), []byte(e.NonceCaller), []byte{byte(e.Attrs)})
			}
		}
		if e.isPW() {
			e.Attrs |= ContinueSession
		}
	}

	for _, e := range ctx.Sessions {
		if e.isPW() {
			continue
		}
		if e.Attrs&ContinueSession == 0 {
			p.Sessions.Flush(e.Handle)
			continue
		}
		if e.slot.Type == tpm2.SessionTypePolicy {
			e.slot.Policy = policy.Session{}
		}
	}

	return nil
}

// updateAuditSessionStatus implements §4.4.4 step 2.
func (p *Pipeline) updateAuditSessionStatus(ctx *CommandCtx, rpHash func(alg tpm2.HashAlgorithmId) []byte) {
	if ctx.AuditSessionIndex < 0 {
		if ctx.Cmd.AdmitsSessions {
			p.Sessions.SetExclusiveAuditSession(UnassignedHandle)
		}
		return
	}

	e := ctx.Sessions[ctx.AuditSessionIndex]
	firstUse := !e.slot.IsAudit || e.Attrs&AuditReset != 0
	if firstUse {
		e.slot.IsBound = false
		e.slot.AuditDigest = make([]byte, e.slot.AuthHashAlg.Size())
		e.slot.IsAudit = true
		p.Sessions.SetExclusiveAuditSession(e.Handle)
	} else if p.Sessions.ExclusiveAuditSession() != e.Handle {
		p.Sessions.SetExclusiveAuditSession(UnassignedHandle)
	}

	e.slot.AuditDigest = p.Hash(e.slot.AuthHashAlg, e.slot.AuditDigest, ctx.CpHashForAudit, rpHash(e.slot.AuthHashAlg))
}
