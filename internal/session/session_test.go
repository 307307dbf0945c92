// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package session_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/cryptutil"
	"github.com/addymanzano/libtpms/internal/da"
	"github.com/addymanzano/libtpms/internal/entity"
	"github.com/addymanzano/libtpms/internal/mu"
	"github.com/addymanzano/libtpms/internal/platform"
	. "github.com/addymanzano/libtpms/internal/session"
)

func Test(t *testing.T) { TestingT(t) }

type sessionSuite struct {
	pool     *fakePool
	resolver *entity.Resolver
	nv       *fakeNV
	pipeline *Pipeline
}

var _ = Suite(&sessionSuite{})

type fakeNV struct{}

func (fakeNV) Available() bool              { return true }
func (fakeNV) PriorShutdownWasOrderly() bool { return true }
func (fakeNV) Flush() error                  { return nil }

type fakePool struct {
	slots map[tpm2.Handle]*Session
	audit tpm2.Handle
}

func newFakePool() *fakePool { return &fakePool{slots: map[tpm2.Handle]*Session{}} }

func (p *fakePool) Get(h tpm2.Handle) (*Session, bool) { s, ok := p.slots[h]; return s, ok }
func (p *fakePool) Loaded(h tpm2.Handle) bool          { _, ok := p.slots[h]; return ok }
func (p *fakePool) IsPolicySession(h tpm2.Handle) bool {
	s, ok := p.slots[h]
	return ok && s.Type == tpm2.SessionTypePolicy
}
func (p *fakePool) Flush(h tpm2.Handle)                  { delete(p.slots, h) }
func (p *fakePool) ExclusiveAuditSession() tpm2.Handle   { return p.audit }
func (p *fakePool) SetExclusiveAuditSession(h tpm2.Handle) { p.audit = h }

type fakeObjects struct {
	objs map[tpm2.Handle]*entity.Object
}

func (o *fakeObjects) Transient(h tpm2.Handle) (*entity.Object, bool) {
	obj, ok := o.objs[h]
	return obj, ok
}
func (o *fakeObjects) LoadEvict(h tpm2.Handle) (*entity.Object, tpm2.Handle, entity.Status, bool) {
	return nil, h, entity.StatusReferenceH0, false
}

type fakeNoNV struct{}

func (fakeNoNV) Lookup(h tpm2.Handle) (*entity.NVIndex, bool) { return nil, false }
func (fakeNoNV) Accessible(idx *entity.NVIndex) bool          { return false }

type fakeNoPCR struct{}

func (fakeNoPCR) Lookup(index int) (*entity.PCR, bool) { return nil, false }

const testObjectHandle tpm2.Handle = 0x80000001

func (s *sessionSuite) SetUpTest(c *C) {
	s.pool = newFakePool()
	objStore := &fakeObjects{objs: map[tpm2.Handle]*entity.Object{
		testObjectHandle: {Handle: testObjectHandle, AuthValue: []byte("secret")},
	}}
	s.resolver = &entity.Resolver{
		Objects:  objStore,
		NV:       fakeNoNV{},
		PCRs:     fakeNoPCR{},
		Sessions: s.pool,
		Flags:    entity.HierarchyFlags{ShEnable: true, EhEnable: true, PhEnable: true},
	}
	s.nv = &fakeNV{}
	s.pipeline = &Pipeline{
		Resolver: s.resolver,
		DA:       da.NewManager(da.State{MaxTries: 3, RecoveryTime: 3600, LockOutAuthEnabled: true}, s.nv),
		Auditor:  noopAuditor{},
		Sessions: s.pool,
		Platform: platform.NewSimulated(),
		Hash:     cryptutil.Digest,
	}
}

type noopAuditor struct{}

func (noopAuditor) IsRequired(cc tpm2.CommandCode) bool { return false }
func (noopAuditor) Extend(hash func(tpm2.HashAlgorithmId, ...[]byte) []byte, cpHash, rpHash []byte) {
}

func commandInfo() CommandInfo {
	return CommandInfo{
		Code:           tpm2.CommandHierarchyChangeAuth,
		Handles:        []tpm2.Handle{testObjectHandle},
		HandleRoles:    []Role{RoleUser},
		AdmitsSessions: true,
	}
}

// errCode extracts the error code from any of the session pipeline's error
// shapes: a raw *tpm2.TPMError, or one of the session/handle-tagged
// wrappers, which only expose it via a Code() method rather than a field.
func errCode(err error) tpm2.ErrorCode {
	if te, ok := err.(*tpm2.TPMError); ok {
		return te.Code
	}
	return err.(interface{ Code() tpm2.ErrorCode }).Code()
}

func pwSessionArea(auth []byte) []byte {
	b, err := mu.MarshalToBytes(uint32(tpm2.HandlePW), []byte(nil), uint8(ContinueSession), auth)
	if err != nil {
		panic(err)
	}
	return b
}

func (s *sessionSuite) TestParseSessionsPWAuthSucceeds(c *C) {
	area := pwSessionArea([]byte("secret"))
	ctx, err := s.pipeline.ParseSessions(commandInfo(), area, []byte("params"))
	c.Assert(err, IsNil)
	c.Assert(ctx.Sessions, HasLen, 1)
}

func (s *sessionSuite) TestParseSessionsPWAuthFailureChargesDA(c *C) {
	area := pwSessionArea([]byte("wrong"))
	_, err := s.pipeline.ParseSessions(commandInfo(), area, []byte("params"))
	c.Assert(err, NotNil)
	c.Check(errCode(err), Equals, tpm2.ErrorAuthFail)
	c.Check(s.pipeline.DA.State.FailedTries, Equals, uint32(1))
}

func (s *sessionSuite) TestParseSessionsPWNonceMustBeEmpty(c *C) {
	b, err := mu.MarshalToBytes(uint32(tpm2.HandlePW), []byte("x"), uint8(ContinueSession), []byte("secret"))
	c.Assert(err, IsNil)
	_, perr := s.pipeline.ParseSessions(commandInfo(), b, []byte("params"))
	c.Assert(perr, NotNil)
	c.Check(errCode(perr), Equals, tpm2.ErrorNonce)
}

func (s *sessionSuite) TestParseSessionsRejectsSessionsWhenCommandDoesNotAdmitThem(c *C) {
	cmd := commandInfo()
	cmd.AdmitsSessions = false
	area := pwSessionArea([]byte("secret"))
	_, err := s.pipeline.ParseSessions(cmd, area, []byte("params"))
	c.Assert(err, NotNil)
	c.Check(errCode(err), Equals, tpm2.ErrorAuthContext)
}

func (s *sessionSuite) TestParseSessionsUnknownSessionHandleFails(c *C) {
	b, err := mu.MarshalToBytes(uint32(0x02000001), []byte(nil), uint8(0), []byte(nil))
	c.Assert(err, IsNil)
	_, perr := s.pipeline.ParseSessions(commandInfo(), b, []byte("params"))
	c.Assert(perr, NotNil)
	c.Check(errCode(perr), Equals, tpm2.ErrorReferenceS0)
}

func (s *sessionSuite) TestCheckAuthNoSessionRejectsHandleRequiringAuth(c *C) {
	_, err := s.pipeline.CheckAuthNoSession(commandInfo(), []byte("params"))
	c.Assert(err, NotNil)
	c.Check(errCode(err), Equals, tpm2.ErrorAuthMissing)
}

func (s *sessionSuite) TestCheckAuthNoSessionAcceptsAuthNoneCommand(c *C) {
	cmd := CommandInfo{Code: tpm2.CommandStartup, HandleRoles: nil, AdmitsSessions: false}
	ctx, err := s.pipeline.CheckAuthNoSession(cmd, nil)
	c.Assert(err, IsNil)
	c.Assert(ctx, NotNil)
}

func (s *sessionSuite) TestBuildResponseSessionsFlushesNonContinuedUnassociatedAuditSession(c *C) {
	handle := tpm2.Handle(0x02000001)
	s.pool.slots[handle] = &Session{Handle: handle, Type: tpm2.SessionTypeHMAC, AuthHashAlg: tpm2.HashAlgorithmSHA256}

	// A session with no associated handle must carry one of decrypt,
	// encrypt or audit; here it rides along purely to assert audit, with
	// no session key and no supplied auth, so verifyUnassociatedHMAC's
	// both-empty shortcut accepts it.
	cmd := CommandInfo{
		Code:           tpm2.CommandHierarchyChangeAuth,
		Handles:        []tpm2.Handle{testObjectHandle},
		HandleRoles:    []Role{RoleNone},
		AdmitsSessions: true,
	}
	auth, err := mu.MarshalToBytes(uint32(handle), []byte(nil), uint8(Audit), []byte(nil))
	c.Assert(err, IsNil)
	ctx, perr := s.pipeline.ParseSessions(cmd, auth, []byte("params"))
	c.Assert(perr, IsNil)

	rpHash := func(alg tpm2.HashAlgorithmId) []byte { return cryptutil.Digest(alg, []byte("rp")) }
	c.Assert(s.pipeline.BuildResponseSessions(ctx, []byte("rspparams"), rpHash), IsNil)

	c.Check(s.pool.Loaded(handle), Equals, false)
}
