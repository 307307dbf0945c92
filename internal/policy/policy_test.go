// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package policy_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/cryptutil"
	. "github.com/addymanzano/libtpms/internal/policy"
)

func Test(t *testing.T) { TestingT(t) }

type policySuite struct{}

var _ = Suite(&policySuite{})

type fakePlatform struct {
	locality   uint8
	clock      uint64
	pp         bool
	pcrCounter uint32
}

func (p *fakePlatform) PhysicalPresenceAsserted() bool { return p.pp }
func (p *fakePlatform) Locality() uint8                { return p.locality }
func (p *fakePlatform) Clock() uint64                  { return p.clock }
func (p *fakePlatform) Canceled() bool                 { return false }
func (p *fakePlatform) PCRCounter() uint32             { return p.pcrCounter }

func (s *policySuite) TestCheckPolicyAuthSessionMatches(c *C) {
	sess := &Session{}
	Extend(sess, cryptutil.Digest, tpm2.HashAlgorithmSHA256, []byte{1, 2, 3})

	target := Target{
		CommandCode: tpm2.CommandHierarchyChangeAuth,
		AuthPolicy:  sess.Digest,
		HashAlg:     tpm2.HashAlgorithmSHA256,
	}
	c.Check(CheckPolicyAuthSession(sess, target, &fakePlatform{}), IsNil)
}

func (s *policySuite) TestCheckPolicyAuthSessionDigestMismatch(c *C) {
	sess := &Session{Digest: []byte("wrong")}
	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: []byte("right")}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPolicyFail)
}

func (s *policySuite) TestCheckPolicyAuthSessionEmptyAuthPolicyAlwaysFails(c *C) {
	sess := &Session{}
	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPolicyFail)
}

func (s *policySuite) TestCheckPolicyAuthSessionCommandCodeMismatch(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyCommandCode(sess, tpm2.CommandDictionaryAttackLockReset)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPolicyCC)
}

func (s *policySuite) TestCheckPolicyAuthSessionLocalityMismatch(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyLocality(sess, 1<<2) // permits locality 2 only

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{locality: 3})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorLocality)
}

func (s *policySuite) TestCheckPolicyAuthSessionCpHashMismatch(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyCpHash(sess, []byte("expected"))

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest, CpHash: []byte("actual")}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPolicyFail)
}

func (s *policySuite) TestCheckPolicyAuthSessionExpired(c *C) {
	sess := &Session{Digest: []byte("d")}
	SetExpiry(sess, 100)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{clock: 101})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorExpired)
}

func (s *policySuite) TestPolicyPasswordSetsIsPasswordAuth(c *C) {
	sess := &Session{}
	c.Check(sess.IsPasswordAuth, Equals, false)
	PolicyPassword(sess)
	c.Check(sess.IsPasswordAuth, Equals, true)
}

func (s *policySuite) TestCheckPolicyAuthSessionPCRChanged(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyPCR(sess, 1)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest, PCRCounter: 2}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPCRChanged)
}

func (s *policySuite) TestCheckPolicyAuthSessionPCRCounterMatches(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyPCR(sess, 2)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest, PCRCounter: 2}

	c.Check(CheckPolicyAuthSession(sess, target, &fakePlatform{}), IsNil)
}

func (s *policySuite) TestCheckPolicyAuthSessionPhysicalPresenceRequiredButNotAsserted(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyPhysicalPresence(sess)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{pp: false})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPP)
}

func (s *policySuite) TestCheckPolicyAuthSessionPhysicalPresenceAsserted(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyPhysicalPresence(sess)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest}

	c.Check(CheckPolicyAuthSession(sess, target, &fakePlatform{pp: true}), IsNil)
}

func (s *policySuite) TestCheckPolicyAuthSessionNvWrittenNotAnNVIndex(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyNvWritten(sess, true)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest, IsNVIndex: false}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPolicyFail)
}

func (s *policySuite) TestCheckPolicyAuthSessionNvWrittenStateMismatch(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyNvWritten(sess, true)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest, IsNVIndex: true, NVWritten: false}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPolicyFail)
}

func (s *policySuite) TestCheckPolicyAuthSessionNvWrittenStateMatches(c *C) {
	sess := &Session{Digest: []byte("d")}
	PolicyNvWritten(sess, true)

	target := Target{CommandCode: tpm2.CommandHierarchyChangeAuth, AuthPolicy: sess.Digest, IsNVIndex: true, NVWritten: true}

	c.Check(CheckPolicyAuthSession(sess, target, &fakePlatform{}), IsNil)
}

func (s *policySuite) TestCheckPolicyAuthSessionAdminRoleWithoutCommandCodeFails(c *C) {
	sess := &Session{Digest: []byte("d")}

	target := Target{
		CommandCode:        tpm2.CommandHierarchyChangeAuth,
		AuthPolicy:         sess.Digest,
		RequiresPolicyRole: true,
	}

	err := CheckPolicyAuthSession(sess, target, &fakePlatform{})
	c.Assert(err, NotNil)
	c.Check(err.(*tpm2.TPMError).Code, Equals, tpm2.ErrorPolicyFail)
}
