package audit_test

import (
	"reflect"
	"testing"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/audit"
	"github.com/addymanzano/libtpms/internal/cryptutil"
)

type fakeTable struct {
	codes []tpm2.CommandCode
}

func (t *fakeTable) IndexOf(cc tpm2.CommandCode) audit.CommandIndex {
	for i, c := range t.codes {
		if c == cc {
			return audit.CommandIndex(i)
		}
	}
	return audit.UnimplementedIndex
}

func (t *fakeTable) CodeOf(idx audit.CommandIndex) tpm2.CommandCode {
	if idx < 0 || int(idx) >= len(t.codes) {
		return 0
	}
	return t.codes[idx]
}

func (t *fakeTable) Count() int { return len(t.codes) }

func newTable() *fakeTable {
	return &fakeTable{codes: []tpm2.CommandCode{
		tpm2.CommandStartup,
		tpm2.CommandHierarchyChangeAuth,
		tpm2.CommandSetCommandCodeAuditStatus,
		tpm2.CommandDictionaryAttackLockReset,
	}}
}

func TestPreInstallInitAlwaysAuditsSetCommandCodeAuditStatus(t *testing.T) {
	a := audit.PreInstallInit(newTable(), tpm2.HashAlgorithmSHA256)
	if !a.IsRequired(tpm2.CommandSetCommandCodeAuditStatus) {
		t.Fatal("expected SetCommandCodeAuditStatus to be audited after PreInstallInit")
	}
}

func TestSetAndClear(t *testing.T) {
	a := audit.New(audit.State{Commands: make([]byte, 1), HashAlg: tpm2.HashAlgorithmSHA256}, newTable())

	if !a.Set(tpm2.CommandHierarchyChangeAuth) {
		t.Fatal("expected Set to report a change")
	}
	if a.Set(tpm2.CommandHierarchyChangeAuth) {
		t.Fatal("expected second Set to report no change")
	}
	if !a.IsRequired(tpm2.CommandHierarchyChangeAuth) {
		t.Fatal("expected command to be audited")
	}

	if !a.Clear(tpm2.CommandHierarchyChangeAuth) {
		t.Fatal("expected Clear to report a change")
	}
	if a.IsRequired(tpm2.CommandHierarchyChangeAuth) {
		t.Fatal("expected command to no longer be audited")
	}
}

func TestSetCommandCodeAuditStatusCannotBeCleared(t *testing.T) {
	a := audit.New(audit.State{Commands: make([]byte, 1), HashAlg: tpm2.HashAlgorithmSHA256}, newTable())
	a.Set(tpm2.CommandSetCommandCodeAuditStatus)

	if a.Clear(tpm2.CommandSetCommandCodeAuditStatus) {
		t.Fatal("expected Clear of SetCommandCodeAuditStatus to be refused")
	}
	if !a.IsRequired(tpm2.CommandSetCommandCodeAuditStatus) {
		t.Fatal("expected SetCommandCodeAuditStatus to remain audited")
	}
}

func TestSetUnimplementedCommandIsNoOp(t *testing.T) {
	a := audit.New(audit.State{Commands: make([]byte, 1), HashAlg: tpm2.HashAlgorithmSHA256}, newTable())
	if a.Set(tpm2.CommandGetCommandAuditDigest) {
		t.Fatal("expected Set of an unimplemented command to report no change")
	}
}

func TestExtendSizeZeroStartsChainAndBumpsCounter(t *testing.T) {
	a := audit.New(audit.State{Commands: make([]byte, 1), HashAlg: tpm2.HashAlgorithmSHA256}, newTable())

	a.Extend(cryptutil.Digest, []byte("cp1"), []byte("rp1"))
	if a.CounterValue() != 1 {
		t.Fatalf("expected counter 1, got %d", a.CounterValue())
	}
	want := cryptutil.Digest(tpm2.HashAlgorithmSHA256, make([]byte, tpm2.HashAlgorithmSHA256.Size()), []byte("cp1"), []byte("rp1"))
	if !reflect.DeepEqual([]byte(a.Digest), want) {
		t.Fatal("unexpected digest after first extend")
	}

	a.Extend(cryptutil.Digest, []byte("cp2"), []byte("rp2"))
	if a.CounterValue() != 1 {
		t.Fatalf("expected counter to stay 1 on a non-starting extend, got %d", a.CounterValue())
	}
}

func TestResetForAlgorithmChangeSkipsNextExtend(t *testing.T) {
	a := audit.New(audit.State{Commands: make([]byte, 1), HashAlg: tpm2.HashAlgorithmSHA256}, newTable())
	a.Extend(cryptutil.Digest, []byte("cp1"), []byte("rp1"))
	counterBefore := a.CounterValue()

	a.ResetForAlgorithmChange()
	a.Extend(cryptutil.Digest, []byte("cpX"), []byte("rpX"))
	if len(a.Digest) != 0 {
		t.Fatal("expected the sentinel extend to leave the digest empty")
	}
	if a.CounterValue() != counterBefore {
		t.Fatal("expected the sentinel extend not to bump the counter")
	}

	a.Extend(cryptutil.Digest, []byte("cp2"), []byte("rp2"))
	if a.CounterValue() != counterBefore+1 {
		t.Fatal("expected the next extend after the sentinel to start a fresh chain")
	}
}

func TestStartupClearsDigest(t *testing.T) {
	a := audit.New(audit.State{Commands: make([]byte, 1), HashAlg: tpm2.HashAlgorithmSHA256}, newTable())
	a.Extend(cryptutil.Digest, []byte("cp"), []byte("rp"))
	a.Startup()
	if len(a.Digest) != 0 {
		t.Fatal("expected Startup to clear the running digest")
	}
}
