package da_test

import (
	"testing"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/da"
)

type fakeNV struct {
	available bool
	orderly   bool
	flushErr  error
}

func (n *fakeNV) Available() bool                { return n.available }
func (n *fakeNV) PriorShutdownWasOrderly() bool   { return n.orderly }
func (n *fakeNV) Flush() error                    { return n.flushErr }

func TestRegisterFailureIncrementsFailedTries(t *testing.T) {
	nv := &fakeNV{available: true, orderly: true}
	m := da.NewManager(da.State{MaxTries: 3, RecoveryTime: 3600, LockOutAuthEnabled: true}, nv)

	m.RegisterFailure(tpm2.HandleOwner)
	if m.State.FailedTries != 1 {
		t.Fatalf("expected FailedTries 1, got %d", m.State.FailedTries)
	}
}

func TestRegisterFailureWithZeroRecoveryTimeDisablesDAExceptLockout(t *testing.T) {
	nv := &fakeNV{available: true, orderly: true}
	m := da.NewManager(da.State{MaxTries: 3, RecoveryTime: 0, LockOutAuthEnabled: true}, nv)

	m.RegisterFailure(tpm2.HandleOwner)
	if m.State.FailedTries != 0 {
		t.Fatal("expected FailedTries to stay 0 when RecoveryTime is 0")
	}
}

func TestRegisterFailureAgainstLockoutDisablesLockoutAuth(t *testing.T) {
	nv := &fakeNV{available: true, orderly: true}
	m := da.NewManager(da.State{MaxTries: 3, RecoveryTime: 3600, LockOutAuthEnabled: true}, nv)

	m.RegisterFailure(tpm2.HandleLockout)
	if m.State.LockOutAuthEnabled {
		t.Fatal("expected a LOCKOUT failure to disable lockout auth")
	}
	if m.State.FailedTries != 0 {
		t.Fatal("expected a LOCKOUT failure not to increment FailedTries")
	}
}

func TestCheckLockedOutAfterMaxTries(t *testing.T) {
	nv := &fakeNV{available: true, orderly: true}
	m := da.NewManager(da.State{MaxTries: 1, RecoveryTime: 3600, LockOutAuthEnabled: true}, nv)

	m.RegisterFailure(tpm2.HandleOwner)
	err := m.CheckLockedOut(false)
	if err == nil {
		t.Fatal("expected CheckLockedOut to report lockout after reaching MaxTries")
	}
	if err.(*tpm2.TPMError).Code != tpm2.ErrorLockout {
		t.Fatalf("expected ErrorLockout, got %v", err)
	}
}

func TestCheckLockedOutLockoutAuthDisabled(t *testing.T) {
	nv := &fakeNV{available: true, orderly: true}
	m := da.NewManager(da.State{MaxTries: 3, RecoveryTime: 3600, LockOutAuthEnabled: false}, nv)

	err := m.CheckLockedOut(true)
	if err == nil || err.(*tpm2.TPMError).Code != tpm2.ErrorLockout {
		t.Fatal("expected CheckLockedOut(true) to fail when lockout auth is disabled")
	}
}

func TestCheckLockedOutNVUnavailableAfterDisorderlyShutdown(t *testing.T) {
	nv := &fakeNV{available: false, orderly: false}
	m := da.NewManager(da.State{MaxTries: 3, RecoveryTime: 3600, LockOutAuthEnabled: true}, nv)

	err := m.CheckLockedOut(false)
	if err == nil || err.(*tpm2.TPMError).Code != tpm2.ErrorNVUnavailable {
		t.Fatal("expected ErrorNVUnavailable when NV is unavailable after a disorderly shutdown")
	}
}

func TestResetClearsFailedTries(t *testing.T) {
	nv := &fakeNV{available: true, orderly: true}
	m := da.NewManager(da.State{MaxTries: 3, RecoveryTime: 3600, LockOutAuthEnabled: true}, nv)
	m.RegisterFailure(tpm2.HandleOwner)
	m.Reset()
	if m.State.FailedTries != 0 {
		t.Fatal("expected Reset to clear FailedTries")
	}
}
