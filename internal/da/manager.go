// Package da implements the DAManager component: the dictionary-attack
// failure counter, lockout-auth enable flag and recovery timers, grounded on
// SessionProcess.c's IncrementLockout and CheckLockedOut (the names differ
// slightly from the source's static functions since this package exposes
// them as the public RegisterFailure/CheckLockedOut named in spec §4.2).
package da

import "github.com/addymanzano/libtpms"

// NVAvailability reports whether NV writes can currently be committed, and
// whether the prior shutdown was orderly (SHUTDOWN_NONE), which the source
// uses to decide whether authorization may proceed despite NV being
// momentarily unavailable (spec §5, "NV discipline").
type NVAvailability interface {
	Available() bool
	PriorShutdownWasOrderly() bool
	// Flush attempts to write any pending DA mutation to NV. It returns
	// an error only if NV remains unavailable.
	Flush() error
}

// State is the persisted DA state (part of PersistentState/gp).
type State struct {
	FailedTries        uint32
	MaxTries           uint32
	RecoveryTime       uint32
	LockoutRecovery    uint32
	LockOutAuthEnabled bool
}

// Manager implements the DAManager component.
type Manager struct {
	State State
	NV    NVAvailability

	// pending is true when RegisterFailure mutated State but could not
	// yet confirm the write reached NV (DAPendingOnNV in the source).
	// CheckLockedOut must flush it before any further authorization is
	// permitted.
	pending bool
}

// NewManager returns a Manager with the given initial persisted state.
func NewManager(state State, nv NVAvailability) *Manager {
	return &Manager{State: state, NV: nv}
}

// RegisterFailure charges a dictionary-attack failure against handle, per
// spec §4.2. LOCKOUT failures disable lockout-auth instead of incrementing
// the try counter; only SetLockoutAuthEnabled turns it back on (the
// DictionaryAttackLockReset handler calls it with true). All other
// non-exempt handles increment FailedTries by
// exactly 1, but only if RecoveryTime is non-zero — a RecoveryTime of zero
// means DA protection is disabled for everything but LOCKOUT itself, per
// invariant 5 in spec §8.
func (m *Manager) RegisterFailure(handle tpm2.Handle) {
	if handle == tpm2.HandleLockout {
		m.State.LockOutAuthEnabled = false
	} else if m.State.RecoveryTime != 0 {
		m.State.FailedTries++
	}

	if err := m.NV.Flush(); err != nil {
		m.pending = true
		return
	}
	m.pending = false
}

// CheckLockedOut implements spec §4.2's CheckLockedOut: called before any
// authorization that may charge DA. lockoutAuthCheck is true when the
// handle being authorized is LOCKOUT itself.
func (m *Manager) CheckLockedOut(lockoutAuthCheck bool) error {
	if !m.NV.Available() && !m.NV.PriorShutdownWasOrderly() {
		return &tpm2.TPMError{Code: tpm2.ErrorNVUnavailable}
	}

	if m.pending {
		if err := m.NV.Flush(); err != nil {
			return &tpm2.TPMError{Code: tpm2.ErrorNVUnavailable}
		}
		m.pending = false
	}

	if lockoutAuthCheck && !m.State.LockOutAuthEnabled {
		return &tpm2.TPMError{Code: tpm2.ErrorLockout}
	}
	if !lockoutAuthCheck && m.State.FailedTries >= m.State.MaxTries {
		return &tpm2.TPMError{Code: tpm2.ErrorLockout}
	}
	return nil
}

// Reset clears FailedTries, used by DictionaryAttackLockReset.
func (m *Manager) Reset() {
	m.State.FailedTries = 0
}

// SetLockoutAuthEnabled sets the lockout-auth enable flag. The
// DictionaryAttackLockReset handler, which authorizes against LOCKOUT,
// calls it with true.
func (m *Manager) SetLockoutAuthEnabled(v bool) {
	m.State.LockOutAuthEnabled = v
}
