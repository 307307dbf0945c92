// Copyright 2019 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package tpm2

import (
	"bytes"
	"fmt"

	"golang.org/x/xerrors"
)

const (
	// AnyCommandCode is used to match any command code when using the Is* predicates below.
	AnyCommandCode CommandCode = 0xc0000000

	// AnyErrorCode is used to match any error code.
	AnyErrorCode ErrorCode = 0x100

	// AnyIndex is used to match any handle, parameter or session index.
	AnyIndex int = -1

	Success ErrorCode = 0x000
)

// ErrorCode is one of the structural, availability, policy-check or
// authentication error codes named in the external interface. The format-1
// codes below (those that can be tagged to a handle, parameter or session)
// already include errorCode1Start (0x080); no constant carries a handle,
// parameter or session index, which TPMHandleError/TPMSessionError/
// TPMParameterError hold separately.
type ErrorCode ResponseCode

const (
	ErrorHandle          ErrorCode = 0x08B
	ErrorReferenceH0     ErrorCode = 0x090
	ErrorReferenceS0      ErrorCode = 0x098
	ErrorHierarchy       ErrorCode = 0x085
	ErrorObjectMemory    ErrorCode = 0x002
	ErrorValue           ErrorCode = 0x084
	ErrorSize            ErrorCode = 0x095
	ErrorAuthMissing     ErrorCode = 0x025
	ErrorAuthContext     ErrorCode = 0x045
	ErrorAuthFail        ErrorCode = 0x08E
	ErrorBadAuth         ErrorCode = 0x0A2
	ErrorAuthType        ErrorCode = 0x024
	ErrorAuthUnavailable ErrorCode = 0x08F
	ErrorLockout         ErrorCode = 0x021
	ErrorPP              ErrorCode = 0x09F
	ErrorLocality        ErrorCode = 0x061
	ErrorPCR             ErrorCode = 0x026
	ErrorPCRChanged      ErrorCode = 0x0A8
	ErrorPolicyFail      ErrorCode = 0x09D
	ErrorPolicyCC        ErrorCode = 0x0A4
	ErrorExpired         ErrorCode = 0x0A3
	ErrorMode            ErrorCode = 0x044
	ErrorExclusive       ErrorCode = 0x08A
	ErrorSymmetric       ErrorCode = 0x09C
	ErrorNonce           ErrorCode = 0x091
	ErrorAttributes      ErrorCode = 0x092
	ErrorNVUnavailable   ErrorCode = 0x923
	ErrorNVRate          ErrorCode = 0x920
)

var errorCodeDescriptions = map[ErrorCode]string{
	ErrorHandle:          "the handle is not correct for its use",
	ErrorReferenceH0:     "the handle is not correct for its use",
	ErrorReferenceS0:      "a session handle references an inactive session",
	ErrorHierarchy:       "the hierarchy is disabled or is not correct for the use",
	ErrorObjectMemory:    "the TPM is out of object memory",
	ErrorValue:           "value is out of range or is not correct for the context",
	ErrorSize:            "value of the session area is incorrect",
	ErrorAuthMissing:     "the authorization for a handle is missing",
	ErrorAuthContext:     "there is extra data in the session area or a command is missing one",
	ErrorAuthFail:        "the authorization HMAC check failed and DA counter incremented",
	ErrorBadAuth:         "the authorization HMAC check failed without DA implications",
	ErrorAuthType:        "command requires a policy session; authorization session type is not compatible",
	ErrorAuthUnavailable: "an authorization value or policy is not available for selected entity",
	ErrorLockout:         "authorizations for objects subject to DA protection are not allowed at this time",
	ErrorPP:              "physical presence is required but not asserted",
	ErrorLocality:        "command is not allowed at the current locality",
	ErrorPCR:             "PCR check failed",
	ErrorPCRChanged:      "PCR have changed since checked",
	ErrorPolicyFail:      "policy failure in math operation or an invalid authPolicy value",
	ErrorPolicyCC:        "command code in policy is not the command code of the session",
	ErrorExpired:         "policy has expired",
	ErrorMode:            "authorization mode is incorrect for policy secret",
	ErrorExclusive:       "audit session is not the current exclusive audit session",
	ErrorSymmetric:       "unsupported or incompatible symmetric algorithm",
	ErrorNonce:           "nonce size does not match session type",
	ErrorAttributes:      "inconsistent attributes",
	ErrorNVUnavailable:   "NV storage unavailable at this time",
	ErrorNVRate:          "NV rate limit exceeded",
}

const errorCode1Start ErrorCode = 0x080

// WarningCode represents a TPM response that is not necessarily an error
// (e.g. a transient busy state the caller may retry).
type WarningCode ResponseCode

const (
	WarningYielded WarningCode = 0x008
	WarningTesting WarningCode = 0x00A
	WarningRetry   WarningCode = 0x022
)

// TPMError is constructed directly by the session pipeline, the DA manager
// and the dispatch handlers when the TPM refuses a command
// with an error that is not associated with a specific handle, parameter or
// session.
type TPMError struct {
	Command CommandCode
	Code    ErrorCode
}

func (e *TPMError) Error() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "TPM returned an error whilst executing command %#x: %#x", uint32(e.Command), uint32(e.Code))
	if desc, ok := errorCodeDescriptions[e.Code]; ok {
		fmt.Fprintf(&b, " (%s)", desc)
	}
	return b.String()
}

// TPMWarning is returned when the TPM response code indicates a transient
// condition rather than a hard failure.
type TPMWarning struct {
	Command CommandCode
	Code    WarningCode
}

func (e *TPMWarning) Error() string {
	return fmt.Sprintf("TPM returned a warning whilst executing command %#x: %#x", uint32(e.Command), uint32(e.Code))
}

// TPMSessionError wraps a *TPMError that is associated with a specific
// position in the command's authorization area. Per the external interface,
// this is how the specification's "session-scoped errors are tagged with
// TPM_RC_S + rcIndex[sessionIndex]" requirement is represented in Go: the
// tagging is structural (an Index field plus a distinct error type) rather
// than encoded back into a combined numeric code until the error is
// marshaled onto the wire.
type TPMSessionError struct {
	Index int // 1-based position of the session in the authorization area
	err   *TPMError
}

func (e *TPMSessionError) Error() string {
	return fmt.Sprintf("session %d: %v", e.Index, e.err)
}

func (e *TPMSessionError) Unwrap() error { return e.err }
func (e *TPMSessionError) Command() CommandCode { return e.err.Command }
func (e *TPMSessionError) Code() ErrorCode       { return e.err.Code }

// TPMHandleError wraps a *TPMError associated with a specific command
// handle position.
type TPMHandleError struct {
	Index int
	err   *TPMError
}

func (e *TPMHandleError) Error() string {
	return fmt.Sprintf("handle %d: %v", e.Index, e.err)
}

func (e *TPMHandleError) Unwrap() error         { return e.err }
func (e *TPMHandleError) Command() CommandCode  { return e.err.Command }
func (e *TPMHandleError) Code() ErrorCode       { return e.err.Code }

// TPMParameterError wraps a *TPMError associated with a specific command
// parameter position. Reserved for the command-handler layer; the session
// pipeline itself never raises one.
type TPMParameterError struct {
	Index int
	err   *TPMError
}

func (e *TPMParameterError) Error() string {
	return fmt.Sprintf("parameter %d: %v", e.Index, e.err)
}

func (e *TPMParameterError) Unwrap() error        { return e.err }
func (e *TPMParameterError) Command() CommandCode { return e.err.Command }
func (e *TPMParameterError) Code() ErrorCode      { return e.err.Code }

// NewSessionError constructs a session-tagged error for the given command
// and error code. index is the 1-based session position.
func NewSessionError(command CommandCode, code ErrorCode, index int) error {
	return &TPMSessionError{Index: index, err: &TPMError{Command: command, Code: code}}
}

// NewHandleError constructs a handle-tagged error for the given command and
// error code. index is the 1-based handle position.
func NewHandleError(command CommandCode, code ErrorCode, index int) error {
	return &TPMHandleError{Index: index, err: &TPMError{Command: command, Code: code}}
}

// IsTPMError indicates whether err is a *TPMError with the given code and
// command. Use AnyErrorCode / AnyCommandCode to match any value of either.
func IsTPMError(err error, code ErrorCode, command CommandCode) bool {
	var e *TPMError
	return xerrors.As(err, &e) && (code == AnyErrorCode || e.Code == code) && (command == AnyCommandCode || e.Command == command)
}

// IsSessionError indicates whether err is a *TPMSessionError with the given
// code, command and session index. Use AnyIndex to match any session index.
func IsSessionError(err error, code ErrorCode, command CommandCode, index int) bool {
	var e *TPMSessionError
	return xerrors.As(err, &e) && (code == AnyErrorCode || e.Code() == code) && (command == AnyCommandCode || e.Command() == command) && (index == AnyIndex || e.Index == index)
}

// IsHandleError indicates whether err is a *TPMHandleError with the given
// code, command and handle index.
func IsHandleError(err error, code ErrorCode, command CommandCode, index int) bool {
	var e *TPMHandleError
	return xerrors.As(err, &e) && (code == AnyErrorCode || e.Code() == code) && (command == AnyCommandCode || e.Command() == command) && (index == AnyIndex || e.Index == index)
}

// IsAuthFailure reports whether err represents an authentication failure
// that charges the dictionary-attack counter (ErrorAuthFail), as opposed to
// a DA-exempt failure (ErrorBadAuth) or pre-emptive lockout (ErrorLockout).
func IsAuthFailure(err error) bool {
	var e *TPMError
	if xerrors.As(err, &e) && e.Code == ErrorAuthFail {
		return true
	}
	var se *TPMSessionError
	return xerrors.As(err, &se) && se.Code() == ErrorAuthFail
}

// IsLockout reports whether err indicates the entity is presently locked out.
func IsLockout(err error) bool {
	var e *TPMError
	if xerrors.As(err, &e) && e.Code == ErrorLockout {
		return true
	}
	var se *TPMSessionError
	return xerrors.As(err, &se) && se.Code() == ErrorLockout
}
