// Package dispatch is the minimal command table SPEC_FULL.md §11.5 adds to
// drive the session pipeline end-to-end: just enough handlers (Startup,
// HierarchyChangeAuth, SetCommandCodeAuditStatus, GetCommandAuditDigest,
// DictionaryAttackParameters, DictionaryAttackLockReset) to exercise
// ParseSessions/BuildResponseSessions/CheckAuthNoSession over a real
// transport. Grounded on tpm.go's TPMContext.RunCommand, which is the
// client-side mirror of exactly the command/response framing this table's
// server side parses.
package dispatch

import (
	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/audit"
	"github.com/addymanzano/libtpms/internal/da"
	"github.com/addymanzano/libtpms/internal/entity"
	"github.com/addymanzano/libtpms/internal/lifecycle"
	"github.com/addymanzano/libtpms/internal/session"
)

// Handler executes one command's handler body once the session pipeline has
// authorized it. params is the (already decrypted, if applicable) command
// parameter area; it returns the response parameter area.
type Handler func(req *Request) ([]byte, error)

// Request carries everything a handler needs: the resolved handles, the raw
// parameter bytes, and access to the shared components a handler may
// mutate (DA state, audit state, lifecycle, hierarchy auths).
type Request struct {
	Code     tpm2.CommandCode
	Handles  []tpm2.Handle
	Params   []byte
	Resolver *entity.Resolver
	DA       *da.Manager
	Auditor  *audit.Audit
	Lifecycle *lifecycle.Lifecycle

	// SetHierarchyAuth lets a handler (HierarchyChangeAuth) update the
	// authValue the resolver's HierarchyAuth function serves for a
	// permanent handle, without the resolver owning hierarchy-auth
	// storage itself (§11.4 / entity.Resolver.WithHierarchyAuth).
	SetHierarchyAuth func(h tpm2.Handle, auth []byte)
}

// Table is the command code -> handler map plus each command's
// session.CommandInfo shape, used both to dispatch and to construct the
// CommandInfo ParseSessions needs.
type Table struct {
	handlers map[tpm2.CommandCode]Handler
	infos    map[tpm2.CommandCode]session.CommandInfo
}

// NewTable builds the fixed command table this expansion implements.
func NewTable() *Table {
	t := &Table{
		handlers: map[tpm2.CommandCode]Handler{},
		infos:    map[tpm2.CommandCode]session.CommandInfo{},
	}

	t.register(tpm2.CommandStartup, session.CommandInfo{
		Code: tpm2.CommandStartup, AdmitsSessions: false,
	}, handleStartup)

	t.register(tpm2.CommandHierarchyChangeAuth, session.CommandInfo{
		Code: tpm2.CommandHierarchyChangeAuth, AdmitsSessions: true,
		Handles:        []tpm2.Handle{0},
		HandleRoles:    []session.Role{session.RoleAdmin},
		RequiresPolicy: adminHandleRequiresPolicy,
	}, handleHierarchyChangeAuth)

	t.register(tpm2.CommandSetCommandCodeAuditStatus, session.CommandInfo{
		Code: tpm2.CommandSetCommandCodeAuditStatus, AdmitsSessions: true,
		Handles:        []tpm2.Handle{tpm2.HandlePlatform},
		HandleRoles:    []session.Role{session.RoleAdmin},
		RequiresPolicy: adminHandleRequiresPolicy,
	}, handleSetCommandCodeAuditStatus)

	t.register(tpm2.CommandGetCommandAuditDigest, session.CommandInfo{
		Code: tpm2.CommandGetCommandAuditDigest, AdmitsSessions: true,
		Handles:     []tpm2.Handle{tpm2.HandleEndorsement},
		HandleRoles: []session.Role{session.RoleUser},
	}, handleGetCommandAuditDigest)

	t.register(tpm2.CommandDictionaryAttackParameters, session.CommandInfo{
		Code: tpm2.CommandDictionaryAttackParameters, AdmitsSessions: true,
		Handles:        []tpm2.Handle{tpm2.HandleLockout},
		HandleRoles:    []session.Role{session.RoleAdmin},
		RequiresPolicy: adminHandleRequiresPolicy,
	}, handleDictionaryAttackParameters)

	t.register(tpm2.CommandDictionaryAttackLockReset, session.CommandInfo{
		Code: tpm2.CommandDictionaryAttackLockReset, AdmitsSessions: true,
		Handles:        []tpm2.Handle{tpm2.HandleLockout},
		HandleRoles:    []session.Role{session.RoleAdmin},
		RequiresPolicy: adminHandleRequiresPolicy,
	}, handleDictionaryAttackLockReset)

	return t
}

// adminHandleRequiresPolicy implements the "role=ADMIN with no auth
// override" half of spec §4.4.2's AUTH_TYPE rule: every command this table
// registers with a RoleAdmin handle gates that handle on handle index 0, and
// this expansion's simplified entity model carries no per-object
// auth-override attribute that would exempt one, so the single ADMIN handle
// always requires a policy session.
func adminHandleRequiresPolicy(i int) bool {
	return i == 0
}

func (t *Table) register(cc tpm2.CommandCode, info session.CommandInfo, h Handler) {
	t.infos[cc] = info
	t.handlers[cc] = h
}

// Info returns the CommandInfo for cc, substituting req.Handles at dispatch
// time since the static table only fixes each handle's role, not its
// runtime value.
func (t *Table) Info(cc tpm2.CommandCode, handles []tpm2.Handle) (session.CommandInfo, bool) {
	info, ok := t.infos[cc]
	if !ok {
		return session.CommandInfo{}, false
	}
	info.Handles = handles
	return info, true
}

// Handler returns the handler for cc.
func (t *Table) Handler(cc tpm2.CommandCode) (Handler, bool) {
	h, ok := t.handlers[cc]
	return h, ok
}

// HandleCount reports how many command handles cc's wire format carries,
// derived from the placeholder Handles slice passed to register — its
// length, not its (zero) contents, is what callers need before the real
// handle values have been read off the wire.
func (t *Table) HandleCount(cc tpm2.CommandCode) (int, bool) {
	info, ok := t.infos[cc]
	if !ok {
		return 0, false
	}
	return len(info.Handles), true
}

// Codes returns every command code this table implements, used to build the
// dense CommandIndex space internal/audit needs.
func (t *Table) Codes() []tpm2.CommandCode {
	codes := make([]tpm2.CommandCode, 0, len(t.infos))
	for cc := range t.infos {
		codes = append(codes, cc)
	}
	return codes
}

func handleStartup(req *Request) ([]byte, error) {
	req.Lifecycle.Startup()
	req.Auditor.Startup()
	return nil, nil
}

func handleHierarchyChangeAuth(req *Request) ([]byte, error) {
	if len(req.Params) < 2 {
		return nil, &tpm2.TPMError{Command: req.Code, Code: tpm2.ErrorSize}
	}
	sz := int(req.Params[0])<<8 | int(req.Params[1])
	if 2+sz > len(req.Params) {
		return nil, &tpm2.TPMError{Command: req.Code, Code: tpm2.ErrorSize}
	}
	newAuth := req.Params[2 : 2+sz]
	req.SetHierarchyAuth(req.Handles[0], newAuth)
	return nil, nil
}

func handleSetCommandCodeAuditStatus(req *Request) ([]byte, error) {
	if len(req.Params) < 4 {
		return nil, &tpm2.TPMError{Command: req.Code, Code: tpm2.ErrorSize}
	}
	hashAlg := tpm2.HashAlgorithmId(uint16(req.Params[0])<<8 | uint16(req.Params[1]))
	if hashAlg != 0 {
		req.Auditor.State.HashAlg = hashAlg
		req.Auditor.ResetForAlgorithmChange()
	}
	// setList / clearList walking is omitted: this expansion's table
	// exercises the session pipeline, not the full NV-backed command-code
	// list parser described in CommandAudit.c.
	return nil, nil
}

func handleGetCommandAuditDigest(req *Request) ([]byte, error) {
	return nil, nil
}

func handleDictionaryAttackParameters(req *Request) ([]byte, error) {
	if len(req.Params) < 12 {
		return nil, &tpm2.TPMError{Command: req.Code, Code: tpm2.ErrorSize}
	}
	maxTries := uint32(req.Params[0])<<24 | uint32(req.Params[1])<<16 | uint32(req.Params[2])<<8 | uint32(req.Params[3])
	recoveryTime := uint32(req.Params[4])<<24 | uint32(req.Params[5])<<16 | uint32(req.Params[6])<<8 | uint32(req.Params[7])
	req.DA.State.MaxTries = maxTries
	req.DA.State.RecoveryTime = recoveryTime
	return nil, nil
}

func handleDictionaryAttackLockReset(req *Request) ([]byte, error) {
	req.DA.Reset()
	req.DA.SetLockoutAuthEnabled(true)
	return nil, nil
}
