// Package audit implements the CommandAudit component: the per-command
// audit bitmap, running command-audit digest and audit counter, grounded
// directly on CommandAudit.c (CommandAuditPreInstall_Init, CommandAuditSet,
// CommandAuditClear, CommandAuditIsRequired, CommandAuditCapGetCCList,
// CommandAuditGetDigest, and the size-0/size-1 sentinel extend logic
// described in spec §4.3).
package audit

import (
	"sort"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/bitutil"
)

// MaxCapCC bounds the number of command codes CapGetCCList returns in one
// call, mirroring the source's MAX_CAP_CC.
const MaxCapCC = 64

// CommandIndex is a dense, zero-based index over implemented commands, the
// domain CommandAuditIsRequired/Set/Clear operate on (COMMAND_INDEX in the
// source). UnimplementedIndex marks a command code the TPM does not
// implement.
type CommandIndex int

const UnimplementedIndex CommandIndex = -1

// CommandTable maps command codes to their dense index and back, standing
// in for the source's generated s_ccAttr table.
type CommandTable interface {
	IndexOf(cc tpm2.CommandCode) CommandIndex
	CodeOf(idx CommandIndex) tpm2.CommandCode
	// Count is the number of implemented commands.
	Count() int
}

// State is the persisted audit state (part of PersistentState/gp).
type State struct {
	Commands    []byte // bit array, one bit per CommandIndex
	HashAlg     tpm2.HashAlgorithmId
	Counter     uint64
}

// Audit implements the CommandAudit component. Digest is volatile
// (commandAuditDigest lives in gr, not gp) and is reset to empty on
// TPM Reset by Startup.
type Audit struct {
	State  State
	Table  CommandTable
	Digest []byte // nil/empty means "size 0"; while sizeOneSentinel is
	// true (Digest is then nil) it models the source's transient size-1
	// flag instead.
	sizeOneSentinel bool
}

// New returns an Audit bound to the given persisted state and command
// table.
func New(state State, table CommandTable) *Audit {
	return &Audit{State: state, Table: table}
}

// PreInstallInit corresponds to CommandAuditPreInstall_Init: the one-shot
// manufacturing/provisioning initializer named in spec §1's scope note. It
// clears the audit bitmap, force-sets SetCommandCodeAuditStatus's bit, and
// resets the hash algorithm and counter.
func PreInstallInit(table CommandTable, hashAlg tpm2.HashAlgorithmId) *Audit {
	n := (table.Count() + 7) / 8
	a := &Audit{
		State: State{Commands: make([]byte, n), HashAlg: hashAlg, Counter: 0},
		Table: table,
	}
	a.Set(tpm2.CommandSetCommandCodeAuditStatus)
	return a
}

// Startup corresponds to CommandAuditStartup: on a TPM Reset the running
// digest is cleared back to size 0.
func (a *Audit) Startup() {
	a.Digest = nil
	a.sizeOneSentinel = false
}

// Set corresponds to CommandAuditSet. It never sets the bit for an
// unimplemented command or for Shutdown, and reports whether it changed
// anything.
func (a *Audit) Set(cc tpm2.CommandCode) bool {
	idx := a.Table.IndexOf(cc)
	if idx == UnimplementedIndex {
		return false
	}
	if cc == tpm2.CommandShutdown {
		return false
	}
	if bitutil.IsSet(int(idx), a.State.Commands) {
		return false
	}
	bitutil.Set(int(idx), a.State.Commands)
	return true
}

// Clear corresponds to CommandAuditClear. It never clears the bit for
// SetCommandCodeAuditStatus, which is always audited.
func (a *Audit) Clear(cc tpm2.CommandCode) bool {
	idx := a.Table.IndexOf(cc)
	if idx == UnimplementedIndex {
		return false
	}
	if cc == tpm2.CommandSetCommandCodeAuditStatus {
		return false
	}
	if !bitutil.IsSet(int(idx), a.State.Commands) {
		return false
	}
	bitutil.Clear(int(idx), a.State.Commands)
	return true
}

// IsRequired corresponds to CommandAuditIsRequired.
func (a *Audit) IsRequired(cc tpm2.CommandCode) bool {
	idx := a.Table.IndexOf(cc)
	if idx == UnimplementedIndex {
		return false
	}
	return bitutil.IsSet(int(idx), a.State.Commands)
}

// CapGetCCList corresponds to CommandAuditCapGetCCList: walks implemented
// command codes in ascending order starting at or above startCC, collecting
// the audited ones up to count (capped at MaxCapCC); more is true if the
// walk had further audited commands left when it stopped.
func (a *Audit) CapGetCCList(startCC tpm2.CommandCode, count int) (list []tpm2.CommandCode, more bool) {
	if count > MaxCapCC {
		count = MaxCapCC
	}

	all := make([]tpm2.CommandCode, 0, a.Table.Count())
	for i := 0; i < a.Table.Count(); i++ {
		all = append(all, a.Table.CodeOf(CommandIndex(i)))
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	for _, cc := range all {
		if cc < startCC {
			continue
		}
		if !a.IsRequired(cc) {
			continue
		}
		if len(list) < count {
			list = append(list, cc)
		} else {
			more = true
			break
		}
	}
	return list, more
}

// GetDigest corresponds to CommandAuditGetDigest: hashes the ascending
// command codes of every audited command into a single digest under
// State.HashAlg.
func (a *Audit) GetDigest(hash func(tpm2.HashAlgorithmId, ...[]byte) []byte) tpm2.Digest {
	all := make([]tpm2.CommandCode, 0, a.Table.Count())
	for i := 0; i < a.Table.Count(); i++ {
		cc := a.Table.CodeOf(CommandIndex(i))
		if a.IsRequired(cc) {
			all = append(all, cc)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	var buf []byte
	for _, cc := range all {
		buf = append(buf, byte(cc>>24), byte(cc>>16), byte(cc>>8), byte(cc))
	}
	return hash(a.State.HashAlg, buf)
}

// Extend advances the running commandAuditDigest for a single audited
// command's (cpHash, rpHash) pair, per spec §4.3's size-0/size-1 sentinel
// rules:
//   - size 0 (a.Digest is empty and not sizeOneSentinel): this command
//     starts a new digest chain and bumps Counter.
//   - size 1 (sizeOneSentinel set, meaning the audit hash algorithm was just
//     changed): skip the extend for this command only, then treat the
//     digest as size 0 from the next audited command onward.
//   - otherwise: digest' = H(digest || cpHash || rpHash).
func (a *Audit) Extend(hash func(tpm2.HashAlgorithmId, ...[]byte) []byte, cpHash, rpHash []byte) {
	if a.sizeOneSentinel {
		a.sizeOneSentinel = false
		a.Digest = nil
		return
	}
	if len(a.Digest) == 0 {
		a.State.Counter++
		a.Digest = hash(a.State.HashAlg, make([]byte, a.State.HashAlg.Size()), cpHash, rpHash)
		return
	}
	a.Digest = hash(a.State.HashAlg, a.Digest, cpHash, rpHash)
}

// ResetForAlgorithmChange marks the digest as the transient size-1 sentinel:
// the audit hash algorithm has just changed, so the next audited command
// does not extend the digest at all, and the one after it starts a fresh
// chain (see Extend).
func (a *Audit) ResetForAlgorithmChange() {
	a.Digest = nil
	a.sizeOneSentinel = true
}

// CounterValue returns the persisted audit counter.
func (a *Audit) CounterValue() uint64 { return a.State.Counter }
