package main

import (
	"sync"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/audit"
	"github.com/addymanzano/libtpms/internal/dispatch"
	"github.com/addymanzano/libtpms/internal/entity"
	"github.com/addymanzano/libtpms/internal/session"
)

// objectStore is an in-memory entity.ObjectStore: a fixed transient-slot
// table plus a persistent-object map it loads slots from, mirroring the
// teacher's ResourceContext map keyed by handle rather than by index.
type objectStore struct {
	mu         sync.Mutex
	transient  map[tpm2.Handle]*entity.Object
	persistent map[tpm2.Handle]*entity.Object
	nextSlot   uint32
}

const maxTransientSlots = 64

func newObjectStore() *objectStore {
	return &objectStore{
		transient:  map[tpm2.Handle]*entity.Object{},
		persistent: map[tpm2.Handle]*entity.Object{},
	}
}

func (s *objectStore) Transient(h tpm2.Handle) (*entity.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.transient[h]
	return obj, ok
}

func (s *objectStore) LoadEvict(h tpm2.Handle) (*entity.Object, tpm2.Handle, entity.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.persistent[h]
	if !ok {
		return nil, h, entity.StatusReferenceH0, false
	}
	if len(s.transient) >= maxTransientSlots {
		return nil, h, entity.StatusObjectMemory, false
	}
	s.nextSlot++
	newHandle := tpm2.Handle(uint32(tpm2.HandleTypeTransient)<<24 | s.nextSlot)
	s.transient[newHandle] = obj
	return obj, newHandle, entity.StatusOK, true
}

// put registers an already-public object under a persistent handle, used by
// a hierarchy-provisioning command this expansion does not otherwise model.
func (s *objectStore) put(h tpm2.Handle, obj *entity.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistent[h] = obj
}

// nvView is an in-memory entity.NVStoreView.
type nvView struct {
	mu      sync.Mutex
	indices map[tpm2.Handle]*entity.NVIndex
}

func newNVView() *nvView {
	return &nvView{indices: map[tpm2.Handle]*entity.NVIndex{}}
}

func (v *nvView) Lookup(h tpm2.Handle) (*entity.NVIndex, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx, ok := v.indices[h]
	return idx, ok
}

// Accessible always reports true once Lookup succeeds: this expansion has
// no partial-NV-write state that would otherwise block access.
func (v *nvView) Accessible(idx *entity.NVIndex) bool { return true }

// pcrView is an in-memory entity.PCRStoreView, fixed at the 24 PCRs a
// software implementation conventionally exposes.
type pcrView struct {
	pcrs [24]entity.PCR
}

func newPCRView() *pcrView {
	v := &pcrView{}
	for i := range v.pcrs {
		v.pcrs[i].Index = i
	}
	return v
}

func (v *pcrView) Lookup(index int) (*entity.PCR, bool) {
	if index < 0 || index >= len(v.pcrs) {
		return nil, false
	}
	return &v.pcrs[index], true
}

// sessionPool is the in-memory session.Pool / entity.SessionStoreView: a
// fixed slot table over HMAC_SESSION/POLICY_SESSION handles, tracking the
// single exclusive audit session handle per spec §4.4.4.
type sessionPool struct {
	mu       sync.Mutex
	slots    map[tpm2.Handle]*session.Session
	nextSlot uint32
	audit    tpm2.Handle
}

func newSessionPool() *sessionPool {
	return &sessionPool{
		slots: map[tpm2.Handle]*session.Session{},
		audit: session.UnassignedHandle,
	}
}

func (p *sessionPool) Get(h tpm2.Handle) (*session.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[h]
	return s, ok
}

func (p *sessionPool) Loaded(h tpm2.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.slots[h]
	return ok
}

func (p *sessionPool) IsPolicySession(h tpm2.Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[h]
	return ok && s.Type == tpm2.SessionTypePolicy
}

func (p *sessionPool) Flush(h tpm2.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, h)
	if p.audit == h {
		p.audit = session.UnassignedHandle
	}
}

func (p *sessionPool) ExclusiveAuditSession() tpm2.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.audit
}

func (p *sessionPool) SetExclusiveAuditSession(h tpm2.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audit = h
}

// start allocates a new session slot, used by a session-establishment
// command this expansion's dispatch table does not itself implement but
// which internal/session's tests exercise directly against sessionPool's
// sibling test doubles.
func (p *sessionPool) start(typ tpm2.SessionType, alg tpm2.HashAlgorithmId) tpm2.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextSlot++
	handleType := tpm2.HandleTypeHMACSession
	if typ == tpm2.SessionTypePolicy {
		handleType = tpm2.HandleTypePolicySession
	}
	h := tpm2.Handle(uint32(handleType)<<24 | p.nextSlot)
	p.slots[h] = &session.Session{Handle: h, Type: typ, AuthHashAlg: alg}
	return h
}

// commandTable adapts dispatch.Table's command codes into the dense index
// space audit.CommandTable needs, sorted so the mapping is stable across
// process restarts (the source's equivalent stability comes from the fixed
// compiled-in command list).
type commandTable struct {
	byIndex []tpm2.CommandCode
	byCode  map[tpm2.CommandCode]audit.CommandIndex
}

func newCommandTable(t *dispatch.Table) *commandTable {
	codes := t.Codes()
	// simple insertion sort: the command table is small and fixed, so a
	// library sort would be the only consumer of "sort" in this file.
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j] < codes[j-1]; j-- {
			codes[j], codes[j-1] = codes[j-1], codes[j]
		}
	}
	ct := &commandTable{byIndex: codes, byCode: map[tpm2.CommandCode]audit.CommandIndex{}}
	for i, cc := range codes {
		ct.byCode[cc] = audit.CommandIndex(i)
	}
	return ct
}

func (ct *commandTable) IndexOf(cc tpm2.CommandCode) audit.CommandIndex {
	idx, ok := ct.byCode[cc]
	if !ok {
		return audit.UnimplementedIndex
	}
	return idx
}

func (ct *commandTable) CodeOf(idx audit.CommandIndex) tpm2.CommandCode {
	if idx < 0 || int(idx) >= len(ct.byIndex) {
		return 0
	}
	return ct.byIndex[idx]
}

func (ct *commandTable) Count() int { return len(ct.byIndex) }
