package entity_test

import (
	"testing"

	"github.com/addymanzano/libtpms"
	"github.com/addymanzano/libtpms/internal/entity"
)

type fakeObjects struct {
	transient map[tpm2.Handle]*entity.Object
}

func (o *fakeObjects) Transient(h tpm2.Handle) (*entity.Object, bool) {
	obj, ok := o.transient[h]
	return obj, ok
}

func (o *fakeObjects) LoadEvict(h tpm2.Handle) (*entity.Object, tpm2.Handle, entity.Status, bool) {
	return nil, h, entity.StatusReferenceH0, false
}

type fakeNV struct{}

func (fakeNV) Lookup(h tpm2.Handle) (*entity.NVIndex, bool) { return nil, false }
func (fakeNV) Accessible(idx *entity.NVIndex) bool          { return false }

type fakePCRs struct{}

func (fakePCRs) Lookup(index int) (*entity.PCR, bool) { return nil, false }

type fakeSessions struct{}

func (fakeSessions) Loaded(h tpm2.Handle) bool        { return false }
func (fakeSessions) IsPolicySession(h tpm2.Handle) bool { return false }

func newResolver(objs map[tpm2.Handle]*entity.Object) *entity.Resolver {
	return &entity.Resolver{
		Objects:  &fakeObjects{transient: objs},
		NV:       fakeNV{},
		PCRs:     fakePCRs{},
		Sessions: fakeSessions{},
		Flags:    entity.HierarchyFlags{ShEnable: true, EhEnable: true, PhEnable: true},
	}
}

const transientHandle tpm2.Handle = 0x80000001

// TestGetHierarchyTransientNoFlagFallsThroughToNull pins the resolved Open
// Question: a transient object with none of PPS/EPS/SPS set reports
// HierarchyNull rather than defaulting to HierarchyOwner.
func TestGetHierarchyTransientNoFlagFallsThroughToNull(t *testing.T) {
	r := newResolver(map[tpm2.Handle]*entity.Object{
		transientHandle: {Handle: transientHandle},
	})

	if got := r.GetHierarchy(transientHandle); got != tpm2.HierarchyNull {
		t.Fatalf("expected HierarchyNull for an object with no hierarchy flag set, got %v", got)
	}
}

func TestGetHierarchyTransientSPSReportsOwner(t *testing.T) {
	r := newResolver(map[tpm2.Handle]*entity.Object{
		transientHandle: {Handle: transientHandle, SPS: true},
	})
	if got := r.GetHierarchy(transientHandle); got != tpm2.HierarchyOwner {
		t.Fatalf("expected HierarchyOwner, got %v", got)
	}
}

func TestLoadStatusTransientNotPresent(t *testing.T) {
	r := newResolver(nil)
	_, status := r.LoadStatus(transientHandle)
	if status != entity.StatusReferenceH0 {
		t.Fatalf("expected StatusReferenceH0 for an unoccupied transient slot, got %v", status)
	}
}

func TestLoadStatusOwnerDisabled(t *testing.T) {
	r := newResolver(nil)
	r.Flags.ShEnable = false
	_, status := r.LoadStatus(tpm2.HandleOwner)
	if status != entity.StatusHierarchy {
		t.Fatalf("expected StatusHierarchy when the owner hierarchy is disabled, got %v", status)
	}
}

func TestIsDAExemptedPCRsAlwaysExempt(t *testing.T) {
	r := newResolver(nil)
	if !r.IsDAExempted(tpm2.Handle(0)) {
		t.Fatal("expected a PCR handle to always be DA-exempt")
	}
}

func TestIsDAExemptedLockoutIsNeverExempt(t *testing.T) {
	r := newResolver(nil)
	if r.IsDAExempted(tpm2.HandleLockout) {
		t.Fatal("expected LOCKOUT to never be DA-exempt")
	}
}

func TestGetAuthValuePermanentDelegatesToHierarchyAuth(t *testing.T) {
	r := newResolver(nil)
	r.WithHierarchyAuth(func(h tpm2.Handle) []byte {
		if h == tpm2.HandleOwner {
			return []byte("owner-auth")
		}
		return nil
	})
	if got := string(r.GetAuthValue(tpm2.HandleOwner)); got != "owner-auth" {
		t.Fatalf("expected owner-auth, got %q", got)
	}
}
