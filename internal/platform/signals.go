// Package platform is the abstract source of physical-presence, power and
// locality signals the session pipeline consults, grounded on the
// simulator's Power.c, PowerPlat.c and PPPlat.c: _plat__Signal_PowerOn resets
// the clock, zeroes locality, clears the cancel flag and raises powerLost;
// _plat__WasPowerLost reads and clears that flag; _plat__PhysicalPresenceAsserted
// and the two _plat__Signal_PhysicalPresence{On,Off} functions own a single
// process-wide physical-presence flag.
package platform

import "time"

// Signals is the platform interface the session pipeline and entity
// resolver consult for physical presence, locality and clock state. It is a
// deliberately small, narrow interface (in the teacher's style of
// policyutil's policySession/policyParams split) rather than one wide
// platform object.
type Signals interface {
	// PhysicalPresenceAsserted reports whether a human operator has
	// asserted physical presence since it was last cleared.
	PhysicalPresenceAsserted() bool

	// Locality returns the locality of the command currently being
	// processed: 0-4 as a bitmask-checked value, 32-255 as an
	// exact-match value.
	Locality() uint8

	// Clock returns the TPM's monotonically-advancing millisecond clock,
	// used to evaluate policy session timeouts.
	Clock() uint64

	// Canceled reports whether the platform has asserted the
	// asynchronous command-cancellation flag. The session pipeline never
	// polls this mid-operation (§5); only a command dispatcher checks it
	// at defined checkpoints.
	Canceled() bool

	// PCRCounter returns the monotonic counter bumped every time any PCR
	// is extended or reset, used to evaluate a PolicyPCR assertion's
	// "have the PCRs changed since" check.
	PCRCounter() uint32
}

// Simulated is an in-memory Signals implementation suitable for a software
// TPM with no real hardware platform beneath it. It owns the small bag of
// process-wide mutable flags the source keeps as file-scope statics
// (s_physicalPresence, s_locality, s_isCanceled), reset on power events.
type Simulated struct {
	physicalPresence bool
	locality         uint8
	canceled         bool
	powerLost        bool
	clockStart       time.Time
	clockBase        uint64
	pcrCounter       uint32
}

// NewSimulated returns a Simulated platform in its post-power-on state.
func NewSimulated() *Simulated {
	s := &Simulated{}
	s.PowerOn()
	return s
}

// PowerOn corresponds to _plat__Signal_PowerOn: resets the clock, zeroes
// locality, clears the cancellation flag and raises powerLost.
func (s *Simulated) PowerOn() {
	s.clockStart = time.Now()
	s.clockBase = 0
	s.locality = 0
	s.canceled = false
	s.powerLost = true
}

// PowerOff corresponds to _plat__Signal_PowerOff. The platform itself has no
// NV of its own to disable; the lifecycle/NV layers react to power-off
// independently.
func (s *Simulated) PowerOff() {}

// WasPowerLost corresponds to _plat__WasPowerLost: reads and clears the
// latched power-lost flag.
func (s *Simulated) WasPowerLost() bool {
	v := s.powerLost
	s.powerLost = false
	return v
}

// AssertPhysicalPresence corresponds to _plat__Signal_PhysicalPresenceOn.
func (s *Simulated) AssertPhysicalPresence() { s.physicalPresence = true }

// DeassertPhysicalPresence corresponds to _plat__Signal_PhysicalPresenceOff.
func (s *Simulated) DeassertPhysicalPresence() { s.physicalPresence = false }

func (s *Simulated) PhysicalPresenceAsserted() bool { return s.physicalPresence }

// SetLocality lets a test harness or transport layer record the locality of
// the command currently in flight.
func (s *Simulated) SetLocality(l uint8) { s.locality = l }

func (s *Simulated) Locality() uint8 { return s.locality }

func (s *Simulated) Clock() uint64 {
	return s.clockBase + uint64(time.Since(s.clockStart)/time.Millisecond)
}

// Cancel asserts the asynchronous cancellation flag.
func (s *Simulated) Cancel() { s.canceled = true }

// ClearCancel clears the cancellation flag, called by the dispatcher once it
// has observed and acted on it.
func (s *Simulated) ClearCancel() { s.canceled = false }

func (s *Simulated) Canceled() bool { return s.canceled }

func (s *Simulated) PCRCounter() uint32 { return s.pcrCounter }

// BumpPCRCounter corresponds to the source's pcrCounter increment on every
// PCR extend or reset; called by whatever command implementation mutates a
// PCR.
func (s *Simulated) BumpPCRCounter() { s.pcrCounter++ }

// LocalityCompatible reports whether the platform's current locality
// satisfies a policy session's recorded locality byte, per the encoding in
// spec §4.4.3: localities 0-4 are checked as a bitmask (bit i set means
// locality i is permitted), localities 32-255 must match exactly.
func LocalityCompatible(recorded, current uint8) bool {
	if recorded == 0 {
		return true
	}
	if current <= 4 {
		return recorded&(1<<current) != 0
	}
	return recorded == current
}
