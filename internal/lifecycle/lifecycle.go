// Package lifecycle implements the TPMLifecycle component: the single
// s_initialized gate from Power.c's TPMInit/TPMRegisterStartup/TPMIsStarted,
// plus the power-on/power-off reactions from PowerPlat.c that the session
// pipeline depends on indirectly (clock reset, locality reset) via the
// platform package.
package lifecycle

import "github.com/addymanzano/libtpms/internal/platform"

// Lifecycle tracks whether TPM2_Startup has completed successfully since the
// last _TPM_Init, mirroring the source's s_initialized boolean.
type Lifecycle struct {
	initialized bool
	platform    *platform.Simulated
}

// New returns a Lifecycle bound to the given simulated platform, in its
// post-_TPM_Init (uninitialized) state.
func New(p *platform.Simulated) *Lifecycle {
	l := &Lifecycle{platform: p}
	l.Init()
	return l
}

// Init corresponds to _TPM_Init / TPMInit: clears s_initialized. Any command
// dispatched before the next successful Startup is refused; that refusal is
// the dispatcher's responsibility, not this package's.
func (l *Lifecycle) Init() {
	l.initialized = false
	l.platform.PowerOn()
}

// Startup corresponds to TPM2_Startup succeeding: it marks the TPM as
// initialized, i.e. ready to accept commands other than Startup itself.
func (l *Lifecycle) Startup() {
	l.initialized = true
}

// IsStarted corresponds to TPMIsStarted.
func (l *Lifecycle) IsStarted() bool {
	return l.initialized
}

// WasPowerLost reports, and clears, whether power was lost since the last
// check — the lifecycle-level view of the platform's latched powerLost flag,
// consulted by Startup-adjacent logic to decide between TPM_SU_CLEAR and
// TPM_SU_STATE startup handling.
func (l *Lifecycle) WasPowerLost() bool {
	return l.platform.WasPowerLost()
}
