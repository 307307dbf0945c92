// Package config reads cmd/tpmsimd's ambient configuration, per
// SPEC_FULL.md §10.3: flags and environment via github.com/spf13/pflag and
// github.com/spf13/viper, the configuration pairing observed across the
// wider retrieved pack's daemons. Library packages never read flags or
// environment directly — they take a fully-constructed Config, matching the
// teacher's convention that tpm2.TPMContext takes all of its configuration
// as constructor arguments (NewTPMContext, SetMaxSubmissions).
package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the resolved daemon configuration, passed by value into the
// components it configures.
type Config struct {
	// NVImagePath is the file backing internal/nvstore.Store.
	NVImagePath string

	// MaxDATries and DARecoveryTime seed the DAManager's State.
	MaxDATries     uint32
	DARecoveryTime uint32

	// AuditHashAlg seeds the CommandAudit component's State.HashAlg.
	AuditHashAlg string

	// ListenAddress is the transport address cmd/tpmsimd listens on.
	ListenAddress string

	// Reset reinitializes persistent state exactly as
	// CommandAuditPreInstall_Init does in the source, discarding any
	// existing NV image at NVImagePath.
	Reset bool
}

// Load parses args (typically os.Args[1:]) and overlays environment
// variables prefixed TPMSIMD_, via viper's automatic env binding, returning
// the resolved Config.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("tpmsimd", pflag.ContinueOnError)
	fs.String("nv-image", "tpmsimd.nv", "path to the NV image file")
	fs.Uint32("max-da-tries", 3, "failed authorizations tolerated before lockout")
	fs.Uint32("da-recovery-time", 3600, "seconds of recovery time charged per DA failure")
	fs.String("audit-hash-alg", "sha256", "hash algorithm for the command-audit digest")
	fs.String("listen", "127.0.0.1:2321", "address tpmsimd listens on")
	fs.Bool("reset", false, "reinitialize persistent state, discarding any existing NV image")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("TPMSIMD")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}

	return Config{
		NVImagePath:    v.GetString("nv-image"),
		MaxDATries:     v.GetUint32("max-da-tries"),
		DARecoveryTime: v.GetUint32("da-recovery-time"),
		AuditHashAlg:   v.GetString("audit-hash-alg"),
		ListenAddress:  v.GetString("listen"),
		Reset:          v.GetBool("reset"),
	}, nil
}
